package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// runAddAgent appends an [[agents]] block to the settings file after a
// short interactive prompt. It never rewrites existing blocks.
func runAddAgent(args []string) error {
	fs := flag.NewFlagSet("add-agent", flag.ContinueOnError)
	settingsPath := fs.String("config", "settings.toml", "settings file to append to")
	if err := fs.Parse(args); err != nil {
		return err
	}

	in := bufio.NewReader(os.Stdin)
	name, err := prompt(in, "Agent name", "")
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("agent name is required")
	}

	tokenEnv, err := prompt(in, "Bot token env var", strings.ToUpper(name)+"_BOT_TOKEN")
	if err != nil {
		return err
	}
	mode, err := prompt(in, "Mode (topic/chat)", "topic")
	if err != nil {
		return err
	}
	if mode != "topic" && mode != "chat" {
		return fmt.Errorf("mode must be topic or chat")
	}
	usersRaw, err := prompt(in, "Allowed user ids (comma separated)", "")
	if err != nil {
		return err
	}
	users, err := parseUserIDs(usersRaw)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return fmt.Errorf("at least one allowed user id is required")
	}
	claudeCmd, err := prompt(in, "Assistant command", "claude")
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n[[agents]]\n")
	fmt.Fprintf(&b, "name = %q\n", name)
	fmt.Fprintf(&b, "bot_token_env = %q\n", tokenEnv)
	fmt.Fprintf(&b, "mode = %q\n", mode)
	fmt.Fprintf(&b, "allowed_users = [%s]\n", joinInt64(users))
	fmt.Fprintf(&b, "claude_command = %q\n", claudeCmd)

	f, err := os.OpenFile(*settingsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return err
	}

	fmt.Printf("Added agent %q to %s. Set %s before running.\n", name, *settingsPath, tokenEnv)
	return nil
}

func prompt(in *bufio.Reader, label, def string) (string, error) {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, err := in.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

func parseUserIDs(raw string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad user id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}

func joinInt64(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}
