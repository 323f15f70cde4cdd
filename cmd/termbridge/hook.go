package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/termbridge/termbridge/internal/common/config"
	"github.com/termbridge/termbridge/internal/window"
)

// hookPayload is the JSON the assistant CLI pipes into its
// session-start hook.
type hookPayload struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	Cwd            string `json:"cwd"`
}

// runHook appends the session entry for the window this hook fires in.
// It runs inside the window's own process tree, out of process from the
// bridge, so it writes session_map.json directly.
func runHook(args []string) error {
	fs := flag.NewFlagSet("hook", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to settings.toml or its directory")
	agentName := fs.String("agent", "", "agent name; defaults to the only configured agent")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		return err
	}
	agentDir, err := resolveAgentDir(cfg, *agentName)
	if err != nil {
		return err
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read hook payload: %w", err)
	}
	var payload hookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parse hook payload: %w", err)
	}
	if payload.SessionID == "" {
		return fmt.Errorf("hook payload carries no session_id")
	}

	windowID, err := currentWindowID()
	if err != nil {
		return err
	}

	return window.AppendSessionEntry(agentDir, windowID, window.SessionEntry{
		SessionID: payload.SessionID,
		Cwd:       payload.Cwd,
		FilePath:  payload.TranscriptPath,
	})
}

func resolveAgentDir(cfg *config.Config, name string) (string, error) {
	agents := cfg.ResolvedAgents()
	if name == "" {
		if len(agents) != 1 {
			return "", fmt.Errorf("several agents configured, pass -agent")
		}
		return cfg.Global.AgentDir(agents[0].Name), nil
	}
	for _, a := range agents {
		if a.Name == name {
			return cfg.Global.AgentDir(a.Name), nil
		}
	}
	return "", fmt.Errorf("agent %q is not configured", name)
}

// currentWindowID identifies the window the hook runs inside: the
// embedded backend exports it in the environment, tmux answers for its
// own panes.
func currentWindowID() (string, error) {
	if id := os.Getenv("TERMBRIDGE_WINDOW_ID"); id != "" {
		return id, nil
	}
	if os.Getenv("TMUX") != "" {
		out, err := exec.Command("tmux", "display-message", "-p", "#{window_id}").Output()
		if err != nil {
			return "", fmt.Errorf("resolve tmux window: %w", err)
		}
		return strings.TrimSpace(string(out)), nil
	}
	return "", fmt.Errorf("not inside a bridge window")
}
