package transcript

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/termbridge/termbridge/pkg/claudecode"
)

const (
	bashSummaryLimit = 200
	resultGlyph      = "⎿  "
)

// summarizeToolUse renders the one-line summary emitted for a tool_use.
func summarizeToolUse(name string, input map[string]any) string {
	switch name {
	case claudecode.ToolRead, claudecode.ToolWrite, claudecode.ToolEdit,
		claudecode.ToolMultiEdit, claudecode.ToolNotebookEdit:
		return fmt.Sprintf("**%s**(%s)", name, inputString(input, "file_path", "notebook_path"))
	case claudecode.ToolBash:
		cmd := inputString(input, "command")
		if len(cmd) > bashSummaryLimit {
			// Back off to a rune boundary so the cut never splits a
			// multi-byte character.
			cut := bashSummaryLimit
			for cut > 0 && !utf8.RuneStart(cmd[cut]) {
				cut--
			}
			cmd = cmd[:cut] + "…"
		}
		return fmt.Sprintf("**Bash**(%s)", cmd)
	case claudecode.ToolGrep, claudecode.ToolGlob:
		return fmt.Sprintf("**%s**(%s)", name, inputString(input, "pattern"))
	case claudecode.ToolTask:
		return fmt.Sprintf("**Task**(%s)", inputString(input, "description"))
	case claudecode.ToolWebFetch:
		return fmt.Sprintf("**WebFetch**(%s)", inputString(input, "url"))
	case claudecode.ToolWebSearch:
		return fmt.Sprintf("**WebSearch**(%s)", inputString(input, "query"))
	case claudecode.ToolTodoWrite:
		n := 0
		if items, ok := input["todos"].([]any); ok {
			n = len(items)
		}
		return fmt.Sprintf("**TodoWrite**(%d item(s))", n)
	case claudecode.ToolAskUserQuestion:
		return fmt.Sprintf("**AskUserQuestion** %s", firstQuestion(input))
	case claudecode.ToolExitPlanMode:
		return fmt.Sprintf("**ExitPlanMode** %s", firstLine(inputString(input, "plan")))
	default:
		return fmt.Sprintf("**%s**(%s)", name, firstInputValue(input))
	}
}

// renderToolResult pairs a tool_result with its pending tool_use and renders
// it per tool type. The pending record is consumed. Results with no pending
// match still render, under an unknown-tool heading.
func renderToolResult(blk claudecode.ContentBlock, st *State) string {
	pending, ok := st.Pending[blk.ToolUseID]
	delete(st.Pending, blk.ToolUseID)
	if !ok {
		pending = PendingTool{Name: "UnknownTool"}
	}

	body := string(blk.Content)
	if strings.HasPrefix(body, claudecode.InterruptedSentinel) {
		return resultGlyph + "Interrupted"
	}
	if blk.IsError {
		return resultGlyph + "Error: " + strings.TrimSpace(body)
	}

	switch pending.Name {
	case claudecode.ToolRead:
		return fmt.Sprintf("%sRead %d lines", resultGlyph, countLines(body))
	case claudecode.ToolWrite:
		return fmt.Sprintf("%sWrote %d lines", resultGlyph, countLines(inputString(pending.Input, "content")))
	case claudecode.ToolEdit, claudecode.ToolMultiEdit, claudecode.ToolNotebookEdit:
		return renderEditDiff(pending)
	case claudecode.ToolBash:
		return fmt.Sprintf("%sOutput %d lines%s", resultGlyph, countLines(body), expandable(body))
	case claudecode.ToolGrep:
		return fmt.Sprintf("Found %d matches%s", countLines(body), expandable(body))
	case claudecode.ToolGlob:
		return fmt.Sprintf("Found %d files%s", countLines(body), expandable(body))
	case claudecode.ToolTask:
		return fmt.Sprintf("Agent output %d lines%s", countLines(body), expandable(body))
	case claudecode.ToolWebFetch:
		return fmt.Sprintf("Fetched %d characters%s", len(body), expandable(body))
	case "UnknownTool":
		return "**UnknownTool**" + expandable(body)
	default:
		return fmt.Sprintf("%sDone%s", resultGlyph, expandable(body))
	}
}

// renderEditDiff renders an Edit-family result as a unified diff computed
// from the stored inputs instead of the CLI's raw confirmation text.
func renderEditDiff(pending PendingTool) string {
	path := inputString(pending.Input, "file_path", "notebook_path")
	var diffs []string

	if edits, ok := pending.Input["edits"].([]any); ok {
		// MultiEdit carries a list of old/new pairs.
		for _, raw := range edits {
			edit, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if d := unifiedDiff(stringField(edit, "old_string"), stringField(edit, "new_string"), path); d != "" {
				diffs = append(diffs, d)
			}
		}
	} else if d := unifiedDiff(inputString(pending.Input, "old_string"), inputString(pending.Input, "new_string"), path); d != "" {
		diffs = append(diffs, d)
	}

	if len(diffs) == 0 {
		return fmt.Sprintf("%sUpdated %s", resultGlyph, path)
	}
	return fmt.Sprintf("%sUpdated %s%s", resultGlyph, path, expandable(strings.Join(diffs, "\n")))
}

// unifiedDiff builds a minimal unified diff from the before/after strings of
// an edit operation.
func unifiedDiff(oldStr, newStr, path string) string {
	if oldStr == newStr {
		return ""
	}
	oldLines := splitLines(oldStr)
	newLines := splitLines(newStr)

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- a/%s\n", path)
	fmt.Fprintf(&sb, "+++ b/%s\n", path)
	fmt.Fprintf(&sb, "@@ -1,%d +1,%d @@\n", len(oldLines), len(newLines))
	for _, line := range oldLines {
		sb.WriteString("-")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	for _, line := range newLines {
		sb.WriteString("+")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func expandable(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	return "\n" + ExpandableOpen + body + ExpandableClose
}

func countLines(s string) int {
	return len(splitLines(s))
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func firstQuestion(input map[string]any) string {
	questions, ok := input["questions"].([]any)
	if !ok || len(questions) == 0 {
		return ""
	}
	q, ok := questions[0].(map[string]any)
	if !ok {
		return ""
	}
	return firstLine(stringField(q, "question"))
}

// firstInputValue stringifies the first input field by sorted key, keeping
// unknown-tool summaries deterministic across runs.
func firstInputValue(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return firstLine(fmt.Sprintf("%v", input[keys[0]]))
}

// inputString returns the first non-empty string field among names.
func inputString(input map[string]any, names ...string) string {
	for _, name := range names {
		if s := stringField(input, name); s != "" {
			return s
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
