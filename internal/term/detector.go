package term

import "strings"

// ParseStatusLine scans the bottom rows of a captured pane bottom-up and
// returns the first active status line (spinner glyph + text). It returns
// "" when the pane is idle or when the idle prompt is reached before any
// spinner, so stale spinners above the prompt are ignored.
func ParseStatusLine(pane string) string {
	rows := splitRows(pane)
	start := len(rows) - statusScanRows
	if start < 0 {
		start = 0
	}
	for i := len(rows) - 1; i >= start; i-- {
		row := strings.TrimRight(rows[i], " \t")
		if row == "" {
			continue
		}
		if idlePromptRe.MatchString(row) {
			return ""
		}
		if spinnerLineRe.MatchString(row) {
			return strings.TrimSpace(row)
		}
	}
	return ""
}

// Frame is an interactive question frame extracted from the pane.
type Frame struct {
	// Name tags the frame kind (AskUserQuestion, ExitPlanMode, ...).
	Name string
	// Content is the text between the frame delimiters.
	Content string
}

// IsInteractive reports whether the pane currently shows an interactive
// question frame awaiting user input.
func IsInteractive(pane string) bool {
	_, ok := DetectInteractive(pane)
	return ok
}

// DetectInteractive finds the closing frame delimiter near the bottom of
// the pane, walks back to the matching opening delimiter and returns the
// frame content with a name tag derived from its first recognised keyword.
func DetectInteractive(pane string) (Frame, bool) {
	rows := splitRows(pane)

	closing := -1
	limit := len(rows) - frameScanRows
	if limit < 0 {
		limit = 0
	}
	for i := len(rows) - 1; i >= limit; i-- {
		row := strings.TrimRight(rows[i], " \t")
		if row == "" {
			continue
		}
		if frameCloseRe.MatchString(row) {
			closing = i
			break
		}
	}
	if closing < 0 {
		return Frame{}, false
	}

	opening := -1
	for i := closing - 1; i >= 0; i-- {
		if frameOpenRe.MatchString(rows[i]) {
			opening = i
			break
		}
	}
	if opening < 0 {
		return Frame{}, false
	}

	var body []string
	for _, row := range rows[opening+1 : closing] {
		body = append(body, strings.TrimRight(trimFrameBorder(row), " \t"))
	}
	content := strings.TrimSpace(strings.Join(body, "\n"))
	if content == "" {
		return Frame{}, false
	}
	return Frame{Name: classifyFrame(content), Content: content}, true
}

// trimFrameBorder strips the vertical frame border from both edges of a row.
func trimFrameBorder(row string) string {
	row = strings.TrimRight(row, " \t")
	trimmed := strings.TrimSpace(row)
	if strings.HasPrefix(trimmed, "│") {
		trimmed = strings.TrimPrefix(trimmed, "│")
		trimmed = strings.TrimSuffix(strings.TrimRight(trimmed, " \t"), "│")
		return trimmed
	}
	return row
}

func classifyFrame(content string) string {
	switch {
	case strings.Contains(content, "AskUserQuestion"):
		return FrameAskUserQuestion
	case strings.Contains(content, "ExitPlanMode"), strings.Contains(content, "Ready to code"):
		return FrameExitPlanMode
	case strings.Contains(content, "RestoreCheckpoint"), strings.Contains(content, "Restore checkpoint"):
		return FrameRestoreCheckpoint
	case strings.Contains(content, "Permission"), strings.Contains(content, "Do you want"):
		return FramePermission
	default:
		return FrameUnknown
	}
}

func splitRows(pane string) []string {
	return strings.Split(strings.ReplaceAll(pane, "\r\n", "\n"), "\n")
}
