// Package term drives the terminal substrate hosting assistant CLI windows
// and reads state back out of captured pane text. Two backends exist: tmux
// (a window per conversation inside one bridge-owned session) and an
// embedded pty with a virtual terminal, for hosts without tmux.
package term

import "regexp"

// The TUI heuristics below depend on the exact glyphs the assistant CLI
// draws. They are kept together so they can be regenerated in one place
// when the upstream TUI changes.
var (
	// spinnerLineRe matches a status row: a spinner glyph followed by
	// free text, e.g. "✻ Deliberating… (esc to interrupt)".
	spinnerLineRe = regexp.MustCompile(`^\s*[✻✽✶✢∴·○◆▸►✓\*]\s+\S.*`)

	// idlePromptRe matches the idle input prompt. A spinner above the
	// idle prompt is stale and must be ignored.
	idlePromptRe = regexp.MustCompile(`^\s*[❯>]\s`)

	// frameOpenRe / frameCloseRe match the box-drawing borders of an
	// interactive question frame.
	frameOpenRe  = regexp.MustCompile(`^\s*╭[─┄]{2,}`)
	frameCloseRe = regexp.MustCompile(`^\s*╰[─┄]{2,}`)
)

// statusScanRows bounds the bottom-up scan for a status line.
const statusScanRows = 15

// frameScanRows bounds how far from the bottom a closing frame delimiter
// may sit and still count as the active interactive frame.
const frameScanRows = 6

// Interactive frame kinds, derived from the first recognised keyword in
// the frame body.
const (
	FrameAskUserQuestion   = "AskUserQuestion"
	FrameExitPlanMode      = "ExitPlanMode"
	FramePermission        = "Permission"
	FrameRestoreCheckpoint = "RestoreCheckpoint"
	FrameUnknown           = "Unknown"
)
