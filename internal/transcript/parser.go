// Package transcript reconstructs turn-by-turn conversation structure from
// the assistant CLI's append-only JSON-lines transcript. Parsing is a pure
// function over (entries, carried state); the monitor feeds it the newly
// appended entries of each read cycle and carries the state between calls,
// so incremental parsing is equivalent to batch parsing.
package transcript

import (
	"regexp"
	"strings"

	"github.com/termbridge/termbridge/pkg/claudecode"
)

// Roles of emitted entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContentType classifies an emitted entry.
type ContentType string

// Content types of emitted entries.
const (
	ContentText         ContentType = "text"
	ContentThinking     ContentType = "thinking"
	ContentToolUse      ContentType = "tool_use"
	ContentToolResult   ContentType = "tool_result"
	ContentLocalCommand ContentType = "local_command"
)

// Sentinels wrapping collapsible bodies. The delivery layer translates them
// into the platform's expandable-quote dialect.
const (
	ExpandableOpen  = "<expandable>"
	ExpandableClose = "</expandable>"
)

// User-text tags controlling delivery suppression.
const (
	tagNoNotify = "[NO_NOTIFY]"
	tagSystem   = "[System]"
)

// Entry is one reconstructed message.
type Entry struct {
	Role        string
	ContentType ContentType
	Text        string
	ToolUseID   string
	ToolName    string

	// NoNotify marks entries the bridge must not forward to chat. The flag
	// is sticky: set by a tagged user message, inherited by everything that
	// follows, cleared by the next untagged user message.
	NoNotify bool
}

// PendingTool is a tool_use awaiting its tool_result.
type PendingTool struct {
	Name  string
	Input map[string]any
}

// State is the carrier passed between Parse calls on the same file.
type State struct {
	Pending  map[string]PendingTool
	NoNotify bool
}

// NewState returns an empty carrier. Also used on session rotation: the
// unresolved pending tools of the old session are abandoned, not retried.
func NewState() State {
	return State{Pending: make(map[string]PendingTool)}
}

var (
	commandNameRe   = regexp.MustCompile(`(?s)<command-name>(.*?)</command-name>`)
	commandStdoutRe = regexp.MustCompile(`(?s)<local-command-stdout>(.*?)</local-command-stdout>`)
)

// Parse reconstructs entries from ordered transcript lines. It never
// performs I/O; malformed or unrecognised entries are skipped. The returned
// state must be carried into the next call on the same file.
func Parse(entries []*claudecode.TranscriptEntry, st State) ([]Entry, State) {
	out := make([]Entry, 0, len(entries))
	st = st.clone()

	for _, e := range entries {
		if e == nil || e.Message == nil {
			continue
		}
		switch e.Type {
		case claudecode.EntryTypeUser:
			out = parseUser(e, &st, out)
		case claudecode.EntryTypeAssistant:
			out = parseAssistant(e, &st, out)
		}
	}
	return out, st
}

func parseUser(e *claudecode.TranscriptEntry, st *State, out []Entry) []Entry {
	for _, blk := range e.ContentBlocks() {
		switch blk.Type {
		case claudecode.BlockTypeText:
			out = parseUserText(blk.Text, st, out)
		case claudecode.BlockTypeToolResult:
			out = append(out, Entry{
				Role:        RoleUser,
				ContentType: ContentToolResult,
				Text:        renderToolResult(blk, st),
				ToolUseID:   blk.ToolUseID,
				NoNotify:    st.NoNotify,
			})
		}
	}
	return out
}

func parseUserText(text string, st *State, out []Entry) []Entry {
	// System reminders are injected context, not conversation.
	if strings.Contains(text, "<system-reminder>") {
		return out
	}

	// Local slash commands echo as tagged markup.
	if m := commandNameRe.FindStringSubmatch(text); m != nil {
		body := ""
		if sm := commandStdoutRe.FindStringSubmatch(text); sm != nil {
			body = strings.TrimSpace(sm[1])
		}
		return append(out, Entry{
			Role:        RoleUser,
			ContentType: ContentLocalCommand,
			ToolName:    strings.TrimSpace(m[1]),
			Text:        body,
			NoNotify:    st.NoNotify,
		})
	}

	switch {
	case strings.HasPrefix(text, tagNoNotify):
		st.NoNotify = true
		rest := strings.TrimSpace(strings.TrimPrefix(text, tagNoNotify))
		if rest == "" {
			return out
		}
		return append(out, Entry{
			Role:        RoleUser,
			ContentType: ContentText,
			Text:        rest,
			NoNotify:    true,
		})
	case strings.HasPrefix(text, tagSystem):
		// [System] implies suppression on its own, independent of
		// [NO_NOTIFY]. The tag stays in the text.
		st.NoNotify = true
		return append(out, Entry{
			Role:        RoleUser,
			ContentType: ContentText,
			Text:        text,
			NoNotify:    true,
		})
	default:
		st.NoNotify = false
		if strings.TrimSpace(text) == "" {
			return out
		}
		return append(out, Entry{
			Role:        RoleUser,
			ContentType: ContentText,
			Text:        text,
			NoNotify:    false,
		})
	}
}

func parseAssistant(e *claudecode.TranscriptEntry, st *State, out []Entry) []Entry {
	for _, blk := range e.ContentBlocks() {
		switch blk.Type {
		case claudecode.BlockTypeText:
			if strings.TrimSpace(blk.Text) == "" {
				continue
			}
			out = append(out, Entry{
				Role:        RoleAssistant,
				ContentType: ContentText,
				Text:        blk.Text,
				NoNotify:    st.NoNotify,
			})
		case claudecode.BlockTypeThinking:
			if strings.TrimSpace(blk.Thinking) == "" {
				continue
			}
			out = append(out, Entry{
				Role:        RoleAssistant,
				ContentType: ContentThinking,
				Text:        ExpandableOpen + blk.Thinking + ExpandableClose,
				NoNotify:    st.NoNotify,
			})
		case claudecode.BlockTypeToolUse:
			st.Pending[blk.ID] = PendingTool{Name: blk.Name, Input: blk.Input}
			out = append(out, Entry{
				Role:        RoleAssistant,
				ContentType: ContentToolUse,
				Text:        summarizeToolUse(blk.Name, blk.Input),
				ToolUseID:   blk.ID,
				ToolName:    blk.Name,
				NoNotify:    st.NoNotify,
			})
		}
	}
	return out
}

func (s State) clone() State {
	out := State{NoNotify: s.NoNotify, Pending: make(map[string]PendingTool, len(s.Pending))}
	for id, p := range s.Pending {
		out.Pending[id] = p
	}
	return out
}
