// Package delivery owns the outbound path to chat: one FIFO queue per
// destination with a dedicated worker that merges bursts, edits tool
// messages in place, promotes status lines into content, rate-limits
// sends and retries transient failures. Ordering is per destination only.
package delivery

import (
	"github.com/termbridge/termbridge/internal/messenger"
	"github.com/termbridge/termbridge/internal/transcript"
)

// Destination addresses one chat target and carries its send options.
type Destination struct {
	// Key is the queue identity: one worker, one ordering domain.
	Key    string
	ChatID int64
	Opts   messenger.SendOptions
}

type taskKind int

const (
	taskContent taskKind = iota
	taskStatusUpdate
	taskStatusClear
)

// task is one unit of work on a destination queue.
type task struct {
	kind     taskKind
	windowID string

	// Content fields.
	parts       []string
	contentType transcript.ContentType
	toolUseID   string

	// Status fields.
	statusText string

	retries int
}

// mergeable reports whether two consecutive content tasks may coalesce.
// Tool messages stay atomic: their platform message ids are edit targets.
func (t *task) mergeable(next *task) bool {
	if t.kind != taskContent || next.kind != taskContent {
		return false
	}
	if t.windowID != next.windowID {
		return false
	}
	if t.contentType == transcript.ContentToolUse || t.contentType == transcript.ContentToolResult {
		return false
	}
	if next.contentType == transcript.ContentToolUse || next.contentType == transcript.ContentToolResult {
		return false
	}
	return true
}

// partsLen is the rendered size of the task body including joiners.
func (t *task) partsLen() int {
	n := 0
	for i, p := range t.parts {
		if i > 0 {
			n += len(partJoiner)
		}
		n += len(p)
	}
	return n
}
