package term

import (
	"context"
	"errors"
)

// ErrWindowNotFound is returned for operations on a window id that no
// longer exists in the backend.
var ErrWindowNotFound = errors.New("window not found")

// Backend abstracts the terminal substrate that hosts assistant windows.
// Window ids are opaque backend-assigned strings, durable for the life of
// the window.
type Backend interface {
	// NewWindow creates a detached window running command in cwd and
	// returns its id.
	NewWindow(ctx context.Context, name, cwd, command string) (string, error)

	// KillWindow destroys the window and its process.
	KillWindow(ctx context.Context, windowID string) error

	// SendKeys injects text literally into the window, optionally
	// followed by Enter.
	SendKeys(ctx context.Context, windowID, text string, enter bool) error

	// CapturePane returns the visible pane text, up to lines rows of
	// scrollback when lines > 0.
	CapturePane(ctx context.Context, windowID string, lines int) (string, error)

	// ListWindows returns the ids of every live window.
	ListWindows(ctx context.Context) ([]string, error)

	// WindowExists reports whether the window id is live.
	WindowExists(ctx context.Context, windowID string) (bool, error)
}
