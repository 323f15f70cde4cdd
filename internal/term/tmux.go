package term

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/common/logger"
)

const tmuxCommandTimeout = 10 * time.Second

// TmuxBackend drives windows inside one bridge-owned tmux session by
// shelling out to the tmux binary.
type TmuxBackend struct {
	session string
	logger  *logger.Logger
}

// NewTmuxBackend returns a backend rooted at the named tmux session. The
// session is created on first window creation.
func NewTmuxBackend(session string, log *logger.Logger) *TmuxBackend {
	return &TmuxBackend{
		session: session,
		logger:  log.WithFields(zap.String("component", "tmux")),
	}
}

func (b *TmuxBackend) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, tmuxCommandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "tmux", args...).CombinedOutput()
	text := strings.TrimRight(string(out), "\n")
	if err != nil {
		if strings.Contains(text, "can't find window") || strings.Contains(text, "can't find pane") {
			return "", ErrWindowNotFound
		}
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, text)
	}
	return text, nil
}

func (b *TmuxBackend) ensureSession(ctx context.Context) error {
	if _, err := b.run(ctx, "has-session", "-t", b.session); err == nil {
		return nil
	}
	_, err := b.run(ctx, "new-session", "-d", "-s", b.session, "-x", "220", "-y", "50")
	if err != nil && strings.Contains(err.Error(), "duplicate session") {
		return nil
	}
	return err
}

// NewWindow creates a detached window and returns tmux's window id (@N).
func (b *TmuxBackend) NewWindow(ctx context.Context, name, cwd, command string) (string, error) {
	if err := b.ensureSession(ctx); err != nil {
		return "", fmt.Errorf("ensure session: %w", err)
	}
	args := []string{"new-window", "-d", "-t", b.session, "-n", name, "-P", "-F", "#{window_id}"}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if command != "" {
		args = append(args, command)
	}
	id, err := b.run(ctx, args...)
	if err != nil {
		return "", err
	}
	b.logger.Info("created window", zap.String("window_id", id), zap.String("name", name), zap.String("cwd", cwd))
	return id, nil
}

// KillWindow destroys the window.
func (b *TmuxBackend) KillWindow(ctx context.Context, windowID string) error {
	_, err := b.run(ctx, "kill-window", "-t", windowID)
	return err
}

// SendKeys injects text literally (-l keeps tmux from interpreting key
// names), then presses Enter when requested. The two calls are separate:
// some TUIs drop the trailing newline of a literal send.
func (b *TmuxBackend) SendKeys(ctx context.Context, windowID, text string, enter bool) error {
	if text != "" {
		if _, err := b.run(ctx, "send-keys", "-t", windowID, "-l", "--", text); err != nil {
			return err
		}
	}
	if enter {
		if _, err := b.run(ctx, "send-keys", "-t", windowID, "Enter"); err != nil {
			return err
		}
	}
	return nil
}

// CapturePane returns the pane text including lines rows of scrollback.
func (b *TmuxBackend) CapturePane(ctx context.Context, windowID string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", windowID}
	if lines > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", lines))
	}
	return b.run(ctx, args...)
}

// ListWindows returns the window ids of the bridge session. A missing
// session means no windows, not an error.
func (b *TmuxBackend) ListWindows(ctx context.Context) ([]string, error) {
	out, err := b.run(ctx, "list-windows", "-t", b.session, "-F", "#{window_id}")
	if err != nil {
		if strings.Contains(err.Error(), "can't find session") || strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// WindowExists reports whether the window id is live in the session.
func (b *TmuxBackend) WindowExists(ctx context.Context, windowID string) (bool, error) {
	ids, err := b.ListWindows(ctx)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == windowID {
			return true, nil
		}
	}
	return false, nil
}
