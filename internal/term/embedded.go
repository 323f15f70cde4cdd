package term

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/common/logger"
)

const (
	embeddedCols = 200
	embeddedRows = 50
)

// EmbeddedBackend runs each assistant CLI under a local pty and renders
// its screen with a virtual terminal, for hosts without tmux. Capture
// reads the emulated screen the same way the tmux backend reads a pane.
type EmbeddedBackend struct {
	mu      sync.Mutex
	windows map[string]*embeddedWindow
	logger  *logger.Logger
}

type embeddedWindow struct {
	id   string
	name string
	cmd  *exec.Cmd
	ptmx *os.File

	mu   sync.Mutex
	term vt10x.Terminal
	dead bool
}

// NewEmbeddedBackend returns an empty embedded backend.
func NewEmbeddedBackend(log *logger.Logger) *EmbeddedBackend {
	return &EmbeddedBackend{
		windows: make(map[string]*embeddedWindow),
		logger:  log.WithFields(zap.String("component", "embedded-term")),
	}
}

// NewWindow starts command in cwd under a fresh pty.
func (b *EmbeddedBackend) NewWindow(ctx context.Context, name, cwd, command string) (string, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		parts = []string{os.Getenv("SHELL")}
		if parts[0] == "" {
			parts[0] = "/bin/sh"
		}
	}
	id := "%" + uuid.NewString()[:8]
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Dir = cwd
	// The session hook has no tmux to ask, so the id travels in the env.
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "TERMBRIDGE_WINDOW_ID="+id)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: embeddedCols, Rows: embeddedRows})
	if err != nil {
		return "", fmt.Errorf("start pty: %w", err)
	}

	w := &embeddedWindow{
		id:   id,
		name: name,
		cmd:  cmd,
		ptmx: ptmx,
		term: vt10x.New(vt10x.WithSize(embeddedCols, embeddedRows)),
	}

	b.mu.Lock()
	b.windows[w.id] = w
	b.mu.Unlock()

	go w.readLoop()
	go func() {
		_ = cmd.Wait()
		w.mu.Lock()
		w.dead = true
		w.mu.Unlock()
	}()

	b.logger.Info("started embedded window",
		zap.String("window_id", w.id),
		zap.String("name", name),
		zap.String("command", command))
	return w.id, nil
}

// readLoop feeds pty output into the virtual terminal until EOF.
func (w *embeddedWindow) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := w.ptmx.Read(buf)
		if n > 0 {
			w.mu.Lock()
			_, _ = w.term.Write(buf[:n])
			w.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (b *EmbeddedBackend) window(windowID string) (*embeddedWindow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.windows[windowID]
	if !ok {
		return nil, ErrWindowNotFound
	}
	return w, nil
}

// KillWindow terminates the process and releases the pty.
func (b *EmbeddedBackend) KillWindow(ctx context.Context, windowID string) error {
	w, err := b.window(windowID)
	if err != nil {
		return err
	}
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	_ = w.ptmx.Close()

	b.mu.Lock()
	delete(b.windows, windowID)
	b.mu.Unlock()
	return nil
}

// SendKeys writes text to the pty, optionally followed by a carriage
// return (what Enter produces in raw mode).
func (b *EmbeddedBackend) SendKeys(ctx context.Context, windowID, text string, enter bool) error {
	w, err := b.window(windowID)
	if err != nil {
		return err
	}
	if text != "" {
		if _, err := w.ptmx.Write([]byte(text)); err != nil {
			return fmt.Errorf("write pty: %w", err)
		}
	}
	if enter {
		if _, err := w.ptmx.Write([]byte("\r")); err != nil {
			return fmt.Errorf("write pty: %w", err)
		}
	}
	return nil
}

// CapturePane renders the virtual screen to rows of text. The emulator
// keeps no scrollback, so lines beyond the screen height are ignored.
func (b *EmbeddedBackend) CapturePane(ctx context.Context, windowID string, lines int) (string, error) {
	w, err := b.window(windowID)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	rows := make([]string, embeddedRows)
	for row := 0; row < embeddedRows; row++ {
		chars := make([]rune, 0, embeddedCols)
		for col := 0; col < embeddedCols; col++ {
			g := w.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		rows[row] = strings.TrimRight(string(chars), " ")
	}
	return strings.Join(rows, "\n"), nil
}

// ListWindows returns the ids of windows whose process is still running.
func (b *EmbeddedBackend) ListWindows(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []string
	for id, w := range b.windows {
		w.mu.Lock()
		dead := w.dead
		w.mu.Unlock()
		if !dead {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// WindowExists reports whether the window is live.
func (b *EmbeddedBackend) WindowExists(ctx context.Context, windowID string) (bool, error) {
	w, err := b.window(windowID)
	if err != nil {
		return false, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.dead, nil
}
