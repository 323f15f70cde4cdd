package bridge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/window"
)

// windowResolver adapts the runtime for the scheduler: scheduled jobs
// address a workspace, not a window, and the window serving it may have
// died since the job was created.
type windowResolver struct {
	rt *Runtime
}

// ResolveWindow returns a live window for the workspace, recreating one
// from the persisted creator destination when the old window is gone.
func (w *windowResolver) ResolveWindow(ctx context.Context, workspace string) (string, error) {
	r := w.rt
	id, info, ok := r.windowForWorkspace(workspace)
	if !ok {
		return "", fmt.Errorf("no binding recorded for workspace %s", workspace)
	}

	exists, err := r.backend.WindowExists(ctx, id)
	if err != nil {
		return "", fmt.Errorf("window probe: %w", err)
	}
	if exists {
		return id, nil
	}
	return w.recreate(ctx, workspace, id, info)
}

// recreate starts a fresh window in the same workspace and rebinds the
// creator destination to it.
func (w *windowResolver) recreate(ctx context.Context, workspace, oldID string, info window.Info) (string, error) {
	r := w.rt
	if info.ChatID == 0 {
		return "", fmt.Errorf("window %s vanished and no creator destination is recorded", oldID)
	}

	name := info.DisplayName
	if name == "" {
		name = "scheduled"
	}
	newID, err := r.backend.NewWindow(ctx, name, workspace, r.agent.ClaudeCommand)
	if err != nil {
		return "", fmt.Errorf("recreate window: %w", err)
	}

	r.manager.DropOffsets(oldID)
	r.manager.UnbindWindow(oldID)
	if info.ThreadID != 0 {
		r.manager.BindThread(info.UserID, info.ThreadID, newID, info)
	} else {
		r.manager.BindChat(info.ChatID, newID, info)
	}
	r.manager.SetWindowCwd(newID, workspace)

	if _, ok := r.manager.WaitForSessionMapEntry(ctx, newID, sessionMapWait); !ok {
		r.log.WithWindow(newID).Warn("session hook did not report in time")
	}
	r.log.Info("window recreated for scheduled job",
		zap.String("old_window_id", oldID),
		zap.String("window_id", newID),
		zap.String("workspace", workspace))
	return newID, nil
}

// SendKeys injects a composed job message into the window.
func (w *windowResolver) SendKeys(ctx context.Context, windowID, text string) error {
	return w.rt.backend.SendKeys(ctx, windowID, text, true)
}
