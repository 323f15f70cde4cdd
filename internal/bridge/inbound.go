package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/delivery"
	"github.com/termbridge/termbridge/internal/events"
	"github.com/termbridge/termbridge/internal/events/bus"
	"github.com/termbridge/termbridge/internal/messenger"
	"github.com/termbridge/termbridge/internal/router"
	"github.com/termbridge/termbridge/internal/workspace"
)

// updateLoop drains the messenger's inbound stream until shutdown.
func (r *Runtime) updateLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case u, ok := <-r.msgr.Updates():
			if !ok {
				return
			}
			r.HandleUpdate(ctx, u)
		}
	}
}

// HandleUpdate routes one inbound event: lifecycle first, then the
// allow-list, then key extraction, then window resolution and keystroke
// injection. Exported for tests.
func (r *Runtime) HandleUpdate(ctx context.Context, u messenger.Update) {
	if u.TopicClosed {
		r.handleTopicClosed(ctx, u)
		return
	}
	if !r.agent.IsAllowed(u.UserID) {
		r.log.Debug("dropping update from unlisted user", zap.Int64("user_id", u.UserID))
		return
	}
	if u.Text == "" {
		return
	}

	rt := r.routers[0]
	key, ok := rt.Extract(u)
	if !ok {
		opts := messenger.SendOptions{ThreadID: u.ThreadID}
		if _, err := r.msgr.SendMessage(ctx, u.ChatID, rt.RejectionMessage(), opts); err != nil {
			r.log.WithError(err).Warn("rejection message failed")
		}
		return
	}

	windowID, bound := rt.GetWindow(key)
	if bound {
		exists, err := r.backend.WindowExists(ctx, windowID)
		if err != nil {
			r.log.WithWindow(windowID).WithError(err).Warn("window probe failed")
			return
		}
		if !exists {
			r.reportVanished(key, windowID)
			return
		}
	} else {
		var err error
		windowID, err = r.createWindow(ctx, rt, key, u)
		if err != nil {
			r.log.WithError(err).Error("window creation failed")
			opts := messenger.SendOptions{ThreadID: u.ThreadID}
			_, _ = r.msgr.SendMessage(ctx, u.ChatID, "Could not start a session for this conversation. Check the logs.", opts)
			return
		}
	}

	r.setActiveWindow(windowID)
	if err := r.msgr.SendTyping(ctx, rt.ResolveChatID(key), rt.SendOptions(key)); err != nil {
		r.log.WithError(err).Debug("typing indicator failed")
	}
	if err := r.backend.SendKeys(ctx, windowID, u.Text, true); err != nil {
		r.log.WithWindow(windowID).WithError(err).Error("keystroke injection failed")
	}
}

// reportVanished drops the binding for a window that disappeared under
// us and tells the user once. The next message creates a fresh window.
func (r *Runtime) reportVanished(key router.RoutingKey, windowID string) {
	rt := r.routers[0]
	dest := delivery.Destination{
		Key:    key.Destination(),
		ChatID: rt.ResolveChatID(key),
		Opts:   rt.SendOptions(key),
	}
	rt.Unbind(key)
	r.manager.DropOffsets(windowID)
	r.manager.UnbindWindow(windowID)
	r.deliver.EnqueueText(dest, windowID,
		fmt.Sprintf("Window %s no longer exists. Binding removed.", windowID))
}

// createWindow provisions the workspace, assembles its instructions
// file, starts the CLI in a fresh window and records the binding.
func (r *Runtime) createWindow(ctx context.Context, rt router.Router, key router.RoutingKey, u messenger.Update) (string, error) {
	wsName := rt.WorkspaceName(key)
	ws := r.workspaceDir(wsName)
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	r.assembleWorkspace(ws, key)

	windowID, err := r.backend.NewWindow(ctx, wsName, ws, r.agent.ClaudeCommand)
	if err != nil {
		return "", fmt.Errorf("new window: %w", err)
	}

	displayName := u.TopicName
	if displayName == "" {
		displayName = wsName
	}
	rt.Bind(key, windowID, displayName)
	r.manager.SetWindowCwd(windowID, ws)

	if _, err := r.engine.AddWorkspace(ws); err != nil {
		r.log.WithWorkspace(ws).WithError(err).Warn("workspace job store open failed")
	}
	r.openMirror(ws)

	if _, ok := r.manager.WaitForSessionMapEntry(ctx, windowID, sessionMapWait); !ok {
		r.log.WithWindow(windowID).Warn("session hook did not report in time")
	}

	ev := bus.NewEvent(events.WindowCreated, "bridge", events.WindowData(windowID, displayName))
	if err := r.events.Publish(ctx, events.WindowCreated, ev); err != nil {
		r.log.WithError(err).Debug("event publish failed")
	}
	r.log.Info("window created",
		zap.String("window_id", windowID),
		zap.String("workspace", ws))
	return windowID, nil
}

// assembleWorkspace composes the CLAUDE.md instruction file from the
// agent-level persona pieces and the workspace's own memory.
func (r *Runtime) assembleWorkspace(ws string, key router.RoutingKey) {
	in := workspace.Inputs{
		PersonaPath:      filepath.Join(r.agentDir, "persona.md"),
		ProfilePath:      filepath.Join(r.agentDir, "profiles", fmt.Sprintf("%d.md", key.UserID)),
		PersonalityPath:  filepath.Join(ws, "personality.md"),
		InstructionsPath: filepath.Join(r.agentDir, "instructions.md"),
	}
	if err := workspace.Assemble(ws, in, time.Now()); err != nil {
		r.log.WithWorkspace(ws).WithError(err).Warn("workspace assembly failed")
	}
}

// handleTopicClosed tears the conversation down when its destination
// disappears: kill the window, drop offsets and every binding to it.
func (r *Runtime) handleTopicClosed(ctx context.Context, u messenger.Update) {
	rt := r.routers[0]
	key, ok := rt.Extract(u)
	if !ok {
		return
	}
	windowID, ok := rt.Unbind(key)
	if !ok {
		return
	}

	info, _ := r.manager.WindowInfo(windowID)
	if err := r.backend.KillWindow(ctx, windowID); err != nil {
		r.log.WithWindow(windowID).WithError(err).Warn("window kill failed")
	}
	r.manager.DropOffsets(windowID)
	r.manager.UnbindWindow(windowID)

	ev := bus.NewEvent(events.WindowClosed, "bridge", events.WindowData(windowID, info.DisplayName))
	if err := r.events.Publish(ctx, events.WindowClosed, ev); err != nil {
		r.log.WithError(err).Debug("event publish failed")
	}
	r.log.Info("topic closed, window removed", zap.String("window_id", windowID))
}
