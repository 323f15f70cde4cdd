// Package bridge wires one agent's subsystems together: the terminal
// backend, window manager, routers, transcript monitor, screen poller,
// delivery pipeline, share server, tunnel supervisor, scheduler and the
// MCP tool server. The runtime owns the inbound update loop and the
// glue closures the subsystems call across.
package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/common/config"
	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/delivery"
	"github.com/termbridge/termbridge/internal/events"
	"github.com/termbridge/termbridge/internal/events/bus"
	"github.com/termbridge/termbridge/internal/mcpserver"
	"github.com/termbridge/termbridge/internal/memory"
	"github.com/termbridge/termbridge/internal/messenger"
	"github.com/termbridge/termbridge/internal/monitor"
	"github.com/termbridge/termbridge/internal/poller"
	"github.com/termbridge/termbridge/internal/router"
	"github.com/termbridge/termbridge/internal/scheduler"
	"github.com/termbridge/termbridge/internal/share"
	"github.com/termbridge/termbridge/internal/term"
	"github.com/termbridge/termbridge/internal/tunnel"
	"github.com/termbridge/termbridge/internal/window"
)

const sessionMapWait = 15 * time.Second

// Runtime is one agent's running bridge.
type Runtime struct {
	agent  config.Agent
	global *config.Global
	log    *logger.Logger

	agentDir string

	events  bus.EventBus
	msgr    messenger.Messenger
	backend term.Backend
	manager *window.Manager
	routers []router.Router
	deliver *delivery.Service
	share   *share.Server
	tun     *tunnel.Supervisor
	mon     *monitor.Monitor
	poll    *poller.Poller
	engine  *scheduler.Engine
	system  *scheduler.SystemTasks
	mcp     *mcpserver.Server
	mcpStop func() error

	mu         sync.Mutex
	mirrors    map[string]*memory.Mirror
	lastWindow string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// RuntimeOption tweaks runtime assembly.
type RuntimeOption func(*Runtime)

// WithBackend overrides the terminal backend chosen from config.
func WithBackend(b term.Backend) RuntimeOption {
	return func(r *Runtime) { r.backend = b }
}

// NewRuntime assembles the bridge for one resolved agent block. The
// messenger is injected: the concrete chat client is a collaborator of
// the bridge, not part of it.
func NewRuntime(global *config.Global, agent config.Agent, msgr messenger.Messenger, eb bus.EventBus, log *logger.Logger, opts ...RuntimeOption) (*Runtime, error) {
	agentDir := global.AgentDir(agent.Name)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return nil, fmt.Errorf("create agent dir: %w", err)
	}

	r := &Runtime{
		agent:    agent,
		global:   global,
		log:      log.WithAgent(agent.Name),
		agentDir: agentDir,
		events:   eb,
		msgr:     msgr,
		mirrors:  make(map[string]*memory.Mirror),
		stopCh:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}
	if r.backend == nil {
		r.backend = newBackend(agent, r.log)
	}
	manager, err := window.NewManager(agentDir, r.backend, r.log)
	if err != nil {
		return nil, err
	}
	r.manager = manager

	switch agent.Mode {
	case "chat":
		r.routers = []router.Router{router.NewChatRouter(manager, msgr)}
	default:
		r.routers = []router.Router{router.NewTopicRouter(manager, msgr)}
	}

	shareSrv, err := share.NewServer(global.Share, agentDir, manager, eb, r.log)
	if err != nil {
		return nil, err
	}
	shareSrv.OnUpload(r.onUpload)
	r.share = shareSrv

	r.deliver = delivery.New(msgr, r.log, delivery.WithLinkBuilder(shareSrv))

	r.mon = monitor.New(manager, r.deliver, r.routers, r.log,
		monitor.WithInterval(global.MonitorPollInterval()),
		monitor.WithEventBus(eb),
	)
	r.poll = poller.New(manager, r.deliver, msgr, r.routers, r.log,
		poller.WithInterval(global.StatusPollInterval()),
		poller.WithFreezeThreshold(global.FreezeTimeout()),
		poller.WithEventBus(eb),
	)

	r.engine = scheduler.NewEngine(&windowResolver{rt: r}, r.log,
		scheduler.WithEventBus(eb),
		scheduler.WithDefaultTZ(agent.CronDefaultTZ),
	)
	r.system = scheduler.NewSystemTasks(r.engine, agent.ClaudeCommand, r.locateTranscript, r.log,
		scheduler.WithSystemEventBus(eb),
		scheduler.WithSummaryLocale(agent.Locale),
	)
	r.system.OnNotify = r.notifyWorkspace
	r.system.AdminNotify = r.notifyAdmin

	if global.Tunnel.Enabled {
		r.tun = tunnel.NewSupervisor(global.Tunnel, agentDir, global.Share.Port, r.log)
		r.tun.OnURLChange(r.onTunnelURL)
	}

	if global.MCP.Enabled {
		r.mcp = mcpserver.New(mcpserver.Config{Port: global.MCP.Port}, r.mcpDeps(), r.log)
	}

	return r, nil
}

// newBackend picks the terminal substrate for an agent. The tmux
// session is named after the agent so two agents never share windows.
func newBackend(agent config.Agent, log *logger.Logger) term.Backend {
	if agent.TerminalBackend == "embedded" {
		return term.NewEmbeddedBackend(log)
	}
	return term.NewTmuxBackend("termbridge-"+agent.Name, log)
}

// Start brings every subsystem up and enters the inbound loop.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.manager.ResolveStale(ctx); err != nil {
		r.log.WithError(err).Warn("stale window reconciliation failed")
	}
	r.registerExistingWorkspaces()

	if err := r.share.Start(ctx); err != nil {
		return err
	}
	if r.tun != nil {
		if err := r.tun.Start(ctx); err != nil {
			return err
		}
	}
	if err := r.engine.Start(ctx); err != nil {
		return err
	}
	if err := r.system.Start(ctx); err != nil {
		return err
	}
	if err := r.mon.Start(ctx); err != nil {
		return err
	}
	if err := r.poll.Start(ctx); err != nil {
		return err
	}
	if r.mcp != nil {
		stop, err := mcpserver.Provide(ctx, r.mcp)
		if err != nil {
			return err
		}
		r.mcpStop = stop
	}

	r.wg.Add(1)
	go r.updateLoop(ctx)

	r.log.Info("bridge running",
		zap.String("mode", r.agent.Mode),
		zap.String("backend", r.agent.TerminalBackend))
	return nil
}

// Stop drains the bridge: the poller and monitor halt first so nothing
// new is enqueued, delivery drains in flight, the tunnel child is left
// running for the next process to adopt.
func (r *Runtime) Stop(ctx context.Context) {
	close(r.stopCh)
	r.poll.Stop()
	r.mon.Stop()
	r.system.Stop()
	r.engine.Stop()

	if err := r.deliver.Shutdown(ctx); err != nil {
		r.log.WithError(err).Warn("delivery drain incomplete")
	}
	if r.tun != nil {
		r.tun.Detach()
	}
	if err := r.share.Stop(ctx); err != nil {
		r.log.WithError(err).Warn("share server stop failed")
	}
	if r.mcpStop != nil {
		if err := r.mcpStop(); err != nil {
			r.log.WithError(err).Warn("mcp server stop failed")
		}
	}

	r.mu.Lock()
	for ws, m := range r.mirrors {
		if err := m.Close(); err != nil {
			r.log.WithWorkspace(ws).WithError(err).Warn("memory mirror close failed")
		}
	}
	r.mirrors = make(map[string]*memory.Mirror)
	r.mu.Unlock()

	r.wg.Wait()
	r.log.Info("bridge stopped")
}

// registerExistingWorkspaces re-registers the workspaces of every
// persisted binding so cron catch-up and summaries survive restarts.
func (r *Runtime) registerExistingWorkspaces() {
	for _, id := range r.manager.BoundWindows() {
		info, ok := r.manager.WindowInfo(id)
		if !ok || info.Cwd == "" {
			continue
		}
		if _, err := r.engine.AddWorkspace(info.Cwd); err != nil {
			r.log.WithWorkspace(info.Cwd).WithError(err).Warn("workspace job store open failed")
			continue
		}
		r.openMirror(info.Cwd)
	}
}

// openMirror opens (or returns) the memory mirror for a workspace and
// runs an initial sync. Best effort: memory is never load-bearing.
func (r *Runtime) openMirror(workspace string) *memory.Mirror {
	r.mu.Lock()
	if m, ok := r.mirrors[workspace]; ok {
		r.mu.Unlock()
		return m
	}
	r.mu.Unlock()

	m, err := memory.OpenMirror(workspace, r.log)
	if err != nil {
		r.log.WithWorkspace(workspace).WithError(err).Warn("memory mirror open failed")
		return nil
	}
	if err := m.Sync(); err != nil {
		r.log.WithWorkspace(workspace).WithError(err).Warn("memory sync failed")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, ok := r.mirrors[workspace]; ok {
		m.Close()
		return prior
	}
	r.mirrors[workspace] = m
	return m
}

// windowForWorkspace finds the bound window whose workspace directory
// matches, alive or not.
func (r *Runtime) windowForWorkspace(workspace string) (string, window.Info, bool) {
	for _, id := range r.manager.BoundWindows() {
		if info, ok := r.manager.WindowInfo(id); ok && info.Cwd == workspace {
			return id, info, true
		}
	}
	return "", window.Info{}, false
}

// locateTranscript maps a workspace to its live transcript file for the
// summary gate.
func (r *Runtime) locateTranscript(workspace string) (string, bool) {
	id, _, ok := r.windowForWorkspace(workspace)
	if !ok {
		return "", false
	}
	entry, ok := r.manager.SessionEntry(id)
	if !ok || entry.FilePath == "" {
		return "", false
	}
	return entry.FilePath, true
}

// destinationForWindow reverses a window id to its chat destination.
func (r *Runtime) destinationForWindow(windowID string) (delivery.Destination, bool) {
	for _, rt := range r.routers {
		for _, b := range rt.IterBindings() {
			if b.WindowID != windowID {
				continue
			}
			return delivery.Destination{
				Key:    b.Key.Destination(),
				ChatID: rt.ResolveChatID(b.Key),
				Opts:   rt.SendOptions(b.Key),
			}, true
		}
	}
	return delivery.Destination{}, false
}

// notifyWorkspace delivers a system-task note to the workspace's chat
// destination, falling back to the admin when the window is gone.
func (r *Runtime) notifyWorkspace(ctx context.Context, workspace, text string) {
	if id, _, ok := r.windowForWorkspace(workspace); ok {
		if dest, ok := r.destinationForWindow(id); ok {
			r.deliver.EnqueueText(dest, id, text)
			return
		}
	}
	r.notifyAdmin(ctx, text)
}

// onUpload tells the workspace's chat destination that files arrived
// through an upload link.
func (r *Runtime) onUpload(workspace, dir string, files []string) {
	text := fmt.Sprintf("📎 Received %d file(s) in uploads/: %s", len(files), strings.Join(files, ", "))
	r.notifyWorkspace(context.Background(), workspace, text)
}

// notifyAdmin raises an operator alert in the admin's private chat.
func (r *Runtime) notifyAdmin(ctx context.Context, text string) {
	admin := r.agent.AdminUser()
	if admin == 0 {
		r.log.Warn("no admin user configured, dropping alert", zap.String("text", text))
		return
	}
	dest := delivery.Destination{
		Key:    fmt.Sprintf("admin:%d", admin),
		ChatID: admin,
	}
	r.deliver.EnqueueText(dest, "", text)
}

// onTunnelURL mirrors the public URL into the share server and the
// environment for out-of-process readers.
func (r *Runtime) onTunnelURL(url string) {
	r.share.SetPublicURL(url)
	if err := os.Setenv("SHARE_PUBLIC_URL", url); err != nil {
		r.log.WithError(err).Warn("SHARE_PUBLIC_URL update failed")
	}
	ev := bus.NewEvent(events.TunnelURLChanged, "tunnel", map[string]any{"url": url})
	if err := r.events.Publish(context.Background(), events.TunnelURLChanged, ev); err != nil {
		r.log.WithError(err).Debug("event publish failed")
	}
	r.log.Info("tunnel url changed", zap.String("url", url))
}

// activeWindow is the window of the most recent inbound message, used
// by MCP tools that carry no window context of their own.
func (r *Runtime) activeWindow() (string, bool) {
	r.mu.Lock()
	id := r.lastWindow
	r.mu.Unlock()
	if id != "" {
		return id, true
	}
	ids := r.manager.BoundWindows()
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

func (r *Runtime) setActiveWindow(id string) {
	r.mu.Lock()
	r.lastWindow = id
	r.mu.Unlock()
}

// workspaceDir resolves a workspace argument: absolute paths pass
// through, bare names land under the agent's workspaces root.
func (r *Runtime) workspaceDir(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(r.agentDir, "workspaces", name)
}
