// Package window owns the durable mapping between chat routing keys and
// terminal windows, plus the per-window session state the assistant CLI's
// hook reports. All state lives in JSON files under the agent directory
// and survives restarts; stale bindings are reconciled against the live
// window set at startup.
package window

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/common/statefile"
	"github.com/termbridge/termbridge/internal/term"
)

// State file names under the agent directory.
const (
	StateFileName      = "state.json"
	SessionMapFileName = "session_map.json"
	MonitorFileName    = "monitor_state.json"
)

// Info is the persisted per-window record.
type Info struct {
	DisplayName string `json:"display_name"`
	Cwd         string `json:"cwd,omitempty"`

	// Creator destination, used by the scheduler to recreate the window
	// for the same chat destination after it vanished.
	UserID   int64 `json:"user_id,omitempty"`
	ChatID   int64 `json:"chat_id,omitempty"`
	ThreadID int64 `json:"thread_id,omitempty"`
}

// SessionEntry is one record of session_map.json, written by the CLI's
// session-start hook out of process.
type SessionEntry struct {
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd"`
	FilePath  string `json:"file_path,omitempty"`
}

// persisted is the schema of state.json.
type persisted struct {
	// ThreadBindings maps "userID:threadID" to a window id.
	ThreadBindings map[string]string `json:"thread_bindings"`
	// ChatBindings maps "chatID" to a window id.
	ChatBindings map[string]string `json:"chat_bindings"`
	Windows      map[string]Info   `json:"windows"`
}

// monitorState is the schema of monitor_state.json: read cursors keyed
// "destination|windowID".
type monitorState struct {
	Offsets map[string]int64 `json:"offsets"`
}

// Manager is the authoritative binding store for one agent.
type Manager struct {
	dir     string
	backend term.Backend
	logger  *logger.Logger

	mu      sync.Mutex
	state   persisted
	monitor monitorState
}

// NewManager loads (or initialises) the agent's binding state.
func NewManager(agentDir string, backend term.Backend, log *logger.Logger) (*Manager, error) {
	m := &Manager{
		dir:     agentDir,
		backend: backend,
		logger:  log.WithFields(zap.String("component", "window-manager")),
		state: persisted{
			ThreadBindings: make(map[string]string),
			ChatBindings:   make(map[string]string),
			Windows:        make(map[string]Info),
		},
		monitor: monitorState{Offsets: make(map[string]int64)},
	}

	if _, err := statefile.Load(m.statePath(), &m.state); err != nil {
		return nil, fmt.Errorf("load window state: %w", err)
	}
	if _, err := statefile.Load(m.monitorPath(), &m.monitor); err != nil {
		return nil, fmt.Errorf("load monitor state: %w", err)
	}
	m.ensureMaps()
	return m, nil
}

func (m *Manager) statePath() string   { return filepath.Join(m.dir, StateFileName) }
func (m *Manager) sessionPath() string { return filepath.Join(m.dir, SessionMapFileName) }
func (m *Manager) monitorPath() string { return filepath.Join(m.dir, MonitorFileName) }

func (m *Manager) ensureMaps() {
	if m.state.ThreadBindings == nil {
		m.state.ThreadBindings = make(map[string]string)
	}
	if m.state.ChatBindings == nil {
		m.state.ChatBindings = make(map[string]string)
	}
	if m.state.Windows == nil {
		m.state.Windows = make(map[string]Info)
	}
	if m.monitor.Offsets == nil {
		m.monitor.Offsets = make(map[string]int64)
	}
}

func threadKey(userID, threadID int64) string {
	return strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(threadID, 10)
}

func (m *Manager) saveLocked() {
	if err := statefile.Save(m.statePath(), &m.state); err != nil {
		m.logger.Error("failed to persist window state", zap.Error(err))
	}
}

// Backend exposes the terminal backend the manager drives.
func (m *Manager) Backend() term.Backend { return m.backend }

// BindThread binds (userID, threadID) to a window. Idempotent.
func (m *Manager) BindThread(userID, threadID int64, windowID string, info Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ThreadBindings[threadKey(userID, threadID)] = windowID
	m.mergeInfoLocked(windowID, info)
	m.saveLocked()
}

// BindChat binds a chat to a window. Idempotent.
func (m *Manager) BindChat(chatID int64, windowID string, info Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ChatBindings[strconv.FormatInt(chatID, 10)] = windowID
	m.mergeInfoLocked(windowID, info)
	m.saveLocked()
}

func (m *Manager) mergeInfoLocked(windowID string, info Info) {
	existing := m.state.Windows[windowID]
	if info.DisplayName != "" {
		existing.DisplayName = info.DisplayName
	}
	if info.Cwd != "" {
		existing.Cwd = info.Cwd
	}
	if info.UserID != 0 {
		existing.UserID = info.UserID
	}
	if info.ChatID != 0 {
		existing.ChatID = info.ChatID
	}
	if info.ThreadID != 0 {
		existing.ThreadID = info.ThreadID
	}
	m.state.Windows[windowID] = existing
}

// ThreadWindow resolves the window for (userID, threadID). When this user
// has no binding but another user is bound to the same thread, the caller
// is promoted onto the shared window, so every participant of a topic
// shares one session.
func (m *Manager) ThreadWindow(userID, threadID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.state.ThreadBindings[threadKey(userID, threadID)]; ok {
		return id, true
	}

	suffix := ":" + strconv.FormatInt(threadID, 10)
	for key, id := range m.state.ThreadBindings {
		if strings.HasSuffix(key, suffix) {
			m.state.ThreadBindings[threadKey(userID, threadID)] = id
			m.saveLocked()
			m.logger.Info("promoted user onto shared thread window",
				zap.Int64("user_id", userID),
				zap.Int64("thread_id", threadID),
				zap.String("window_id", id))
			return id, true
		}
	}
	return "", false
}

// ChatWindow resolves the window bound to a chat.
func (m *Manager) ChatWindow(chatID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.state.ChatBindings[strconv.FormatInt(chatID, 10)]
	return id, ok
}

// UnbindThread removes one thread binding and returns the window it
// pointed at.
func (m *Manager) UnbindThread(userID, threadID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := threadKey(userID, threadID)
	id, ok := m.state.ThreadBindings[key]
	if ok {
		delete(m.state.ThreadBindings, key)
		m.saveLocked()
	}
	return id, ok
}

// UnbindChat removes one chat binding.
func (m *Manager) UnbindChat(chatID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strconv.FormatInt(chatID, 10)
	id, ok := m.state.ChatBindings[key]
	if ok {
		delete(m.state.ChatBindings, key)
		m.saveLocked()
	}
	return id, ok
}

// UnbindWindow removes every binding pointing at the window plus its
// per-window record.
func (m *Manager) UnbindWindow(windowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, id := range m.state.ThreadBindings {
		if id == windowID {
			delete(m.state.ThreadBindings, key)
		}
	}
	for key, id := range m.state.ChatBindings {
		if id == windowID {
			delete(m.state.ChatBindings, key)
		}
	}
	delete(m.state.Windows, windowID)
	m.saveLocked()
}

// SetWindowCwd records the workspace directory backing a window. The
// scheduler resolves workspaces back to windows through this field when
// the session map has no entry yet.
func (m *Manager) SetWindowCwd(windowID, cwd string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeInfoLocked(windowID, Info{Cwd: cwd})
	m.saveLocked()
}

// WindowInfo returns the persisted record for a window.
func (m *Manager) WindowInfo(windowID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.state.Windows[windowID]
	return info, ok
}

// BoundWindows returns every window id with at least one binding.
func (m *Manager) BoundWindows() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, id := range m.state.ThreadBindings {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range m.state.ChatBindings {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// WorkspaceRoots returns the distinct working directories known to the
// agent: every hook-reported session cwd plus every persisted window
// record with one. The share server verifies signed paths against this
// set.
func (m *Manager) WorkspaceRoots() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	entries := make(map[string]SessionEntry)
	if _, err := statefile.Load(m.sessionPath(), &entries); err == nil {
		for _, e := range entries {
			add(e.Cwd)
		}
	}

	m.mu.Lock()
	for _, info := range m.state.Windows {
		add(info.Cwd)
	}
	m.mu.Unlock()
	return out
}

// ThreadBindings returns a snapshot of (userID, threadID) → windowID.
func (m *Manager) ThreadBindings() map[[2]int64]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[[2]int64]string, len(m.state.ThreadBindings))
	for key, id := range m.state.ThreadBindings {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) != 2 {
			continue
		}
		userID, err1 := strconv.ParseInt(parts[0], 10, 64)
		threadID, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out[[2]int64{userID, threadID}] = id
	}
	return out
}

// ChatBindings returns a snapshot of chatID → windowID.
func (m *Manager) ChatBindings() map[int64]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int64]string, len(m.state.ChatBindings))
	for key, id := range m.state.ChatBindings {
		chatID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		out[chatID] = id
	}
	return out
}

// ResolveStale drops every binding whose window is not in the live set
// reported by the backend. Run at startup before anything else observes
// the bindings.
func (m *Manager) ResolveStale(ctx context.Context) error {
	live, err := m.backend.ListWindows(ctx)
	if err != nil {
		return fmt.Errorf("list windows: %w", err)
	}
	liveSet := make(map[string]bool, len(live))
	for _, id := range live {
		liveSet[id] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped []string
	for id := range m.state.Windows {
		if !liveSet[id] {
			dropped = append(dropped, id)
		}
	}
	for key, id := range m.state.ThreadBindings {
		if !liveSet[id] {
			delete(m.state.ThreadBindings, key)
		}
	}
	for key, id := range m.state.ChatBindings {
		if !liveSet[id] {
			delete(m.state.ChatBindings, key)
		}
	}
	for _, id := range dropped {
		delete(m.state.Windows, id)
		m.logger.Info("dropped stale window binding", zap.String("window_id", id))
	}
	if len(dropped) > 0 {
		m.saveLocked()
	}
	return nil
}

// SessionEntry reads the hook-written record for a window. The file is
// re-read on every call: the hook process rewrites it out of band.
func (m *Manager) SessionEntry(windowID string) (SessionEntry, bool) {
	entries := make(map[string]SessionEntry)
	if _, err := statefile.Load(m.sessionPath(), &entries); err != nil {
		m.logger.Warn("failed to read session map", zap.Error(err))
		return SessionEntry{}, false
	}
	entry, ok := entries[windowID]
	return entry, ok
}

// WaitForSessionMapEntry polls until the CLI hook has reported a session
// for the window, up to the timeout.
func (m *Manager) WaitForSessionMapEntry(ctx context.Context, windowID string, timeout time.Duration) (SessionEntry, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if entry, ok := m.SessionEntry(windowID); ok && entry.SessionID != "" {
			return entry, true
		}
		if time.Now().After(deadline) {
			return SessionEntry{}, false
		}
		select {
		case <-ctx.Done():
			return SessionEntry{}, false
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Offset returns the persisted read cursor for (destination, window).
func (m *Manager) Offset(destination, windowID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitor.Offsets[destination+"|"+windowID]
}

// SetOffset persists the read cursor for (destination, window).
func (m *Manager) SetOffset(destination, windowID string, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitor.Offsets[destination+"|"+windowID] = offset
	if err := statefile.Save(m.monitorPath(), &m.monitor); err != nil {
		m.logger.Error("failed to persist monitor state", zap.Error(err))
	}
}

// DropOffsets removes every cursor referencing the window.
func (m *Manager) DropOffsets(windowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for key := range m.monitor.Offsets {
		if strings.HasSuffix(key, "|"+windowID) {
			delete(m.monitor.Offsets, key)
			changed = true
		}
	}
	if changed {
		if err := statefile.Save(m.monitorPath(), &m.monitor); err != nil {
			m.logger.Error("failed to persist monitor state", zap.Error(err))
		}
	}
}

// AppendSessionEntry merges one hook-reported record into
// session_map.json. Called by the hook subcommand in its own process;
// the tmp+rename write keeps concurrent readers consistent.
func AppendSessionEntry(agentDir, windowID string, entry SessionEntry) error {
	path := filepath.Join(agentDir, SessionMapFileName)
	entries := make(map[string]SessionEntry)
	if _, err := statefile.Load(path, &entries); err != nil {
		return err
	}
	entries[windowID] = entry
	return statefile.Save(path, entries)
}
