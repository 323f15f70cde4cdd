// Package monitor tails the transcript files of bound windows and feeds
// parsed entries into the delivery pipeline. One monitor serves one
// agent; it scans on a fixed cadence and wakes early on file-change
// notifications. Read offsets persist across restarts; parse carriers
// (pending tools, suppression flag) are in-memory and reset on session
// rotation.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/delivery"
	"github.com/termbridge/termbridge/internal/events"
	"github.com/termbridge/termbridge/internal/events/bus"
	"github.com/termbridge/termbridge/internal/router"
	"github.com/termbridge/termbridge/internal/transcript"
	"github.com/termbridge/termbridge/internal/window"
	"github.com/termbridge/termbridge/pkg/claudecode"
)

const defaultInterval = 2 * time.Second

// cursor is the in-memory parse state for one (destination, window) pair.
type cursor struct {
	sessionID string
	state     transcript.State
}

// Monitor owns the tail loop for one agent.
type Monitor struct {
	manager *window.Manager
	deliver *delivery.Service
	routers []router.Router
	events  bus.EventBus
	log     *logger.Logger

	interval time.Duration

	watcher *fsnotify.Watcher
	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	cursors map[string]*cursor
	watched map[string]bool
}

// Option tweaks monitor behavior.
type Option func(*Monitor)

// WithInterval overrides the scan cadence.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithEventBus publishes delivery notifications onto the bus.
func WithEventBus(eb bus.EventBus) Option {
	return func(m *Monitor) { m.events = eb }
}

// New returns a monitor over the given routers' bindings.
func New(manager *window.Manager, deliver *delivery.Service, routers []router.Router, log *logger.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		manager:  manager,
		deliver:  deliver,
		routers:  routers,
		log:      log.WithFields(zap.String("component", "monitor")),
		interval: defaultInterval,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		cursors:  make(map[string]*cursor),
		watched:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the scan loop and the file watcher.
func (m *Monitor) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Degrade to pure polling.
		m.log.WithError(err).Warn("fsnotify unavailable, polling only")
	} else {
		m.watcher = watcher
		m.wg.Add(1)
		go m.watchLoop()
	}

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop halts the loops and waits for them.
func (m *Monitor) Stop() {
	close(m.stopCh)
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.wake:
		}
		m.ScanOnce(ctx)
	}
}

func (m *Monitor) watchLoop() {
	defer m.wg.Done()
	for {
		select {
		case _, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			select {
			case m.wake <- struct{}{}:
			default:
			}
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// ScanOnce walks every binding and drains newly appended transcript
// lines. Exported for the poller and for tests.
func (m *Monitor) ScanOnce(ctx context.Context) {
	seen := make(map[string]bool)
	for _, r := range m.routers {
		for _, b := range r.IterBindings() {
			dest := delivery.Destination{
				Key:    b.Key.Destination(),
				ChatID: r.ResolveChatID(b.Key),
				Opts:   r.SendOptions(b.Key),
			}
			seen[dest.Key+"|"+b.WindowID] = true
			m.processBinding(ctx, dest, b.WindowID)
		}
	}

	// Cursors of unbound pairs are dead weight; the offsets themselves
	// are dropped by whoever unbinds the window.
	m.mu.Lock()
	for key := range m.cursors {
		if !seen[key] {
			delete(m.cursors, key)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) processBinding(ctx context.Context, dest delivery.Destination, windowID string) {
	entry, ok := m.manager.SessionEntry(windowID)
	if !ok || entry.FilePath == "" {
		return
	}

	key := dest.Key + "|" + windowID
	m.mu.Lock()
	cur, ok := m.cursors[key]
	if !ok {
		cur = &cursor{sessionID: entry.SessionID, state: transcript.NewState()}
		m.cursors[key] = cur
	}
	m.mu.Unlock()

	// Session rotation: the session map now points at a different file.
	// Unresolved tool calls of the old session are abandoned.
	if cur.sessionID != entry.SessionID {
		cur.sessionID = entry.SessionID
		cur.state = transcript.NewState()
		m.manager.SetOffset(dest.Key, windowID, 0)
	}

	m.watchDir(filepath.Dir(entry.FilePath))

	offset := m.manager.Offset(dest.Key, windowID)
	raw, newOffset, err := readNewEntries(entry.FilePath, offset)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.WithWindow(windowID).WithError(err).Warn("transcript read failed")
		}
		return
	}
	if len(raw) == 0 {
		if newOffset != offset {
			m.manager.SetOffset(dest.Key, windowID, newOffset)
		}
		return
	}

	sent := 0
	// A session id change inside the batch also rotates: flush carriers
	// at each boundary before parsing the remainder. A batch can carry
	// several rotations, so the split repeats until the tail is uniform.
	for len(raw) > 0 {
		if sid := raw[0].SessionID; sid != "" && sid != cur.sessionID {
			cur.sessionID = sid
			cur.state = transcript.NewState()
		}
		batch := raw
		for i, e := range raw {
			if e.SessionID != "" && e.SessionID != cur.sessionID {
				batch = raw[:i]
				break
			}
		}
		out, st := transcript.Parse(batch, cur.state)
		cur.state = st
		for _, e := range out {
			if e.NoNotify {
				continue
			}
			m.deliver.EnqueueEntry(dest, windowID, e)
			sent++
		}
		raw = raw[len(batch):]
	}

	m.manager.SetOffset(dest.Key, windowID, newOffset)

	if sent > 0 && m.events != nil {
		ev := bus.NewEvent(events.DeliverySent, "monitor", events.DeliveryData(dest.Key, 0, "content"))
		if err := m.events.Publish(ctx, events.DeliverySent, ev); err != nil {
			m.log.WithError(err).Debug("event publish failed")
		}
	}
}

func (m *Monitor) watchDir(dir string) {
	if m.watcher == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watched[dir] {
		return
	}
	if err := m.watcher.Add(dir); err != nil {
		m.log.WithError(err).Debug("watch add failed", zap.String("dir", dir))
		return
	}
	m.watched[dir] = true
}

// readNewEntries reads complete JSONL lines appended past offset. A file
// shorter than the stored offset was truncated or replaced; reading
// restarts from zero. Partial trailing lines stay unread until the
// writer finishes them.
func readNewEntries(path string, offset int64) ([]*claudecode.TranscriptEntry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if st.Size() < offset {
		offset = 0
	}
	if st.Size() == offset {
		return nil, offset, nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}

	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, err
	}
	last := bytes.LastIndexByte(buf, '\n')
	if last < 0 {
		return nil, offset, nil
	}
	complete := buf[:last+1]

	var out []*claudecode.TranscriptEntry
	for _, line := range bytes.Split(complete, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e claudecode.TranscriptEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// Writers occasionally emit non-entry lines; skip them.
			continue
		}
		out = append(out, &e)
	}
	return out, offset + int64(last+1), nil
}
