// Package poller watches the live terminal screens of bound windows. It
// surfaces spinner status lines as an editable status message, pushes
// interactive prompt frames to chat the moment they appear, raises a
// one-shot alert when a busy window stops painting, and periodically
// probes destinations so windows whose topic or chat vanished get
// cleaned up.
package poller

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/delivery"
	"github.com/termbridge/termbridge/internal/events"
	"github.com/termbridge/termbridge/internal/events/bus"
	"github.com/termbridge/termbridge/internal/messenger"
	"github.com/termbridge/termbridge/internal/router"
	"github.com/termbridge/termbridge/internal/term"
	"github.com/termbridge/termbridge/internal/window"
)

const (
	defaultInterval    = time.Second
	defaultProbeEvery  = time.Minute
	defaultFreezeAfter = 60 * time.Second

	captureLines = 50
)

// windowState is the poller's memory for one window between ticks.
type windowState struct {
	lastHash       uint64
	lastChange     time.Time
	frozenNotified bool
	frameNotified  string
	lastStatus     string
	statusActive   bool
}

// Poller runs the screen-watch loop for one agent.
type Poller struct {
	manager *window.Manager
	routers []router.Router
	deliver *delivery.Service
	msgr    messenger.Messenger
	events  bus.EventBus
	log     *logger.Logger

	interval    time.Duration
	probeEvery  time.Duration
	freezeAfter time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	windows   map[string]*windowState
	lastProbe time.Time
}

// Option tweaks poller behavior.
type Option func(*Poller)

// WithInterval overrides the poll cadence.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

// WithProbeInterval overrides the destination probe cadence.
func WithProbeInterval(d time.Duration) Option {
	return func(p *Poller) { p.probeEvery = d }
}

// WithFreezeThreshold overrides how long a busy screen may stay
// unchanged before the freeze alert fires.
func WithFreezeThreshold(d time.Duration) Option {
	return func(p *Poller) { p.freezeAfter = d }
}

// WithEventBus publishes freeze and window events onto the bus.
func WithEventBus(eb bus.EventBus) Option {
	return func(p *Poller) { p.events = eb }
}

// New returns a poller over the given routers' bindings.
func New(manager *window.Manager, deliver *delivery.Service, msgr messenger.Messenger, routers []router.Router, log *logger.Logger, opts ...Option) *Poller {
	p := &Poller{
		manager:     manager,
		routers:     routers,
		deliver:     deliver,
		msgr:        msgr,
		log:         log.WithFields(zap.String("component", "poller")),
		interval:    defaultInterval,
		probeEvery:  defaultProbeEvery,
		freezeAfter: defaultFreezeAfter,
		stopCh:      make(chan struct{}),
		windows:     make(map[string]*windowState),
		lastProbe:   time.Now(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the poll loop.
func (p *Poller) Start(ctx context.Context) error {
	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop halts the loop and waits for it.
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// target pairs a binding with its resolved delivery destination.
type target struct {
	r    router.Router
	key  router.RoutingKey
	dest delivery.Destination
}

// PollOnce captures every bound window once and updates status, frame
// and freeze tracking. Exported for tests.
func (p *Poller) PollOnce(ctx context.Context) {
	byWindow := make(map[string][]target)
	for _, r := range p.routers {
		for _, b := range r.IterBindings() {
			byWindow[b.WindowID] = append(byWindow[b.WindowID], target{
				r:   r,
				key: b.Key,
				dest: delivery.Destination{
					Key:    b.Key.Destination(),
					ChatID: r.ResolveChatID(b.Key),
					Opts:   r.SendOptions(b.Key),
				},
			})
		}
	}

	backend := p.manager.Backend()
	now := time.Now()
	for windowID, targets := range byWindow {
		pane, err := backend.CapturePane(ctx, windowID, captureLines)
		if err != nil {
			if !errors.Is(err, term.ErrWindowNotFound) {
				p.log.WithWindow(windowID).WithError(err).Debug("capture failed")
			}
			continue
		}
		p.inspect(ctx, windowID, pane, targets, now)
	}

	p.mu.Lock()
	for id := range p.windows {
		if _, ok := byWindow[id]; !ok {
			delete(p.windows, id)
		}
	}
	probeDue := now.Sub(p.lastProbe) >= p.probeEvery
	if probeDue {
		p.lastProbe = now
	}
	p.mu.Unlock()

	if probeDue {
		p.probeDestinations(ctx)
	}
}

func (p *Poller) inspect(ctx context.Context, windowID, pane string, targets []target, now time.Time) {
	p.mu.Lock()
	ws, ok := p.windows[windowID]
	if !ok {
		ws = &windowState{lastChange: now}
		p.windows[windowID] = ws
	}
	p.mu.Unlock()

	// Interactive frames go straight to chat: the ordered queue would
	// sit on them behind pending content while the CLI waits for input.
	// The frame supersedes any spinner status.
	if frame, found := term.DetectInteractive(pane); found {
		if ws.statusActive {
			ws.statusActive = false
			ws.lastStatus = ""
			for _, t := range targets {
				p.deliver.ClearStatus(t.dest)
			}
		}
		sig := frame.Name + "|" + frame.Content
		if ws.frameNotified != sig {
			ws.frameNotified = sig
			text := fmt.Sprintf("⌨️ %s\n%s", frame.Name, frame.Content)
			p.directSend(ctx, targets, text)
		}
	} else {
		ws.frameNotified = ""
		// An empty parse keeps the last status sticky: spinners blink
		// out for a frame or two while the TUI repaints.
		if status := term.ParseStatusLine(pane); status != "" {
			ws.statusActive = true
			if status != ws.lastStatus {
				ws.lastStatus = status
				for _, t := range targets {
					p.deliver.EnqueueStatus(t.dest, windowID, status)
				}
			}
		}
	}

	h := fnv.New64a()
	h.Write([]byte(pane))
	sum := h.Sum64()
	if sum != ws.lastHash {
		ws.lastHash = sum
		ws.lastChange = now
		ws.frozenNotified = false
		return
	}
	if ws.statusActive && !ws.frozenNotified && now.Sub(ws.lastChange) >= p.freezeAfter {
		ws.frozenNotified = true
		p.log.WithWindow(windowID).Warn("window appears frozen")
		alert := fmt.Sprintf("⚠️ No terminal output for %s while a task appears to be running. The window may be frozen.", p.freezeAfter)
		p.directSend(ctx, targets, alert)
		if p.events != nil {
			ev := bus.NewEvent(events.FreezeDetected, "poller", events.WindowData(windowID, ""))
			if err := p.events.Publish(ctx, events.FreezeDetected, ev); err != nil {
				p.log.WithError(err).Debug("event publish failed")
			}
		}
	}
}

// directSend bypasses the delivery queue. Failures are logged, never
// retried: the next tick re-evaluates.
func (p *Poller) directSend(ctx context.Context, targets []target, text string) {
	for _, t := range targets {
		if _, err := p.msgr.SendMessage(ctx, t.dest.ChatID, text, t.dest.Opts); err != nil {
			p.log.WithDestination(t.dest.Key).WithError(err).Warn("direct send failed")
		}
	}
}

// probeDestinations checks that every bound destination still exists and
// tears down windows whose chat-side anchor is gone.
func (p *Poller) probeDestinations(ctx context.Context) {
	backend := p.manager.Backend()
	for _, r := range p.routers {
		for _, b := range r.IterBindings() {
			alive, err := r.ProbeDestinationExists(ctx, b.Key)
			if err != nil || alive {
				continue
			}
			p.log.WithWindow(b.WindowID).WithDestination(b.Key.Destination()).Info("destination gone, tearing down window")
			r.Unbind(b.Key)
			p.manager.DropOffsets(b.WindowID)
			if err := backend.KillWindow(ctx, b.WindowID); err != nil && !errors.Is(err, term.ErrWindowNotFound) {
				p.log.WithWindow(b.WindowID).WithError(err).Warn("kill window failed")
			}
			if p.events != nil {
				ev := bus.NewEvent(events.WindowClosed, "poller", events.WindowData(b.WindowID, ""))
				if perr := p.events.Publish(ctx, events.WindowClosed, ev); perr != nil {
					p.log.WithError(perr).Debug("event publish failed")
				}
			}
		}
	}
}
