// Package scheduler runs per-workspace scheduled jobs. The cron engine
// (this file) injects composed messages into workspace windows on their
// schedule; the system-task runner (systemtask.go) spawns one-shot CLI
// subprocesses for background summaries. Both persist through the
// workspace job store in memory.db.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/events"
	"github.com/termbridge/termbridge/internal/events/bus"
)

const tickInterval = time.Minute

// errorBackoff gates retries of failing jobs by consecutive error count.
var errorBackoff = []time.Duration{30 * time.Second, time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour}

// WindowResolver finds or recreates the window serving a workspace and
// injects keystrokes into it. Implemented by the bridge runtime over the
// window manager and its persisted creator metadata.
type WindowResolver interface {
	ResolveWindow(ctx context.Context, workspace string) (string, error)
	SendKeys(ctx context.Context, windowID, text string) error
}

// Engine is the workspace cron engine for one agent.
type Engine struct {
	resolver WindowResolver
	log      *logger.Logger
	events   bus.EventBus

	defaultTZ string

	mu     sync.Mutex
	stores map[string]*Store

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// EngineOption tweaks engine behavior.
type EngineOption func(*Engine)

// WithEventBus publishes cron dispatch events onto the bus.
func WithEventBus(eb bus.EventBus) EngineOption {
	return func(e *Engine) { e.events = eb }
}

// WithDefaultTZ sets the timezone used when a job carries none.
func WithDefaultTZ(tz string) EngineOption {
	return func(e *Engine) { e.defaultTZ = tz }
}

// NewEngine returns a cron engine. Workspaces register via AddWorkspace.
func NewEngine(resolver WindowResolver, log *logger.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		resolver: resolver,
		log:      log.WithFields(zap.String("component", "scheduler")),
		stores:   make(map[string]*Store),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddWorkspace opens (or returns) the job store for a workspace.
func (e *Engine) AddWorkspace(workspace string) (*Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.stores[workspace]; ok {
		return st, nil
	}
	st, err := OpenStore(workspace)
	if err != nil {
		return nil, err
	}
	e.stores[workspace] = st
	return st, nil
}

// Store returns the open store for a workspace, if registered.
func (e *Engine) Store(workspace string) (*Store, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.stores[workspace]
	return st, ok
}

// Workspaces snapshots the registered workspace paths.
func (e *Engine) Workspaces() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.stores))
	for ws := range e.stores {
		out = append(out, ws)
	}
	return out
}

// CreateJob validates, computes the first run and persists a job.
func (e *Engine) CreateJob(workspace string, j *Job) error {
	sched := j.Schedule()
	if err := sched.Validate(); err != nil {
		return err
	}
	next, err := sched.Next(time.Now(), e.defaultTZ)
	if err != nil {
		return err
	}
	if next == nil {
		return fmt.Errorf("schedule never fires")
	}
	j.NextRunAt = next
	st, err := e.AddWorkspace(workspace)
	if err != nil {
		return err
	}
	if err := st.CreateJob(j); err != nil {
		return err
	}
	e.Wake()
	return nil
}

// Wake nudges the engine outside its tick, e.g. after job creation.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Start launches the tick loop. Due jobs from before a restart fire on
// the first tick (catch-up).
func (e *Engine) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

// Stop halts the loop and closes the stores.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.stores {
		_ = st.Close()
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	// First tick immediately: catch up on runs missed while down.
	e.TickOnce(ctx, time.Now())
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}
		e.TickOnce(ctx, time.Now())
	}
}

// TickOnce processes every workspace once. Exported for tests.
func (e *Engine) TickOnce(ctx context.Context, now time.Time) {
	e.mu.Lock()
	stores := make(map[string]*Store, len(e.stores))
	for ws, st := range e.stores {
		stores[ws] = st
	}
	e.mu.Unlock()

	for ws, st := range stores {
		e.tickWorkspace(ctx, ws, st, now)
	}
}

func (e *Engine) tickWorkspace(ctx context.Context, workspace string, st *Store, now time.Time) {
	log := e.log.WithWorkspace(workspace)
	if n, err := st.ResetStuck(now); err != nil {
		log.WithError(err).Warn("stuck-run reset failed")
	} else if n > 0 {
		log.Warn("reset stuck runs", zap.Int64("count", n))
	}

	due, err := st.DueJobs(now)
	if err != nil {
		log.WithError(err).Error("due-job query failed")
		return
	}

	// One window resolution per workspace per tick: catch-up after a
	// long outage must not create a window per missed job.
	var (
		windowID   string
		resolveErr error
		resolved   bool
	)
	resolve := func() (string, error) {
		if !resolved {
			windowID, resolveErr = e.resolver.ResolveWindow(ctx, workspace)
			resolved = true
		}
		return windowID, resolveErr
	}

	for i := range due {
		job := &due[i]
		if !e.errorGateOpen(job, now) {
			continue
		}
		e.runJob(ctx, log, st, job, now, resolve)
	}
}

// errorGateOpen applies the consecutive-error backoff ladder.
func (e *Engine) errorGateOpen(job *Job, now time.Time) bool {
	if job.ConsecutiveErrors == 0 || job.LastRunAt == nil {
		return true
	}
	idx := job.ConsecutiveErrors - 1
	if idx >= len(errorBackoff) {
		idx = len(errorBackoff) - 1
	}
	return now.Sub(*job.LastRunAt) >= errorBackoff[idx]
}

func (e *Engine) runJob(ctx context.Context, log *logger.Logger, st *Store, job *Job, now time.Time, resolve func() (string, error)) {
	if err := st.MarkRunning(job.ID, now); err != nil {
		log.WithError(err).Error("mark running failed", zap.String("job", job.ID))
		return
	}

	status, runErr := "ok", ""
	winID, err := resolve()
	if err == nil {
		err = e.resolver.SendKeys(ctx, winID, composeMessage(job))
	}
	if err != nil {
		status, runErr = "failed", err.Error()
		log.WithError(err).Warn("job dispatch failed", zap.String("job", job.ID))
	}

	e.publish(ctx, st.Workspace(), job.ID, status)

	if status == "ok" && job.DeleteAfterRun {
		if err := st.DeleteAfterSuccess(job.ID, now); err != nil {
			log.WithError(err).Error("delete-after-run failed", zap.String("job", job.ID))
		}
		return
	}

	next, nerr := job.Schedule().Next(now, e.defaultTZ)
	if nerr != nil {
		status, runErr = "failed", nerr.Error()
		next = nil
	}
	// An at-job fired; it never fires again.
	disable := job.SchedKind == KindAt
	if err := st.FinishRun(job.ID, now, status, runErr, next, disable); err != nil {
		log.WithError(err).Error("finish run failed", zap.String("job", job.ID))
	}
}

// composeMessage renders the injected text: system jobs verbatim, user
// jobs attributed to their creator with a completion-mention request.
func composeMessage(job *Job) string {
	if job.System {
		return job.Message
	}
	return fmt.Sprintf("[%s|%d] [Scheduled Task] %s\n\nWhen finished, reply and mention %s so they see the result.",
		job.CreatorName, job.CreatorUserID, job.Message, job.CreatorName)
}

func (e *Engine) publish(ctx context.Context, workspace, jobID, status string) {
	if e.events == nil {
		return
	}
	ev := bus.NewEvent(events.CronFired, "scheduler", events.CronData(workspace, jobID, status))
	if err := e.events.Publish(ctx, events.CronFired, ev); err != nil {
		e.log.WithError(err).Debug("event publish failed")
	}
}
