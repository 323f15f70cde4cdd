package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/events"
	"github.com/termbridge/termbridge/internal/events/bus"
)

const (
	summaryMinInterval = time.Hour
	summaryIdleWindow  = 5 * time.Minute
	summaryTimeout     = 5 * time.Minute
	maxSubprocesses    = 2
	adminAlertAfter    = 5

	metaSummaryAt     = "last_summary_at"
	metaSummaryOffset = "last_summary_offset"
	metaSummaryJSONL  = "last_summary_jsonl"
	metaSummaryErrors = "summary_errors"
)

// Stdout protocol markers of the summary subprocess.
const (
	markSilent = "[SILENT]"
	markNotify = "[NOTIFY]"
)

const summaryPromptFormat = `Review the conversation in workspace %s since the last summary (%s).
The transcript lives at %s. Update the memory files under %s accordingly:
append key decisions and outcomes to today's daily log, and update topic
files for anything with lasting value. Write user-facing text in locale %q.
Reply with [SILENT] on the first line if there is nothing the user needs to
hear about, or [NOTIFY] followed by a short user-facing note otherwise.`

// summaryPrompt renders the one-shot instruction with the workspace
// context filled in.
func (s *SystemTasks) summaryPrompt(workspace, jsonl string, lastAt time.Time) string {
	last := "never"
	if !lastAt.IsZero() {
		last = lastAt.Format(time.RFC3339)
	}
	locale := s.locale
	if locale == "" {
		locale = "en"
	}
	return fmt.Sprintf(summaryPromptFormat, workspace, last, jsonl, filepath.Join(workspace, "memory"), locale)
}

// TranscriptLocator maps a workspace to its live transcript file.
type TranscriptLocator func(workspace string) (path string, ok bool)

// commandRunner executes the one-shot CLI and returns its stdout.
// Injectable for tests.
type commandRunner func(ctx context.Context, workspace, prompt string) (string, error)

// SystemTasks runs background summary jobs across workspaces.
type SystemTasks struct {
	engine *Engine
	locate TranscriptLocator
	log    *logger.Logger
	events bus.EventBus

	claudeCmd string
	locale    string
	runner    commandRunner
	sem       *semaphore.Weighted

	// OnNotify delivers a [NOTIFY] payload to the workspace's creator
	// destination. AdminNotify raises operator alerts.
	OnNotify    func(ctx context.Context, workspace, text string)
	AdminNotify func(ctx context.Context, text string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SystemTasksOption tweaks the runner.
type SystemTasksOption func(*SystemTasks)

// WithSystemEventBus publishes task-finished events.
func WithSystemEventBus(eb bus.EventBus) SystemTasksOption {
	return func(s *SystemTasks) { s.events = eb }
}

// WithSummaryLocale sets the locale the summary notes are written in.
func WithSummaryLocale(locale string) SystemTasksOption {
	return func(s *SystemTasks) { s.locale = locale }
}

// withRunner swaps the subprocess runner; tests only.
func withRunner(r commandRunner) SystemTasksOption {
	return func(s *SystemTasks) { s.runner = r }
}

// NewSystemTasks returns the J-side system task runner sharing the
// engine's workspace stores.
func NewSystemTasks(engine *Engine, claudeCmd string, locate TranscriptLocator, log *logger.Logger, opts ...SystemTasksOption) *SystemTasks {
	s := &SystemTasks{
		engine:    engine,
		locate:    locate,
		log:       log.WithFields(zap.String("component", "systemtasks")),
		claudeCmd: claudeCmd,
		sem:       semaphore.NewWeighted(maxSubprocesses),
		stopCh:    make(chan struct{}),
	}
	s.runner = s.runClaude
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the minute loop.
func (s *SystemTasks) Start(ctx context.Context) error {
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the loop and waits for in-flight subprocesses.
func (s *SystemTasks) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *SystemTasks) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.TickOnce(ctx, time.Now())
		}
	}
}

// TickOnce evaluates the summary conditions for every workspace.
// Exported for tests.
func (s *SystemTasks) TickOnce(ctx context.Context, now time.Time) {
	for _, ws := range s.engine.Workspaces() {
		st, ok := s.engine.Store(ws)
		if !ok {
			continue
		}
		due, path, size := s.summaryDue(st, ws, now)
		if !due {
			continue
		}
		s.runSummary(ctx, st, ws, path, size, now)
	}
}

// summaryDue checks the three gates: an hour since the last summary,
// transcript growth since then, and the transcript idle long enough
// that a summary will not race live work.
func (s *SystemTasks) summaryDue(st *Store, workspace string, now time.Time) (bool, string, int64) {
	path, ok := s.locate(workspace)
	if !ok {
		return false, "", 0
	}
	fi, err := os.Stat(path)
	if err != nil {
		return false, "", 0
	}

	if v, _ := st.GetMeta(metaSummaryAt); v != "" {
		if at, err := time.Parse(time.RFC3339, v); err == nil && now.Sub(at) < summaryMinInterval {
			return false, "", 0
		}
	}

	lastJSONL, _ := st.GetMeta(metaSummaryJSONL)
	lastOffset := int64(0)
	if v, _ := st.GetMeta(metaSummaryOffset); v != "" {
		lastOffset, _ = strconv.ParseInt(v, 10, 64)
	}
	grown := path != lastJSONL || fi.Size() > lastOffset
	if !grown {
		return false, "", 0
	}

	if now.Sub(fi.ModTime()) < summaryIdleWindow {
		return false, "", 0
	}
	return true, path, fi.Size()
}

func (s *SystemTasks) runSummary(ctx context.Context, st *Store, workspace, path string, size int64, now time.Time) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	log := s.log.WithWorkspace(workspace)
	var lastAt time.Time
	if v, _ := st.GetMeta(metaSummaryAt); v != "" {
		lastAt, _ = time.Parse(time.RFC3339, v)
	}
	stdout, err := s.runner(ctx, workspace, s.summaryPrompt(workspace, path, lastAt))
	status := "ok"
	if err != nil {
		status = "failed"
		log.WithError(err).Warn("summary subprocess failed")
		s.countError(ctx, st, workspace)
	} else {
		s.finalize(ctx, st, workspace, path, size, now, stdout)
	}

	if s.events != nil {
		ev := bus.NewEvent(events.SystemTaskFinished, "systemtasks", events.CronData(workspace, "summary", status))
		if perr := s.events.Publish(ctx, events.SystemTaskFinished, ev); perr != nil {
			log.WithError(perr).Debug("event publish failed")
		}
	}
}

// finalize applies the stdout protocol and commits the summary meta in
// one batch: a crash between notify and commit re-runs the summary, it
// never loses one.
func (s *SystemTasks) finalize(ctx context.Context, st *Store, workspace, path string, size int64, now time.Time, stdout string) {
	first, rest, _ := strings.Cut(strings.TrimSpace(stdout), "\n")
	first = strings.TrimSpace(first)
	switch {
	case first == markSilent:
	case first == markNotify || strings.HasPrefix(first, markNotify):
		note := strings.TrimSpace(strings.TrimPrefix(first, markNotify))
		if rest != "" {
			if note != "" {
				note += "\n"
			}
			note += strings.TrimSpace(rest)
		}
		if note != "" && s.OnNotify != nil {
			s.OnNotify(ctx, workspace, note)
		}
	default:
		// No marker: treat as silent.
	}

	err := st.SetMetaBatch(map[string]string{
		metaSummaryAt:     now.Format(time.RFC3339),
		metaSummaryOffset: strconv.FormatInt(size, 10),
		metaSummaryJSONL:  path,
		metaSummaryErrors: "0",
	})
	if err != nil {
		s.log.WithWorkspace(workspace).WithError(err).Error("summary meta commit failed")
	}
}

func (s *SystemTasks) countError(ctx context.Context, st *Store, workspace string) {
	n := 0
	if v, _ := st.GetMeta(metaSummaryErrors); v != "" {
		n, _ = strconv.Atoi(v)
	}
	n++
	_ = st.SetMeta(metaSummaryErrors, strconv.Itoa(n))
	if n >= adminAlertAfter && s.AdminNotify != nil {
		s.AdminNotify(ctx, fmt.Sprintf("summary task for %s failed %d times in a row", workspace, n))
		_ = st.SetMeta(metaSummaryErrors, "0")
	}
}

// runClaude spawns the one-shot CLI in the workspace with the nested-
// session guard env stripped and a hard timeout.
func (s *SystemTasks) runClaude(ctx context.Context, workspace, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.claudeCmd,
		"-p", prompt,
		"--dangerously-skip-permissions",
		"--output-format", "text",
		"--no-session-persistence",
	)
	cmd.Dir = workspace
	env := os.Environ()
	filtered := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		filtered = append(filtered, kv)
	}
	cmd.Env = filtered

	out, err := cmd.Output()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("summary subprocess timed out after %s", summaryTimeout)
	}
	if err != nil {
		return "", fmt.Errorf("summary subprocess: %w", err)
	}
	return string(out), nil
}
