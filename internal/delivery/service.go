package delivery

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/messenger"
	"github.com/termbridge/termbridge/internal/tracing"
	"github.com/termbridge/termbridge/internal/transcript"
)

const (
	// partJoiner separates merged bursts inside one platform message.
	partJoiner = "\n\n"

	defaultMinInterval = 1100 * time.Millisecond
	defaultMergeLimit  = 3500
	defaultMaxRetries  = 3

	callTimeout = 30 * time.Second
)

// Transcript markers rewritten on the way out.
var (
	shareLinkRe  = regexp.MustCompile(`\[SHARE_LINK:([^\]]+)\]`)
	uploadLinkRe = regexp.MustCompile(`\[UPLOAD_LINK(?::([^\]]+))?\]`)
	sendFileRe   = regexp.MustCompile(`\[SEND_FILE:([^\]]+)\]`)
)

// LinkBuilder mints working URLs for share and upload markers. Implemented
// by the share server; nil leaves markers untouched.
type LinkBuilder interface {
	ShareLink(windowID, path string) (string, error)
	UploadLink(windowID string, ttl time.Duration) (string, error)
}

// Service fans enqueued work out to per-destination workers. Ordering is
// guaranteed within a destination, never across destinations.
type Service struct {
	msgr   messenger.Messenger
	log    *logger.Logger
	links  LinkBuilder
	tracer trace.Tracer

	minInterval time.Duration
	mergeLimit  int
	maxRetries  int

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	wg     sync.WaitGroup

	pending atomic.Int64
	done    atomic.Int64
}

// Option tweaks service behavior; used mainly by tests.
type Option func(*Service)

// WithMinInterval overrides the per-destination send pacing.
func WithMinInterval(d time.Duration) Option {
	return func(s *Service) { s.minInterval = d }
}

// WithMergeLimit overrides the merged-message size ceiling.
func WithMergeLimit(n int) Option {
	return func(s *Service) { s.mergeLimit = n }
}

// WithLinkBuilder wires the share server for marker rewriting.
func WithLinkBuilder(lb LinkBuilder) Option {
	return func(s *Service) { s.links = lb }
}

// New returns a delivery service. Workers spawn lazily per destination.
func New(msgr messenger.Messenger, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		msgr:        msgr,
		log:         log.WithFields(zap.String("component", "delivery")),
		minInterval: defaultMinInterval,
		mergeLimit:  defaultMergeLimit,
		maxRetries:  defaultMaxRetries,
		queues:      make(map[string]*queue),
		tracer:      tracing.Tracer("delivery"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnqueueEntry queues one parsed transcript entry for a destination.
func (s *Service) EnqueueEntry(dest Destination, windowID string, e transcript.Entry) {
	s.enqueue(dest, &task{
		kind:        taskContent,
		windowID:    windowID,
		parts:       []string{e.Text},
		contentType: e.ContentType,
		toolUseID:   e.ToolUseID,
	})
}

// EnqueueText queues a plain text message, used for system notices.
func (s *Service) EnqueueText(dest Destination, windowID, text string) {
	s.enqueue(dest, &task{
		kind:        taskContent,
		windowID:    windowID,
		parts:       []string{text},
		contentType: transcript.ContentText,
	})
}

// EnqueueStatus queues a status-line update. Consecutive identical texts
// are cheap: the worker skips the edit when nothing changed.
func (s *Service) EnqueueStatus(dest Destination, windowID, text string) {
	s.enqueue(dest, &task{kind: taskStatusUpdate, windowID: windowID, statusText: text})
}

// ClearStatus queues removal of the tracked status message.
func (s *Service) ClearStatus(dest Destination) {
	s.enqueue(dest, &task{kind: taskStatusClear})
}

// DoneCount reports finished tasks, absorbed merges included.
func (s *Service) DoneCount() int64 { return s.done.Load() }

// WaitIdle blocks until every queued task has finished.
func (s *Service) WaitIdle(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if s.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Shutdown stops intake, drains every queue and waits for the workers.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, q := range s.queues {
		q.close()
	}
	s.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) enqueue(dest Destination, t *task) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	q, ok := s.queues[dest.Key]
	if !ok {
		q = newQueue(dest)
		s.queues[dest.Key] = q
		s.wg.Add(1)
		go s.worker(q)
	}
	s.mu.Unlock()

	s.pending.Add(1)
	if !q.push(t) {
		s.pending.Add(-1)
	}
}

func (s *Service) worker(q *queue) {
	defer s.wg.Done()
	for {
		t := q.pop()
		if t == nil {
			return
		}
		requeued := s.process(q, t)
		if !requeued {
			s.pending.Add(-1)
			s.done.Add(1)
		}
	}
}

// process handles one task. Returns true when the task was requeued for
// a transient retry.
func (s *Service) process(q *queue, t *task) bool {
	switch t.kind {
	case taskContent:
		return s.processContent(q, t)
	case taskStatusUpdate:
		return s.processStatus(q, t)
	case taskStatusClear:
		s.clearStatus(q)
	}
	return false
}

func (s *Service) processContent(q *queue, t *task) bool {
	// Pace before merging so a burst arriving during the rate-limit
	// window coalesces into one message.
	q.throttle(s.minInterval)
	absorbed := q.absorb(t, s.mergeLimit)
	if absorbed > 0 {
		s.pending.Add(int64(-absorbed))
		s.done.Add(int64(absorbed))
	}

	text := strings.Join(t.parts, partJoiner)
	text, files := s.rewriteMarkers(t.windowID, text)

	_, span := s.tracer.Start(context.Background(), "delivery.send",
		trace.WithAttributes(
			attribute.String("destination", q.dest.Key),
			attribute.String("kind", string(t.contentType)),
			attribute.Int("retries", t.retries),
		))
	defer span.End()

	var err error
	sent := false
	// Tool results edit the prior tool summary in place when we still
	// know its message id.
	if t.contentType == transcript.ContentToolResult && t.toolUseID != "" {
		if msgID, ok := q.toolMsgs[t.toolUseID]; ok {
			err = s.edit(q, msgID, text)
			if err == nil {
				delete(q.toolMsgs, t.toolUseID)
				sent = true
			} else if !messenger.IsPermanent(err) {
				return s.retry(q, t, err)
			}
			// Permanent edit failure (message too old, deleted): fall
			// back to a fresh send below.
		}
	}

	if !sent {
		var msgID int
		// Status promotion: reuse the tracked status message as the
		// first content message instead of leaving it dangling above.
		if q.statusMsgID != 0 && q.statusWindow == t.windowID {
			msgID = q.statusMsgID
			err = s.edit(q, msgID, text)
			q.statusMsgID = 0
			q.statusText = ""
			if err != nil && !messenger.IsPermanent(err) {
				return s.retry(q, t, err)
			}
			if messenger.IsPermanent(err) {
				msgID, err = s.send(q, text, q.dest.Opts)
			}
		} else {
			msgID, err = s.send(q, text, q.dest.Opts)
		}
		if err != nil {
			if messenger.IsPermanent(err) {
				s.log.WithDestination(q.dest.Key).WithError(err).Warn("dropping undeliverable message")
				return false
			}
			return s.retry(q, t, err)
		}
		if t.contentType == transcript.ContentToolUse && t.toolUseID != "" {
			q.toolMsgs[t.toolUseID] = msgID
		}
	}

	for _, f := range files {
		if _, derr := s.sendDocument(q, f); derr != nil {
			s.log.WithDestination(q.dest.Key).WithError(derr).Warn("file send failed", zap.String("path", f))
		}
	}
	return false
}

func (s *Service) processStatus(q *queue, t *task) bool {
	// A status line belongs to one window; switching windows replaces
	// the message rather than editing it across contexts.
	if q.statusMsgID != 0 && q.statusWindow != t.windowID {
		s.clearStatus(q)
	}

	if q.statusMsgID == 0 {
		opts := q.dest.Opts
		opts.Silent = true
		msgID, err := s.send(q, t.statusText, opts)
		if err != nil {
			if messenger.IsPermanent(err) {
				return false
			}
			return s.retry(q, t, err)
		}
		q.statusMsgID = msgID
		q.statusWindow = t.windowID
		q.statusText = t.statusText
		return false
	}

	if q.statusText == t.statusText {
		return false
	}
	err := s.edit(q, q.statusMsgID, t.statusText)
	if err != nil {
		if messenger.IsPermanent(err) {
			// The tracked message is gone; start over next update.
			q.statusMsgID = 0
			q.statusText = ""
			return false
		}
		return s.retry(q, t, err)
	}
	q.statusText = t.statusText
	return false
}

func (s *Service) clearStatus(q *queue) {
	if q.statusMsgID == 0 {
		return
	}
	if err := s.del(q, q.statusMsgID); err != nil && !messenger.IsPermanent(err) {
		s.log.WithDestination(q.dest.Key).WithError(err).Debug("status delete failed")
	}
	q.statusMsgID = 0
	q.statusWindow = ""
	q.statusText = ""
}

func (s *Service) retry(q *queue, t *task, err error) bool {
	if t.retries >= s.maxRetries {
		s.log.WithDestination(q.dest.Key).WithError(err).Error("delivery failed, dropping task")
		return false
	}
	t.retries++
	q.pushFront(t)
	return true
}

// send, edit, del and sendDocument pace platform calls per destination
// and absorb flood waits without touching the retry budget.

func (s *Service) send(q *queue, text string, opts messenger.SendOptions) (int, error) {
	var msgID int
	err := s.call(q, func(ctx context.Context) error {
		var err error
		msgID, err = s.msgr.SendMessage(ctx, q.dest.ChatID, text, opts)
		return err
	})
	return msgID, err
}

func (s *Service) edit(q *queue, msgID int, text string) error {
	return s.call(q, func(ctx context.Context) error {
		return s.msgr.EditMessage(ctx, q.dest.ChatID, msgID, text)
	})
}

func (s *Service) del(q *queue, msgID int) error {
	return s.call(q, func(ctx context.Context) error {
		return s.msgr.DeleteMessage(ctx, q.dest.ChatID, msgID)
	})
}

func (s *Service) sendDocument(q *queue, path string) (int, error) {
	var msgID int
	err := s.call(q, func(ctx context.Context) error {
		var err error
		msgID, err = s.msgr.SendDocument(ctx, q.dest.ChatID, path, "", q.dest.Opts)
		return err
	})
	return msgID, err
}

func (s *Service) call(q *queue, fn func(ctx context.Context) error) error {
	for {
		q.throttle(s.minInterval)
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		err := fn(ctx)
		cancel()
		q.noteSend()
		if wait, ok := messenger.IsFlood(err); ok {
			s.log.WithDestination(q.dest.Key).Warn("flood control, backing off",
				zap.Duration("retry_after", wait))
			time.Sleep(wait)
			continue
		}
		return err
	}
}

// rewriteMarkers resolves share and upload markers into URLs and strips
// send-file markers, returning the file paths to upload after the text.
func (s *Service) rewriteMarkers(windowID, text string) (string, []string) {
	var files []string
	text = sendFileRe.ReplaceAllStringFunc(text, func(m string) string {
		path := strings.TrimSpace(sendFileRe.FindStringSubmatch(m)[1])
		if path != "" {
			files = append(files, path)
		}
		return ""
	})
	if s.links != nil {
		text = shareLinkRe.ReplaceAllStringFunc(text, func(m string) string {
			path := strings.TrimSpace(shareLinkRe.FindStringSubmatch(m)[1])
			url, err := s.links.ShareLink(windowID, path)
			if err != nil {
				s.log.WithWindow(windowID).WithError(err).Warn("share link failed")
				return m
			}
			return url
		})
		text = uploadLinkRe.ReplaceAllStringFunc(text, func(m string) string {
			ttl := time.Duration(0)
			if sub := uploadLinkRe.FindStringSubmatch(m)[1]; sub != "" {
				if d, err := time.ParseDuration(sub); err == nil {
					ttl = d
				}
			}
			url, err := s.links.UploadLink(windowID, ttl)
			if err != nil {
				s.log.WithWindow(windowID).WithError(err).Warn("upload link failed")
				return m
			}
			return url
		})
	}
	return strings.TrimSpace(text), files
}
