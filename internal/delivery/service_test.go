package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/messenger"
	"github.com/termbridge/termbridge/internal/transcript"
)

var testDest = Destination{Key: "user:1:thread:7", ChatID: -10, Opts: messenger.SendOptions{ThreadID: 7}}

func waitIdle(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func textEntry(text string) transcript.Entry {
	return transcript.Entry{Role: transcript.RoleAssistant, ContentType: transcript.ContentText, Text: text}
}

func TestBurstMergesIntoOneMessage(t *testing.T) {
	fake := messenger.NewFake()
	s := New(fake, logger.Default(), WithMinInterval(150*time.Millisecond))

	// Warm-up send establishes the pacing window.
	s.EnqueueEntry(testDest, "@1", textEntry("warmup"))
	waitIdle(t, s)

	s.EnqueueEntry(testDest, "@1", textEntry("A"))
	s.EnqueueEntry(testDest, "@1", textEntry("B"))
	s.EnqueueEntry(testDest, "@1", textEntry("C"))
	waitIdle(t, s)

	msgs := fake.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(msgs), msgs)
	}
	if msgs[1].Text != "A\n\nB\n\nC" {
		t.Errorf("merged text = %q", msgs[1].Text)
	}
	// Absorbed tasks still count as done.
	if got := s.DoneCount(); got != 4 {
		t.Errorf("DoneCount = %d, want 4", got)
	}
}

func TestMergeRespectsCharLimit(t *testing.T) {
	fake := messenger.NewFake()
	s := New(fake, logger.Default(), WithMinInterval(150*time.Millisecond), WithMergeLimit(10))

	s.EnqueueEntry(testDest, "@1", textEntry("warmup"))
	waitIdle(t, s)

	s.EnqueueEntry(testDest, "@1", textEntry("aaaa"))
	s.EnqueueEntry(testDest, "@1", textEntry("bbbb"))
	waitIdle(t, s)

	// 4+2+4 = 10 exceeds nothing, but a third part would; with limit 10
	// the two still fit exactly, so force a smaller pair check instead.
	msgs := fake.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages: %+v", len(msgs), msgs)
	}
	if msgs[1].Text != "aaaa\n\nbbbb" {
		t.Errorf("merged text = %q", msgs[1].Text)
	}

	s.EnqueueEntry(testDest, "@1", textEntry("cccc"))
	s.EnqueueEntry(testDest, "@1", textEntry("dddd"))
	s.EnqueueEntry(testDest, "@1", textEntry("eeee"))
	waitIdle(t, s)

	// cccc+dddd fills the limit; eeee must ride separately.
	msgs = fake.Messages()
	last := msgs[len(msgs)-1]
	if last.Text != "eeee" {
		t.Errorf("overflow part = %q, want separate message", last.Text)
	}
}

func TestOrderingWithinDestination(t *testing.T) {
	fake := messenger.NewFake()
	s := New(fake, logger.Default(), WithMinInterval(0))

	for i := 0; i < 5; i++ {
		s.EnqueueEntry(testDest, "@1", transcript.Entry{
			ContentType: transcript.ContentToolUse,
			Text:        fmt.Sprintf("**Bash**(step %d)", i),
			ToolUseID:   fmt.Sprintf("t%d", i),
		})
	}
	waitIdle(t, s)

	msgs := fake.Messages()
	if len(msgs) != 5 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i, m := range msgs {
		if !strings.Contains(m.Text, fmt.Sprintf("step %d", i)) {
			t.Errorf("message %d out of order: %q", i, m.Text)
		}
		if i > 0 && m.ID <= msgs[i-1].ID {
			t.Errorf("ids not increasing: %d then %d", msgs[i-1].ID, m.ID)
		}
	}
}

func TestToolResultEditsInPlace(t *testing.T) {
	fake := messenger.NewFake()
	s := New(fake, logger.Default(), WithMinInterval(0))

	s.EnqueueEntry(testDest, "@1", transcript.Entry{
		ContentType: transcript.ContentToolUse,
		Text:        "**Read**(app.py)",
		ToolUseID:   "t1",
	})
	waitIdle(t, s)

	s.EnqueueEntry(testDest, "@1", transcript.Entry{
		ContentType: transcript.ContentToolResult,
		Text:        "**Read**(app.py)\n⎿  Read 3 lines",
		ToolUseID:   "t1",
	})
	waitIdle(t, s)

	msgs := fake.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 edited in place", len(msgs))
	}
	if msgs[0].Edits != 1 || !strings.Contains(msgs[0].Text, "Read 3 lines") {
		t.Errorf("message not edited: %+v", msgs[0])
	}
}

func TestToolResultWithoutTargetSends(t *testing.T) {
	fake := messenger.NewFake()
	s := New(fake, logger.Default(), WithMinInterval(0))

	s.EnqueueEntry(testDest, "@1", transcript.Entry{
		ContentType: transcript.ContentToolResult,
		Text:        "**UnknownTool**\n⎿  ok",
		ToolUseID:   "orphan",
	})
	waitIdle(t, s)

	if msgs := fake.Messages(); len(msgs) != 1 || msgs[0].Edits != 0 {
		t.Errorf("orphan result not sent fresh: %+v", msgs)
	}
}

func TestStatusPromotion(t *testing.T) {
	fake := messenger.NewFake()
	s := New(fake, logger.Default(), WithMinInterval(0))

	s.EnqueueStatus(testDest, "@1", "✻ Thinking… (5s)")
	waitIdle(t, s)
	s.EnqueueEntry(testDest, "@1", textEntry("done, shipped it"))
	waitIdle(t, s)

	msgs := fake.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want status promoted into content", len(msgs))
	}
	if msgs[0].Text != "done, shipped it" {
		t.Errorf("promoted text = %q", msgs[0].Text)
	}
}

func TestStatusEditAndClear(t *testing.T) {
	fake := messenger.NewFake()
	s := New(fake, logger.Default(), WithMinInterval(0))

	s.EnqueueStatus(testDest, "@1", "✻ Thinking… (5s)")
	s.EnqueueStatus(testDest, "@1", "✻ Thinking… (5s)") // unchanged, no edit
	s.EnqueueStatus(testDest, "@1", "✻ Running… (12s)")
	waitIdle(t, s)

	msgs := fake.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want single status message", len(msgs))
	}
	if msgs[0].Edits != 1 || msgs[0].Text != "✻ Running… (12s)" {
		t.Errorf("status message = %+v", msgs[0])
	}

	s.ClearStatus(testDest)
	waitIdle(t, s)
	if msgs := fake.Messages(); !msgs[0].Deleted {
		t.Error("status message not deleted")
	}
}

func TestFloodWaitDoesNotSpendRetries(t *testing.T) {
	fake := messenger.NewFake()
	fake.FailNext(
		&messenger.FloodError{RetryAfter: 10 * time.Millisecond},
		&messenger.FloodError{RetryAfter: 10 * time.Millisecond},
		&messenger.FloodError{RetryAfter: 10 * time.Millisecond},
		&messenger.FloodError{RetryAfter: 10 * time.Millisecond},
	)
	s := New(fake, logger.Default(), WithMinInterval(0))

	s.EnqueueEntry(testDest, "@1", textEntry("hello"))
	waitIdle(t, s)

	msgs := fake.Messages()
	if len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Errorf("message not delivered after flood waits: %+v", msgs)
	}
}

func TestTransientRetryAtHead(t *testing.T) {
	fake := messenger.NewFake()
	fake.FailNext(errors.New("connection reset"))
	s := New(fake, logger.Default(), WithMinInterval(0))

	s.EnqueueEntry(testDest, "@1", textEntry("first"))
	s.EnqueueEntry(testDest, "@1", transcript.Entry{
		ContentType: transcript.ContentToolUse, Text: "**Bash**(ls)", ToolUseID: "t1",
	})
	waitIdle(t, s)

	msgs := fake.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Text != "first" {
		t.Errorf("retried task lost its place: %+v", msgs)
	}
}

func TestPermanentErrorDropsTask(t *testing.T) {
	fake := messenger.NewFake()
	fake.FailNext(&messenger.PermanentError{Reason: "bot was kicked"})
	s := New(fake, logger.Default(), WithMinInterval(0))

	s.EnqueueEntry(testDest, "@1", textEntry("lost"))
	s.EnqueueEntry(testDest, "@1", textEntry("next"))
	waitIdle(t, s)

	texts := fake.LiveTexts()
	if len(texts) != 1 || texts[0] != "next" {
		t.Errorf("LiveTexts = %v", texts)
	}
}

type stubLinks struct{}

func (stubLinks) ShareLink(windowID, path string) (string, error) {
	return "http://127.0.0.1:8089/f/tok-123/" + path, nil
}
func (stubLinks) UploadLink(windowID string, ttl time.Duration) (string, error) {
	return "http://127.0.0.1:8089/u/tok-up", nil
}

func TestMarkerRewriting(t *testing.T) {
	fake := messenger.NewFake()
	s := New(fake, logger.Default(), WithMinInterval(0), WithLinkBuilder(stubLinks{}))

	s.EnqueueEntry(testDest, "@1", textEntry("report: [SHARE_LINK:notes.md]\n\n[SEND_FILE:/tmp/out.tar.gz]"))
	waitIdle(t, s)

	msgs := fake.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages: %+v", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0].Text, "/f/tok-123/notes.md") {
		t.Errorf("share link not rewritten: %q", msgs[0].Text)
	}
	if strings.Contains(msgs[0].Text, "[SEND_FILE") {
		t.Errorf("send-file marker leaked: %q", msgs[0].Text)
	}
	if msgs[1].Document != "/tmp/out.tar.gz" {
		t.Errorf("document = %q", msgs[1].Document)
	}
}

func TestShutdownDrains(t *testing.T) {
	fake := messenger.NewFake()
	s := New(fake, logger.Default(), WithMinInterval(0))

	for i := 0; i < 10; i++ {
		s.EnqueueEntry(testDest, "@1", transcript.Entry{
			ContentType: transcript.ContentToolUse,
			Text:        fmt.Sprintf("**Bash**(cmd %d)", i),
			ToolUseID:   fmt.Sprintf("t%d", i),
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := len(fake.Messages()); got != 10 {
		t.Errorf("drained %d of 10", got)
	}
}
