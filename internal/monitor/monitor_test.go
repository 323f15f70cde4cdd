package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/delivery"
	"github.com/termbridge/termbridge/internal/messenger"
	"github.com/termbridge/termbridge/internal/router"
	"github.com/termbridge/termbridge/internal/window"
)

type stubBackend struct{}

func (stubBackend) NewWindow(ctx context.Context, name, cwd, command string) (string, error) {
	return "@0", nil
}
func (stubBackend) KillWindow(ctx context.Context, windowID string) error { return nil }
func (stubBackend) SendKeys(ctx context.Context, windowID, text string, enter bool) error {
	return nil
}
func (stubBackend) CapturePane(ctx context.Context, windowID string, lines int) (string, error) {
	return "", nil
}
func (stubBackend) ListWindows(ctx context.Context) ([]string, error) { return nil, nil }
func (stubBackend) WindowExists(ctx context.Context, windowID string) (bool, error) {
	return true, nil
}

type fixture struct {
	dir     string
	manager *window.Manager
	fake    *messenger.Fake
	deliver *delivery.Service
	mon     *Monitor
	path    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	m, err := window.NewManager(dir, stubBackend{}, logger.Default())
	if err != nil {
		t.Fatal(err)
	}
	fake := messenger.NewFake()
	deliver := delivery.New(fake, logger.Default(), delivery.WithMinInterval(0))
	r := router.NewChatRouter(m, fake)
	r.Bind(router.RoutingKey{UserID: 1, ChatID: -20, SessionKey: "-20"}, "@1", "chat-20")

	path := filepath.Join(dir, "s1.jsonl")
	if err := window.AppendSessionEntry(dir, "@1", window.SessionEntry{
		SessionID: "s1", Cwd: dir, FilePath: path,
	}); err != nil {
		t.Fatal(err)
	}

	mon := New(m, deliver, []router.Router{r}, logger.Default())
	return &fixture{dir: dir, manager: m, fake: fake, deliver: deliver, mon: mon, path: path}
}

func (f *fixture) append(t *testing.T, lines ...string) {
	t.Helper()
	fh, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer fh.Close()
	for _, l := range lines {
		if _, err := fh.WriteString(l + "\n"); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) scan(t *testing.T) {
	t.Helper()
	f.mon.ScanOnce(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.deliver.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
}

func assistantLine(session, text string) string {
	return fmt.Sprintf(`{"type":"assistant","sessionId":%q,"message":{"role":"assistant","content":[{"type":"text","text":%q}]}}`, session, text)
}

func userLine(session, text string) string {
	return fmt.Sprintf(`{"type":"user","sessionId":%q,"message":{"role":"user","content":%q}}`, session, text)
}

func TestTailDeliversNewEntries(t *testing.T) {
	f := newFixture(t)
	f.append(t, assistantLine("s1", "hello from the terminal"))
	f.scan(t)

	texts := f.fake.LiveTexts()
	if len(texts) != 1 || texts[0] != "hello from the terminal" {
		t.Fatalf("LiveTexts = %v", texts)
	}

	// Rescanning without new lines delivers nothing.
	f.scan(t)
	if got := len(f.fake.LiveTexts()); got != 1 {
		t.Errorf("duplicate delivery: %d messages", got)
	}

	f.append(t, assistantLine("s1", "second"))
	f.scan(t)
	texts = f.fake.LiveTexts()
	if len(texts) != 2 || texts[1] != "second" {
		t.Errorf("LiveTexts = %v", texts)
	}
}

func TestSuppressedEntriesNotDelivered(t *testing.T) {
	f := newFixture(t)
	f.append(t,
		userLine("s1", "[NO_NOTIFY] scheduled nudge"),
		assistantLine("s1", "working on it quietly"),
	)
	f.scan(t)
	if texts := f.fake.LiveTexts(); len(texts) != 0 {
		t.Errorf("suppressed content leaked: %v", texts)
	}

	// An untagged user message lifts the suppression.
	f.append(t,
		userLine("s1", "status?"),
		assistantLine("s1", "done"),
	)
	f.scan(t)
	texts := f.fake.LiveTexts()
	if len(texts) != 2 || texts[1] != "done" {
		t.Errorf("LiveTexts = %v", texts)
	}
}

func TestPartialLineWaitsForNewline(t *testing.T) {
	f := newFixture(t)
	fh, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	half := assistantLine("s1", "incomplete")
	if _, err := fh.WriteString(half[:20]); err != nil {
		t.Fatal(err)
	}
	f.scan(t)
	if texts := f.fake.LiveTexts(); len(texts) != 0 {
		t.Fatalf("partial line delivered: %v", texts)
	}

	if _, err := fh.WriteString(half[20:] + "\n"); err != nil {
		t.Fatal(err)
	}
	fh.Close()
	f.scan(t)
	texts := f.fake.LiveTexts()
	if len(texts) != 1 || texts[0] != "incomplete" {
		t.Errorf("LiveTexts = %v", texts)
	}
}

func TestSessionRotationResetsOffset(t *testing.T) {
	f := newFixture(t)
	f.append(t, assistantLine("s1", "before restart"))
	f.scan(t)

	// The CLI restarted: new session id, new transcript file.
	newPath := filepath.Join(f.dir, "s2.jsonl")
	if err := window.AppendSessionEntry(f.dir, "@1", window.SessionEntry{
		SessionID: "s2", Cwd: f.dir, FilePath: newPath,
	}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newPath, []byte(assistantLine("s2", "after restart")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.scan(t)

	texts := f.fake.LiveTexts()
	if len(texts) != 2 || texts[1] != "after restart" {
		t.Errorf("LiveTexts = %v", texts)
	}
}

func TestDoubleRotationInOneBatchResetsCarriers(t *testing.T) {
	f := newFixture(t)
	f.append(t, assistantLine("s1", "first"))
	f.scan(t)

	// Two restarts land in a single read: the suppression raised in s2
	// must not leak into s3.
	f.append(t,
		userLine("s2", "[NO_NOTIFY] scheduled nudge"),
		assistantLine("s2", "quiet work"),
		assistantLine("s3", "fresh session output"),
	)
	f.scan(t)
	texts := f.fake.LiveTexts()
	if len(texts) != 2 || texts[1] != "fresh session output" {
		t.Errorf("LiveTexts = %v", texts)
	}
}

func TestOffsetSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.append(t, assistantLine("s1", "first"))
	f.scan(t)

	// A fresh monitor over the same manager state resumes past the
	// delivered entry.
	mon2 := New(f.manager, f.deliver, f.mon.routers, logger.Default())
	mon2.ScanOnce(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.deliver.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(f.fake.LiveTexts()); got != 1 {
		t.Errorf("re-delivered after restart: %d messages", got)
	}
}
