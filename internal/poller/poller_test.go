package poller

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/delivery"
	"github.com/termbridge/termbridge/internal/messenger"
	"github.com/termbridge/termbridge/internal/router"
	"github.com/termbridge/termbridge/internal/window"
)

// scriptedBackend serves a settable pane and records kills.
type scriptedBackend struct {
	mu     sync.Mutex
	pane   string
	killed []string
}

func (b *scriptedBackend) setPane(pane string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pane = pane
}

func (b *scriptedBackend) NewWindow(ctx context.Context, name, cwd, command string) (string, error) {
	return "@1", nil
}
func (b *scriptedBackend) KillWindow(ctx context.Context, windowID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.killed = append(b.killed, windowID)
	return nil
}
func (b *scriptedBackend) SendKeys(ctx context.Context, windowID, text string, enter bool) error {
	return nil
}
func (b *scriptedBackend) CapturePane(ctx context.Context, windowID string, lines int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pane, nil
}
func (b *scriptedBackend) ListWindows(ctx context.Context) ([]string, error) {
	return []string{"@1"}, nil
}
func (b *scriptedBackend) WindowExists(ctx context.Context, windowID string) (bool, error) {
	return true, nil
}

type fixture struct {
	backend *scriptedBackend
	fake    *messenger.Fake
	deliver *delivery.Service
	poller  *Poller
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	backend := &scriptedBackend{}
	m, err := window.NewManager(t.TempDir(), backend, logger.Default())
	if err != nil {
		t.Fatal(err)
	}
	fake := messenger.NewFake()
	fake.SetTopic(7, "build")
	deliver := delivery.New(fake, logger.Default(), delivery.WithMinInterval(0))
	r := router.NewTopicRouter(m, fake)
	r.Bind(router.RoutingKey{UserID: 1, ChatID: -10, SessionKey: "7", ThreadID: 7}, "@1", "build")

	p := New(m, deliver, fake, []router.Router{r}, logger.Default(), opts...)
	return &fixture{backend: backend, fake: fake, deliver: deliver, poller: p}
}

func (f *fixture) poll(t *testing.T) {
	t.Helper()
	f.poller.PollOnce(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.deliver.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
}

const busyPane = "some output\n✻ Compiling… (12s · esc to interrupt)\n"
const idlePane = "some output\n❯ \n"

func TestStatusLifecycle(t *testing.T) {
	f := newFixture(t)

	f.backend.setPane(busyPane)
	f.poll(t)
	texts := f.fake.LiveTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "Compiling") {
		t.Fatalf("LiveTexts = %v", texts)
	}

	// Same status again: no extra send, no edit churn.
	f.poll(t)
	msgs := f.fake.Messages()
	if len(msgs) != 1 || msgs[0].Edits != 0 {
		t.Errorf("status churned: %+v", msgs)
	}

	// New status text edits in place.
	f.backend.setPane("some output\n✻ Testing… (40s · esc to interrupt)\n")
	f.poll(t)
	msgs = f.fake.Messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "Testing") {
		t.Errorf("status not edited: %+v", msgs)
	}

	// An empty parse keeps the last status: the TUI blanks the spinner
	// for a frame or two while repainting.
	f.backend.setPane(idlePane)
	f.poll(t)
	live := f.fake.LiveTexts()
	if len(live) != 1 || !strings.Contains(live[0], "Testing") {
		t.Errorf("status dropped on blank frame: %v", live)
	}
}

func TestStatusStickyThroughBlankFrame(t *testing.T) {
	f := newFixture(t)

	f.backend.setPane(busyPane)
	f.poll(t)
	f.backend.setPane("just output, spinner blinked out\n")
	f.poll(t)
	f.backend.setPane(busyPane)
	f.poll(t)

	// One status message, never deleted, no duplicate send.
	msgs := f.fake.Messages()
	if len(msgs) != 1 || msgs[0].Deleted {
		t.Fatalf("status churned across blank frame: %+v", msgs)
	}
}

func TestInteractiveFrameClearsStatus(t *testing.T) {
	f := newFixture(t)

	f.backend.setPane(busyPane)
	f.poll(t)

	framePane := strings.Join([]string{
		"assistant output",
		"╭──────────────────────────────╮",
		"│ Permission required           │",
		"│ Allow Bash(rm -rf build)?     │",
		"╰──────────────────────────────╯",
	}, "\n")
	f.backend.setPane(framePane)
	f.poll(t)

	for _, text := range f.fake.LiveTexts() {
		if strings.Contains(text, "Compiling") {
			t.Errorf("status survived interactive frame: %q", text)
		}
	}
}

func TestFreezeAlertFiresOnce(t *testing.T) {
	f := newFixture(t, WithFreezeThreshold(30*time.Millisecond))

	f.backend.setPane(busyPane)
	f.poll(t) // baseline hash
	time.Sleep(50 * time.Millisecond)
	f.poll(t)
	f.poll(t)

	frozen := 0
	for _, text := range f.fake.LiveTexts() {
		if strings.Contains(text, "frozen") {
			frozen++
		}
	}
	if frozen != 1 {
		t.Fatalf("freeze alerts = %d, want 1", frozen)
	}

	// Screen changes: the latch resets and a later freeze alerts again.
	f.backend.setPane("fresh output\n✻ Compiling… (99s · esc to interrupt)\n")
	f.poll(t)
	time.Sleep(50 * time.Millisecond)
	f.poll(t)

	frozen = 0
	for _, text := range f.fake.LiveTexts() {
		if strings.Contains(text, "frozen") {
			frozen++
		}
	}
	if frozen != 2 {
		t.Errorf("freeze alerts after reset = %d, want 2", frozen)
	}
}

func TestIdleScreenNeverFreezes(t *testing.T) {
	f := newFixture(t, WithFreezeThreshold(10*time.Millisecond))

	f.backend.setPane(idlePane)
	f.poll(t)
	time.Sleep(30 * time.Millisecond)
	f.poll(t)

	for _, text := range f.fake.LiveTexts() {
		if strings.Contains(text, "frozen") {
			t.Fatalf("idle window reported frozen: %q", text)
		}
	}
}

func TestInteractiveFrameSentOnce(t *testing.T) {
	f := newFixture(t)

	framePane := strings.Join([]string{
		"assistant output",
		"╭──────────────────────────────╮",
		"│ Permission required           │",
		"│ Allow Bash(rm -rf build)?     │",
		"│ ❯ 1. Yes                      │",
		"╰──────────────────────────────╯",
	}, "\n")
	f.backend.setPane(framePane)
	f.poll(t)
	f.poll(t)

	prompts := 0
	for _, text := range f.fake.LiveTexts() {
		if strings.Contains(text, "Permission required") {
			prompts++
		}
	}
	if prompts != 1 {
		t.Errorf("frame sent %d times, want 1", prompts)
	}
}

func TestDeadDestinationTearsDownWindow(t *testing.T) {
	backend := &scriptedBackend{}
	m, err := window.NewManager(t.TempDir(), backend, logger.Default())
	if err != nil {
		t.Fatal(err)
	}
	fake := messenger.NewFake() // topic 7 never registered: probe reports gone
	deliver := delivery.New(fake, logger.Default(), delivery.WithMinInterval(0))
	r := router.NewTopicRouter(m, fake)
	key := router.RoutingKey{UserID: 1, ChatID: -10, SessionKey: "7", ThreadID: 7}
	r.Bind(key, "@1", "build")
	backend.setPane(idlePane)

	p := New(m, deliver, fake, []router.Router{r}, logger.Default(), WithProbeInterval(0))
	p.PollOnce(context.Background())

	if _, ok := r.GetWindow(key); ok {
		t.Error("binding survived dead destination")
	}
	if len(backend.killed) != 1 || backend.killed[0] != "@1" {
		t.Errorf("killed = %v", backend.killed)
	}
}
