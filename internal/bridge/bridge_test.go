package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termbridge/termbridge/internal/common/config"
	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/events/bus"
	"github.com/termbridge/termbridge/internal/messenger"
	"github.com/termbridge/termbridge/internal/router"
	"github.com/termbridge/termbridge/internal/window"
)

// fakeBackend is an in-memory terminal substrate. NewWindow mimics the
// CLI's session-start hook by appending a session_map entry, so window
// creation does not stall waiting for one.
type fakeBackend struct {
	mu       sync.Mutex
	agentDir string
	next     int
	windows  map[string]bool
	cwds     map[string]string
	keys     map[string][]string
	killed   []string
}

func newFakeBackend(agentDir string) *fakeBackend {
	return &fakeBackend{
		agentDir: agentDir,
		windows:  make(map[string]bool),
		cwds:     make(map[string]string),
		keys:     make(map[string][]string),
	}
}

func (b *fakeBackend) NewWindow(ctx context.Context, name, cwd, command string) (string, error) {
	b.mu.Lock()
	b.next++
	id := fmt.Sprintf("@%d", b.next)
	b.windows[id] = true
	b.cwds[id] = cwd
	b.mu.Unlock()

	entry := window.SessionEntry{
		SessionID: "sess-" + id,
		Cwd:       cwd,
		FilePath:  filepath.Join(cwd, "session.jsonl"),
	}
	return id, window.AppendSessionEntry(b.agentDir, id, entry)
}

func (b *fakeBackend) KillWindow(ctx context.Context, windowID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.windows, windowID)
	b.killed = append(b.killed, windowID)
	return nil
}

func (b *fakeBackend) SendKeys(ctx context.Context, windowID, text string, enter bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[windowID] = append(b.keys[windowID], text)
	return nil
}

func (b *fakeBackend) CapturePane(ctx context.Context, windowID string, lines int) (string, error) {
	return "", nil
}

func (b *fakeBackend) ListWindows(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for id := range b.windows {
		out = append(out, id)
	}
	return out, nil
}

func (b *fakeBackend) WindowExists(ctx context.Context, windowID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.windows[windowID], nil
}

func (b *fakeBackend) sentKeys(windowID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.keys[windowID]...)
}

func testGlobal(t *testing.T) *config.Global {
	t.Helper()
	return &config.Global{
		DataDir:            t.TempDir(),
		Share:              config.ShareConfig{Port: 8787},
		Mode:               "topic",
		MonitorPollSeconds: 2,
		StatusPollSeconds:  1,
		FreezeTimeoutSecs:  60,
	}
}

func newTestRuntime(t *testing.T) (*Runtime, *fakeBackend, *messenger.Fake) {
	t.Helper()
	global := testGlobal(t)
	agent := config.Agent{
		Name:          "testbot",
		Mode:          "topic",
		AllowedUsers:  []int64{42},
		ClaudeCommand: "claude",
		CronDefaultTZ: "UTC",
	}

	backend := newFakeBackend(global.AgentDir(agent.Name))
	fake := messenger.NewFake()
	eb := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eb.Close)

	rt, err := NewRuntime(global, agent, fake, eb, logger.Default(), WithBackend(backend))
	require.NoError(t, err)
	return rt, backend, fake
}

func topicUpdate(text string) messenger.Update {
	return messenger.Update{
		UserID:    42,
		ChatID:    -100,
		ThreadID:  7,
		Text:      text,
		UserName:  "alice",
		TopicName: "build",
	}
}

func TestInboundCreatesWindowAndInjectsKeys(t *testing.T) {
	rt, backend, _ := newTestRuntime(t)
	ctx := context.Background()

	rt.HandleUpdate(ctx, topicUpdate("fix the tests"))

	ids, err := backend.ListWindows(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, []string{"fix the tests"}, backend.sentKeys(ids[0]))

	id, ok := rt.routers[0].GetWindow(routingKey())
	require.True(t, ok)
	assert.Equal(t, ids[0], id)

	info, ok := rt.manager.WindowInfo(id)
	require.True(t, ok)
	assert.Equal(t, "build", info.DisplayName)
	assert.Equal(t, rt.workspaceDir("topic-7"), info.Cwd)
}

func TestSecondMessageReusesWindow(t *testing.T) {
	rt, backend, _ := newTestRuntime(t)
	ctx := context.Background()

	rt.HandleUpdate(ctx, topicUpdate("first"))
	rt.HandleUpdate(ctx, topicUpdate("second"))

	ids, err := backend.ListWindows(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, []string{"first", "second"}, backend.sentKeys(ids[0]))
}

func TestPrivateChatRejectedInTopicMode(t *testing.T) {
	rt, backend, fake := newTestRuntime(t)
	ctx := context.Background()

	rt.HandleUpdate(ctx, messenger.Update{
		UserID:  42,
		ChatID:  42,
		Text:    "hello",
		Private: true,
	})

	ids, err := backend.ListWindows(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	msgs := fake.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "forum topic")
}

func TestUnlistedUserIsDropped(t *testing.T) {
	rt, backend, fake := newTestRuntime(t)
	ctx := context.Background()

	u := topicUpdate("hi")
	u.UserID = 99
	rt.HandleUpdate(ctx, u)

	ids, err := backend.ListWindows(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, fake.Messages())
}

func TestVanishedWindowUnbindsAndNotifiesOnce(t *testing.T) {
	rt, backend, fake := newTestRuntime(t)
	ctx := context.Background()

	rt.HandleUpdate(ctx, topicUpdate("boot"))
	ids, err := backend.ListWindows(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	id := ids[0]

	// The window dies out from under the binding.
	backend.mu.Lock()
	delete(backend.windows, id)
	backend.mu.Unlock()

	rt.HandleUpdate(ctx, topicUpdate("are you there"))
	require.NoError(t, rt.deliver.WaitIdle(ctx))

	_, ok := rt.routers[0].GetWindow(routingKey())
	assert.False(t, ok)

	var found bool
	for _, m := range fake.Messages() {
		if strings.Contains(m.Text, "no longer exists") {
			found = true
		}
	}
	assert.True(t, found, "vanished-window notice not sent")
}

func TestTopicClosedKillsWindowAndUnbinds(t *testing.T) {
	rt, backend, _ := newTestRuntime(t)
	ctx := context.Background()

	rt.HandleUpdate(ctx, topicUpdate("boot"))
	ids, err := backend.ListWindows(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	closed := topicUpdate("")
	closed.TopicClosed = true
	rt.HandleUpdate(ctx, closed)

	left, err := backend.ListWindows(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, []string{ids[0]}, backend.killed)

	_, ok := rt.routers[0].GetWindow(routingKey())
	assert.False(t, ok)
}

func TestResolverReturnsLiveWindow(t *testing.T) {
	rt, backend, _ := newTestRuntime(t)
	ctx := context.Background()

	rt.HandleUpdate(ctx, topicUpdate("boot"))
	ids, err := backend.ListWindows(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	res := &windowResolver{rt: rt}
	ws := rt.workspaceDir("topic-7")
	id, err := res.ResolveWindow(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, ids[0], id)

	// Resolution must not have spawned anything.
	after, err := backend.ListWindows(ctx)
	require.NoError(t, err)
	assert.Len(t, after, 1)
}

func TestResolverRecreatesVanishedWindow(t *testing.T) {
	rt, backend, _ := newTestRuntime(t)
	ctx := context.Background()

	rt.HandleUpdate(ctx, topicUpdate("boot"))
	ids, err := backend.ListWindows(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	old := ids[0]

	backend.mu.Lock()
	delete(backend.windows, old)
	backend.mu.Unlock()

	res := &windowResolver{rt: rt}
	ws := rt.workspaceDir("topic-7")
	id, err := res.ResolveWindow(ctx, ws)
	require.NoError(t, err)
	assert.NotEqual(t, old, id)

	// The creator destination follows the new window.
	bound, ok := rt.routers[0].GetWindow(routingKey())
	require.True(t, ok)
	assert.Equal(t, id, bound)

	info, ok := rt.manager.WindowInfo(id)
	require.True(t, ok)
	assert.Equal(t, ws, info.Cwd)

	require.NoError(t, res.SendKeys(ctx, id, "scheduled message"))
	assert.Equal(t, []string{"scheduled message"}, backend.sentKeys(id))
}

func TestLocateTranscriptFollowsSessionMap(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	ctx := context.Background()

	rt.HandleUpdate(ctx, topicUpdate("boot"))
	ws := rt.workspaceDir("topic-7")

	path, ok := rt.locateTranscript(ws)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(ws, "session.jsonl"), path)

	_, ok = rt.locateTranscript(rt.workspaceDir("topic-99"))
	assert.False(t, ok)
}

func TestWorkspaceNoticeFallsBackToAdmin(t *testing.T) {
	rt, _, fake := newTestRuntime(t)
	ctx := context.Background()

	// No window serves this workspace; the note must reach the admin
	// fallback (first allowed user) instead of vanishing.
	rt.notifyWorkspace(ctx, rt.workspaceDir("topic-404"), "summary task for x failed")
	require.NoError(t, rt.deliver.WaitIdle(ctx))

	msgs := fake.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(42), msgs[0].ChatID)
	assert.Contains(t, msgs[0].Text, "failed")
}

func TestUploadNoticeReachesBoundChat(t *testing.T) {
	rt, _, fake := newTestRuntime(t)
	ctx := context.Background()

	rt.HandleUpdate(ctx, topicUpdate("boot"))
	require.NoError(t, rt.deliver.WaitIdle(ctx))
	ws := rt.workspaceDir("topic-7")

	rt.onUpload(ws, filepath.Join(ws, "uploads"), []string{"data.csv", "notes.md"})
	require.NoError(t, rt.deliver.WaitIdle(ctx))

	var found bool
	for _, m := range fake.Messages() {
		if strings.Contains(m.Text, "data.csv") && m.ChatID == -100 {
			found = true
		}
	}
	assert.True(t, found, "upload notice missing: %+v", fake.Messages())
}

func routingKey() router.RoutingKey {
	return router.RoutingKey{UserID: 42, ChatID: -100, SessionKey: "7", ThreadID: 7}
}

func TestTunnelURLUpdatesShareLinks(t *testing.T) {
	rt, _, _ := newTestRuntime(t)

	rt.onTunnelURL("https://bridge.example.com")
	assert.Equal(t, "https://bridge.example.com", rt.share.PublicURL())
}

func TestMemorySaveWritesActiveWorkspace(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	ctx := context.Background()

	rt.HandleUpdate(ctx, topicUpdate("boot"))
	require.NoError(t, rt.memorySave("deploys", "Use the staging cluster first."))

	ws := rt.workspaceDir("topic-7")
	rows, err := rt.memorySearch("staging cluster", "", 0)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Contains(t, rows[0].Content, "staging")

	data := filepath.Join(ws, "memory", "experience", "deploys.md")
	assert.FileExists(t, data)
}
