package messenger

import (
	"context"
	"sync"
)

// SentMessage records one Fake send or edit target state.
type SentMessage struct {
	ID       int
	ChatID   int64
	ThreadID int64
	Text     string
	Document string
	Deleted  bool
	Edits    int
}

// Fake is an in-memory Messenger for tests. Message ids increase
// monotonically per instance; failures are scripted per call through
// FailNext.
type Fake struct {
	mu       sync.Mutex
	nextID   int
	messages []*SentMessage
	failures []error
	topics   map[int64]string
	updates  chan Update
}

// NewFake returns an empty fake messenger.
func NewFake() *Fake {
	return &Fake{
		nextID:  1,
		topics:  make(map[int64]string),
		updates: make(chan Update, 64),
	}
}

// FailNext scripts errors for the next sends, in order.
func (f *Fake) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// SetTopic registers a topic name for TopicName probes.
func (f *Fake) SetTopic(threadID int64, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics[threadID] = name
}

// Inject feeds an inbound update to consumers of Updates.
func (f *Fake) Inject(u Update) {
	f.updates <- u
}

func (f *Fake) popFailure() error {
	if len(f.failures) == 0 {
		return nil
	}
	err := f.failures[0]
	f.failures = f.failures[1:]
	return err
}

// SendMessage records the message and returns an increasing id.
func (f *Fake) SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure(); err != nil {
		return 0, err
	}
	m := &SentMessage{ID: f.nextID, ChatID: chatID, ThreadID: opts.ThreadID, Text: text}
	f.nextID++
	f.messages = append(f.messages, m)
	return m.ID, nil
}

// EditMessage rewrites a recorded message in place.
func (f *Fake) EditMessage(ctx context.Context, chatID int64, messageID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure(); err != nil {
		return err
	}
	for _, m := range f.messages {
		if m.ID == messageID && m.ChatID == chatID && !m.Deleted {
			m.Text = text
			m.Edits++
			return nil
		}
	}
	return &PermanentError{Reason: "message to edit not found"}
}

// DeleteMessage marks a recorded message deleted.
func (f *Fake) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure(); err != nil {
		return err
	}
	for _, m := range f.messages {
		if m.ID == messageID && m.ChatID == chatID {
			m.Deleted = true
			return nil
		}
	}
	return &PermanentError{Reason: "message to delete not found"}
}

// SendDocument records a document send.
func (f *Fake) SendDocument(ctx context.Context, chatID int64, path, caption string, opts SendOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure(); err != nil {
		return 0, err
	}
	m := &SentMessage{ID: f.nextID, ChatID: chatID, ThreadID: opts.ThreadID, Text: caption, Document: path}
	f.nextID++
	f.messages = append(f.messages, m)
	return m.ID, nil
}

// SendTyping is a no-op for the fake.
func (f *Fake) SendTyping(ctx context.Context, chatID int64, opts SendOptions) error {
	return nil
}

// TopicName returns a registered topic name or a PermanentError.
func (f *Fake) TopicName(ctx context.Context, chatID, threadID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.topics[threadID]
	if !ok {
		return "", &PermanentError{Reason: "topic not found"}
	}
	return name, nil
}

// Updates returns the inbound stream fed by Inject.
func (f *Fake) Updates() <-chan Update {
	return f.updates
}

// Messages returns a snapshot of everything sent, in send order.
func (f *Fake) Messages() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, 0, len(f.messages))
	for _, m := range f.messages {
		out = append(out, *m)
	}
	return out
}

// LiveTexts returns the texts of non-deleted messages, in send order.
func (f *Fake) LiveTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.messages {
		if !m.Deleted {
			out = append(out, m.Text)
		}
	}
	return out
}
