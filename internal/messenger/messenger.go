// Package messenger abstracts the chat platform behind a small interface.
// The concrete client library is out of scope for the bridge; everything
// above it programs against Messenger and the typed error kinds here, and
// tests run against the in-memory Fake.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SendOptions carries per-send addressing extras.
type SendOptions struct {
	// ThreadID targets a forum topic; 0 sends to the chat root.
	ThreadID int64
	// Silent suppresses the platform's client-side notification.
	Silent bool
}

// Update is one inbound event from the platform.
type Update struct {
	UserID    int64
	ChatID    int64
	ThreadID  int64
	MessageID int
	Text      string

	// UserName is the sender's display name.
	UserName string
	// TopicName is set when the event carries topic metadata.
	TopicName string
	// TopicClosed marks a topic-closed lifecycle event.
	TopicClosed bool
	// Private marks events from one-on-one chats.
	Private bool
}

// Messenger is the outbound chat surface. Every call suspends on ctx.
type Messenger interface {
	// SendMessage sends text and returns the platform message id.
	SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (int, error)

	// EditMessage replaces the text of a prior message.
	EditMessage(ctx context.Context, chatID int64, messageID int, text string) error

	// DeleteMessage removes a prior message.
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error

	// SendDocument uploads a local file with an optional caption.
	SendDocument(ctx context.Context, chatID int64, path, caption string, opts SendOptions) (int, error)

	// SendTyping emits a typing indicator.
	SendTyping(ctx context.Context, chatID int64, opts SendOptions) error

	// TopicName resolves a topic's display name. A PermanentError means
	// the topic is gone.
	TopicName(ctx context.Context, chatID, threadID int64) (string, error)

	// Updates is the inbound event stream. Closed on shutdown.
	Updates() <-chan Update
}

// FloodError is the platform's rate-limit response. The delivery worker
// sleeps RetryAfter and retries without spending its retry budget.
type FloodError struct {
	RetryAfter time.Duration
}

func (e *FloodError) Error() string {
	return fmt.Sprintf("flood control: retry after %s", e.RetryAfter)
}

// PermanentError marks failures that retrying cannot fix (message deleted,
// too old to edit, destination gone).
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Reason
}

// IsFlood reports whether err is a rate-limit response and returns the
// wait duration.
func IsFlood(err error) (time.Duration, bool) {
	var fe *FloodError
	if errors.As(err, &fe) {
		return fe.RetryAfter, true
	}
	return 0, false
}

// IsPermanent reports whether err is beyond retry.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
