// Package router maps inbound chat events to routing keys and owns the
// key→window binding surface for one front-end mode. Topic mode keys a
// conversation by forum topic; chat mode keys it by chat. Both delegate
// durable storage to the window manager.
package router

import (
	"context"
	"fmt"

	"github.com/termbridge/termbridge/internal/messenger"
)

// RoutingKey identifies one conversation destination. It is an immutable
// value usable as a map key. Two events with the same SessionKey route to
// the same window.
type RoutingKey struct {
	UserID     int64
	ChatID     int64
	SessionKey string
	ThreadID   int64
}

// Destination returns the delivery-queue key: (user, thread) in topic
// mode, the chat alone in chat mode.
func (k RoutingKey) Destination() string {
	if k.ThreadID != 0 {
		return fmt.Sprintf("user:%d:thread:%d", k.UserID, k.ThreadID)
	}
	return fmt.Sprintf("chat:%d", k.ChatID)
}

// Binding pairs a routing key with its bound window.
type Binding struct {
	Key      RoutingKey
	WindowID string
}

// Router is the per-mode strategy for routing-key extraction and binding.
type Router interface {
	// Extract derives the routing key from an inbound event. ok=false
	// rejects the event (see RejectionMessage).
	Extract(u messenger.Update) (RoutingKey, bool)

	// RejectionMessage is sent back for rejected events.
	RejectionMessage() string

	// WorkspaceName names the workspace auto-created for a key.
	WorkspaceName(key RoutingKey) string

	// GetWindow resolves the bound window, if any.
	GetWindow(key RoutingKey) (string, bool)

	// Bind records key→window. Idempotent.
	Bind(key RoutingKey, windowID, displayName string)

	// Unbind removes the binding and returns the window it pointed at.
	Unbind(key RoutingKey) (string, bool)

	// ResolveChatID returns the chat to send outbound messages to.
	ResolveChatID(key RoutingKey) int64

	// SendOptions returns the addressing extras for outbound sends.
	SendOptions(key RoutingKey) messenger.SendOptions

	// IterBindings snapshots every binding of this mode.
	IterBindings() []Binding

	// ProbeDestinationExists checks whether the destination is still
	// reachable (topic not closed, chat not left).
	ProbeDestinationExists(ctx context.Context, key RoutingKey) (bool, error)
}
