package router

import (
	"context"
	"fmt"
	"strconv"

	"github.com/termbridge/termbridge/internal/messenger"
	"github.com/termbridge/termbridge/internal/window"
)

// TopicRouter keys conversations by forum topic: every user posting into
// the same topic shares one window.
type TopicRouter struct {
	manager *window.Manager
	msgr    messenger.Messenger
}

// NewTopicRouter returns the topic-mode router.
func NewTopicRouter(manager *window.Manager, msgr messenger.Messenger) *TopicRouter {
	return &TopicRouter{manager: manager, msgr: msgr}
}

// Extract accepts events from named forum topics only. The general thread
// (no topic id) and private chats have no stable session key in this mode.
func (r *TopicRouter) Extract(u messenger.Update) (RoutingKey, bool) {
	if u.Private || u.ThreadID == 0 {
		return RoutingKey{}, false
	}
	return RoutingKey{
		UserID:     u.UserID,
		ChatID:     u.ChatID,
		SessionKey: strconv.FormatInt(u.ThreadID, 10),
		ThreadID:   u.ThreadID,
	}, true
}

// RejectionMessage explains the topic requirement.
func (r *TopicRouter) RejectionMessage() string {
	return "Please message me inside a named forum topic; the general thread and private chats are not bridged."
}

// WorkspaceName derives the default workspace name for a topic.
func (r *TopicRouter) WorkspaceName(key RoutingKey) string {
	return fmt.Sprintf("topic-%d", key.ThreadID)
}

// GetWindow resolves the bound window, promoting the user onto another
// user's window for the same topic when one exists.
func (r *TopicRouter) GetWindow(key RoutingKey) (string, bool) {
	return r.manager.ThreadWindow(key.UserID, key.ThreadID)
}

// Bind records the binding along with the creator destination metadata
// the scheduler needs for window recreation.
func (r *TopicRouter) Bind(key RoutingKey, windowID, displayName string) {
	r.manager.BindThread(key.UserID, key.ThreadID, windowID, window.Info{
		DisplayName: displayName,
		UserID:      key.UserID,
		ChatID:      key.ChatID,
		ThreadID:    key.ThreadID,
	})
}

// Unbind removes the binding for this user+topic.
func (r *TopicRouter) Unbind(key RoutingKey) (string, bool) {
	return r.manager.UnbindThread(key.UserID, key.ThreadID)
}

// ResolveChatID returns the forum chat that hosts the topic.
func (r *TopicRouter) ResolveChatID(key RoutingKey) int64 { return key.ChatID }

// SendOptions targets the topic thread.
func (r *TopicRouter) SendOptions(key RoutingKey) messenger.SendOptions {
	return messenger.SendOptions{ThreadID: key.ThreadID}
}

// IterBindings snapshots every thread binding.
func (r *TopicRouter) IterBindings() []Binding {
	var out []Binding
	for pair, windowID := range r.manager.ThreadBindings() {
		chatID := int64(0)
		if info, ok := r.manager.WindowInfo(windowID); ok {
			chatID = info.ChatID
		}
		out = append(out, Binding{
			Key: RoutingKey{
				UserID:     pair[0],
				ChatID:     chatID,
				SessionKey: strconv.FormatInt(pair[1], 10),
				ThreadID:   pair[1],
			},
			WindowID: windowID,
		})
	}
	return out
}

// ProbeDestinationExists asks the platform whether the topic still
// exists. A permanent error means it is gone; transient errors report
// the destination as alive.
func (r *TopicRouter) ProbeDestinationExists(ctx context.Context, key RoutingKey) (bool, error) {
	_, err := r.msgr.TopicName(ctx, key.ChatID, key.ThreadID)
	if err == nil {
		return true, nil
	}
	if messenger.IsPermanent(err) {
		return false, nil
	}
	return true, err
}
