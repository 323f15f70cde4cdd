package router

import (
	"context"
	"fmt"
	"strconv"

	"github.com/termbridge/termbridge/internal/messenger"
	"github.com/termbridge/termbridge/internal/window"
)

// ChatRouter keys one conversation per group chat.
type ChatRouter struct {
	manager *window.Manager
	msgr    messenger.Messenger
}

// NewChatRouter returns the chat-mode router.
func NewChatRouter(manager *window.Manager, msgr messenger.Messenger) *ChatRouter {
	return &ChatRouter{manager: manager, msgr: msgr}
}

// Extract accepts group chat events; private chats are rejected.
func (r *ChatRouter) Extract(u messenger.Update) (RoutingKey, bool) {
	if u.Private {
		return RoutingKey{}, false
	}
	return RoutingKey{
		UserID:     u.UserID,
		ChatID:     u.ChatID,
		SessionKey: strconv.FormatInt(u.ChatID, 10),
	}, true
}

// RejectionMessage explains the group requirement.
func (r *ChatRouter) RejectionMessage() string {
	return "Please add me to a group chat; private chats are not bridged."
}

// WorkspaceName derives the default workspace name for a chat.
func (r *ChatRouter) WorkspaceName(key RoutingKey) string {
	return fmt.Sprintf("chat%d", key.ChatID)
}

// GetWindow resolves the window bound to the chat.
func (r *ChatRouter) GetWindow(key RoutingKey) (string, bool) {
	return r.manager.ChatWindow(key.ChatID)
}

// Bind records the binding with creator metadata.
func (r *ChatRouter) Bind(key RoutingKey, windowID, displayName string) {
	r.manager.BindChat(key.ChatID, windowID, window.Info{
		DisplayName: displayName,
		UserID:      key.UserID,
		ChatID:      key.ChatID,
	})
}

// Unbind removes the chat binding.
func (r *ChatRouter) Unbind(key RoutingKey) (string, bool) {
	return r.manager.UnbindChat(key.ChatID)
}

// ResolveChatID returns the chat itself.
func (r *ChatRouter) ResolveChatID(key RoutingKey) int64 { return key.ChatID }

// SendOptions carries no thread in chat mode.
func (r *ChatRouter) SendOptions(key RoutingKey) messenger.SendOptions {
	return messenger.SendOptions{}
}

// IterBindings snapshots every chat binding.
func (r *ChatRouter) IterBindings() []Binding {
	var out []Binding
	for chatID, windowID := range r.manager.ChatBindings() {
		userID := int64(0)
		if info, ok := r.manager.WindowInfo(windowID); ok {
			userID = info.UserID
		}
		out = append(out, Binding{
			Key: RoutingKey{
				UserID:     userID,
				ChatID:     chatID,
				SessionKey: strconv.FormatInt(chatID, 10),
			},
			WindowID: windowID,
		})
	}
	return out
}

// ProbeDestinationExists checks reachability by emitting a typing
// indicator; a permanent failure means the bot was removed or the chat
// is gone.
func (r *ChatRouter) ProbeDestinationExists(ctx context.Context, key RoutingKey) (bool, error) {
	err := r.msgr.SendTyping(ctx, key.ChatID, messenger.SendOptions{})
	if err == nil {
		return true, nil
	}
	if messenger.IsPermanent(err) {
		return false, nil
	}
	return true, err
}
