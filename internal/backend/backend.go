// Package backend defines the capability interface of the remote
// messaging service. The sync core treats it as a black box: push
// subscriptions deliver incremental updates to registered callbacks,
// pull calls fetch authoritative pages. The Memory implementation backs
// tests and the local demo daemon.
package backend

import (
	"context"

	"github.com/quickdesk/chatsync/internal/model"
)

// Unsubscribe closes a push subscription. Safe to call more than once.
type Unsubscribe func()

// Page is one backward-paginated slice of message history.
type Page struct {
	Messages []model.Message
	// NextCursor is the timestamp boundary for the next older page.
	NextCursor int64
	HasMore    bool
}

// Service is the remote messaging backend.
type Service interface {
	// SubscribeConversations streams the authoritative conversation list
	// for a user. The full list is delivered on every change.
	SubscribeConversations(userID string, onUpdate func([]model.Conversation)) Unsubscribe

	// SubscribeMessages streams the authoritative recent-message window
	// for a conversation.
	SubscribeMessages(conversationID string, onUpdate func([]model.Message)) Unsubscribe

	// SubscribeNewMessagesSince streams messages newer than the given
	// timestamp. isIncremental=false marks an initial snapshot; delivery
	// is at-least-once, so the same message may arrive repeatedly.
	SubscribeNewMessagesSince(conversationID string, sinceTimestamp int64, onIncremental func(msgs []model.Message, isIncremental bool)) Unsubscribe

	// FetchMessagePage returns up to pageSize messages strictly older
	// than beforeCursor (0 = newest).
	FetchMessagePage(ctx context.Context, conversationID string, pageSize int, beforeCursor int64) (Page, error)

	// SendMessage delivers a message and returns the authoritative,
	// server-assigned record.
	SendMessage(ctx context.Context, conversationID, senderID, text string, msgType model.MessageType, attachment *model.FileData) (model.Message, error)

	// MarkRead acknowledges everything in the conversation as read by
	// the user.
	MarkRead(ctx context.Context, conversationID, userID string) error

	// TogglePin sets or clears the user's pin on a conversation. The
	// new pin state is confirmed through the conversation push channel.
	TogglePin(ctx context.Context, conversationID, userID string, pinned bool) error

	// SetTyping forwards an ephemeral typing signal.
	SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error

	// SubscribePresence streams presence records for a user.
	SubscribePresence(userID string, onUpdate func(model.PresenceRecord)) Unsubscribe

	// CreateConversation creates (or, for direct conversations, resolves)
	// a conversation and returns its id. Idempotent for direct type:
	// calling it twice for the same pair yields the same id.
	CreateConversation(ctx context.Context, participantIDs []string, convType model.ConversationType, customName string) (string, error)
}
