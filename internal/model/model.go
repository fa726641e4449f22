package model

import (
	"fmt"
	"slices"
	"strings"
)

// ConversationType distinguishes one-on-one chats from group chats.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// MessageType enumerates the supported message payloads.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageGif    MessageType = "gif"
	MessageVoice  MessageType = "voice"
	MessageSystem MessageType = "system"
)

// LastMessage is the denormalized preview kept on a conversation for
// list rendering, so the UI never has to load the message page.
type LastMessage struct {
	Text      string `json:"text"`
	SenderID  string `json:"sender_id"`
	Timestamp int64  `json:"timestamp"`
}

// Conversation is a synced conversation. Participants preserve insertion
// order for display; set semantics apply for equality checks.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Participants []string         `json:"participants"`
	Name         string           `json:"name,omitempty"`
	LastMessage  *LastMessage     `json:"last_message,omitempty"`
	LastActivity int64            `json:"last_activity"`
	UnreadCounts map[string]int   `json:"unread_counts,omitempty"`
	PinnedBy     []string         `json:"pinned_by,omitempty"`
}

// UnreadFor returns the unread count for a user, never negative.
func (c *Conversation) UnreadFor(userID string) int {
	n := c.UnreadCounts[userID]
	if n < 0 {
		return 0
	}
	return n
}

// PinnedByUser reports whether the user has pinned this conversation.
func (c *Conversation) PinnedByUser(userID string) bool {
	return slices.Contains(c.PinnedBy, userID)
}

// HasParticipant reports whether the user is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// Clone returns a deep copy safe to hand out from behind a lock.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	out.PinnedBy = slices.Clone(c.PinnedBy)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	if c.UnreadCounts != nil {
		out.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
		for k, v := range c.UnreadCounts {
			out.UnreadCounts[k] = v
		}
	}
	return &out
}

// DirectConversationID derives the deterministic synthetic id for a
// direct conversation between two users. The pair is sorted so lookup
// and creation are idempotent regardless of argument order.
func DirectConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("direct:%s:%s", a, b)
}

// FileData describes an attachment reference carried by a message.
type FileData struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// Message is a synced message. Timestamp is unix milliseconds and is the
// primary ordering key within a conversation; ties break by ID.
type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	SenderID       string              `json:"sender_id"`
	SenderName     string              `json:"sender_name,omitempty"`
	Type           MessageType         `json:"type"`
	Text           string              `json:"text,omitempty"`
	Timestamp      int64               `json:"timestamp"`
	ReadBy         []string            `json:"read_by,omitempty"`
	FileData       *FileData           `json:"file_data,omitempty"`
	Reactions      map[string][]string `json:"reactions,omitempty"`

	// Local marks an optimistic preview that has not been confirmed by
	// the backend. Local messages never enter the persisted cache.
	Local bool `json:"-"`

	// FetchedAt records when this payload was received from the backend;
	// conflicting payloads for the same id resolve by recency of fetch,
	// not arrival order.
	FetchedAt int64 `json:"-"`
}

// Less orders messages ascending by timestamp, ties broken by id so the
// order is deterministic for equal timestamps.
func (m *Message) Less(other *Message) bool {
	if m.Timestamp != other.Timestamp {
		return m.Timestamp < other.Timestamp
	}
	return m.ID < other.ID
}

// Compare is the cmp-style ordering used for sorting and searching.
func Compare(a, b Message) int {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}
