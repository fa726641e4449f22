package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/quickdesk/chatsync/internal/bus"
	"github.com/quickdesk/chatsync/internal/model"
	"go.uber.org/zap"
)

// ErrEmptyMessage is returned for a send with no text and no attachment.
var ErrEmptyMessage = errors.New("controller: empty message")

// SendError wraps a backend send failure. Text carries the original
// input so the caller can restore it into the composer instead of
// losing it.
type SendError struct {
	ConversationID string
	Text           string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// SendMessage applies an optimistic local preview immediately, then
// commits to the backend. On failure the preview is retracted, the
// conversation's last-message preview reverts to its pre-call value and
// the returned SendError carries the original text.
func (c *Controller) SendMessage(ctx context.Context, conversationID, text string, msgType model.MessageType, attachment *model.FileData) error {
	if attachment == nil && strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNotActive
	}
	me := c.userID
	gen := c.scopeGen
	now := c.now().UnixMilli()

	preview := model.Message{
		ID:             "local-" + uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       me,
		SenderName:     me,
		Type:           msgType,
		Text:           text,
		Timestamp:      now,
		FileData:       attachment,
		Local:          true,
		FetchedAt:      now,
	}

	var prevLast *model.LastMessage
	var prevActivity int64
	if idx := c.findConversationLocked(conversationID); idx >= 0 {
		prevLast = c.convs[idx].LastMessage
		prevActivity = c.convs[idx].LastActivity
		c.convs[idx].LastMessage = &model.LastMessage{Text: text, SenderID: me, Timestamp: now}
		c.convs[idx].LastActivity = now
		sortConversations(c.convs, me)
	}
	if conversationID == c.activeConv && c.timeline != nil {
		before := len(c.timeline.Messages)
		c.timeline.MergeNewer([]model.Message{preview})
		c.visible += len(c.timeline.Messages) - before
		c.pending[preview.ID] = preview
	}
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Payload: conversationID})
		c.bus.Publish(bus.Event{Kind: bus.KindConversationUpdated, Payload: conversationID})
	}

	msg, err := c.svc.SendMessage(ctx, conversationID, me, text, msgType, attachment)
	if err != nil {
		c.retractPreview(conversationID, preview, prevLast, prevActivity)
		c.logger.Warn("send failed, optimistic preview retracted",
			zap.String("conversation", conversationID), zap.Error(err))
		if c.bus != nil {
			c.bus.Publish(bus.Event{Kind: bus.KindMessageSendFailed, Payload: conversationID})
		}
		return &SendError{ConversationID: conversationID, Text: text, Err: err}
	}

	// The push channel normally delivers the authoritative record during
	// the call above; ingesting the return value as well is a no-op in
	// that case and covers a dropped push otherwise.
	c.ingestMessages(gen, []model.Message{msg})
	c.mu.Lock()
	delete(c.pending, preview.ID)
	if conversationID == c.activeConv && c.timeline != nil {
		c.removeFromTimelineLocked(preview.ID)
	}
	c.mu.Unlock()
	return nil
}

// retractPreview is the compensate step of the optimistic send: the
// in-memory state returns to its pre-mutation shape unless the push
// channel already replaced it with something fresher.
func (c *Controller) retractPreview(conversationID string, preview model.Message, prevLast *model.LastMessage, prevActivity int64) {
	c.mu.Lock()
	delete(c.pending, preview.ID)
	if conversationID == c.activeConv && c.timeline != nil {
		c.removeFromTimelineLocked(preview.ID)
	}
	if idx := c.findConversationLocked(conversationID); idx >= 0 {
		last := c.convs[idx].LastMessage
		// Restore only if the preview still owns the slot.
		if last != nil && last.SenderID == preview.SenderID && last.Text == preview.Text && last.Timestamp == preview.Timestamp {
			c.convs[idx].LastMessage = prevLast
			c.convs[idx].LastActivity = prevActivity
			sortConversations(c.convs, c.userID)
		}
	}
	c.mu.Unlock()
}

// MarkConversationAsRead zeroes the local unread count immediately and
// acknowledges to the backend. The push channel is the source of truth
// and may correct the optimistic value; a failed acknowledgement rolls
// the count back.
func (c *Controller) MarkConversationAsRead(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNotActive
	}
	me := c.userID
	idx := c.findConversationLocked(conversationID)
	if idx < 0 {
		c.mu.Unlock()
		return fmt.Errorf("conversation %q not found", conversationID)
	}
	prev := c.convs[idx].UnreadFor(me)
	if c.convs[idx].UnreadCounts == nil {
		c.convs[idx].UnreadCounts = make(map[string]int)
	}
	c.convs[idx].UnreadCounts[me] = 0
	snapshot := snapshotConversations(c.convs)
	c.mu.Unlock()

	c.store.SetConversations(me, snapshot)
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindUnreadChanged, Payload: c.TotalUnread()})
	}

	if err := c.svc.MarkRead(ctx, conversationID, me); err != nil {
		c.mu.Lock()
		if idx := c.findConversationLocked(conversationID); idx >= 0 && c.convs[idx].UnreadFor(me) == 0 {
			// The push may have swapped in a list whose counts map is nil.
			if c.convs[idx].UnreadCounts == nil {
				c.convs[idx].UnreadCounts = make(map[string]int)
			}
			c.convs[idx].UnreadCounts[me] = prev
		}
		c.mu.Unlock()
		if c.bus != nil {
			c.bus.Publish(bus.Event{Kind: bus.KindUnreadChanged, Payload: c.TotalUnread()})
		}
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// TogglePin flips the local user's pin. Deliberately not optimistic:
// pin state feeds a sort order visible to every participant, so the
// new state is only applied once the push channel confirms it.
func (c *Controller) TogglePin(ctx context.Context, conversationID string, currentlyPinned bool) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNotActive
	}
	me := c.userID
	c.mu.Unlock()

	if err := c.svc.TogglePin(ctx, conversationID, me, !currentlyPinned); err != nil {
		return fmt.Errorf("toggle pin: %w", err)
	}
	return nil
}

func (c *Controller) findConversationLocked(conversationID string) int {
	for i := range c.convs {
		if c.convs[i].ID == conversationID {
			return i
		}
	}
	return -1
}

func snapshotConversations(convs []model.Conversation) []model.Conversation {
	out := make([]model.Conversation, 0, len(convs))
	for i := range convs {
		out = append(out, *convs[i].Clone())
	}
	return out
}
