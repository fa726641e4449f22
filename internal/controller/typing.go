package controller

import (
	"context"
	"sort"
	"time"

	"github.com/quickdesk/chatsync/internal/bus"
	"go.uber.org/zap"
)

// SetTyping records a typing indicator locally with immediate effect
// and, for the local user, forwards it to the backend. Each start
// refreshes the expiry window; indicators never outlive it.
func (c *Controller) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNotActive
	}
	me := c.userID
	changed := c.setTypingLocked(conversationID, userID, isTyping)
	c.mu.Unlock()

	if changed && c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindTypingChanged, Payload: conversationID})
	}

	if userID != me {
		return nil
	}
	if err := c.svc.SetTyping(ctx, conversationID, me, isTyping); err != nil {
		// The local indicator stays; the window expires it regardless.
		c.logger.Debug("typing forward failed", zap.String("conversation", conversationID), zap.Error(err))
		return err
	}
	return nil
}

// TypingUsers returns who is currently typing in a conversation,
// sorted, excluding anyone whose window already expired.
func (c *Controller) TypingUsers(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	byUser := c.typing[conversationID]
	if len(byUser) == 0 {
		return nil
	}
	now := c.now().UnixMilli()
	out := make([]string, 0, len(byUser))
	for userID, expiry := range byUser {
		if expiry > now {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// setTypingLocked reports whether the visible typing set changed.
func (c *Controller) setTypingLocked(conversationID, userID string, isTyping bool) bool {
	byUser := c.typing[conversationID]
	if !isTyping {
		if byUser == nil {
			return false
		}
		_, had := byUser[userID]
		delete(byUser, userID)
		if len(byUser) == 0 {
			delete(c.typing, conversationID)
		}
		return had
	}
	if byUser == nil {
		byUser = make(map[string]int64)
		c.typing[conversationID] = byUser
	}
	_, had := byUser[userID]
	byUser[userID] = c.now().Add(c.opts.TypingWindow).UnixMilli()
	return !had
}

// typingSweepLoop expires stale indicators so a client that stopped
// typing without sending a stop still clears within the window.
func (c *Controller) typingSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.TypingWindow / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepTyping()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) sweepTyping() {
	c.mu.Lock()
	now := c.now().UnixMilli()
	var changed []string
	for conversationID, byUser := range c.typing {
		before := len(byUser)
		for userID, expiry := range byUser {
			if expiry <= now {
				delete(byUser, userID)
			}
		}
		if len(byUser) != before {
			changed = append(changed, conversationID)
		}
		if len(byUser) == 0 {
			delete(c.typing, conversationID)
		}
	}
	c.mu.Unlock()

	if c.bus != nil {
		for _, conversationID := range changed {
			c.bus.Publish(bus.Event{Kind: bus.KindTypingChanged, Payload: conversationID})
		}
	}
}
