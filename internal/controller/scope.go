package controller

import (
	"context"
	"slices"

	"github.com/quickdesk/chatsync/internal/bus"
	"github.com/quickdesk/chatsync/internal/merge"
	"github.com/quickdesk/chatsync/internal/model"
	"go.uber.org/zap"
)

// SetActiveConversation swaps the message scope: cache-first load of the
// new conversation, a scoped incremental subscription, and deterministic
// teardown of the previous scope. Any in-flight callback from the old
// scope detects the generation change and discards its result.
func (c *Controller) SetActiveConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNotActive
	}
	c.scopeGen++
	gen := c.scopeGen
	prevUnsub := c.unsubMsgs
	c.unsubMsgs = nil
	c.activeConv = conversationID
	c.pending = make(map[string]model.Message)

	cached, _ := c.store.Messages(conversationID)
	c.timeline = merge.NewTimeline(cached)
	c.visible = min(c.opts.PageSize, len(c.timeline.Messages))
	c.mu.Unlock()

	if prevUnsub != nil {
		prevUnsub()
	}

	// Cold cache: fetch the newest page so the initial view is bounded
	// to one page instead of the whole history.
	if len(cached) == 0 {
		page, err := c.svc.FetchMessagePage(ctx, conversationID, c.opts.PageSize, 0)
		if err != nil {
			c.logger.Warn("initial page fetch failed", zap.String("conversation", conversationID), zap.Error(err))
		} else {
			now := c.now().UnixMilli()
			stamped := make([]model.Message, len(page.Messages))
			for i, m := range page.Messages {
				m.FetchedAt = now
				stamped[i] = m
			}
			c.mu.Lock()
			if gen == c.scopeGen {
				tl := merge.NewTimeline(stamped)
				tl.HasMoreOlder = page.HasMore
				c.timeline = tl
				c.visible = len(tl.Messages)
				persisted := persistable(tl.Messages)
				c.mu.Unlock()
				c.store.SetMessages(conversationID, persisted)
			} else {
				c.mu.Unlock()
			}
		}
	}

	c.mu.Lock()
	if gen != c.scopeGen {
		c.mu.Unlock()
		return nil
	}
	since := c.timeline.NewestTimestamp()
	c.mu.Unlock()

	unsub := c.svc.SubscribeNewMessagesSince(conversationID, since, func(msgs []model.Message, _ bool) {
		c.ingestMessages(gen, msgs)
	})

	c.mu.Lock()
	if gen != c.scopeGen {
		// The scope moved again while we were subscribing.
		c.mu.Unlock()
		unsub()
		return nil
	}
	c.unsubMsgs = unsub
	c.mu.Unlock()

	c.logger.Info("active conversation set",
		zap.String("conversation", conversationID),
		zap.Int("cached", len(cached)))
	return nil
}

// ActiveConversationID returns the current message scope, "" if none.
func (c *Controller) ActiveConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeConv
}

// ActiveMessages returns the currently exposed window of the active
// conversation's timeline, ascending by timestamp.
func (c *Controller) ActiveMessages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeline == nil {
		return nil
	}
	msgs := c.timeline.Messages
	vis := min(c.visible, len(msgs))
	return slices.Clone(msgs[len(msgs)-vis:])
}

// HasMoreHistory reports whether older messages can still be loaded,
// from cache or backend.
func (c *Controller) HasMoreHistory() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeline == nil {
		return false
	}
	return c.timeline.HasMoreOlder || len(c.timeline.Messages) > c.visible
}

// LoadOlderMessages pages backward through history. The request is
// satisfied entirely from the cached sequence when it holds enough
// messages before the current window; only then does it fall through to
// a backend fetch, whose page is merged and re-cached. Returns the newly
// exposed messages, oldest first.
func (c *Controller) LoadOlderMessages(ctx context.Context) ([]model.Message, error) {
	c.mu.Lock()
	if !c.active || c.timeline == nil {
		c.mu.Unlock()
		return nil, ErrNotActive
	}
	gen := c.scopeGen
	conversationID := c.activeConv
	n := c.opts.PageSize

	hidden := len(c.timeline.Messages) - c.visible
	if hidden >= n || (hidden > 0 && !c.timeline.HasMoreOlder) {
		out := c.exposeOlderLocked(n)
		c.mu.Unlock()
		return out, nil
	}
	if !c.timeline.HasMoreOlder {
		c.mu.Unlock()
		return nil, nil
	}
	cursor := c.timeline.OldestTimestamp()
	c.mu.Unlock()

	page, err := c.svc.FetchMessagePage(ctx, conversationID, n, cursor)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if gen != c.scopeGen || c.timeline == nil {
		// Scope changed while the fetch was in flight; drop the result.
		c.mu.Unlock()
		return nil, nil
	}
	now := c.now().UnixMilli()
	stamped := make([]model.Message, len(page.Messages))
	for i, m := range page.Messages {
		m.FetchedAt = now
		stamped[i] = m
	}
	c.timeline.MergeOlder(stamped, page.HasMore)
	out := c.exposeOlderLocked(n)
	persisted := persistable(c.timeline.Messages)
	c.mu.Unlock()

	c.store.SetMessages(conversationID, persisted)
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Payload: conversationID})
	}
	return out, nil
}

// exposeOlderLocked widens the visible window by up to n messages and
// returns the newly exposed slice, oldest first. The newest-biased
// slice of the hidden prefix is exactly the page immediately preceding
// the window.
func (c *Controller) exposeOlderLocked(n int) []model.Message {
	msgs := c.timeline.Messages
	hidden := msgs[:len(msgs)-c.visible]
	out := merge.SliceBefore(hidden, 0, n)
	c.visible += len(out)
	return out
}

// ingestMessages merges authoritative messages into the active timeline.
// Both the incremental push subscription and the polling guard land
// here; idempotent under at-least-once delivery. A generation mismatch
// means the callback belongs to a conversation that is no longer active.
func (c *Controller) ingestMessages(gen uint64, msgs []model.Message) {
	if len(msgs) == 0 {
		return
	}
	now := c.now().UnixMilli()

	c.mu.Lock()
	if gen != c.scopeGen || c.timeline == nil {
		c.mu.Unlock()
		return
	}
	stamped := make([]model.Message, len(msgs))
	for i, m := range msgs {
		m.FetchedAt = now
		stamped[i] = m
	}
	before := len(c.timeline.Messages)
	c.timeline.MergeNewer(stamped)
	c.visible += len(c.timeline.Messages) - before

	// Best-effort correlation: an authoritative record matching a
	// pending optimistic preview replaces it.
	for id, p := range c.pending {
		for _, m := range stamped {
			if m.SenderID == p.SenderID && m.Text == p.Text && !m.Local {
				delete(c.pending, id)
				c.removeFromTimelineLocked(id)
				break
			}
		}
	}

	conversationID := c.activeConv
	persisted := persistable(c.timeline.Messages)
	c.mu.Unlock()

	c.store.SetMessages(conversationID, persisted)
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Payload: conversationID})
	}
}

// removeFromTimelineLocked drops a message (typically a retired local
// preview) and shrinks the visible window if it was exposed.
func (c *Controller) removeFromTimelineLocked(id string) {
	msgs := c.timeline.Messages
	idx := slices.IndexFunc(msgs, func(m model.Message) bool { return m.ID == id })
	if idx < 0 {
		return
	}
	if idx >= len(msgs)-c.visible {
		c.visible--
	}
	c.timeline.Messages = slices.Delete(msgs, idx, idx+1)
}

// persistable filters out local optimistic previews: only
// backend-confirmed records enter the persisted cache.
func persistable(msgs []model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Local {
			out = append(out, m)
		}
	}
	return out
}
