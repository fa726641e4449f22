// Package merge reconciles cached message sequences with backend pages
// and incremental pushes into a single deduplicated, time-ordered
// timeline. Both the push subscription and the polling guard funnel
// through Merge, so the result is the same regardless of arrival order.
package merge

import (
	"slices"

	"github.com/quickdesk/chatsync/internal/model"
)

// Merge unions two message sequences by id and returns them sorted
// ascending by timestamp, ties broken by id. For conflicting payloads
// (same id, different content — e.g. an edited message) the payload
// with the higher FetchedAt wins; equal recency resolves in favor of
// fetched, which is always the newer source on both the push and the
// poll path. Merge is idempotent: merging the same page twice yields
// the same sequence as merging it once.
func Merge(existing, fetched []model.Message) []model.Message {
	byID := make(map[string]model.Message, len(existing)+len(fetched))
	for _, m := range existing {
		byID[m.ID] = m
	}
	for _, m := range fetched {
		if prev, ok := byID[m.ID]; ok && prev.FetchedAt > m.FetchedAt {
			continue
		}
		byID[m.ID] = m
	}

	out := make([]model.Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	slices.SortFunc(out, model.Compare)
	return out
}

// SliceBefore returns up to n messages strictly older than the cursor
// timestamp from a sorted sequence, newest-biased (the n messages
// immediately preceding the cursor). A cursor of 0 means "no boundary":
// the newest n messages are returned.
func SliceBefore(msgs []model.Message, cursor int64, n int) []model.Message {
	end := len(msgs)
	if cursor > 0 {
		end, _ = slices.BinarySearchFunc(msgs, model.Message{Timestamp: cursor}, func(a, b model.Message) int {
			if a.Timestamp < b.Timestamp {
				return -1
			}
			if a.Timestamp > b.Timestamp {
				return 1
			}
			return 0
		})
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	return slices.Clone(msgs[start:end])
}

// Timeline is the merged message view for one conversation, tracking
// independent "has more" cursors in both directions.
type Timeline struct {
	// Messages is always sorted ascending by timestamp, no duplicate ids.
	Messages []model.Message
	// HasMoreOlder reports whether the backend holds history older than
	// the oldest cached message.
	HasMoreOlder bool
	// HasMoreNewer reports whether the live edge may be ahead of the
	// newest cached message (true while no subscription is confirmed).
	HasMoreNewer bool
}

// NewTimeline builds a timeline from an initial, possibly unsorted and
// duplicated sequence.
func NewTimeline(msgs []model.Message) *Timeline {
	return &Timeline{
		Messages:     Merge(nil, msgs),
		HasMoreOlder: true,
		HasMoreNewer: true,
	}
}

// OldestTimestamp returns the backward-pagination cursor, 0 when empty.
func (t *Timeline) OldestTimestamp() int64 {
	if len(t.Messages) == 0 {
		return 0
	}
	return t.Messages[0].Timestamp
}

// NewestTimestamp returns the forward cursor, 0 when empty.
func (t *Timeline) NewestTimestamp() int64 {
	if len(t.Messages) == 0 {
		return 0
	}
	return t.Messages[len(t.Messages)-1].Timestamp
}

// MergeOlder merges a backward-paginated history page and records
// whether more history remains beyond it.
func (t *Timeline) MergeOlder(page []model.Message, hasMore bool) {
	t.Messages = Merge(t.Messages, page)
	t.HasMoreOlder = hasMore
}

// MergeNewer merges live messages from the push subscription or the
// polling guard. Idempotent under at-least-once delivery: duplicate
// pushes of the same id are no-ops.
func (t *Timeline) MergeNewer(msgs []model.Message) {
	t.Messages = Merge(t.Messages, msgs)
	t.HasMoreNewer = false
}

// Replace swaps in an authoritative full snapshot (full-resync path).
// The only path allowed to discard rather than merge.
func (t *Timeline) Replace(msgs []model.Message) {
	t.Messages = Merge(nil, msgs)
}
