package backend

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quickdesk/chatsync/internal/model"
)

// Memory is an in-process Service implementation. It backs the
// controller and presence tests and the chatsyncd demo harness.
// Callbacks are invoked synchronously on the mutating goroutine, after
// the internal lock is released, so subscribers may call back into the
// backend.
type Memory struct {
	mu      sync.Mutex
	convs   map[string]*model.Conversation
	msgs    map[string][]model.Message // conversationID -> ascending
	present map[string]model.PresenceRecord

	convSubs     map[int]*convSub
	msgSubs      map[int]*msgSub
	incrSubs     map[int]*incrSub
	presenceSubs map[int]*presenceSub
	nextSub      int
	nextMsgID    int

	// Failure injection for rollback paths.
	SendErr     error
	MarkReadErr error
	PinErr      error
	TypingErr   error

	// TypingCalls records SetTyping invocations for assertions.
	TypingCalls []TypingCall

	// FetchCalls counts FetchMessagePage invocations (cache-first assertions).
	FetchCalls int

	// now is injected in tests to pin server-assigned timestamps.
	now func() time.Time
}

// TypingCall records one SetTyping forward.
type TypingCall struct {
	ConversationID string
	UserID         string
	IsTyping       bool
}

type convSub struct {
	userID string
	fn     func([]model.Conversation)
}

type msgSub struct {
	conversationID string
	fn             func([]model.Message)
}

type incrSub struct {
	conversationID string
	since          int64
	fn             func([]model.Message, bool)
}

type presenceSub struct {
	userID string
	fn     func(model.PresenceRecord)
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		convs:        make(map[string]*model.Conversation),
		msgs:         make(map[string][]model.Message),
		present:      make(map[string]model.PresenceRecord),
		convSubs:     make(map[int]*convSub),
		msgSubs:      make(map[int]*msgSub),
		incrSubs:     make(map[int]*incrSub),
		presenceSubs: make(map[int]*presenceSub),
		now:          time.Now,
	}
}

// SetClock overrides the server clock (tests).
func (b *Memory) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

func (b *Memory) SubscribeConversations(userID string, onUpdate func([]model.Conversation)) Unsubscribe {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.convSubs[id] = &convSub{userID: userID, fn: onUpdate}
	list := b.conversationsForLocked(userID)
	b.mu.Unlock()

	// Initial snapshot on subscribe.
	onUpdate(list)

	return func() {
		b.mu.Lock()
		delete(b.convSubs, id)
		b.mu.Unlock()
	}
}

func (b *Memory) SubscribeMessages(conversationID string, onUpdate func([]model.Message)) Unsubscribe {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.msgSubs[id] = &msgSub{conversationID: conversationID, fn: onUpdate}
	snapshot := slices.Clone(b.msgs[conversationID])
	b.mu.Unlock()

	onUpdate(snapshot)

	return func() {
		b.mu.Lock()
		delete(b.msgSubs, id)
		b.mu.Unlock()
	}
}

func (b *Memory) SubscribeNewMessagesSince(conversationID string, sinceTimestamp int64, onIncremental func([]model.Message, bool)) Unsubscribe {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.incrSubs[id] = &incrSub{conversationID: conversationID, since: sinceTimestamp, fn: onIncremental}
	var initial []model.Message
	for _, m := range b.msgs[conversationID] {
		if m.Timestamp > sinceTimestamp {
			initial = append(initial, m)
		}
	}
	b.mu.Unlock()

	if len(initial) > 0 {
		onIncremental(initial, false)
	}

	return func() {
		b.mu.Lock()
		delete(b.incrSubs, id)
		b.mu.Unlock()
	}
}

func (b *Memory) FetchMessagePage(_ context.Context, conversationID string, pageSize int, beforeCursor int64) (Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.FetchCalls++

	all := b.msgs[conversationID]
	end := len(all)
	if beforeCursor > 0 {
		for end > 0 && all[end-1].Timestamp >= beforeCursor {
			end--
		}
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}
	page := Page{
		Messages: slices.Clone(all[start:end]),
		HasMore:  start > 0,
	}
	if len(page.Messages) > 0 {
		page.NextCursor = page.Messages[0].Timestamp
	}
	return page, nil
}

func (b *Memory) SendMessage(_ context.Context, conversationID, senderID, text string, msgType model.MessageType, attachment *model.FileData) (model.Message, error) {
	b.mu.Lock()
	if b.SendErr != nil {
		err := b.SendErr
		b.mu.Unlock()
		return model.Message{}, err
	}

	conv, ok := b.convs[conversationID]
	if !ok {
		b.mu.Unlock()
		return model.Message{}, fmt.Errorf("conversation %q not found", conversationID)
	}

	b.nextMsgID++
	msg := model.Message{
		ID:             fmt.Sprintf("srv-%06d", b.nextMsgID),
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           msgType,
		Text:           text,
		Timestamp:      b.now().UnixMilli(),
		ReadBy:         []string{senderID},
		FileData:       attachment,
	}
	// Server timestamps are monotonic per conversation.
	if msgs := b.msgs[conversationID]; len(msgs) > 0 && msg.Timestamp <= msgs[len(msgs)-1].Timestamp {
		msg.Timestamp = msgs[len(msgs)-1].Timestamp + 1
	}
	b.msgs[conversationID] = append(b.msgs[conversationID], msg)

	conv.LastMessage = &model.LastMessage{Text: text, SenderID: senderID, Timestamp: msg.Timestamp}
	conv.LastActivity = msg.Timestamp
	if conv.UnreadCounts == nil {
		conv.UnreadCounts = make(map[string]int)
	}
	for _, p := range conv.Participants {
		if p != senderID {
			conv.UnreadCounts[p]++
		}
	}
	b.mu.Unlock()

	b.notifyConversation(conversationID)
	b.notifyMessages(conversationID, []model.Message{msg})
	return msg, nil
}

func (b *Memory) MarkRead(_ context.Context, conversationID, userID string) error {
	b.mu.Lock()
	if b.MarkReadErr != nil {
		err := b.MarkReadErr
		b.mu.Unlock()
		return err
	}
	conv, ok := b.convs[conversationID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("conversation %q not found", conversationID)
	}
	if conv.UnreadCounts == nil {
		conv.UnreadCounts = make(map[string]int)
	}
	conv.UnreadCounts[userID] = 0
	msgs := b.msgs[conversationID]
	for i := range msgs {
		if !slices.Contains(msgs[i].ReadBy, userID) {
			msgs[i].ReadBy = append(msgs[i].ReadBy, userID)
		}
	}
	b.mu.Unlock()

	b.notifyConversation(conversationID)
	return nil
}

func (b *Memory) TogglePin(_ context.Context, conversationID, userID string, pinned bool) error {
	b.mu.Lock()
	if b.PinErr != nil {
		err := b.PinErr
		b.mu.Unlock()
		return err
	}
	conv, ok := b.convs[conversationID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("conversation %q not found", conversationID)
	}
	if pinned && !slices.Contains(conv.PinnedBy, userID) {
		conv.PinnedBy = append(conv.PinnedBy, userID)
	}
	if !pinned {
		conv.PinnedBy = slices.DeleteFunc(slices.Clone(conv.PinnedBy), func(u string) bool { return u == userID })
	}
	b.mu.Unlock()

	b.notifyConversation(conversationID)
	return nil
}

func (b *Memory) SetTyping(_ context.Context, conversationID, userID string, isTyping bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.TypingErr != nil {
		return b.TypingErr
	}
	b.TypingCalls = append(b.TypingCalls, TypingCall{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	})
	return nil
}

func (b *Memory) SubscribePresence(userID string, onUpdate func(model.PresenceRecord)) Unsubscribe {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.presenceSubs[id] = &presenceSub{userID: userID, fn: onUpdate}
	rec, known := b.present[userID]
	b.mu.Unlock()

	if known {
		onUpdate(rec)
	}

	return func() {
		b.mu.Lock()
		delete(b.presenceSubs, id)
		b.mu.Unlock()
	}
}

func (b *Memory) CreateConversation(_ context.Context, participantIDs []string, convType model.ConversationType, customName string) (string, error) {
	b.mu.Lock()

	var id string
	if convType == model.ConversationDirect {
		if len(participantIDs) != 2 {
			b.mu.Unlock()
			return "", fmt.Errorf("direct conversation requires exactly 2 participants, got %d", len(participantIDs))
		}
		id = model.DirectConversationID(participantIDs[0], participantIDs[1])
		if _, exists := b.convs[id]; exists {
			b.mu.Unlock()
			return id, nil
		}
	} else {
		id = "group:" + uuid.New().String()
	}

	b.convs[id] = &model.Conversation{
		ID:           id,
		Type:         convType,
		Participants: slices.Clone(participantIDs),
		Name:         customName,
		LastActivity: b.now().UnixMilli(),
		UnreadCounts: make(map[string]int),
	}
	b.mu.Unlock()

	b.notifyConversation(id)
	return id, nil
}

// SetPresence installs a presence record and pushes it to subscribers
// (test/demo driver).
func (b *Memory) SetPresence(rec model.PresenceRecord) {
	b.mu.Lock()
	b.present[rec.UserID] = rec
	var fns []func(model.PresenceRecord)
	for _, sub := range b.presenceSubs {
		if sub.userID == rec.UserID {
			fns = append(fns, sub.fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(rec)
	}
}

// PresenceSubscriberCount reports open presence subscriptions for a
// user (test helper for multiplexing and teardown assertions).
func (b *Memory) PresenceSubscriberCount(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, sub := range b.presenceSubs {
		if sub.userID == userID {
			n++
		}
	}
	return n
}

// SeedMessages installs message history without triggering pushes
// (test/demo driver). msgs must be ascending by timestamp.
func (b *Memory) SeedMessages(conversationID string, msgs []model.Message) {
	b.mu.Lock()
	b.msgs[conversationID] = slices.Clone(msgs)
	b.mu.Unlock()
}

func (b *Memory) conversationsForLocked(userID string) []model.Conversation {
	var out []model.Conversation
	for _, c := range b.convs {
		if c.HasParticipant(userID) {
			out = append(out, *c.Clone())
		}
	}
	slices.SortFunc(out, func(a, c model.Conversation) int {
		switch {
		case a.LastActivity > c.LastActivity:
			return -1
		case a.LastActivity < c.LastActivity:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (b *Memory) notifyConversation(conversationID string) {
	b.mu.Lock()
	conv, ok := b.convs[conversationID]
	if !ok {
		b.mu.Unlock()
		return
	}
	type delivery struct {
		fn   func([]model.Conversation)
		list []model.Conversation
	}
	var deliveries []delivery
	for _, sub := range b.convSubs {
		if conv.HasParticipant(sub.userID) {
			deliveries = append(deliveries, delivery{fn: sub.fn, list: b.conversationsForLocked(sub.userID)})
		}
	}
	b.mu.Unlock()

	for _, d := range deliveries {
		d.fn(d.list)
	}
}

func (b *Memory) notifyMessages(conversationID string, fresh []model.Message) {
	b.mu.Lock()
	snapshot := slices.Clone(b.msgs[conversationID])
	type full struct {
		fn   func([]model.Message)
		list []model.Message
	}
	type incr struct {
		fn   func([]model.Message, bool)
		list []model.Message
	}
	var fulls []full
	var incrs []incr
	for _, sub := range b.msgSubs {
		if sub.conversationID == conversationID {
			fulls = append(fulls, full{fn: sub.fn, list: snapshot})
		}
	}
	for _, sub := range b.incrSubs {
		if sub.conversationID != conversationID {
			continue
		}
		var newer []model.Message
		for _, m := range fresh {
			if m.Timestamp > sub.since {
				newer = append(newer, m)
			}
		}
		if len(newer) > 0 {
			incrs = append(incrs, incr{fn: sub.fn, list: newer})
		}
	}
	b.mu.Unlock()

	for _, f := range fulls {
		f.fn(f.list)
	}
	for _, i := range incrs {
		i.fn(i.list, true)
	}
}
