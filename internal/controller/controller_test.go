package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/quickdesk/chatsync/internal/backend"
	"github.com/quickdesk/chatsync/internal/cache"
	"github.com/quickdesk/chatsync/internal/model"
	"github.com/quickdesk/chatsync/internal/presence"
	"github.com/quickdesk/chatsync/internal/status"
)

func testController(t *testing.T) (*Controller, *backend.Memory, *cache.Store) {
	t.Helper()
	b := backend.NewMemory()
	store := cache.NewStore(cache.NewMemory(), cache.Options{
		TTL:         time.Hour,
		MaxMessages: 500,
	})
	c := New(b, store, nil, nil, nil, Options{
		PollInterval: time.Hour, // tests drive reconcile explicitly
		TypingWindow: 3 * time.Second,
		PageSize:     3,
	})
	t.Cleanup(c.Teardown)
	return c, b, store
}

func seedHistory(b *backend.Memory, conversationID string, n int) []model.Message {
	msgs := make([]model.Message, n)
	for i := range msgs {
		msgs[i] = model.Message{
			ID:             fmt.Sprintf("m%02d", i+1),
			ConversationID: conversationID,
			SenderID:       "bob",
			Type:           model.MessageText,
			Text:           fmt.Sprintf("msg %d", i+1),
			Timestamp:      int64(i + 1),
		}
	}
	b.SeedMessages(conversationID, msgs)
	return msgs
}

func TestActivateIdempotentForSameUser(t *testing.T) {
	c, _, _ := testController(t)
	ctx := context.Background()

	if err := c.Activate(ctx, "alice"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := c.Status(); got != status.Live {
		t.Fatalf("status = %s, want %s", got, status.Live)
	}
	if err := c.Activate(ctx, "alice"); err != nil {
		t.Errorf("second Activate for the same user: %v, want nil", err)
	}
	if err := c.Activate(ctx, "bob"); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("Activate for another user = %v, want ErrAlreadyActive", err)
	}
}

func TestReactivateAfterTeardown(t *testing.T) {
	c, _, _ := testController(t)
	ctx := context.Background()

	if err := c.Activate(ctx, "alice"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	c.Teardown()
	if got := c.Status(); got != status.Stopped {
		t.Fatalf("status after Teardown = %s, want %s", got, status.Stopped)
	}
	if err := c.Activate(ctx, "bob"); err != nil {
		t.Fatalf("reactivate after Teardown: %v", err)
	}
	if got := c.Status(); got != status.Live {
		t.Errorf("status = %s, want %s", got, status.Live)
	}
}

func TestPresenceSurvivesReactivation(t *testing.T) {
	b := backend.NewMemory()
	store := cache.NewStore(cache.NewMemory(), cache.Options{TTL: time.Hour, MaxMessages: 500})
	tracker := presence.NewTracker(b, 2*time.Minute, nil, nil)
	c := New(b, store, tracker, nil, nil, Options{PollInterval: time.Hour})
	t.Cleanup(c.Teardown)
	ctx := context.Background()

	c.Activate(ctx, "alice")
	c.Teardown()
	if err := c.Activate(ctx, "alice"); err != nil {
		t.Fatalf("reactivate: %v", err)
	}

	var got presence.Record
	unsub := c.ObservePresence("bob", func(r presence.Record) { got = r })
	defer unsub()

	if n := b.PresenceSubscriberCount("bob"); n != 1 {
		t.Fatalf("backend presence subscriptions after reactivation = %d, want 1", n)
	}
	b.SetPresence(model.PresenceRecord{
		UserID:   "bob",
		Online:   true,
		LastSeen: time.Now().UnixMilli(),
	})
	if !got.EffectiveOnline {
		t.Error("presence observer dead after teardown/reactivate cycle")
	}
}

func TestUnreadBadge(t *testing.T) {
	c, b, _ := testController(t)
	ctx := context.Background()

	if err := c.Activate(ctx, "alice"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	id, err := c.CreateDirectConversation(ctx, "bob")
	if err != nil {
		t.Fatalf("CreateDirectConversation: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := b.SendMessage(ctx, id, "bob", fmt.Sprintf("hi %d", i), model.MessageText, nil); err != nil {
			t.Fatalf("backend send: %v", err)
		}
	}
	if got := c.TotalUnread(); got != 3 {
		t.Fatalf("TotalUnread = %d, want 3", got)
	}

	if err := c.MarkConversationAsRead(ctx, id); err != nil {
		t.Fatalf("MarkConversationAsRead: %v", err)
	}
	if got := c.TotalUnread(); got != 0 {
		t.Errorf("TotalUnread after mark read = %d, want exactly 0", got)
	}
}

func TestMarkReadRollsBackOnBackendFailure(t *testing.T) {
	c, b, _ := testController(t)
	ctx := context.Background()

	c.Activate(ctx, "alice")
	id, _ := c.CreateDirectConversation(ctx, "bob")
	b.SendMessage(ctx, id, "bob", "one", model.MessageText, nil)
	b.SendMessage(ctx, id, "bob", "two", model.MessageText, nil)

	b.MarkReadErr = errors.New("backend down")
	if err := c.MarkConversationAsRead(ctx, id); err == nil {
		t.Fatal("MarkConversationAsRead succeeded, want error")
	}
	if got := c.TotalUnread(); got != 2 {
		t.Errorf("TotalUnread after failed mark read = %d, want 2 (rolled back)", got)
	}
}

// listSwappingBackend swaps an authoritative conversation list with a
// nil unread map into the controller mid-acknowledgement, then fails,
// mimicking a push racing a mark-read rollback.
type listSwappingBackend struct {
	backend.Service
	ctrl           *Controller
	conversationID string
}

func (s *listSwappingBackend) MarkRead(context.Context, string, string) error {
	s.ctrl.applyConversations([]model.Conversation{{
		ID:           s.conversationID,
		Type:         model.ConversationDirect,
		Participants: []string{"alice", "bob"},
	}}, false)
	return errors.New("backend down")
}

func TestMarkReadRollbackAfterPushSwappedList(t *testing.T) {
	c, b, _ := testController(t)
	ctx := context.Background()

	c.Activate(ctx, "alice")
	id, _ := c.CreateDirectConversation(ctx, "bob")
	b.SendMessage(ctx, id, "bob", "one", model.MessageText, nil)
	if got := c.TotalUnread(); got != 1 {
		t.Fatalf("TotalUnread = %d, want 1 before mark read", got)
	}

	c.svc = &listSwappingBackend{Service: b, ctrl: c, conversationID: id}
	if err := c.MarkConversationAsRead(ctx, id); err == nil {
		t.Fatal("MarkConversationAsRead succeeded, want error")
	}
	if got := c.TotalUnread(); got != 1 {
		t.Errorf("TotalUnread after rollback onto swapped list = %d, want 1", got)
	}
}

func TestOptimisticSendConfirmed(t *testing.T) {
	c, _, _ := testController(t)
	ctx := context.Background()

	c.Activate(ctx, "alice")
	id, _ := c.CreateDirectConversation(ctx, "bob")
	if err := c.SetActiveConversation(ctx, id); err != nil {
		t.Fatalf("SetActiveConversation: %v", err)
	}

	if err := c.SendMessage(ctx, id, "hello", model.MessageText, nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	msgs := c.ActiveMessages()
	if len(msgs) != 1 {
		t.Fatalf("timeline holds %d messages, want 1 (preview replaced, not duplicated)", len(msgs))
	}
	if !strings.HasPrefix(msgs[0].ID, "srv-") {
		t.Errorf("message id = %q, want server-assigned id", msgs[0].ID)
	}
	if msgs[0].Local {
		t.Error("confirmed message still flagged as local preview")
	}
}

func TestSendFailureRollsBackPreviewAndLastMessage(t *testing.T) {
	c, b, _ := testController(t)
	ctx := context.Background()

	c.Activate(ctx, "alice")
	id, _ := c.CreateDirectConversation(ctx, "bob")
	b.SendMessage(ctx, id, "bob", "hi from bob", model.MessageText, nil)
	c.SetActiveConversation(ctx, id)

	b.SendErr = errors.New("backend down")
	err := c.SendMessage(ctx, id, "hello", model.MessageText, nil)
	if err == nil {
		t.Fatal("SendMessage succeeded, want error")
	}
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("error type = %T, want *SendError", err)
	}
	if se.Text != "hello" {
		t.Errorf("SendError.Text = %q, want the original input back", se.Text)
	}

	for _, m := range c.ActiveMessages() {
		if m.Text == "hello" {
			t.Error("failed message still present in the timeline")
		}
	}
	convs := c.ConversationList()
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	if convs[0].LastMessage == nil || convs[0].LastMessage.Text != "hi from bob" {
		t.Errorf("LastMessage = %+v, want the pre-send preview restored", convs[0].LastMessage)
	}
}

func TestEmptySendRejected(t *testing.T) {
	c, _, _ := testController(t)
	ctx := context.Background()

	c.Activate(ctx, "alice")
	id, _ := c.CreateDirectConversation(ctx, "bob")

	if err := c.SendMessage(ctx, id, "   ", model.MessageText, nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("whitespace-only send = %v, want ErrEmptyMessage", err)
	}
	// Attachment-only sends carry no text.
	att := &model.FileData{Name: "pic.png", URL: "blob:pic", Mime: "image/png"}
	if err := c.SendMessage(ctx, id, "", model.MessageImage, att); err != nil {
		t.Errorf("attachment-only send = %v, want nil", err)
	}
}

func TestColdCacheInitialPage(t *testing.T) {
	c, b, _ := testController(t)
	ctx := context.Background()

	c.Activate(ctx, "alice")
	id, _ := c.CreateDirectConversation(ctx, "bob")
	seedHistory(b, id, 10)

	if err := c.SetActiveConversation(ctx, id); err != nil {
		t.Fatalf("SetActiveConversation: %v", err)
	}

	msgs := c.ActiveMessages()
	if len(msgs) != 3 {
		t.Fatalf("initial window = %d messages, want one page of 3", len(msgs))
	}
	if msgs[0].ID != "m08" || msgs[2].ID != "m10" {
		t.Errorf("window = %s..%s, want m08..m10", msgs[0].ID, msgs[2].ID)
	}
	if !c.HasMoreHistory() {
		t.Error("HasMoreHistory = false with 7 messages left on the backend")
	}
}

func TestLoadOlderFromBackend(t *testing.T) {
	c, b, _ := testController(t)
	ctx := context.Background()

	c.Activate(ctx, "alice")
	id, _ := c.CreateDirectConversation(ctx, "bob")
	seedHistory(b, id, 7)
	c.SetActiveConversation(ctx, id)

	out, err := c.LoadOlderMessages(ctx)
	if err != nil {
		t.Fatalf("LoadOlderMessages: %v", err)
	}
	if len(out) != 3 || out[0].ID != "m02" || out[2].ID != "m04" {
		t.Fatalf("loaded page = %v, want m02..m04", ids(out))
	}
	if len(c.ActiveMessages()) != 6 {
		t.Errorf("window = %d, want 6 after one backward page", len(c.ActiveMessages()))
	}

	out, err = c.LoadOlderMessages(ctx)
	if err != nil {
		t.Fatalf("LoadOlderMessages: %v", err)
	}
	if len(out) != 1 || out[0].ID != "m01" {
		t.Fatalf("final page = %v, want just m01", ids(out))
	}
	if c.HasMoreHistory() {
		t.Error("HasMoreHistory = true after the full history is loaded")
	}
}

func TestLoadOlderServedFromCache(t *testing.T) {
	c, b, store := testController(t)
	ctx := context.Background()

	c.Activate(ctx, "alice")
	id, _ := c.CreateDirectConversation(ctx, "bob")
	msgs := seedHistory(b, id, 10)
	store.SetMessages(id, msgs)

	c.SetActiveConversation(ctx, id)
	if got := c.ActiveMessages(); len(got) != 3 {
		t.Fatalf("initial window = %d, want 3 from cache", len(got))
	}

	before := b.FetchCalls
	out, err := c.LoadOlderMessages(ctx)
	if err != nil {
		t.Fatalf("LoadOlderMessages: %v", err)
	}
	if len(out) != 3 || out[0].ID != "m05" {
		t.Fatalf("loaded page = %v, want m05..m07", ids(out))
	}
	if b.FetchCalls != before {
		t.Errorf("backend fetches = %d, want %d: the cached sequence held enough history", b.FetchCalls, before)
	}
}

func TestStaleScopeCallbackDiscarded(t *testing.T) {
	c, b, _ := testController(t)
	ctx := context.Background()

	c.Activate(ctx, "alice")
	a, _ := c.CreateDirectConversation(ctx, "bob")
	other, _ := b.CreateConversation(ctx, []string{"alice", "carol"}, model.ConversationDirect, "")

	c.SetActiveConversation(ctx, a)
	c.mu.Lock()
	staleGen := c.scopeGen
	c.mu.Unlock()

	c.SetActiveConversation(ctx, other)

	// A callback from conversation a arriving after the switch must not
	// leak into the new scope.
	c.ingestMessages(staleGen, []model.Message{{
		ID:             "stray",
		ConversationID: a,
		SenderID:       "bob",
		Text:           "late",
		Timestamp:      99,
	}})

	for _, m := range c.ActiveMessages() {
		if m.ID == "stray" {
			t.Fatal("stale-scope message crossed into the new active conversation")
		}
	}
}

func TestSwitchingScopeStopsOldSubscription(t *testing.T) {
	c, b, _ := testController(t)
	ctx := context.Background()

	c.Activate(ctx, "alice")
	a, _ := c.CreateDirectConversation(ctx, "bob")
	other, _ := b.CreateConversation(ctx, []string{"alice", "carol"}, model.ConversationDirect, "")

	c.SetActiveConversation(ctx, a)
	c.SetActiveConversation(ctx, other)

	b.SendMessage(ctx, a, "bob", "for the old scope", model.MessageText, nil)

	if got := c.ActiveConversationID(); got != other {
		t.Fatalf("active conversation = %q, want %q", got, other)
	}
	if n := len(c.ActiveMessages()); n != 0 {
		t.Errorf("new scope timeline has %d messages, want 0", n)
	}
}

func TestReconcileCatchesMissedPush(t *testing.T) {
	c, b, _ := testController(t)
	ctx := context.Background()

	c.Activate(ctx, "alice")
	id, _ := c.CreateDirectConversation(ctx, "bob")
	c.SetActiveConversation(ctx, id)

	// Install history without any push notification: a silently dead
	// push channel.
	seedHistory(b, id, 2)
	if n := len(c.ActiveMessages()); n != 0 {
		t.Fatalf("timeline = %d messages before reconcile, want 0", n)
	}

	c.reconcile(ctx)

	if n := len(c.ActiveMessages()); n != 2 {
		t.Errorf("timeline = %d messages after reconcile, want 2", n)
	}
	if got := c.Status(); got != status.Live {
		t.Errorf("status = %s after clean reconcile, want %s", got, status.Live)
	}
}

func TestPinIsNotOptimistic(t *testing.T) {
	c, b, _ := testController(t)
	ctx := context.Background()

	c.Activate(ctx, "alice")
	id, _ := c.CreateDirectConversation(ctx, "bob")

	b.PinErr = errors.New("backend down")
	if err := c.TogglePin(ctx, id, false); err == nil {
		t.Fatal("TogglePin succeeded, want error")
	}
	if c.ConversationList()[0].PinnedByUser("alice") {
		t.Error("pin applied locally despite backend failure")
	}

	b.PinErr = nil
	if err := c.TogglePin(ctx, id, false); err != nil {
		t.Fatalf("TogglePin: %v", err)
	}
	if !c.ConversationList()[0].PinnedByUser("alice") {
		t.Error("pin not reflected after the push confirmed it")
	}
}

func TestPinnedConversationsSortFirst(t *testing.T) {
	c, b, _ := testController(t)
	ctx := context.Background()

	// Advance the server clock per call so activity timestamps are
	// strictly ordered across conversations.
	serverNow := time.UnixMilli(1_000_000)
	b.SetClock(func() time.Time {
		serverNow = serverNow.Add(time.Second)
		return serverNow
	})

	c.Activate(ctx, "alice")
	old, _ := c.CreateDirectConversation(ctx, "bob")
	fresh, _ := b.CreateConversation(ctx, []string{"alice", "carol"}, model.ConversationDirect, "")
	b.SendMessage(ctx, fresh, "carol", "newest activity", model.MessageText, nil)

	if got := c.ConversationList()[0].ID; got != fresh {
		t.Fatalf("top conversation = %q, want most recent %q", got, fresh)
	}

	if err := c.TogglePin(ctx, old, false); err != nil {
		t.Fatalf("TogglePin: %v", err)
	}
	if got := c.ConversationList()[0].ID; got != old {
		t.Errorf("top conversation = %q, want pinned %q ahead of newer activity", got, old)
	}
}

func TestTypingWindowExpiry(t *testing.T) {
	c, b, _ := testController(t)
	ctx := context.Background()

	now := time.UnixMilli(10_000_000)
	c.now = func() time.Time { return now }

	// Activated without the background loops so the test alone drives
	// the clock.
	c.mu.Lock()
	c.active = true
	c.userID = "alice"
	c.mu.Unlock()
	id, _ := c.CreateDirectConversation(ctx, "bob")

	if err := c.SetTyping(ctx, id, "bob", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	if got := c.TypingUsers(id); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("TypingUsers = %v, want [bob]", got)
	}
	// Remote indicators are not forwarded to the backend.
	if len(b.TypingCalls) != 0 {
		t.Errorf("remote typing forwarded to backend: %v", b.TypingCalls)
	}

	// Local user's indicator is forwarded.
	c.SetTyping(ctx, id, "alice", true)
	if len(b.TypingCalls) != 1 || b.TypingCalls[0].UserID != "alice" {
		t.Errorf("TypingCalls = %v, want one forward for alice", b.TypingCalls)
	}

	// Past the window both indicators expire without an explicit stop.
	now = now.Add(4 * time.Second)
	if got := c.TypingUsers(id); got != nil {
		t.Errorf("TypingUsers past the window = %v, want none", got)
	}
}

func TestTypingStopClearsImmediately(t *testing.T) {
	c, _, _ := testController(t)
	ctx := context.Background()

	c.mu.Lock()
	c.active = true
	c.userID = "alice"
	c.mu.Unlock()
	id, _ := c.CreateDirectConversation(ctx, "bob")

	c.SetTyping(ctx, id, "bob", true)
	c.SetTyping(ctx, id, "bob", false)
	if got := c.TypingUsers(id); got != nil {
		t.Errorf("TypingUsers after stop = %v, want none", got)
	}
}

func TestCachedConversationListSurvivesRestart(t *testing.T) {
	b := backend.NewMemory()
	store := cache.NewStore(cache.NewMemory(), cache.Options{TTL: time.Hour, MaxMessages: 500})
	ctx := context.Background()

	c1 := New(b, store, nil, nil, nil, Options{PollInterval: time.Hour})
	c1.Activate(ctx, "alice")
	id, _ := c1.CreateDirectConversation(ctx, "bob")
	b.SendMessage(ctx, id, "bob", "hi", model.MessageText, nil)
	c1.Teardown()

	// A fresh controller over the same store sees the list before any
	// backend round-trip.
	c2 := New(b, store, nil, nil, nil, Options{PollInterval: time.Hour})
	t.Cleanup(c2.Teardown)
	c2.Activate(ctx, "alice")
	convs := c2.ConversationList()
	if len(convs) != 1 || convs[0].ID != id {
		t.Fatalf("conversations after restart = %v, want the cached list", convs)
	}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
