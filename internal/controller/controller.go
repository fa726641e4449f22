// Package controller owns the in-memory view of conversations,
// messages, unread counts and typing state, and keeps it coherent with
// the backend. Two producers race against the same state — the push
// subscriptions and the fixed-interval polling guard — and both funnel
// through the same merge path, so the result is independent of arrival
// order. All reads are synchronous snapshots; no caller ever blocks on
// the network.
package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/quickdesk/chatsync/internal/backend"
	"github.com/quickdesk/chatsync/internal/bus"
	"github.com/quickdesk/chatsync/internal/cache"
	"github.com/quickdesk/chatsync/internal/merge"
	"github.com/quickdesk/chatsync/internal/model"
	"github.com/quickdesk/chatsync/internal/presence"
	"github.com/quickdesk/chatsync/internal/status"
	"go.uber.org/zap"
)

// ErrNotActive is returned by operations that require a prior Activate.
var ErrNotActive = errors.New("controller: not active")

// ErrAlreadyActive is returned when Activate is called for a different
// user while the controller is live.
var ErrAlreadyActive = errors.New("controller: already active for another user")

// Options configures a Controller.
type Options struct {
	// PollInterval is the polling-guard period masking silent push
	// failures. <= 0 uses 10s.
	PollInterval time.Duration
	// TypingWindow is how long a typing indicator survives without a
	// refresh. <= 0 uses 3s.
	TypingWindow time.Duration
	// PageSize is the backward-pagination page size. <= 0 uses 50.
	PageSize int
}

func (o Options) normalized() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.TypingWindow <= 0 {
		o.TypingWindow = 3 * time.Second
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	return o
}

// Controller is the client-side synchronization controller.
type Controller struct {
	svc     backend.Service
	store   *cache.Store
	tracker *presence.Tracker
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	opts    Options

	mu     sync.Mutex
	userID string
	active bool
	convs  []model.Conversation

	// Active conversation scope. scopeGen invalidates callbacks from a
	// previously active conversation: a stale callback compares its
	// generation and discards its result.
	activeConv string
	scopeGen   uint64
	timeline   *merge.Timeline
	visible    int
	pending    map[string]model.Message // local preview id -> preview

	typing map[string]map[string]int64 // conversationID -> userID -> expiry millis

	unsubConvs backend.Unsubscribe
	unsubMsgs  backend.Unsubscribe
	cancel     context.CancelFunc

	// now is injected in tests to pin the clock.
	now func() time.Time
}

// New creates a controller. tracker and b may be nil in tests.
func New(svc backend.Service, store *cache.Store, tracker *presence.Tracker, b *bus.Bus, logger *zap.Logger, opts Options) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		svc:     svc,
		store:   store,
		tracker: tracker,
		bus:     b,
		machine: status.NewMachine(b),
		logger:  logger,
		opts:    opts.normalized(),
		pending: make(map[string]model.Message),
		typing:  make(map[string]map[string]int64),
		now:     time.Now,
	}
}

// Status returns the current lifecycle state.
func (c *Controller) Status() status.State {
	return c.machine.Current()
}

// Activate loads the cached conversation list for instant display, opens
// the conversation push subscription and starts the polling guard.
// Idempotent for the same user; activating for a different user without
// an intervening Teardown is an error.
func (c *Controller) Activate(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.active {
		defer c.mu.Unlock()
		if c.userID == userID {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyActive, c.userID)
	}
	c.userID = userID
	c.active = true
	c.mu.Unlock()

	if err := c.machine.Transition(status.Loading); err != nil {
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
		return err
	}

	// Cache first: the UI renders before any network round-trip.
	if convs, ok := c.store.Conversations(userID); ok {
		c.applyConversations(convs, false)
		c.logger.Info("conversation list served from cache", zap.Int("conversations", len(convs)))
	}

	unsub := c.svc.SubscribeConversations(userID, func(list []model.Conversation) {
		c.mu.Lock()
		stale := !c.active || c.userID != userID
		c.mu.Unlock()
		if stale {
			return
		}
		c.applyConversations(list, true)
	})

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.unsubConvs = unsub
	c.cancel = cancel
	c.mu.Unlock()

	go c.pollLoop(ctx)
	go c.typingSweepLoop(ctx)
	if c.tracker != nil {
		c.tracker.Start(ctx)
	}

	return c.machine.Transition(status.Live)
}

// Teardown closes every subscription and timer owned by the controller.
// The cached state stays on disk for the next activation.
func (c *Controller) Teardown() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.scopeGen++
	unsubConvs, unsubMsgs, cancel := c.unsubConvs, c.unsubMsgs, c.cancel
	c.unsubConvs, c.unsubMsgs, c.cancel = nil, nil, nil
	c.activeConv = ""
	c.timeline = nil
	c.visible = 0
	c.pending = make(map[string]model.Message)
	c.typing = make(map[string]map[string]int64)
	c.mu.Unlock()

	if unsubMsgs != nil {
		unsubMsgs()
	}
	if unsubConvs != nil {
		unsubConvs()
	}
	if cancel != nil {
		cancel()
	}
	if c.tracker != nil {
		c.tracker.Close()
	}
	if err := c.machine.Transition(status.Stopped); err != nil {
		c.logger.Warn("teardown transition failed", zap.Error(err))
	}
}

// ConversationList returns a snapshot of the current list, pinned
// conversations first, then most recent activity.
func (c *Controller) ConversationList() []model.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Conversation, 0, len(c.convs))
	for i := range c.convs {
		out = append(out, *c.convs[i].Clone())
	}
	return out
}

// TotalUnread is the badge count: the sum over conversations of the
// local user's unread count. Never negative; exactly 0 when every
// conversation is read.
func (c *Controller) TotalUnread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for i := range c.convs {
		total += c.convs[i].UnreadFor(c.userID)
	}
	return total
}

// ObservePresence watches another user's derived presence state.
func (c *Controller) ObservePresence(userID string, fn presence.Callback) (unsubscribe func()) {
	if c.tracker == nil {
		return func() {}
	}
	return c.tracker.Subscribe(userID, fn)
}

// CreateDirectConversation resolves (or creates) the direct conversation
// with another user. Idempotent: the backend derives the id from the
// sorted pair.
func (c *Controller) CreateDirectConversation(ctx context.Context, otherUserID string) (string, error) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return "", ErrNotActive
	}
	me := c.userID
	c.mu.Unlock()
	return c.svc.CreateConversation(ctx, []string{me, otherUserID}, model.ConversationDirect, "")
}

// applyConversations installs an authoritative (or cached) conversation
// list. The push payload is a full snapshot, so this is a replace path;
// persist=false is the initial cache load, which must not be written
// back over itself.
func (c *Controller) applyConversations(list []model.Conversation, persist bool) {
	c.mu.Lock()
	userID := c.userID
	sortConversations(list, userID)
	c.convs = list
	c.mu.Unlock()

	if persist {
		c.store.SetConversations(userID, list)
	}
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindConversationUpdated, Payload: len(list)})
		c.bus.Publish(bus.Event{Kind: bus.KindUnreadChanged, Payload: c.TotalUnread()})
	}
}

// pollLoop is the polling guard: full reconciliation on a fixed
// interval regardless of push-channel health.
func (c *Controller) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.reconcile(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// reconcile re-fetches authoritative state and merges it through the
// same path the push channel uses.
func (c *Controller) reconcile(ctx context.Context) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	userID := c.userID
	conversationID := c.activeConv
	gen := c.scopeGen
	c.mu.Unlock()

	// The backend exposes no conversation pull; a one-shot subscription
	// yields the same authoritative snapshot.
	delivered := make(chan []model.Conversation, 1)
	unsub := c.svc.SubscribeConversations(userID, func(list []model.Conversation) {
		select {
		case delivered <- list:
		default:
		}
	})
	select {
	case list := <-delivered:
		c.applyConversations(list, true)
	case <-time.After(c.opts.PollInterval / 2):
		c.degrade("conversation snapshot timeout")
	case <-ctx.Done():
		unsub()
		return
	}
	unsub()

	if conversationID != "" {
		page, err := c.svc.FetchMessagePage(ctx, conversationID, c.opts.PageSize, 0)
		if err != nil {
			c.degrade("message poll failed")
			c.logger.Warn("polling guard fetch failed", zap.String("conversation", conversationID), zap.Error(err))
		} else {
			c.ingestMessages(gen, page.Messages)
			c.recover()
		}
	} else {
		c.recover()
	}

	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindSyncReconciled, Payload: userID})
	}
}

func (c *Controller) degrade(reason string) {
	if c.machine.Current() == status.Live {
		if err := c.machine.Transition(status.Degraded); err == nil {
			c.logger.Warn("controller degraded", zap.String("reason", reason))
		}
	}
}

func (c *Controller) recover() {
	if c.machine.Current() == status.Degraded {
		_ = c.machine.Transition(status.Live)
	}
}

// sortConversations orders pinned-by-user first, then by most recent
// activity, with id as the final deterministic tiebreak.
func sortConversations(list []model.Conversation, userID string) {
	slices.SortStableFunc(list, func(a, b model.Conversation) int {
		ap, bp := a.PinnedByUser(userID), b.PinnedByUser(userID)
		if ap != bp {
			if ap {
				return -1
			}
			return 1
		}
		if a.LastActivity != b.LastActivity {
			if a.LastActivity > b.LastActivity {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}
