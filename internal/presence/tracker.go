// Package presence tracks per-user ephemeral online state. One backend
// subscription is held per observed user regardless of how many
// observers watch them; every push recomputes the derived record.
// Nothing here is ever persisted.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/quickdesk/chatsync/internal/backend"
	"github.com/quickdesk/chatsync/internal/bus"
	"github.com/quickdesk/chatsync/internal/model"
	"go.uber.org/zap"
)

// DefaultOnlineWindow bounds how stale a presence push may be while the
// user is still considered online.
const DefaultOnlineWindow = 2 * time.Minute

// Record is the derived presence state handed to observers.
type Record struct {
	model.PresenceRecord
	// EffectiveOnline is Online gated on LastSeen recency: a user whose
	// channel silently died stops reading as online once the window passes.
	EffectiveOnline bool
}

// Callback receives derived records for one observed user.
type Callback func(Record)

type watch struct {
	unsub       backend.Unsubscribe
	last        model.PresenceRecord
	known       bool
	lastDerived bool
	observers   map[int]Callback
}

// Tracker multiplexes presence subscriptions over the backend.
type Tracker struct {
	svc    backend.Service
	window time.Duration
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	mu      sync.Mutex
	watches map[string]*watch
	nextID  int
	closed  bool

	// now is injected in tests to pin the clock.
	now func() time.Time
}

// NewTracker creates a tracker. window <= 0 uses DefaultOnlineWindow;
// b may be nil when no bus notification is wanted.
func NewTracker(svc backend.Service, window time.Duration, b *bus.Bus, logger *zap.Logger) *Tracker {
	if window <= 0 {
		window = DefaultOnlineWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		svc:     svc,
		window:  window,
		bus:     b,
		logger:  logger,
		watches: make(map[string]*watch),
		now:     time.Now,
	}
}

// Start launches the periodic re-derive sweep, which downgrades
// EffectiveOnline for users who aged out of the window with no new push.
// Start after Close reopens the tracker for new subscriptions, so one
// tracker survives teardown/reactivate cycles of its owner.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	t.closed = false
	t.mu.Unlock()
	ctx, t.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(t.window / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweep loop. Open subscriptions survive until Close.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Subscribe registers an observer for userID. The first observer for a
// user opens the single backend subscription; later observers share it.
// The returned unsubscribe is idempotent; the backend subscription is
// closed when the last observer leaves.
func (t *Tracker) Subscribe(userID string, fn Callback) (unsubscribe func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return func() {}
	}
	w, ok := t.watches[userID]
	if !ok {
		w = &watch{observers: make(map[int]Callback)}
		t.watches[userID] = w
		// Open the backend subscription outside the map mutation but
		// before releasing observers: the push callback re-enters
		// through deliver, which takes the lock itself.
		t.mu.Unlock()
		unsub := t.svc.SubscribePresence(userID, func(rec model.PresenceRecord) {
			t.deliver(userID, rec)
		})
		t.mu.Lock()
		w.unsub = unsub
	}
	id := t.nextID
	t.nextID++
	w.observers[id] = fn
	last, known := w.last, w.known
	t.mu.Unlock()

	// Replay the freshest record to the new observer.
	if known {
		fn(t.derive(last))
	}

	var once sync.Once
	return func() {
		once.Do(func() { t.unsubscribe(userID, id) })
	}
}

// Close tears down every open backend subscription and rejects new
// subscribers until the next Start. Leaking a backend subscription past
// Close is a defect.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	watches := t.watches
	t.watches = make(map[string]*watch)
	t.mu.Unlock()

	for _, w := range watches {
		if w.unsub != nil {
			w.unsub()
		}
	}
}

func (t *Tracker) unsubscribe(userID string, id int) {
	t.mu.Lock()
	w, ok := t.watches[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(w.observers, id)
	var unsub backend.Unsubscribe
	if len(w.observers) == 0 {
		unsub = w.unsub
		delete(t.watches, userID)
	}
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (t *Tracker) deliver(userID string, rec model.PresenceRecord) {
	derived := t.derive(rec)

	t.mu.Lock()
	w, ok := t.watches[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	w.last = rec
	w.known = true
	w.lastDerived = derived.EffectiveOnline
	fns := make([]Callback, 0, len(w.observers))
	for _, fn := range w.observers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(derived)
	}
	if t.bus != nil {
		t.bus.Publish(bus.Event{Kind: bus.KindPresenceChanged, Payload: derived})
	}
}

// sweep re-derives every watched user and notifies observers whose
// effective state flipped without a push.
func (t *Tracker) sweep() {
	type change struct {
		fns     []Callback
		derived Record
	}
	var changes []change

	t.mu.Lock()
	for _, w := range t.watches {
		if !w.known {
			continue
		}
		derived := t.derive(w.last)
		if derived.EffectiveOnline == w.lastDerived {
			continue
		}
		w.lastDerived = derived.EffectiveOnline
		fns := make([]Callback, 0, len(w.observers))
		for _, fn := range w.observers {
			fns = append(fns, fn)
		}
		changes = append(changes, change{fns: fns, derived: derived})
	}
	t.mu.Unlock()

	for _, c := range changes {
		for _, fn := range c.fns {
			fn(c.derived)
		}
		if t.bus != nil {
			t.bus.Publish(bus.Event{Kind: bus.KindPresenceChanged, Payload: c.derived})
		}
	}
}

func (t *Tracker) derive(rec model.PresenceRecord) Record {
	age := t.now().UnixMilli() - rec.LastSeen
	return Record{
		PresenceRecord:  rec,
		EffectiveOnline: rec.Online && age < t.window.Milliseconds(),
	}
}
