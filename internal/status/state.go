package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/quickdesk/chatsync/internal/bus"
)

// State represents a sync controller lifecycle state.
type State string

const (
	// Idle: constructed, not yet activated for any user.
	Idle State = "IDLE"
	// Loading: cache read in flight, subscriptions not yet open.
	Loading State = "LOADING"
	// Live: push subscription open, polling guard running.
	Live State = "LIVE"
	// Degraded: backend calls failing; cached state still served and the
	// polling guard keeps retrying reconciliation.
	Degraded State = "DEGRADED"
	// Stopped: torn down; may be reactivated.
	Stopped State = "STOPPED"
)

// validTransitions defines allowed lifecycle transitions.
var validTransitions = map[State][]State{
	Idle:     {Loading, Stopped},
	Loading:  {Live, Degraded, Stopped},
	Live:     {Loading, Degraded, Stopped},
	Degraded: {Live, Loading, Stopped},
	Stopped:  {Loading},
}

// Machine tracks and enforces controller lifecycle transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
