package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/fixmarket/casechat/internal/bus"
	"github.com/fixmarket/casechat/internal/chat"
)

// State is the sync lifecycle of one open conversation.
type State string

const (
	// Closed: no subscriptions, no store.
	Closed State = "closed"
	// Opening: initial fetch in flight, push join attempted.
	Opening State = "opening"
	// Active: initial fetch done, push delivering; polling stays on
	// as a low-frequency consistency backstop.
	Active State = "active"
	// Degraded: push is down; polling shortened to compensate.
	Degraded State = "degraded"
)

// validTransitions is the explicit transition table. Close is allowed
// from anywhere.
var validTransitions = map[State][]State{
	Closed:   {Opening},
	Opening:  {Active, Degraded, Closed},
	Active:   {Degraded, Closed},
	Degraded: {Active, Closed},
}

// Change is the payload published on bus.ConvState.
type Change struct {
	CaseID chat.CaseID
	From   State
	To     State
}

// Machine tracks and enforces one conversation's sync state.
type Machine struct {
	mu      sync.RWMutex
	caseID  chat.CaseID
	current State
	bus     *bus.Bus
}

// NewMachine starts in Closed. b may be nil in tests.
func NewMachine(caseID chat.CaseID, b *bus.Bus) *Machine {
	return &Machine{caseID: caseID, current: Closed, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state, publishing the change. Transitions
// not in the table fail; a self-transition is a silent no-op so
// repeated push state callbacks do not spam the bus.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	if to != Closed && !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("case %s: invalid transition %s -> %s", m.caseID, m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind: bus.ConvState,
			Data: Change{CaseID: m.caseID, From: from, To: to},
		})
	}
	return nil
}
