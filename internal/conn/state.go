package conn

import (
	"fmt"
	"slices"
	"sync"

	"github.com/tribeapp/realtime/internal/event"
	"github.com/tribeapp/realtime/internal/registry"
)

// State represents the coarse connection state visible to the UI.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
)

// validTransitions defines allowed state transitions. Connected→Connecting
// covers transport loss with reconnect pending.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Connecting, Disconnected},
}

// StatusChange is the payload of connection-status events.
type StatusChange struct {
	From State
	To   State
}

// Machine tracks and enforces connection state transitions. Single writer
// (the lifecycle manager), many readers.
type Machine struct {
	mu       sync.RWMutex
	current  State
	registry *registry.Registry
}

// NewMachine creates a state machine starting Disconnected. The registry
// may be nil in tests.
func NewMachine(reg *registry.Registry) *Machine {
	return &Machine{
		current:  Disconnected,
		registry: reg,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		current := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", current, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.registry != nil {
		m.registry.Dispatch(event.Event{
			Category: event.CategoryConnectionStatus,
			Payload:  StatusChange{From: from, To: to},
		})
	}
	return nil
}
