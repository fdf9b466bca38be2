// Package session implements the parts of an uplink session shared by the
// client and the relay: the lifecycle state machine and the low-level
// protocol runner with its reader, writer and dispatcher.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/moltbunker/uplink/pkg/types"
)

// ErrInvalidTransition is returned when an event is not allowed in the current state
var ErrInvalidTransition = errors.New("invalid session state transition")

// Event drives the session state machine
type Event int

const (
	// EventHandshakeStarted: the handshake exchange has begun
	EventHandshakeStarted Event = iota
	// EventHandshakeCompleted: both sides accepted the handshake
	EventHandshakeCompleted
	// EventHandshakeFailed: refusal, handshake error or handshake timeout
	EventHandshakeFailed
	// EventShutdownRequested: the local side asked for a clean shutdown
	EventShutdownRequested
	// EventClosedCleanly: the goodbye exchange finished or the stream ended
	// while shutting down
	EventClosedCleanly
	// EventFailed: error goodbye, protocol violation or lost connection
	EventFailed
)

func (e Event) String() string {
	switch e {
	case EventHandshakeStarted:
		return "handshake_started"
	case EventHandshakeCompleted:
		return "handshake_completed"
	case EventHandshakeFailed:
		return "handshake_failed"
	case EventShutdownRequested:
		return "shutdown_requested"
	case EventClosedCleanly:
		return "closed_cleanly"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// transitions is the complete state table. Terminal states have no entries,
// so a session reaches a terminal state exactly once.
var transitions = map[types.SessionState]map[Event]types.SessionState{
	types.SessionStateInitial: {
		EventHandshakeStarted:  types.SessionStateAwaitingHandshakeResponse,
		EventHandshakeFailed:   types.SessionStateRefusedOrHandshakeError,
		EventFailed:            types.SessionStateRefusedOrHandshakeError,
		EventShutdownRequested: types.SessionStateCleanShutdown,
	},
	types.SessionStateAwaitingHandshakeResponse: {
		EventHandshakeCompleted: types.SessionStateActive,
		EventHandshakeFailed:    types.SessionStateRefusedOrHandshakeError,
		EventFailed:             types.SessionStateRefusedOrHandshakeError,
		EventClosedCleanly:      types.SessionStateRefusedOrHandshakeError,
		EventShutdownRequested:  types.SessionStateShuttingDown,
	},
	types.SessionStateActive: {
		EventShutdownRequested: types.SessionStateShuttingDown,
		EventClosedCleanly:     types.SessionStateCleanShutdown,
		EventFailed:            types.SessionStateUncleanShutdown,
	},
	types.SessionStateShuttingDown: {
		EventShutdownRequested:  types.SessionStateShuttingDown,
		EventHandshakeCompleted: types.SessionStateShuttingDown,
		EventHandshakeFailed:    types.SessionStateCleanShutdown,
		EventClosedCleanly:      types.SessionStateCleanShutdown,
		EventFailed:             types.SessionStateUncleanShutdown,
	},
}

// Transition is a state change as delivered to listeners
type Transition struct {
	From  types.SessionState
	To    types.SessionState
	Event Event
}

// Machine holds the state of one session. Fire may be called from any
// goroutine. Listener calls are delivered in transition order, never
// concurrently, and outside of the state lock, so a listener may query the
// state or fire further events.
type Machine struct {
	mu         sync.Mutex
	state      types.SessionState
	pending    []Transition
	delivering bool
	listener   func(Transition)

	settled     chan struct{}
	settledOnce sync.Once
	terminal    chan struct{}
}

// NewMachine creates a machine in the INITIAL state. listener may be nil.
func NewMachine(listener func(Transition)) *Machine {
	return &Machine{
		state:    types.SessionStateInitial,
		listener: listener,
		settled:  make(chan struct{}),
		terminal: make(chan struct{}),
	}
}

// State returns the current state
func (m *Machine) State() types.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies an event. It returns the transition that happened, or
// ErrInvalidTransition if the table does not allow the event in the current
// state. Events that keep the state unchanged are not delivered to the listener.
func (m *Machine) Fire(ev Event) (Transition, error) {
	m.mu.Lock()
	from := m.state
	to, ok := transitions[from][ev]
	if !ok {
		m.mu.Unlock()
		return Transition{From: from, To: from, Event: ev}, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev, from)
	}
	t := Transition{From: from, To: to, Event: ev}
	if from == to {
		m.mu.Unlock()
		return t, nil
	}
	m.state = to
	if to == types.SessionStateActive || to.IsTerminal() {
		m.settledOnce.Do(func() { close(m.settled) })
	}
	if to.IsTerminal() {
		close(m.terminal)
	}
	if m.listener == nil {
		m.mu.Unlock()
		return t, nil
	}
	m.pending = append(m.pending, t)
	if m.delivering {
		m.mu.Unlock()
		return t, nil
	}
	m.delivering = true
	m.mu.Unlock()

	m.deliver()
	return t, nil
}

func (m *Machine) deliver() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.delivering = false
			m.mu.Unlock()
			return
		}
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		m.listener(next)
	}
}

// Settled is closed once the session became active or reached a terminal state
func (m *Machine) Settled() <-chan struct{} {
	return m.settled
}

// Terminal is closed once the session reached a terminal state
func (m *Machine) Terminal() <-chan struct{} {
	return m.terminal
}
