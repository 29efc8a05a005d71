package chunk

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle position of one transfer.
type State string

const (
	StateNegotiating  State = "negotiating"
	StateResuming     State = "resuming"
	StateTransferring State = "transferring"
	StateVerifying    State = "verifying"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// ErrInvalidTransition is returned when a transfer tries an illegal state change.
var ErrInvalidTransition = errors.New("chunk: invalid state transition")

var transitions = map[State][]State{
	StateNegotiating:  {StateResuming, StateTransferring, StateFailed},
	StateResuming:     {StateTransferring, StateFailed},
	StateTransferring: {StateVerifying, StateFailed, StateNegotiating},
	StateVerifying:    {StateCompleted, StateFailed},
	StateFailed:       {StateNegotiating},
	StateCompleted:    nil,
}

// Machine tracks one transfer's state. It is safe for concurrent use.
type Machine struct {
	mu      sync.Mutex
	state   State
	history []State
}

// NewMachine returns a machine in StateNegotiating.
func NewMachine() *Machine {
	return &Machine{state: StateNegotiating, history: []State{StateNegotiating}}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns every state entered so far, oldest first.
func (m *Machine) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.history...)
}

// Transition moves to next if the edge is allowed. Failed and Negotiating are
// re-entered on reconnect so a resumed session can run the flow again.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			m.history = append(m.history, next)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
}

// Fail moves to StateFailed from any non-terminal state.
func (m *Machine) Fail() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateCompleted || m.state == StateFailed {
		return
	}
	m.state = StateFailed
	m.history = append(m.history, StateFailed)
}

// Terminal reports whether the transfer is completed or failed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
