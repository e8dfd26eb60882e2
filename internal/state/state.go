// Package state holds the proxy's operating mode and enforces the legal
// transitions between modes. Every other component reads the current state
// through Machine; only the health monitor, sync engine, and recovery path
// move it.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/duodb/duodb/internal/eventbus"
)

// State is the proxy's operating mode.
type State string

const (
	// Normal routes everything to the primary and mirrors writes to the
	// fallback.
	Normal State = "NORMAL"
	// Degraded serves from the fallback while the primary is down; writes
	// are recorded in the change log.
	Degraded State = "DEGRADED"
	// Syncing replays the change log into the recovered primary; reads serve
	// from the fallback, writes queue.
	Syncing State = "SYNCING"
	// Unavailable means neither store can serve; every operation fails fast.
	Unavailable State = "UNAVAILABLE"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case Normal, Degraded, Syncing, Unavailable:
		return true
	}
	return false
}

// transitions is the legal-edge table. Unavailable is only reachable through
// Degraded: losing the primary always passes through the fallback first.
var transitions = map[State][]State{
	Normal:      {Degraded},
	Degraded:    {Syncing, Unavailable},
	Syncing:     {Normal, Degraded},
	Unavailable: {Normal, Degraded},
}

// Transition is one recorded state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// historyLimit bounds the in-memory transition log.
const historyLimit = 100

// Machine is the concurrency-safe state holder.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	history []Transition

	bus *eventbus.Bus
	log zerolog.Logger
}

// New creates a machine in the given initial state. The bus may be nil in
// tests.
func New(initial State, bus *eventbus.Bus, log zerolog.Logger) (*Machine, error) {
	if !initial.Valid() {
		return nil, fmt.Errorf("state: invalid initial state %q", initial)
	}
	return &Machine{
		current: initial,
		since:   time.Now(),
		bus:     bus,
		log:     log,
	}, nil
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Is reports whether the current state equals s.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

// CanTransition reports whether from→to is a legal edge. Self-transitions
// are not edges.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the machine to the target state, records the change, and
// dispatches a state.changed event. Illegal edges return an error and leave
// the state untouched. Transitioning to the current state is a no-op.
func (m *Machine) Transition(ctx context.Context, to State, reason string) error {
	if !to.Valid() {
		return fmt.Errorf("state: invalid target state %q", to)
	}

	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		m.log.Warn().
			Str("from", string(from)).
			Str("to", string(to)).
			Str("reason", reason).
			Msg("blocked illegal state transition")
		return fmt.Errorf("state: illegal transition %s -> %s", from, to)
	}
	now := time.Now()
	m.current = to
	m.since = now
	m.history = append(m.history, Transition{From: from, To: to, Reason: reason, At: now})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	m.mu.Unlock()

	m.log.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("state transition")

	if m.bus != nil {
		_ = m.bus.Dispatch(ctx, &eventbus.Event{
			Type:      eventbus.EventStateChanged,
			Time:      now,
			FromState: string(from),
			ToState:   string(to),
			Reason:    reason,
		})
	}
	return nil
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
