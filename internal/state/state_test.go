package state

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duodb/duodb/internal/eventbus"
	"github.com/duodb/duodb/internal/logging"
)

func newMachine(t *testing.T, initial State) *Machine {
	t.Helper()
	m, err := New(initial, nil, logging.Nop())
	require.NoError(t, err)
	return m
}

func TestLegalEdges(t *testing.T) {
	legal := []struct{ from, to State }{
		{Normal, Degraded},
		{Degraded, Syncing},
		{Degraded, Unavailable},
		{Syncing, Normal},
		{Syncing, Degraded},
		{Unavailable, Degraded},
		{Unavailable, Normal},
	}
	for _, e := range legal {
		assert.True(t, CanTransition(e.from, e.to), "%s -> %s", e.from, e.to)
	}

	illegal := []struct{ from, to State }{
		{Normal, Syncing},
		{Normal, Unavailable},
		{Degraded, Normal},
		{Syncing, Unavailable},
		{Unavailable, Syncing},
	}
	for _, e := range illegal {
		assert.False(t, CanTransition(e.from, e.to), "%s -> %s", e.from, e.to)
	}
}

func TestTransition(t *testing.T) {
	m := newMachine(t, Normal)
	ctx := context.Background()

	require.NoError(t, m.Transition(ctx, Degraded, "primary down"))
	assert.True(t, m.Is(Degraded))

	// Illegal edge leaves the state untouched.
	err := m.Transition(ctx, Normal, "skip sync")
	require.Error(t, err)
	assert.True(t, m.Is(Degraded))

	// Self-transition is a quiet no-op with no history entry.
	require.NoError(t, m.Transition(ctx, Degraded, "again"))
	assert.Len(t, m.History(), 1)

	require.NoError(t, m.Transition(ctx, Syncing, "primary back"))
	require.NoError(t, m.Transition(ctx, Normal, "sync done"))

	hist := m.History()
	require.Len(t, hist, 3)
	assert.Equal(t, Degraded, hist[0].To)
	assert.Equal(t, "sync done", hist[2].Reason)
}

func TestTransitionDispatchesEvent(t *testing.T) {
	bus := eventbus.New(logging.Nop())
	var got []*eventbus.Event
	bus.Subscribe("capture", []eventbus.EventType{eventbus.EventStateChanged},
		func(_ context.Context, event *eventbus.Event) error {
			got = append(got, event)
			return nil
		})

	m, err := New(Normal, bus, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Transition(context.Background(), Degraded, "primary down"))

	require.Len(t, got, 1)
	assert.Equal(t, "NORMAL", got[0].FromState)
	assert.Equal(t, "DEGRADED", got[0].ToState)
	assert.Equal(t, "primary down", got[0].Reason)
}

func TestHistoryCap(t *testing.T) {
	m := newMachine(t, Degraded)
	ctx := context.Background()
	for i := 0; i < 80; i++ {
		require.NoError(t, m.Transition(ctx, Syncing, fmt.Sprintf("round %d", i)))
		require.NoError(t, m.Transition(ctx, Degraded, "sync failed"))
	}
	hist := m.History()
	assert.Len(t, hist, historyLimit)
	// Oldest entries are dropped first.
	assert.Equal(t, "sync failed", hist[len(hist)-1].Reason)
}

func TestInvalidStates(t *testing.T) {
	_, err := New(State("LIMBO"), nil, logging.Nop())
	assert.Error(t, err)

	m := newMachine(t, Normal)
	assert.Error(t, m.Transition(context.Background(), State("LIMBO"), "nope"))
}
