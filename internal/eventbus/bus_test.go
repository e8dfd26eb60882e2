package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHandler struct {
	id       string
	handles  []EventType
	priority int
	fn       func(ctx context.Context, event *Event) error
}

func (h *testHandler) ID() string           { return h.id }
func (h *testHandler) Handles() []EventType { return h.handles }
func (h *testHandler) Priority() int        { return h.priority }
func (h *testHandler) Handle(ctx context.Context, event *Event) error {
	if h.fn != nil {
		return h.fn(ctx, event)
	}
	return nil
}

func TestDispatchNoHandlers(t *testing.T) {
	bus := New(zerolog.Nop())
	err := bus.Dispatch(context.Background(), &Event{Type: EventStateChanged, Time: time.Now()})
	assert.NoError(t, err)
}

func TestDispatchNilEvent(t *testing.T) {
	bus := New(zerolog.Nop())
	assert.Error(t, bus.Dispatch(context.Background(), nil))
}

func TestDispatchMatchesByType(t *testing.T) {
	bus := New(zerolog.Nop())
	var called []string

	bus.Register(&testHandler{
		id:      "state",
		handles: []EventType{EventStateChanged},
		fn: func(_ context.Context, _ *Event) error {
			called = append(called, "state")
			return nil
		},
	})
	bus.Register(&testHandler{
		id:      "sync",
		handles: []EventType{EventSyncStarted, EventSyncCompleted},
		fn: func(_ context.Context, _ *Event) error {
			called = append(called, "sync")
			return nil
		},
	})

	require.NoError(t, bus.Dispatch(context.Background(), &Event{Type: EventSyncStarted}))
	assert.Equal(t, []string{"sync"}, called)
}

func TestDispatchPriorityOrder(t *testing.T) {
	bus := New(zerolog.Nop())
	var order []string
	add := func(id string, prio int) {
		bus.Register(&testHandler{
			id: id, handles: []EventType{EventStateChanged}, priority: prio,
			fn: func(_ context.Context, _ *Event) error {
				order = append(order, id)
				return nil
			},
		})
	}
	add("late", 100)
	add("early", 1)
	add("mid", 50)

	require.NoError(t, bus.Dispatch(context.Background(), &Event{Type: EventStateChanged}))
	assert.Equal(t, []string{"early", "mid", "late"}, order)
}

func TestHandlerErrorDoesNotStopChain(t *testing.T) {
	bus := New(zerolog.Nop())
	var reached bool
	bus.Register(&testHandler{
		id: "boom", handles: []EventType{EventStateChanged}, priority: 1,
		fn: func(_ context.Context, _ *Event) error { return assert.AnError },
	})
	bus.Register(&testHandler{
		id: "after", handles: []EventType{EventStateChanged}, priority: 2,
		fn: func(_ context.Context, _ *Event) error {
			reached = true
			return nil
		},
	})

	require.NoError(t, bus.Dispatch(context.Background(), &Event{Type: EventStateChanged}))
	assert.True(t, reached)
}

func TestDispatchHonorsContext(t *testing.T) {
	bus := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	bus.Register(&testHandler{
		id: "first", handles: []EventType{EventStateChanged}, priority: 1,
		fn: func(_ context.Context, _ *Event) error {
			calls++
			cancel()
			return nil
		},
	})
	bus.Register(&testHandler{
		id: "second", handles: []EventType{EventStateChanged}, priority: 2,
		fn: func(_ context.Context, _ *Event) error {
			calls++
			return nil
		},
	})

	err := bus.Dispatch(ctx, &Event{Type: EventStateChanged})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestSubscribe(t *testing.T) {
	bus := New(zerolog.Nop())
	var seen *Event
	bus.Subscribe("fn", []EventType{EventLockLost}, func(_ context.Context, e *Event) error {
		seen = e
		return nil
	})

	require.NoError(t, bus.Dispatch(context.Background(), &Event{Type: EventLockLost, Reason: "deposed"}))
	require.NotNil(t, seen)
	assert.Equal(t, "deposed", seen.Reason)
	assert.Len(t, bus.Handlers(), 1)
}

func TestEventClassifiers(t *testing.T) {
	assert.True(t, EventStateChanged.IsStateEvent())
	assert.True(t, EventSyncProgress.IsSyncEvent())
	assert.False(t, EventLockLost.IsSyncEvent())
}
