package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duodb/duodb/internal/eventbus"
)

func TestInitDisabledByDefault(t *testing.T) {
	assert.False(t, Enabled())
	require.NoError(t, Init(context.Background(), "duod", "test"))

	// Instruments registered against the no-op provider still record safely.
	m := NewMetrics()
	m.RecordOp(context.Background(), "user", "create", "primary", time.Now(), nil)
	m.RecordOp(context.Background(), "user", "update", "fallback", time.Now(), assert.AnError)
	m.RecordProbe(context.Background(), "primary", time.Millisecond, true)

	Shutdown(context.Background())
}

func TestInitEnabled(t *testing.T) {
	t.Setenv("DUODB_OTEL_ENABLED", "true")
	require.True(t, Enabled())
	require.NoError(t, Init(context.Background(), "duod", "test"))
	Shutdown(context.Background())
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordOp(context.Background(), "user", "create", "primary", time.Now(), nil)
	m.RecordProbe(context.Background(), "primary", time.Millisecond, false)

	h := NewBusHandler(nil)
	assert.NoError(t, h.Handle(context.Background(), &eventbus.Event{Type: eventbus.EventStateChanged}))
}

func TestBusHandlerCountsLifecycleEvents(t *testing.T) {
	require.NoError(t, Init(context.Background(), "duod", "test"))
	m := NewMetrics()
	h := NewBusHandler(m)

	assert.Equal(t, "telemetry", h.ID())
	assert.Contains(t, h.Handles(), eventbus.EventStateChanged)

	ctx := context.Background()
	events := []*eventbus.Event{
		{Type: eventbus.EventStateChanged, FromState: "NORMAL", ToState: "DEGRADED"},
		{Type: eventbus.EventStateChanged, FromState: "SYNCING", ToState: "NORMAL"},
		{Type: eventbus.EventConflictDetected, Table: "users"},
		{Type: eventbus.EventSyncCompleted, SyncApplied: 12},
	}
	for _, event := range events {
		require.NoError(t, h.Handle(ctx, event))
	}
}
