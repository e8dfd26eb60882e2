package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/duodb/duodb/internal/eventbus"
)

const proxyScopeName = "github.com/duodb/duodb/proxy"

// Metrics holds the proxy's instruments. All methods are safe with a nil
// receiver so tests can pass nil.
type Metrics struct {
	ops        metric.Int64Counter
	opDur      metric.Float64Histogram
	opErrs     metric.Int64Counter
	failovers  metric.Int64Counter
	recoveries metric.Int64Counter
	conflicts  metric.Int64Counter
	synced     metric.Int64Counter
	probeDur   metric.Float64Histogram
}

// NewMetrics registers the proxy instruments on the global meter provider.
func NewMetrics() *Metrics {
	m := Meter(proxyScopeName)
	ops, _ := m.Int64Counter("duodb.operations",
		metric.WithDescription("Total proxied operations"),
	)
	opDur, _ := m.Float64Histogram("duodb.operation.duration",
		metric.WithDescription("Proxied operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	opErrs, _ := m.Int64Counter("duodb.operation.errors",
		metric.WithDescription("Total proxied operation errors"),
	)
	failovers, _ := m.Int64Counter("duodb.failovers",
		metric.WithDescription("Transitions into DEGRADED"),
	)
	recoveries, _ := m.Int64Counter("duodb.recoveries",
		metric.WithDescription("Transitions back into NORMAL"),
	)
	conflicts, _ := m.Int64Counter("duodb.sync.conflicts",
		metric.WithDescription("Conflicts detected during change-log replay"),
	)
	synced, _ := m.Int64Counter("duodb.sync.entries",
		metric.WithDescription("Change-log entries replayed into the primary"),
	)
	probeDur, _ := m.Float64Histogram("duodb.health.probe.duration",
		metric.WithDescription("Health probe duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return &Metrics{
		ops:        ops,
		opDur:      opDur,
		opErrs:     opErrs,
		failovers:  failovers,
		recoveries: recoveries,
		conflicts:  conflicts,
		synced:     synced,
		probeDur:   probeDur,
	}
}

// RecordOp counts one proxied operation with its routing target.
func (m *Metrics) RecordOp(ctx context.Context, model, action, target string, start time.Time, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("db.model", model),
		attribute.String("db.action", action),
		attribute.String("duodb.target", target),
	)
	m.ops.Add(ctx, 1, attrs)
	m.opDur.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	if err != nil {
		m.opErrs.Add(ctx, 1, attrs)
	}
}

// RecordProbe records one health probe.
func (m *Metrics) RecordProbe(ctx context.Context, store string, latency time.Duration, healthy bool) {
	if m == nil {
		return
	}
	m.probeDur.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(
		attribute.String("duodb.store", store),
		attribute.Bool("duodb.healthy", healthy),
	))
}

// BusHandler adapts the metrics to the event bus, counting lifecycle events
// as they flow.
type BusHandler struct {
	m *Metrics
}

// NewBusHandler builds the handler; register it on the bus.
func NewBusHandler(m *Metrics) *BusHandler { return &BusHandler{m: m} }

func (h *BusHandler) ID() string { return "telemetry" }

func (h *BusHandler) Priority() int { return 10 }

func (h *BusHandler) Handles() []eventbus.EventType {
	return []eventbus.EventType{
		eventbus.EventStateChanged,
		eventbus.EventConflictDetected,
		eventbus.EventSyncCompleted,
	}
}

func (h *BusHandler) Handle(ctx context.Context, event *eventbus.Event) error {
	if h.m == nil {
		return nil
	}
	switch event.Type {
	case eventbus.EventStateChanged:
		switch event.ToState {
		case "DEGRADED":
			h.m.failovers.Add(ctx, 1, metric.WithAttributes(
				attribute.String("duodb.from", event.FromState)))
		case "NORMAL":
			h.m.recoveries.Add(ctx, 1, metric.WithAttributes(
				attribute.String("duodb.from", event.FromState)))
		}
	case eventbus.EventConflictDetected:
		h.m.conflicts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("duodb.table", event.Table)))
	case eventbus.EventSyncCompleted:
		h.m.synced.Add(ctx, int64(event.SyncApplied))
	}
	return nil
}
