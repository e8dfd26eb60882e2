package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/duodb/duodb/internal/config"
	"github.com/duodb/duodb/internal/conflict"
	"github.com/duodb/duodb/internal/health"
	"github.com/duodb/duodb/internal/state"
	"github.com/duodb/duodb/internal/syncer"
	"github.com/duodb/duodb/internal/types"
)

// HealthStatus is the operator-facing snapshot of both stores and the
// replication machinery.
type HealthStatus struct {
	State            state.State
	StateSince       time.Time
	Primary          health.Status
	Fallback         health.Status
	UnsyncedEntries  int64
	PendingWrites    int64
	PendingConflicts int64
	QueueDepth       int
	FencingHeld      bool
	FencingToken     int64
	Uptime           time.Duration
}

// GetHealthStatus assembles the snapshot.
func (p *Proxy) GetHealthStatus(ctx context.Context) (HealthStatus, error) {
	if !p.initialized.Load() {
		return HealthStatus{State: state.Unavailable}, fmt.Errorf("%w: proxy is not initialized", types.ErrUnavailable)
	}
	hs := HealthStatus{
		State:        p.machine.Current(),
		StateSince:   p.machine.Since(),
		Primary:      p.primMon.Status(),
		Fallback:     p.fbMon.Status(),
		QueueDepth:   p.writer.QueueDepth(),
		FencingHeld:  p.fence.HasValidLock(),
		FencingToken: p.fence.Token(),
		Uptime:       time.Since(p.startedAt),
	}
	var err error
	if hs.UnsyncedEntries, err = p.clog.UnsyncedCount(ctx); err != nil {
		return hs, err
	}
	if hs.PendingWrites, err = p.writer.PendingCount(ctx); err != nil {
		return hs, err
	}
	if hs.PendingConflicts, err = p.conflicts.PendingCount(ctx); err != nil {
		return hs, err
	}
	return hs, nil
}

// Metrics is the numeric summary reported by GetMetrics.
type Metrics struct {
	State            state.State
	Transitions      []state.Transition
	UnsyncedEntries  int64
	PendingWrites    int64
	PendingConflicts int64
	QueueDepth       int
	PrimaryChecks    int64
	FallbackChecks   int64
}

// GetMetrics returns the counters backing the observability surface.
func (p *Proxy) GetMetrics(ctx context.Context) (Metrics, error) {
	hs, err := p.GetHealthStatus(ctx)
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{
		State:            hs.State,
		Transitions:      p.machine.History(),
		UnsyncedEntries:  hs.UnsyncedEntries,
		PendingWrites:    hs.PendingWrites,
		PendingConflicts: hs.PendingConflicts,
		QueueDepth:       hs.QueueDepth,
		PrimaryChecks:    hs.Primary.Checks,
		FallbackChecks:   hs.Fallback.Checks,
	}, nil
}

// TryReconnectPrimary probes the primary once, outside the monitor's
// schedule, and reports whether it answered.
func (p *Proxy) TryReconnectPrimary(ctx context.Context) (bool, error) {
	if err := p.primary.Connect(ctx); err != nil {
		return false, err
	}
	res := p.primary.HealthCheck(ctx, p.cfg.Health.Timeout)
	if res.Healthy {
		// Feed the monitor so its window reflects the manual probe.
		p.primMon.CheckNow(ctx)
	}
	return res.Healthy, res.Err
}

// ForceRecoveryCheck is the operator-initiated recovery: reconnect to the
// primary and drive the state machine through SYNCING. From UNAVAILABLE
// with a healthy primary it returns straight to NORMAL.
func (p *Proxy) ForceRecoveryCheck(ctx context.Context) error {
	healthy, err := p.TryReconnectPrimary(ctx)
	if err != nil {
		return fmt.Errorf("%w: primary still unreachable: %v", types.ErrPrimaryTransient, err)
	}
	if !healthy {
		return fmt.Errorf("%w: primary probe failed", types.ErrPrimaryTransient)
	}
	switch p.machine.Current() {
	case state.Degraded:
		_, rerr := p.runRecovery(ctx, "operator-forced recovery")
		return rerr
	case state.Unavailable:
		if ierr := p.primary.Introspect(ctx); ierr != nil {
			return ierr
		}
		return p.machine.Transition(ctx, state.Normal, "operator-forced recovery, primary returned")
	default:
		return nil
	}
}

// TriggerSync starts a change-log replay. Valid only in DEGRADED.
func (p *Proxy) TriggerSync(ctx context.Context) (syncer.Result, error) {
	if !p.machine.Is(state.Degraded) {
		return syncer.Result{}, fmt.Errorf("%w: triggerSync requires DEGRADED, currently %s",
			types.ErrValidation, p.machine.Current())
	}
	return p.runRecovery(ctx, "operator-triggered sync")
}

// ApplyTunables applies the runtime-safe subset of a reloaded
// configuration: the conflict strategy, the sync batch size and the mirror
// policy. Connection settings still need a restart.
func (p *Proxy) ApplyTunables(cfg *config.Config) {
	if cfg == nil || !p.initialized.Load() {
		return
	}
	p.sync.SetTunables(conflict.Strategy(cfg.Sync.Strategy), cfg.Sync.BatchSize)
	p.writer.SetMirrorSync(cfg.Write.MirrorSync)
	p.log.Info().Str("strategy", cfg.Sync.Strategy).
		Bool("mirror_sync", cfg.Write.MirrorSync).Msg("applied reloaded tunables")
}

// PendingConflicts lists the rows waiting on an operator decision.
func (p *Proxy) PendingConflicts(ctx context.Context) ([]*conflict.Record, error) {
	return p.conflicts.Pending(ctx)
}

// ResolveConflict records the operator's decision for a pending conflict.
// The row's change-log entries replay on the next sync pass.
func (p *Proxy) ResolveConflict(ctx context.Context, id int64, resolution string) error {
	return p.conflicts.MarkResolved(ctx, id, resolution)
}
