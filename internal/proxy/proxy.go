// Package proxy is the public surface: one handle that routes every
// operation to the primary or the fallback according to the current
// operating mode, and orchestrates failover, recovery and sync between
// them.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/duodb/duodb/internal/adapter"
	"github.com/duodb/duodb/internal/adapter/postgres"
	"github.com/duodb/duodb/internal/adapter/sqlite"
	"github.com/duodb/duodb/internal/changelog"
	"github.com/duodb/duodb/internal/config"
	"github.com/duodb/duodb/internal/conflict"
	"github.com/duodb/duodb/internal/dualwrite"
	"github.com/duodb/duodb/internal/eventbus"
	"github.com/duodb/duodb/internal/fencing"
	"github.com/duodb/duodb/internal/health"
	"github.com/duodb/duodb/internal/schema"
	"github.com/duodb/duodb/internal/state"
	"github.com/duodb/duodb/internal/syncer"
	"github.com/duodb/duodb/internal/telemetry"
	"github.com/duodb/duodb/internal/types"
)

// Proxy is the dual-store handle. Create with New, then Initialize before
// use.
type Proxy struct {
	cfg *config.Config
	log zerolog.Logger

	bus       *eventbus.Bus
	reg       *schema.Registry
	machine   *state.Machine
	primary   *postgres.Store
	fallback  *sqlite.Store
	clog      *changelog.Store
	conflicts *conflict.Store
	writer    *dualwrite.Manager
	fence     *fencing.Manager
	sync      *syncer.Engine
	primMon   *health.Monitor
	fbMon     *health.Monitor
	metrics   *telemetry.Metrics

	critical map[string]bool

	// recoveryMu serializes recovery attempts: the monitor edge, the
	// operator force, and triggerSync all funnel through it.
	recoveryMu sync.Mutex

	janitorCancel context.CancelFunc
	janitorDone   chan struct{}

	initialized atomic.Bool
	closed      atomic.Bool
	startedAt   time.Time
}

// New builds an unconnected proxy.
func New(cfg *config.Config, log zerolog.Logger) *Proxy {
	critical := make(map[string]bool, len(cfg.Write.CriticalTables))
	for _, t := range cfg.Write.CriticalTables {
		critical[t] = true
	}
	return &Proxy{
		cfg:      cfg,
		log:      log,
		critical: critical,
	}
}

// Initialize connects both stores and starts the background machinery. The
// proxy comes up NORMAL when the primary answers, DEGRADED when only the
// fallback does.
func (p *Proxy) Initialize(ctx context.Context) error {
	if p.initialized.Load() {
		return nil
	}
	p.startedAt = time.Now()
	p.bus = eventbus.New(p.log)
	p.metrics = telemetry.NewMetrics()
	p.bus.Register(telemetry.NewBusHandler(p.metrics))
	p.reg = schema.NewRegistry(p.cfg.Tables)

	fb, err := sqlite.New(ctx, sqlite.Config{
		Path:          p.cfg.Fallback.Path,
		JournalMode:   p.cfg.Fallback.JournalMode,
		Synchronous:   p.cfg.Fallback.Synchronous,
		BusyTimeoutMs: p.cfg.Fallback.BusyTimeoutMs,
	}, p.reg)
	if err != nil {
		return fmt.Errorf("proxy: open fallback: %w", err)
	}
	p.fallback = fb
	p.clog = changelog.New(fb.DB())
	p.conflicts = conflict.NewStore(fb.DB())

	pg, err := postgres.New(postgres.Config{
		DSN:             p.cfg.Primary.DSN,
		MaxOpenConns:    p.cfg.Primary.MaxOpenConns,
		MaxIdleConns:    p.cfg.Primary.MaxIdleConns,
		ConnMaxLifetime: p.cfg.Primary.ConnMaxLifetime,
	}, p.reg)
	if err != nil {
		return fmt.Errorf("proxy: open primary: %w", err)
	}
	p.primary = pg

	p.fence, err = fencing.New(fencing.Config{
		Enabled:       p.cfg.Fencing.Enabled,
		RedisURL:      p.cfg.Fencing.RedisURL,
		Namespace:     p.cfg.Fencing.Namespace,
		InstanceID:    p.cfg.Fencing.InstanceID,
		TTL:           p.cfg.Fencing.TTL,
		RenewInterval: p.cfg.Fencing.RenewInterval,
		Strict:        p.cfg.Fencing.Strict,
	}, p.bus, p.log.With().Str("subsystem", "fencing").Logger())
	if err != nil {
		return fmt.Errorf("proxy: fencing: %w", err)
	}

	initial, err := p.bootstrapSchema(ctx)
	if err != nil {
		return err
	}

	p.machine, err = state.New(initial, p.bus, p.log.With().Str("subsystem", "state").Logger())
	if err != nil {
		return err
	}

	if initial == state.Normal {
		if _, aerr := p.fence.Acquire(ctx); aerr != nil {
			if errors.Is(aerr, fencing.ErrLockHeld) {
				return fmt.Errorf("proxy: %w", aerr)
			}
			return fmt.Errorf("proxy: acquire fencing lock: %w", aerr)
		}
	}
	p.fence.OnLockLost = p.onLockLost

	p.writer = dualwrite.New(dualwrite.Config{
		MirrorSync:           p.cfg.Write.MirrorSync,
		MirrorMaxElapsed:     p.cfg.Write.MirrorMaxElapsed,
		PendingRetryInterval: p.cfg.Write.PendingRetryInterval,
		QueueLimit:           p.cfg.Write.QueueLimit,
	}, p.machine, p.primary, p.fallback, p.reg, p.clog,
		dualwrite.NewPendingStore(fb.DB()), p.fence, p.bus,
		p.log.With().Str("subsystem", "dualwrite").Logger())
	if err := p.writer.Start(ctx); err != nil {
		return err
	}

	p.sync = syncer.New(syncer.Config{
		BatchSize:    p.cfg.Sync.BatchSize,
		EntryRetries: p.cfg.Sync.EntryRetries,
		Strategy:     conflict.Strategy(p.cfg.Sync.Strategy),
	}, p.primary, p.clog, p.conflicts, p.reg, p.bus,
		p.log.With().Str("subsystem", "syncer").Logger())

	p.startMonitors()
	p.startJanitor()

	p.initialized.Store(true)
	p.log.Info().Str("state", string(initial)).Msg("proxy initialized")
	return nil
}

// bootstrapSchema learns the table catalog: from the primary when it
// answers, from the snapshot persisted in the fallback otherwise. Returns
// the initial state.
func (p *Proxy) bootstrapSchema(ctx context.Context) (state.State, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connErr := p.primary.Connect(connectCtx)
	if connErr == nil {
		if ierr := p.primary.Introspect(connectCtx); ierr != nil {
			return "", fmt.Errorf("proxy: introspect primary: %w", ierr)
		}
		if eerr := p.fallback.EnsureTables(ctx, p.reg.Tables()); eerr != nil {
			return "", fmt.Errorf("proxy: mirror schema to fallback: %w", eerr)
		}
		if serr := p.persistSchema(ctx); serr != nil {
			p.log.Warn().Err(serr).Msg("persisting schema snapshot failed")
		}
		return state.Normal, nil
	}
	p.log.Warn().Err(connErr).Msg("primary unreachable at startup, coming up degraded")

	if err := p.loadSchema(ctx); err != nil {
		return "", fmt.Errorf("proxy: primary down and no schema snapshot in fallback: %w", err)
	}
	return state.Degraded, nil
}

func (p *Proxy) startMonitors() {
	p.primMon = health.New("primary", p.primary, health.Config{
		Interval:            p.cfg.Health.Interval,
		Timeout:             p.cfg.Health.Timeout,
		FailureThreshold:    p.cfg.Health.FailureThreshold,
		RecoveryThreshold:   p.cfg.Health.RecoveryThreshold,
		MinRecoveryInterval: p.cfg.Health.MinRecoveryInterval,
		WindowSize:          p.cfg.Health.WindowSize,
	}, p.log)
	p.primMon.OnDown = p.onPrimaryDown
	p.primMon.OnUp = p.onPrimaryUp

	// The fallback gets gentler thresholds; it is local and rarely flaps.
	p.fbMon = health.New("fallback", p.fallback, health.Config{
		Interval:            p.cfg.Health.Interval,
		Timeout:             p.cfg.Health.Timeout,
		FailureThreshold:    p.cfg.Health.FailureThreshold,
		RecoveryThreshold:   1,
		MinRecoveryInterval: 0,
	}, p.log)
	p.fbMon.OnDown = p.onFallbackDown
	p.fbMon.OnUp = p.onFallbackUp

	p.primMon.Start()
	p.fbMon.Start()
}

// startJanitor trims replayed change-log entries past the retention window.
func (p *Proxy) startJanitor() {
	ctx, cancel := context.WithCancel(context.Background())
	p.janitorCancel = cancel
	p.janitorDone = make(chan struct{})
	go func() {
		defer close(p.janitorDone)
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := p.clog.Cleanup(ctx, p.cfg.Sync.Retention)
				if err != nil {
					p.log.Warn().Err(err).Msg("change-log cleanup failed")
					continue
				}
				if n > 0 {
					p.log.Debug().Int64("removed", n).Msg("change-log cleanup")
				}
			}
		}
	}()
}

// Close stops background work, releases the fencing lock, and closes both
// stores.
func (p *Proxy) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.primMon != nil {
		p.primMon.Stop()
	}
	if p.fbMon != nil {
		p.fbMon.Stop()
	}
	if p.janitorCancel != nil {
		p.janitorCancel()
		<-p.janitorDone
	}
	if p.writer != nil {
		p.writer.Close()
	}
	var errs []error
	if p.fence != nil {
		if err := p.fence.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.primary != nil {
		if err := p.primary.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.fallback != nil {
		if err := p.fallback.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.log.Info().Msg("proxy closed")
	return errors.Join(errs...)
}

// Bus exposes the event bus for subscribers.
func (p *Proxy) Bus() *eventbus.Bus { return p.bus }

// Registry exposes the schema registry.
func (p *Proxy) Registry() *schema.Registry { return p.reg }

// readTarget picks the store reads route to under the current state.
func (p *Proxy) readTarget() (adapter.Adapter, string, error) {
	if !p.initialized.Load() {
		if p.fallback != nil {
			return p.fallback, "fallback", nil
		}
		return nil, "", fmt.Errorf("%w: proxy is not initialized", types.ErrUnavailable)
	}
	switch p.machine.Current() {
	case state.Normal:
		return p.primary, "primary", nil
	case state.Degraded, state.Syncing:
		// During replay the primary may still miss recent fallback writes;
		// the fallback preserves read-your-writes.
		return p.fallback, "fallback", nil
	default:
		return nil, "", fmt.Errorf("%w: both stores are down", types.ErrUnavailable)
	}
}

func (p *Proxy) isCritical(model string) bool {
	return p.critical[model] || p.critical[p.reg.TableNameForModel(model)]
}
