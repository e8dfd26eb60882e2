package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duodb/duodb/internal/eventbus"
	"github.com/duodb/duodb/internal/fencing"
	"github.com/duodb/duodb/internal/state"
	"github.com/duodb/duodb/internal/syncer"
	"github.com/duodb/duodb/internal/types"
)

// onPrimaryDown is the health monitor's failure-threshold edge.
func (p *Proxy) onPrimaryDown(ctx context.Context, lastErr error) {
	if !p.machine.Is(state.Normal) {
		return
	}
	reason := "primary failure threshold reached"
	if lastErr != nil {
		reason = fmt.Sprintf("%s: %v", reason, lastErr)
	}
	p.dispatch(ctx, eventbus.EventFailoverStarted, reason)
	if err := p.machine.Transition(ctx, state.Degraded, reason); err != nil {
		p.log.Error().Err(err).Msg("failover transition rejected")
		return
	}
	p.dispatch(ctx, eventbus.EventFailoverCompleted, reason)
}

// onPrimaryUp is the recovery-threshold edge: the primary answered long
// enough to try a sync.
func (p *Proxy) onPrimaryUp(ctx context.Context) {
	if _, err := p.runRecovery(ctx, "primary recovery threshold reached"); err != nil {
		p.log.Warn().Err(err).Msg("automatic recovery failed")
	}
}

func (p *Proxy) onFallbackDown(ctx context.Context, lastErr error) {
	if !p.machine.Is(state.Degraded) {
		return
	}
	reason := "fallback probe failed"
	if lastErr != nil {
		reason = fmt.Sprintf("%s: %v", reason, lastErr)
	}
	if err := p.machine.Transition(ctx, state.Unavailable, reason); err != nil {
		p.log.Error().Err(err).Msg("unavailable transition rejected")
	}
}

func (p *Proxy) onFallbackUp(ctx context.Context) {
	if !p.machine.Is(state.Unavailable) {
		return
	}
	if err := p.machine.Transition(ctx, state.Degraded, "fallback recovered"); err != nil {
		p.log.Error().Err(err).Msg("degraded transition rejected")
	}
}

func (p *Proxy) onLockLost(ctx context.Context, reason string) {
	if !p.machine.Is(state.Normal) {
		return
	}
	if err := p.machine.Transition(ctx, state.Degraded, "fencing lock lost: "+reason); err != nil {
		p.log.Error().Err(err).Msg("lock-lost transition rejected")
	}
}

// runRecovery drives DEGRADED through SYNCING and back to NORMAL: reacquire
// the lock, replay the change log, and decide the landing state from the
// sync outcome. Only one recovery runs at a time.
func (p *Proxy) runRecovery(ctx context.Context, reason string) (syncer.Result, error) {
	p.recoveryMu.Lock()
	defer p.recoveryMu.Unlock()

	if !p.machine.Is(state.Degraded) {
		return syncer.Result{}, fmt.Errorf("%w: recovery requires DEGRADED, currently %s",
			types.ErrValidation, p.machine.Current())
	}

	p.dispatch(ctx, eventbus.EventRecoveryStarted, reason)
	if err := p.machine.Transition(ctx, state.Syncing, reason); err != nil {
		return syncer.Result{}, err
	}

	abort := func(cause error) (syncer.Result, error) {
		if terr := p.machine.Transition(ctx, state.Degraded, fmt.Sprintf("sync aborted: %v", cause)); terr != nil {
			p.log.Error().Err(terr).Msg("abort transition rejected")
		}
		return syncer.Result{}, cause
	}

	if !p.fence.HasValidLock() {
		if _, err := p.fence.Acquire(ctx); err != nil {
			if errors.Is(err, fencing.ErrLockHeld) {
				return abort(fmt.Errorf("%w: another instance holds the deployment lock", types.ErrFencingLost))
			}
			return abort(err)
		}
	}

	res, err := p.sync.Run(ctx)
	if err != nil {
		if terr := p.machine.Transition(ctx, state.Degraded, fmt.Sprintf("sync failed: %v", err)); terr != nil {
			p.log.Error().Err(terr).Msg("sync-failure transition rejected")
		}
		return res, err
	}
	if res.Unresolved > 0 {
		reason := fmt.Sprintf("sync finished with %d unresolved conflicts", res.Unresolved)
		if terr := p.machine.Transition(ctx, state.Degraded, reason); terr != nil {
			p.log.Error().Err(terr).Msg("conflict transition rejected")
		}
		return res, nil
	}

	// Introspection during the sync may have picked up schema changes made
	// while we were away; refresh the fallback copy and the snapshot.
	if eerr := p.fallback.EnsureTables(ctx, p.reg.Tables()); eerr != nil {
		p.log.Warn().Err(eerr).Msg("refreshing fallback schema after sync failed")
	}
	if serr := p.persistSchema(ctx); serr != nil {
		p.log.Warn().Err(serr).Msg("persisting schema snapshot failed")
	}

	if terr := p.machine.Transition(ctx, state.Normal, "sync completed"); terr != nil {
		return res, terr
	}
	p.dispatch(ctx, eventbus.EventRecoveryCompleted, "sync completed")
	return res, nil
}

func (p *Proxy) dispatch(ctx context.Context, t eventbus.EventType, reason string) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Dispatch(ctx, &eventbus.Event{Type: t, Time: time.Now(), Reason: reason})
}
