// Package dualwrite routes every write to the right store for the current
// operating mode: primary plus mirror in NORMAL, fallback plus change log in
// DEGRADED, a FIFO queue in SYNCING.
package dualwrite

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/duodb/duodb/internal/adapter"
	"github.com/duodb/duodb/internal/changelog"
	"github.com/duodb/duodb/internal/eventbus"
	"github.com/duodb/duodb/internal/fencing"
	"github.com/duodb/duodb/internal/schema"
	"github.com/duodb/duodb/internal/state"
	"github.com/duodb/duodb/internal/types"
)

// Config tunes the mirror behavior.
type Config struct {
	// MirrorSync mirrors every NORMAL write to the fallback synchronously.
	// Off by default; critical writes mirror synchronously regardless.
	MirrorSync bool
	// MirrorMaxElapsed bounds the async mirror retry budget per write.
	MirrorMaxElapsed time.Duration
	// PendingRetryInterval is how often the background loop retries
	// persisted pending mirrors.
	PendingRetryInterval time.Duration
	// QueueLimit bounds the SYNCING write queue; 0 means 1000.
	QueueLimit int
}

func (c *Config) normalize() {
	if c.MirrorMaxElapsed <= 0 {
		c.MirrorMaxElapsed = 30 * time.Second
	}
	if c.PendingRetryInterval <= 0 {
		c.PendingRetryInterval = 15 * time.Second
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = 1000
	}
}

type queued struct {
	op     *types.WriteOp
	result chan queuedResult
}

type queuedResult struct {
	value any
	err   error
}

// Manager is the central write dispatcher.
type Manager struct {
	cfg      Config
	machine  *state.Machine
	primary  adapter.Adapter
	fallback adapter.Adapter
	reg      *schema.Registry
	clog     *changelog.Store
	pending  *PendingStore
	fence    *fencing.Manager
	bus      *eventbus.Bus
	log      zerolog.Logger

	queueMu  sync.Mutex
	queue    []queued
	draining bool

	mirrors    sync.WaitGroup
	closed     atomic.Bool
	mirrorSync atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New wires the dispatcher. The manager listens on the bus for the
// SYNCING -> NORMAL edge to drain its queue.
func New(cfg Config, machine *state.Machine, primary, fallback adapter.Adapter,
	reg *schema.Registry, clog *changelog.Store, pending *PendingStore,
	fence *fencing.Manager, bus *eventbus.Bus, log zerolog.Logger) *Manager {
	cfg.normalize()
	m := &Manager{
		cfg:      cfg,
		machine:  machine,
		primary:  primary,
		fallback: fallback,
		reg:      reg,
		clog:     clog,
		pending:  pending,
		fence:    fence,
		bus:      bus,
		log:      log,
	}
	m.mirrorSync.Store(cfg.MirrorSync)
	if bus != nil {
		bus.Subscribe("dualwrite-drain", []eventbus.EventType{eventbus.EventStateChanged},
			func(ctx context.Context, event *eventbus.Event) error {
				if event.ToState == string(state.Normal) {
					go m.drainQueue(context.Background())
				}
				return nil
			})
	}
	return m
}

// SetMirrorSync switches between synchronous and async mirroring at
// runtime.
func (m *Manager) SetMirrorSync(sync bool) {
	m.mirrorSync.Store(sync)
}

// Start loads persisted pending mirrors and begins the background retry
// loop.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.RetryPending(ctx); err != nil {
		m.log.Warn().Err(err).Msg("initial pending mirror retry failed")
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.pendingLoop(loopCtx)
	return nil
}

// Close stops background work and fails queued writes.
func (m *Manager) Close() {
	if m.closed.Swap(true) {
		return
	}
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.mirrors.Wait()

	m.queueMu.Lock()
	queue := m.queue
	m.queue = nil
	m.queueMu.Unlock()
	for _, q := range queue {
		q.result <- queuedResult{err: fmt.Errorf("%w: manager closing", types.ErrUnavailable)}
	}
}

// Write routes one operation per the current state. The returned value is
// the action's natural result: a row for create/update/upsert/delete, a
// BatchResult for the batch actions.
func (m *Manager) Write(ctx context.Context, op *types.WriteOp) (any, error) {
	if m.closed.Load() {
		return nil, types.ErrUnavailable
	}
	if op.OperationID == "" {
		op.OperationID = uuid.NewString()
	}
	// Generated values (ids, timestamps) materialize here, before any
	// routing, so both stores and a queued replay all see identical rows.
	if err := m.NormalizeOp(op); err != nil {
		return nil, err
	}

	switch m.machine.Current() {
	case state.Unavailable:
		return nil, fmt.Errorf("%w: both stores are down", types.ErrUnavailable)
	case state.Normal:
		if err := m.checkFence(ctx, op); err != nil {
			return nil, err
		}
		return m.writeNormal(ctx, op)
	case state.Syncing:
		if err := m.checkFence(ctx, op); err != nil {
			return nil, err
		}
		return m.enqueue(ctx, op)
	case state.Degraded:
		return m.writeDegraded(ctx, op)
	default:
		return nil, fmt.Errorf("%w: unknown state", types.ErrUnavailable)
	}
}

func (m *Manager) checkFence(ctx context.Context, op *types.WriteOp) error {
	if m.fence == nil || m.fence.HasValidLock() {
		return nil
	}
	if m.bus != nil {
		_ = m.bus.Dispatch(ctx, &eventbus.Event{
			Type:         eventbus.EventFencingBlocked,
			Time:         time.Now(),
			Reason:       fmt.Sprintf("%s.%s rejected", op.Model, op.Action),
			FencingToken: m.fence.Token(),
		})
	}
	return fmt.Errorf("%w: instance does not hold the deployment lock", types.ErrFencingLost)
}

// NormalizeOp fills generated defaults into the write payloads in place.
// The facade calls it directly for transaction-captured writes.
func (m *Manager) NormalizeOp(op *types.WriteOp) error {
	t, err := m.reg.Table(op.Model)
	if err != nil {
		if op.Action == types.ActionExecuteRaw {
			return nil
		}
		return err
	}
	now := time.Now().UTC()
	fill := func(data types.Row, isCreate bool) (types.Row, error) {
		normalized, nerr := adapter.NormalizeRelations(t, data)
		if nerr != nil {
			return nil, nerr
		}
		return adapter.FillWriteDefaults(t, normalized, isCreate, now), nil
	}

	switch args := op.Args.(type) {
	case types.CreateArgs:
		args.Data, err = fill(args.Data, true)
		op.Args = args
	case types.CreateManyArgs:
		rows := make([]types.Row, len(args.Data))
		for i, row := range args.Data {
			if rows[i], err = fill(row, true); err != nil {
				return err
			}
		}
		args.Data = rows
		op.Args = args
	case types.UpdateArgs:
		args.Data, err = fill(args.Data, false)
		op.Args = args
	case types.UpsertArgs:
		if args.Create, err = fill(args.Create, true); err != nil {
			return err
		}
		args.Update, err = fill(args.Update, false)
		op.Args = args
	}
	return err
}

// writeNormal writes to the primary and mirrors to the fallback. The primary
// is authoritative: a failed mirror is persisted for retry and the write
// still succeeds.
func (m *Manager) writeNormal(ctx context.Context, op *types.WriteOp) (any, error) {
	result, err := Apply(ctx, m.primary, op)
	if err != nil {
		return nil, err
	}

	mirror := mirrorOp(op)
	if op.Critical || m.mirrorSync.Load() {
		if _, merr := Apply(ctx, m.fallback, mirror); merr != nil {
			m.mirrorFailed(ctx, mirror, merr)
		}
		return result, nil
	}

	// Async path: persist first so a crash mid-retry cannot lose the mirror,
	// then retry in the background and clear the entry on success.
	if serr := m.pending.Save(ctx, mirror); serr != nil {
		m.log.Error().Err(serr).Str("op", mirror.OperationID).Msg("persisting pending mirror failed")
	}
	m.mirrors.Add(1)
	go func() {
		defer m.mirrors.Done()
		m.mirrorWithRetry(mirror)
	}()
	return result, nil
}

func (m *Manager) mirrorWithRetry(op *types.WriteOp) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.MirrorMaxElapsed)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = m.cfg.MirrorMaxElapsed
	err := backoff.Retry(func() error {
		_, aerr := Apply(ctx, m.fallback, op)
		return aerr
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		m.mirrorFailed(ctx, op, err)
		return
	}
	if derr := m.pending.Delete(context.Background(), op.OperationID); derr != nil {
		m.log.Warn().Err(derr).Str("op", op.OperationID).Msg("clearing pending mirror failed")
	}
}

func (m *Manager) mirrorFailed(ctx context.Context, op *types.WriteOp, cause error) {
	m.log.Warn().Err(cause).Str("model", op.Model).Str("action", string(op.Action)).
		Msg("fallback mirror failed, persisting for retry")
	if serr := m.pending.Save(context.WithoutCancel(ctx), op); serr != nil {
		m.log.Error().Err(serr).Str("op", op.OperationID).Msg("persisting failed mirror failed")
	}
	if m.bus != nil {
		_ = m.bus.Dispatch(ctx, &eventbus.Event{
			Type:  eventbus.EventSyncRequired,
			Time:  time.Now(),
			Table: op.Model,
			Error: cause.Error(),
		})
	}
}

// ReplayToFallback applies already-committed primary writes to the fallback.
// Used by the facade after a NORMAL transaction commits. Failures persist
// like any other mirror.
func (m *Manager) ReplayToFallback(ctx context.Context, ops []*types.WriteOp) {
	for _, op := range ops {
		if op.OperationID == "" {
			op.OperationID = uuid.NewString()
		}
		mirror := mirrorOp(op)
		if _, err := Apply(ctx, m.fallback, mirror); err != nil {
			m.mirrorFailed(ctx, mirror, err)
		}
	}
}

// RetryPending replays persisted pending mirrors once.
func (m *Manager) RetryPending(ctx context.Context) error {
	entries, err := m.pending.Load(ctx)
	if err != nil {
		return err
	}
	for _, p := range entries {
		if _, aerr := Apply(ctx, m.fallback, p.Op); aerr != nil {
			m.log.Debug().Err(aerr).Str("op", p.OperationID).Msg("pending mirror still failing")
			continue
		}
		if derr := m.pending.Delete(ctx, p.OperationID); derr != nil {
			return derr
		}
	}
	return nil
}

// PendingCount reports the outstanding mirror backlog.
func (m *Manager) PendingCount(ctx context.Context) (int64, error) {
	return m.pending.Count(ctx)
}

func (m *Manager) pendingLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.PendingRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.machine.Is(state.Normal) {
				continue
			}
			if err := m.RetryPending(ctx); err != nil {
				m.log.Warn().Err(err).Msg("pending mirror retry failed")
			}
		}
	}
}

// enqueue parks a write while the change log replays, then hands back the
// drain outcome. The queue preserves submission order.
func (m *Manager) enqueue(ctx context.Context, op *types.WriteOp) (any, error) {
	q := queued{op: op, result: make(chan queuedResult, 1)}

	m.queueMu.Lock()
	if len(m.queue) >= m.cfg.QueueLimit {
		m.queueMu.Unlock()
		return nil, fmt.Errorf("%w: sync write queue is full", types.ErrUnavailable)
	}
	m.queue = append(m.queue, q)
	m.queueMu.Unlock()

	// The SYNCING -> NORMAL edge may fire between the state read in Write
	// and the append above; the drain that edge kicked can have already run
	// against an empty queue, so nothing would ever complete this write.
	// Re-checking after the append closes the window; drainQueue dedups
	// concurrent kicks.
	if m.machine.Is(state.Normal) {
		go m.drainQueue(context.Background())
	}

	select {
	case res := <-q.result:
		return res.value, res.err
	case <-ctx.Done():
		// The write may still land when the queue drains; the caller only
		// stops waiting.
		return nil, ctx.Err()
	}
}

// QueueDepth reports how many writes are parked.
func (m *Manager) QueueDepth() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return len(m.queue)
}

// drainQueue replays parked writes strictly FIFO. At most one drain runs at
// a time; a failed item reports its error to the waiter and the drain moves
// on. If the state leaves NORMAL mid-drain the rest stays queued.
func (m *Manager) drainQueue(ctx context.Context) {
	m.queueMu.Lock()
	if m.draining {
		m.queueMu.Unlock()
		return
	}
	m.draining = true
	m.queueMu.Unlock()
	defer func() {
		m.queueMu.Lock()
		m.draining = false
		m.queueMu.Unlock()
	}()

	for {
		if !m.machine.Is(state.Normal) {
			return
		}
		m.queueMu.Lock()
		if len(m.queue) == 0 {
			m.queueMu.Unlock()
			return
		}
		q := m.queue[0]
		m.queue = m.queue[1:]
		m.queueMu.Unlock()

		value, err := m.writeNormal(ctx, q.op)
		q.result <- queuedResult{value: value, err: err}
	}
}
