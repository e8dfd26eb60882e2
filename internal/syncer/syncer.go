// Package syncer replays the change log into the recovered primary. Entries
// apply in global (timestamp, id) order; rows that changed on both sides go
// through the conflict resolver, and unresolved conflicts stay in the log
// for the next pass.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/duodb/duodb/internal/adapter"
	"github.com/duodb/duodb/internal/changelog"
	"github.com/duodb/duodb/internal/conflict"
	"github.com/duodb/duodb/internal/eventbus"
	"github.com/duodb/duodb/internal/schema"
	"github.com/duodb/duodb/internal/types"
)

// Introspector is implemented by the primary adapter; the engine refreshes
// the registry from the live schema before replaying.
type Introspector interface {
	Introspect(ctx context.Context) error
}

// Config tunes the replay loop.
type Config struct {
	// BatchSize is how many entries one fetch pulls; 0 means 500.
	BatchSize int
	// EntryRetries is how many attempts a single entry gets before its error
	// is recorded and the loop advances; 0 means 3.
	EntryRetries int
	// Strategy picks the conflict policy.
	Strategy conflict.Strategy
}

func (c *Config) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.EntryRetries <= 0 {
		c.EntryRetries = 3
	}
	if c.Strategy == "" {
		c.Strategy = conflict.LocalWins
	}
}

// Result summarizes one sync run.
type Result struct {
	Success bool
	Synced  int
	// Conflicts counts every detected conflict; Unresolved counts the subset
	// waiting on an operator decision.
	Conflicts  int
	Unresolved int
	Errors     []string
	Duration   time.Duration
}

// Engine replays unsynced change-log entries into the primary.
type Engine struct {
	mu        sync.RWMutex
	cfg       Config
	primary   adapter.Adapter
	clog      *changelog.Store
	conflicts *conflict.Store
	reg       *schema.Registry
	log       zerolog.Logger
	bus       *eventbus.Bus
}

// New builds an engine. The bus may be nil in tests.
func New(cfg Config, primary adapter.Adapter, clog *changelog.Store,
	conflicts *conflict.Store, reg *schema.Registry, bus *eventbus.Bus, log zerolog.Logger) *Engine {
	cfg.normalize()
	return &Engine{
		cfg:       cfg,
		primary:   primary,
		clog:      clog,
		conflicts: conflicts,
		reg:       reg,
		bus:       bus,
		log:       log,
	}
}

// SetTunables swaps the runtime-adjustable knobs; the next Run picks them
// up.
func (e *Engine) SetTunables(strategy conflict.Strategy, batchSize int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if strategy.Valid() {
		e.cfg.Strategy = strategy
	}
	if batchSize > 0 {
		e.cfg.BatchSize = batchSize
	}
}

func (e *Engine) tunables() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Run performs one full sync pass. The caller has already moved the state
// machine to SYNCING; Run reports the outcome and the caller decides the
// next state (NORMAL on success with zero unresolved conflicts, DEGRADED
// otherwise).
func (e *Engine) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	res := Result{}

	e.dispatch(ctx, &eventbus.Event{Type: eventbus.EventSyncStarted, Time: start})

	if err := e.primary.Connect(ctx); err != nil {
		return e.fail(ctx, res, start, fmt.Errorf("syncer: primary connect: %w", err))
	}
	if in, ok := e.primary.(Introspector); ok {
		if err := in.Introspect(ctx); err != nil {
			return e.fail(ctx, res, start, fmt.Errorf("syncer: schema introspection: %w", err))
		}
	}

	// Rows with an operator decision outstanding are skipped for the whole
	// run; their entries stay unsynced.
	skip, err := e.conflicts.PendingRowIDs(ctx)
	if err != nil {
		return e.fail(ctx, res, start, err)
	}

	batchSize := e.tunables().BatchSize
	for {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, res, start, err)
		}
		entries, lerr := e.clog.ListUnsynced(ctx, batchSize)
		if lerr != nil {
			return e.fail(ctx, res, start, lerr)
		}
		// Entries held back this run (pending conflicts, errored) would come
		// back in the next fetch; stop once a batch makes no progress.
		progressed := false

		var syncedIDs []int64
		for _, entry := range entries {
			if skip[entry.TableName][entry.RowID] {
				continue
			}
			outcome, aerr := e.applyEntry(ctx, entry)
			if aerr != nil {
				res.Errors = append(res.Errors,
					fmt.Sprintf("entry %d (%s %s): %v", entry.ID, entry.Operation, entry.TableName, aerr))
				e.log.Error().Int64("entry", entry.ID).Err(aerr).Msg("change-log entry failed")
				// Leave unsynced; held back via the skip set for this run so
				// the next fetch does not spin on it.
				markSkipped(skip, entry)
				continue
			}
			if !outcome.resolved {
				res.Conflicts++
				res.Unresolved++
				markSkipped(skip, entry)
				e.dispatch(ctx, &eventbus.Event{
					Type:  eventbus.EventConflictPending,
					Time:  time.Now(),
					Table: entry.TableName,
					RowID: entry.RowID,
				})
				continue
			}
			if outcome.conflicted {
				res.Conflicts++
			}
			syncedIDs = append(syncedIDs, entry.ID)
			res.Synced++
			progressed = true
		}
		if len(syncedIDs) > 0 {
			if merr := e.clog.MarkSynced(ctx, syncedIDs); merr != nil {
				return e.fail(ctx, res, start, merr)
			}
		}
		e.dispatch(ctx, &eventbus.Event{
			Type:        eventbus.EventSyncProgress,
			Time:        time.Now(),
			SyncTotal:   len(entries),
			SyncApplied: res.Synced,
			SyncFailed:  len(res.Errors),
		})
		if len(entries) < batchSize || !progressed {
			break
		}
	}

	res.Duration = time.Since(start)
	res.Success = len(res.Errors) == 0
	e.dispatch(ctx, &eventbus.Event{
		Type:          eventbus.EventSyncCompleted,
		Time:          time.Now(),
		SyncApplied:   res.Synced,
		SyncFailed:    len(res.Errors),
		SyncConflicts: res.Conflicts,
	})
	e.log.Info().Int("synced", res.Synced).Int("conflicts", res.Conflicts).
		Int("errors", len(res.Errors)).Dur("duration", res.Duration).Msg("sync pass finished")
	return res, nil
}

func (e *Engine) fail(ctx context.Context, res Result, start time.Time, err error) (Result, error) {
	res.Duration = time.Since(start)
	res.Errors = append(res.Errors, err.Error())
	e.dispatch(ctx, &eventbus.Event{Type: eventbus.EventSyncFailed, Time: time.Now(), Error: err.Error()})
	return res, err
}

func markSkipped(skip map[string]map[string]bool, entry *changelog.Entry) {
	if skip[entry.TableName] == nil {
		skip[entry.TableName] = map[string]bool{}
	}
	skip[entry.TableName][entry.RowID] = true
}

type entryOutcome struct {
	resolved   bool
	conflicted bool
}

// applyEntry replays one entry with the per-entry retry budget. Conflict
// verdicts are not retried; only transport-level errors are.
func (e *Engine) applyEntry(ctx context.Context, entry *changelog.Entry) (entryOutcome, error) {
	var lastErr error
	retries := e.tunables().EntryRetries
	for attempt := 0; attempt < retries; attempt++ {
		outcome, err := e.applyOnce(ctx, entry)
		if err == nil {
			return outcome, nil
		}
		if errors.Is(err, types.ErrValidation) {
			return entryOutcome{}, err
		}
		lastErr = err
	}
	return entryOutcome{}, lastErr
}

func (e *Engine) applyOnce(ctx context.Context, entry *changelog.Entry) (entryOutcome, error) {
	if entry.TableName == rawTableName {
		return entryOutcome{resolved: true}, e.applyRaw(ctx, entry)
	}
	if entry.IsBatchSummary() {
		return entryOutcome{resolved: true}, e.applyBatchSummary(ctx, entry)
	}

	t, err := e.reg.Table(entry.TableName)
	if err != nil {
		return entryOutcome{}, err
	}
	pkWhere, keyRow, err := pkWhereFromRowID(entry.RowID, t.PrimaryKey)
	if err != nil {
		return entryOutcome{}, err
	}

	switch entry.Operation {
	case changelog.OpDelete:
		_, derr := e.primary.DeleteMany(ctx, t.Model, types.DeleteArgs{Where: pkWhere})
		return entryOutcome{resolved: true}, derr

	case changelog.OpInsert, changelog.OpUpdate:
		remote, ferr := e.primary.FindFirst(ctx, t.Model, types.FindArgs{Where: pkWhere})
		if ferr != nil {
			return entryOutcome{}, ferr
		}
		local := entry.NewData
		if local == nil {
			local = keyRow
		}
		if remote == nil || !conflict.Detect(local, remote) {
			_, uerr := e.primary.Upsert(ctx, t.Model, types.UpsertArgs{
				Where:  pkWhere,
				Create: local,
				Update: local,
			})
			return entryOutcome{resolved: true}, uerr
		}

		e.dispatch(ctx, &eventbus.Event{
			Type:  eventbus.EventConflictDetected,
			Time:  time.Now(),
			Table: entry.TableName,
			RowID: entry.RowID,
		})
		resolution, rerr := conflict.Resolve(entry.TableName, entry.RowID, local, remote, e.tunables().Strategy)
		if rerr != nil {
			return entryOutcome{}, rerr
		}
		if resolution.Conflict != nil {
			if serr := e.conflicts.Save(ctx, resolution.Conflict); serr != nil {
				return entryOutcome{}, serr
			}
		}
		if !resolution.Resolved {
			return entryOutcome{conflicted: true}, nil
		}
		_, uerr := e.primary.Upsert(ctx, t.Model, types.UpsertArgs{
			Where:  pkWhere,
			Create: resolution.FinalRow,
			Update: resolution.FinalRow,
		})
		if uerr != nil {
			return entryOutcome{}, uerr
		}
		return entryOutcome{resolved: true, conflicted: true}, nil

	default:
		return entryOutcome{}, fmt.Errorf("%w: unknown change-log operation %q", types.ErrValidation, entry.Operation)
	}
}

// applyBatchSummary translates a {batch:true} entry into the matching bulk
// statement against the primary.
func (e *Engine) applyBatchSummary(ctx context.Context, entry *changelog.Entry) error {
	t, err := e.reg.Table(entry.TableName)
	if err != nil {
		return err
	}
	where := summaryWhere(entry)
	switch entry.Operation {
	case changelog.OpUpdate:
		data, _ := entry.NewData["data"].(map[string]any)
		if data == nil {
			return fmt.Errorf("%w: batch update summary without data", types.ErrValidation)
		}
		_, uerr := e.primary.UpdateMany(ctx, t.Model, types.UpdateArgs{Where: where, Data: types.Row(data)})
		return uerr
	case changelog.OpDelete:
		_, derr := e.primary.DeleteMany(ctx, t.Model, types.DeleteArgs{Where: where})
		return derr
	default:
		return fmt.Errorf("%w: unsupported batch summary operation %q", types.ErrValidation, entry.Operation)
	}
}

func summaryWhere(entry *changelog.Entry) types.Where {
	if w, ok := entry.NewData["where"].(map[string]any); ok {
		return types.Where(w)
	}
	return nil
}

const rawTableName = "_raw"

// applyRaw replays a raw statement that was recorded in DEGRADED. The query
// was written in the fallback's flavor; rebind to the primary's.
func (e *Engine) applyRaw(ctx context.Context, entry *changelog.Entry) error {
	query, _ := entry.NewData["query"].(string)
	if query == "" {
		return fmt.Errorf("%w: raw entry without query", types.ErrValidation)
	}
	params, _ := entry.NewData["params"].([]any)
	_, err := e.primary.ExecuteRaw(ctx, sqlx.Rebind(sqlx.DOLLAR, query), params...)
	return err
}

// pkWhereFromRowID rebuilds the primary-key filter from a serialized row id.
func pkWhereFromRowID(rowID string, pkCols []string) (types.Where, types.Row, error) {
	keyRow, err := types.ParseRowID(rowID)
	if err != nil {
		return nil, nil, err
	}
	w := types.Where{}
	for _, col := range pkCols {
		v, ok := keyRow[col]
		if !ok {
			return nil, nil, fmt.Errorf("%w: row id %s is missing primary-key column %q", types.ErrValidation, rowID, col)
		}
		w[col] = v
	}
	return w, keyRow, nil
}

func (e *Engine) dispatch(ctx context.Context, event *eventbus.Event) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Dispatch(ctx, event)
}
