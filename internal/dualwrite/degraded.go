package dualwrite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duodb/duodb/internal/adapter"
	"github.com/duodb/duodb/internal/changelog"
	"github.com/duodb/duodb/internal/eventbus"
	"github.com/duodb/duodb/internal/schema"
	"github.com/duodb/duodb/internal/types"
)

// rawTableName marks change-log entries carrying a raw SQL statement rather
// than a row mutation.
const rawTableName = "_raw"

// writeDegraded performs the write on the fallback and appends the matching
// change-log entries inside the same transaction, so either both commit or
// neither does. The primary is never contacted.
func (m *Manager) writeDegraded(ctx context.Context, op *types.WriteOp) (any, error) {
	// Batch targets are enumerated before the mutating transaction. The
	// fallback is single-writer in DEGRADED, so the set cannot shift
	// underneath us.
	preRows, preErr := m.preQueryBatch(ctx, op)
	if preErr != nil {
		m.log.Warn().Err(preErr).Str("model", op.Model).Str("action", string(op.Action)).
			Msg("batch pre-query failed, recording summary entry")
	}

	var (
		result  any
		entries []*changelog.Entry
	)
	err := m.fallback.Transaction(ctx, nil, func(tx adapter.Adapter) error {
		var txErr error
		result, entries, txErr = m.applyAndRecord(ctx, tx, op, preRows, preErr != nil)
		if txErr != nil {
			return txErr
		}
		for _, e := range entries {
			if aerr := m.clog.AppendWith(ctx, tx, e); aerr != nil {
				return aerr
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if m.bus != nil {
		_ = m.bus.Dispatch(ctx, &eventbus.Event{
			Type:  eventbus.EventChangelogRecorded,
			Time:  time.Now(),
			Table: m.reg.TableNameForModel(op.Model),
		})
	}
	return result, nil
}

// preQueryBatch enumerates the rows an updateMany/deleteMany will touch.
// Returns nil for non-batch actions.
func (m *Manager) preQueryBatch(ctx context.Context, op *types.WriteOp) ([]types.Row, error) {
	var where types.Where
	switch op.Action {
	case types.ActionUpdateMany:
		args, ok := op.Args.(types.UpdateArgs)
		if !ok {
			return nil, badArgs(op)
		}
		where = args.Where
	case types.ActionDeleteMany:
		args, ok := op.Args.(types.DeleteArgs)
		if !ok {
			return nil, badArgs(op)
		}
		where = args.Where
	default:
		return nil, nil
	}
	return m.fallback.FindMany(ctx, op.Model, types.FindArgs{Where: where})
}

// applyAndRecord executes the op through the transaction view and builds its
// change-log entries. summaryOnly forces the batch-summary form when the
// affected set could not be enumerated.
func (m *Manager) applyAndRecord(ctx context.Context, tx adapter.Adapter, op *types.WriteOp,
	preRows []types.Row, summaryOnly bool) (any, []*changelog.Entry, error) {

	if op.Action == types.ActionExecuteRaw {
		result, err := Apply(ctx, tx, op)
		if err != nil {
			return nil, nil, err
		}
		args := op.Args.(types.RawArgs)
		payload := types.Row{"query": args.Query, "params": args.Params}
		e := m.newEntry(changelog.OpUpdate, rawTableName, changelog.BatchRowID(nil), nil, payload, op, 0)
		return result, []*changelog.Entry{e}, nil
	}

	t, err := m.reg.Table(op.Model)
	if err != nil {
		return nil, nil, err
	}
	table := t.Name

	switch op.Action {
	case types.ActionCreate:
		result, aerr := Apply(ctx, tx, op)
		if aerr != nil {
			return nil, nil, aerr
		}
		row := result.(types.Row)
		e, berr := m.rowEntry(changelog.OpInsert, table, t.PrimaryKey, nil, row, op, 0)
		if berr != nil {
			return nil, nil, berr
		}
		return result, []*changelog.Entry{e}, nil

	case types.ActionCreateMany:
		args := op.Args.(types.CreateManyArgs)
		var skip map[int]bool
		if args.SkipDuplicates {
			var serr error
			if skip, serr = m.skippedCreates(ctx, tx, op, t, args.Data); serr != nil {
				return nil, nil, serr
			}
		}
		result, aerr := Apply(ctx, tx, op)
		if aerr != nil {
			return nil, nil, aerr
		}
		entries := make([]*changelog.Entry, 0, len(args.Data))
		for i, row := range args.Data {
			if skip[i] {
				continue
			}
			e, berr := m.rowEntry(changelog.OpInsert, table, t.PrimaryKey, nil, row, op, i)
			if berr != nil {
				return nil, nil, berr
			}
			entries = append(entries, e)
		}
		return result, entries, nil

	case types.ActionUpdate:
		args := op.Args.(types.UpdateArgs)
		old, ferr := tx.FindFirst(ctx, op.Model, types.FindArgs{Where: args.Where})
		if ferr != nil {
			return nil, nil, ferr
		}
		result, aerr := Apply(ctx, tx, op)
		if aerr != nil {
			return nil, nil, aerr
		}
		row := result.(types.Row)
		e, berr := m.rowEntry(changelog.OpUpdate, table, t.PrimaryKey, old, row, op, 0)
		if berr != nil {
			return nil, nil, berr
		}
		return result, []*changelog.Entry{e}, nil

	case types.ActionUpsert:
		args := op.Args.(types.UpsertArgs)
		old, ferr := tx.FindFirst(ctx, op.Model, types.FindArgs{Where: args.Where})
		if ferr != nil {
			return nil, nil, ferr
		}
		result, aerr := Apply(ctx, tx, op)
		if aerr != nil {
			return nil, nil, aerr
		}
		row := result.(types.Row)
		logOp := changelog.OpInsert
		if old != nil {
			logOp = changelog.OpUpdate
		}
		e, berr := m.rowEntry(logOp, table, t.PrimaryKey, old, row, op, 0)
		if berr != nil {
			return nil, nil, berr
		}
		return result, []*changelog.Entry{e}, nil

	case types.ActionDelete:
		result, aerr := Apply(ctx, tx, op)
		if aerr != nil {
			return nil, nil, aerr
		}
		old := result.(types.Row)
		e, berr := m.rowEntry(changelog.OpDelete, table, t.PrimaryKey, old, nil, op, 0)
		if berr != nil {
			return nil, nil, berr
		}
		return result, []*changelog.Entry{e}, nil

	case types.ActionUpdateMany:
		args := op.Args.(types.UpdateArgs)
		result, aerr := Apply(ctx, tx, op)
		if aerr != nil {
			return nil, nil, aerr
		}
		if summaryOnly {
			payload := types.Row{"where": args.Where, "data": args.Data}
			e := m.newEntry(changelog.OpUpdate, table, changelog.BatchRowID(args.Where), nil, payload, op, 0)
			return result, []*changelog.Entry{e}, nil
		}
		entries := make([]*changelog.Entry, 0, len(preRows))
		for i, old := range preRows {
			pkWhere, werr := pkWhere(old, t.PrimaryKey)
			if werr != nil {
				return nil, nil, werr
			}
			updated, rerr := tx.FindFirst(ctx, op.Model, types.FindArgs{Where: pkWhere})
			if rerr != nil {
				return nil, nil, rerr
			}
			if updated == nil {
				continue
			}
			e, berr := m.rowEntry(changelog.OpUpdate, table, t.PrimaryKey, old, updated, op, i)
			if berr != nil {
				return nil, nil, berr
			}
			entries = append(entries, e)
		}
		return result, entries, nil

	case types.ActionDeleteMany:
		args := op.Args.(types.DeleteArgs)
		result, aerr := Apply(ctx, tx, op)
		if aerr != nil {
			return nil, nil, aerr
		}
		if summaryOnly {
			payload := types.Row{"where": args.Where}
			e := m.newEntry(changelog.OpDelete, table, changelog.BatchRowID(args.Where), nil, payload, op, 0)
			return result, []*changelog.Entry{e}, nil
		}
		entries := make([]*changelog.Entry, 0, len(preRows))
		for i, old := range preRows {
			e, berr := m.rowEntry(changelog.OpDelete, table, t.PrimaryKey, old, nil, op, i)
			if berr != nil {
				return nil, nil, berr
			}
			entries = append(entries, e)
		}
		return result, entries, nil

	default:
		return nil, nil, fmt.Errorf("%w: action %q is not a write", types.ErrValidation, op.Action)
	}
}

// skippedCreates reports, by index, which batch rows an ON CONFLICT DO
// NOTHING insert will drop: rows whose primary key or a unique key is
// already taken, and rows repeating a key claimed earlier in the batch.
// Entries must cover only rows that actually land, or recovery would replay
// payloads the fallback itself rejected.
func (m *Manager) skippedCreates(ctx context.Context, tx adapter.Adapter, op *types.WriteOp,
	t *schema.Table, rows []types.Row) (map[int]bool, error) {

	keySets := make([][]string, 0, 1+len(t.UniqueKeys))
	if len(t.PrimaryKey) > 0 {
		keySets = append(keySets, t.PrimaryKey)
	}
	keySets = append(keySets, t.UniqueKeys...)

	skip := make(map[int]bool)
	claimed := make(map[string]bool)
	for i, row := range rows {
		conflicted := false
		keys := make([]string, 0, len(keySets))
		for ki, cols := range keySets {
			where := types.Where{}
			for _, col := range cols {
				v, ok := row[col]
				if !ok || v == nil {
					// NULLs never collide on a unique index.
					where = nil
					break
				}
				where[col] = v
			}
			if where == nil {
				continue
			}
			id, rerr := types.RowID(row, cols)
			if rerr != nil {
				return nil, rerr
			}
			key := fmt.Sprintf("%d:%s", ki, id)
			if claimed[key] {
				conflicted = true
				break
			}
			existing, ferr := tx.FindFirst(ctx, op.Model, types.FindArgs{Where: where})
			if ferr != nil {
				return nil, ferr
			}
			if existing != nil {
				conflicted = true
				break
			}
			keys = append(keys, key)
		}
		if conflicted {
			skip[i] = true
			continue
		}
		for _, key := range keys {
			claimed[key] = true
		}
	}
	return skip, nil
}

// rowEntry builds a per-row entry, deriving the row id from whichever
// snapshot exists.
func (m *Manager) rowEntry(logOp changelog.Op, table string, pkCols []string,
	old, new types.Row, op *types.WriteOp, seq int) (*changelog.Entry, error) {
	src := new
	if src == nil {
		src = old
	}
	rowID, err := types.RowID(src, pkCols)
	if err != nil {
		return nil, err
	}
	return m.newEntry(logOp, table, rowID, old, new, op, seq), nil
}

func (m *Manager) newEntry(logOp changelog.Op, table, rowID string,
	old, new types.Row, op *types.WriteOp, seq int) *changelog.Entry {
	return &changelog.Entry{
		Operation:      logOp,
		TableName:      table,
		RowID:          rowID,
		OldData:        old,
		NewData:        new,
		Timestamp:      m.clog.NextTimestamp(),
		IdempotencyKey: fmt.Sprintf("%s:%d", op.OperationID, seq),
	}
}

func pkWhere(row types.Row, pkCols []string) (types.Where, error) {
	w := types.Where{}
	for _, col := range pkCols {
		v, ok := row[col]
		if !ok {
			b, _ := json.Marshal(row)
			return nil, fmt.Errorf("%w: row %s is missing primary-key column %q", types.ErrValidation, b, col)
		}
		w[col] = v
	}
	return w, nil
}
