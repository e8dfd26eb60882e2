package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/duodb/duodb/internal/state"
	"github.com/duodb/duodb/internal/types"
)

// FindUnique returns the row addressed by a unique filter, or nil when
// absent.
func (p *Proxy) FindUnique(ctx context.Context, model string, args types.FindArgs) (types.Row, error) {
	target, name, err := p.readTarget()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	row, err := target.FindUnique(ctx, model, args)
	p.metrics.RecordOp(ctx, model, string(types.ActionFindUnique), name, start, err)
	return row, err
}

// FindFirst returns the first matching row, or nil when none match.
func (p *Proxy) FindFirst(ctx context.Context, model string, args types.FindArgs) (types.Row, error) {
	target, name, err := p.readTarget()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	row, err := target.FindFirst(ctx, model, args)
	p.metrics.RecordOp(ctx, model, string(types.ActionFindFirst), name, start, err)
	return row, err
}

// FindMany returns all matching rows.
func (p *Proxy) FindMany(ctx context.Context, model string, args types.FindArgs) ([]types.Row, error) {
	target, name, err := p.readTarget()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := target.FindMany(ctx, model, args)
	p.metrics.RecordOp(ctx, model, string(types.ActionFindMany), name, start, err)
	return rows, err
}

// Count returns the number of matching rows.
func (p *Proxy) Count(ctx context.Context, model string, args types.CountArgs) (int64, error) {
	target, name, err := p.readTarget()
	if err != nil {
		return 0, err
	}
	start := time.Now()
	n, err := target.Count(ctx, model, args)
	p.metrics.RecordOp(ctx, model, string(types.ActionCount), name, start, err)
	return n, err
}

// Aggregate folds columns over the matching rows.
func (p *Proxy) Aggregate(ctx context.Context, model string, args types.AggregateArgs) (types.Row, error) {
	target, name, err := p.readTarget()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	row, err := target.Aggregate(ctx, model, args)
	p.metrics.RecordOp(ctx, model, string(types.ActionAggregate), name, start, err)
	return row, err
}

// GroupBy groups rows and folds aggregations per group.
func (p *Proxy) GroupBy(ctx context.Context, model string, args types.GroupByArgs) ([]types.Row, error) {
	target, name, err := p.readTarget()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := target.GroupBy(ctx, model, args)
	p.metrics.RecordOp(ctx, model, string(types.ActionGroupBy), name, start, err)
	return rows, err
}

// write routes one mutation through the dual-write manager and coerces the
// result.
func (p *Proxy) write(ctx context.Context, model string, action types.Action, args any) (any, error) {
	if !p.initialized.Load() {
		return nil, fmt.Errorf("%w: proxy is not initialized", types.ErrUnavailable)
	}
	op := &types.WriteOp{
		Model:    model,
		Action:   action,
		Args:     args,
		Critical: p.isCritical(model),
	}
	start := time.Now()
	result, err := p.writer.Write(ctx, op)
	p.metrics.RecordOp(ctx, model, string(action), string(p.machine.Current()), start, err)
	return result, err
}

func (p *Proxy) writeRow(ctx context.Context, model string, action types.Action, args any) (types.Row, error) {
	result, err := p.write(ctx, model, action, args)
	if err != nil {
		return nil, err
	}
	row, ok := result.(types.Row)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result %T", action, result)
	}
	return row, nil
}

func (p *Proxy) writeBatch(ctx context.Context, model string, action types.Action, args any) (types.BatchResult, error) {
	result, err := p.write(ctx, model, action, args)
	if err != nil {
		return types.BatchResult{}, err
	}
	batch, ok := result.(types.BatchResult)
	if !ok {
		return types.BatchResult{}, fmt.Errorf("unexpected %s result %T", action, result)
	}
	return batch, nil
}

// Create inserts one row and returns it with generated values filled.
func (p *Proxy) Create(ctx context.Context, model string, args types.CreateArgs) (types.Row, error) {
	return p.writeRow(ctx, model, types.ActionCreate, args)
}

// CreateMany inserts a batch of rows.
func (p *Proxy) CreateMany(ctx context.Context, model string, args types.CreateManyArgs) (types.BatchResult, error) {
	return p.writeBatch(ctx, model, types.ActionCreateMany, args)
}

// Update mutates the row addressed by a unique filter and returns it.
func (p *Proxy) Update(ctx context.Context, model string, args types.UpdateArgs) (types.Row, error) {
	return p.writeRow(ctx, model, types.ActionUpdate, args)
}

// UpdateMany mutates every matching row.
func (p *Proxy) UpdateMany(ctx context.Context, model string, args types.UpdateArgs) (types.BatchResult, error) {
	return p.writeBatch(ctx, model, types.ActionUpdateMany, args)
}

// Upsert creates or updates the row addressed by a unique filter.
func (p *Proxy) Upsert(ctx context.Context, model string, args types.UpsertArgs) (types.Row, error) {
	return p.writeRow(ctx, model, types.ActionUpsert, args)
}

// Delete removes the row addressed by a unique filter and returns it.
func (p *Proxy) Delete(ctx context.Context, model string, args types.DeleteArgs) (types.Row, error) {
	return p.writeRow(ctx, model, types.ActionDelete, args)
}

// DeleteMany removes every matching row.
func (p *Proxy) DeleteMany(ctx context.Context, model string, args types.DeleteArgs) (types.BatchResult, error) {
	return p.writeBatch(ctx, model, types.ActionDeleteMany, args)
}

// QueryRaw runs a raw SELECT. Write queries in "?" placeholder flavor; the
// proxy rebinds to the target engine's flavor.
func (p *Proxy) QueryRaw(ctx context.Context, query string, params ...any) ([]types.Row, error) {
	target, name, err := p.readTarget()
	if err != nil {
		return nil, err
	}
	if name == "primary" {
		query = sqlx.Rebind(sqlx.DOLLAR, query)
	}
	start := time.Now()
	rows, err := target.QueryRaw(ctx, query, params...)
	p.metrics.RecordOp(ctx, "", string(types.ActionQueryRaw), name, start, err)
	return rows, err
}

// ExecuteRaw runs a raw mutation through the dual-write manager. In
// DEGRADED the statement is recorded in the change log and replayed against
// the primary during sync.
func (p *Proxy) ExecuteRaw(ctx context.Context, query string, params ...any) (int64, error) {
	result, err := p.write(ctx, "", types.ActionExecuteRaw, types.RawArgs{Query: query, Params: params})
	if err != nil {
		return 0, err
	}
	batch, ok := result.(types.BatchResult)
	if !ok {
		return 0, fmt.Errorf("unexpected executeRaw result %T", result)
	}
	return batch.Count, nil
}

// GetState returns the current operating mode.
func (p *Proxy) GetState() state.State {
	if p.machine == nil {
		return state.Unavailable
	}
	return p.machine.Current()
}
