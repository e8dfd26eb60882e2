package proxy

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/duodb/duodb/internal/adapter"
	"github.com/duodb/duodb/internal/dualwrite"
	"github.com/duodb/duodb/internal/state"
	"github.com/duodb/duodb/internal/types"
)

// TxClient is the view handed to Transaction callbacks. In NORMAL it wraps
// a primary transaction and captures every write for fallback replay; in
// any other state it falls through to the proxy, where each write commits
// atomically on the fallback through the dual-write manager.
type TxClient struct {
	p         *Proxy
	primaryTx adapter.Adapter
	captured  []*types.WriteOp
}

// Transaction runs fn transactionally. In NORMAL the callback executes
// inside one primary transaction; after commit the captured writes replay
// to the fallback. In other states there is no primary transaction and the
// callback's operations route individually.
func (p *Proxy) Transaction(ctx context.Context, fn func(tx *TxClient) error) error {
	if !p.initialized.Load() {
		return fmt.Errorf("%w: proxy is not initialized", types.ErrUnavailable)
	}
	if !p.machine.Is(state.Normal) {
		return fn(&TxClient{p: p})
	}

	tc := &TxClient{p: p}
	err := p.primary.Transaction(ctx, nil, func(tx adapter.Adapter) error {
		tc.primaryTx = tx
		return fn(tc)
	})
	tc.primaryTx = nil
	if err != nil {
		return err
	}
	if len(tc.captured) > 0 {
		p.writer.ReplayToFallback(ctx, tc.captured)
	}
	return nil
}

func (tc *TxClient) read() (adapter.Adapter, error) {
	if tc.primaryTx != nil {
		return tc.primaryTx, nil
	}
	target, _, err := tc.p.readTarget()
	return target, err
}

func (tc *TxClient) write(ctx context.Context, model string, action types.Action, args any) (any, error) {
	op := &types.WriteOp{
		Model:       model,
		Action:      action,
		Args:        args,
		OperationID: uuid.NewString(),
		Critical:    tc.p.isCritical(model),
	}
	if tc.primaryTx == nil {
		return tc.p.writer.Write(ctx, op)
	}
	if err := tc.p.writer.NormalizeOp(op); err != nil {
		return nil, err
	}
	result, err := dualwrite.Apply(ctx, tc.primaryTx, op)
	if err != nil {
		return nil, err
	}
	tc.captured = append(tc.captured, op)
	return result, nil
}

// FindUnique reads within the transaction's view.
func (tc *TxClient) FindUnique(ctx context.Context, model string, args types.FindArgs) (types.Row, error) {
	target, err := tc.read()
	if err != nil {
		return nil, err
	}
	return target.FindUnique(ctx, model, args)
}

// FindFirst reads within the transaction's view.
func (tc *TxClient) FindFirst(ctx context.Context, model string, args types.FindArgs) (types.Row, error) {
	target, err := tc.read()
	if err != nil {
		return nil, err
	}
	return target.FindFirst(ctx, model, args)
}

// FindMany reads within the transaction's view.
func (tc *TxClient) FindMany(ctx context.Context, model string, args types.FindArgs) ([]types.Row, error) {
	target, err := tc.read()
	if err != nil {
		return nil, err
	}
	return target.FindMany(ctx, model, args)
}

// Count reads within the transaction's view.
func (tc *TxClient) Count(ctx context.Context, model string, args types.CountArgs) (int64, error) {
	target, err := tc.read()
	if err != nil {
		return 0, err
	}
	return target.Count(ctx, model, args)
}

// Create inserts one row through the transaction.
func (tc *TxClient) Create(ctx context.Context, model string, args types.CreateArgs) (types.Row, error) {
	result, err := tc.write(ctx, model, types.ActionCreate, args)
	if err != nil {
		return nil, err
	}
	return result.(types.Row), nil
}

// CreateMany inserts a batch through the transaction.
func (tc *TxClient) CreateMany(ctx context.Context, model string, args types.CreateManyArgs) (types.BatchResult, error) {
	result, err := tc.write(ctx, model, types.ActionCreateMany, args)
	if err != nil {
		return types.BatchResult{}, err
	}
	return result.(types.BatchResult), nil
}

// Update mutates a unique row through the transaction.
func (tc *TxClient) Update(ctx context.Context, model string, args types.UpdateArgs) (types.Row, error) {
	result, err := tc.write(ctx, model, types.ActionUpdate, args)
	if err != nil {
		return nil, err
	}
	return result.(types.Row), nil
}

// UpdateMany mutates matching rows through the transaction.
func (tc *TxClient) UpdateMany(ctx context.Context, model string, args types.UpdateArgs) (types.BatchResult, error) {
	result, err := tc.write(ctx, model, types.ActionUpdateMany, args)
	if err != nil {
		return types.BatchResult{}, err
	}
	return result.(types.BatchResult), nil
}

// Upsert creates or updates a unique row through the transaction.
func (tc *TxClient) Upsert(ctx context.Context, model string, args types.UpsertArgs) (types.Row, error) {
	result, err := tc.write(ctx, model, types.ActionUpsert, args)
	if err != nil {
		return nil, err
	}
	return result.(types.Row), nil
}

// Delete removes a unique row through the transaction.
func (tc *TxClient) Delete(ctx context.Context, model string, args types.DeleteArgs) (types.Row, error) {
	result, err := tc.write(ctx, model, types.ActionDelete, args)
	if err != nil {
		return nil, err
	}
	return result.(types.Row), nil
}

// DeleteMany removes matching rows through the transaction.
func (tc *TxClient) DeleteMany(ctx context.Context, model string, args types.DeleteArgs) (types.BatchResult, error) {
	result, err := tc.write(ctx, model, types.ActionDeleteMany, args)
	if err != nil {
		return types.BatchResult{}, err
	}
	return result.(types.BatchResult), nil
}
