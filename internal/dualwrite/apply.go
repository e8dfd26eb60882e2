package dualwrite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/duodb/duodb/internal/adapter"
	"github.com/duodb/duodb/internal/types"
)

// Apply dispatches one write operation to an adapter. The facade has already
// normalized args into the typed structs, so unexpected shapes are caller
// bugs, reported as validation errors.
func Apply(ctx context.Context, a adapter.Adapter, op *types.WriteOp) (any, error) {
	switch op.Action {
	case types.ActionCreate:
		args, err := createArgs(op)
		if err != nil {
			return nil, err
		}
		return a.Create(ctx, op.Model, args)
	case types.ActionCreateMany:
		args, ok := op.Args.(types.CreateManyArgs)
		if !ok {
			return nil, badArgs(op)
		}
		return a.CreateMany(ctx, op.Model, args)
	case types.ActionUpdate:
		args, ok := op.Args.(types.UpdateArgs)
		if !ok {
			return nil, badArgs(op)
		}
		return a.Update(ctx, op.Model, args)
	case types.ActionUpdateMany:
		args, ok := op.Args.(types.UpdateArgs)
		if !ok {
			return nil, badArgs(op)
		}
		return a.UpdateMany(ctx, op.Model, args)
	case types.ActionUpsert:
		args, ok := op.Args.(types.UpsertArgs)
		if !ok {
			return nil, badArgs(op)
		}
		return a.Upsert(ctx, op.Model, args)
	case types.ActionDelete:
		args, ok := op.Args.(types.DeleteArgs)
		if !ok {
			return nil, badArgs(op)
		}
		return a.Delete(ctx, op.Model, args)
	case types.ActionDeleteMany:
		args, ok := op.Args.(types.DeleteArgs)
		if !ok {
			return nil, badArgs(op)
		}
		return a.DeleteMany(ctx, op.Model, args)
	case types.ActionExecuteRaw:
		args, ok := op.Args.(types.RawArgs)
		if !ok {
			return nil, badArgs(op)
		}
		// Raw statements travel in the fallback's "?" flavor; rebind for
		// numbered-placeholder targets.
		query := args.Query
		if d, ok := a.(interface{ Dialect() adapter.Dialect }); ok && d.Dialect().NumberedPlaceholders {
			query = sqlx.Rebind(sqlx.DOLLAR, query)
		}
		n, err := a.ExecuteRaw(ctx, query, args.Params...)
		if err != nil {
			return nil, err
		}
		return types.BatchResult{Count: n}, nil
	default:
		return nil, fmt.Errorf("%w: action %q is not a write", types.ErrValidation, op.Action)
	}
}

func createArgs(op *types.WriteOp) (types.CreateArgs, error) {
	args, ok := op.Args.(types.CreateArgs)
	if !ok {
		return types.CreateArgs{}, badArgs(op)
	}
	return args, nil
}

func badArgs(op *types.WriteOp) error {
	return fmt.Errorf("%w: unexpected args type %T for %s.%s", types.ErrValidation, op.Args, op.Model, op.Action)
}

// mirrorOp rewrites an already-committed write for idempotent replay against
// the fallback: delete becomes deleteMany (a missing row is not an error the
// second time), createMany skips duplicates.
func mirrorOp(op *types.WriteOp) *types.WriteOp {
	out := *op
	switch op.Action {
	case types.ActionDelete:
		if args, ok := op.Args.(types.DeleteArgs); ok {
			out.Action = types.ActionDeleteMany
			out.Args = args
		}
	case types.ActionCreateMany:
		if args, ok := op.Args.(types.CreateManyArgs); ok {
			args.SkipDuplicates = true
			out.Args = args
		}
	}
	return &out
}
