package dualwrite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/duodb/duodb/internal/types"
)

// PendingWrite is a mirror that could not reach the fallback yet. It lives
// in the fallback's _pending_writes table so a restart resumes the retries.
type PendingWrite struct {
	OperationID string
	Op          *types.WriteOp
	CreatedAt   time.Time
}

// pendingEnvelope is the persisted JSON shape. Args round-trip through JSON,
// so on load they come back as generic maps and are re-coerced into the
// typed structs.
type pendingEnvelope struct {
	Model    string          `json:"model"`
	Action   types.Action    `json:"action"`
	Args     json.RawMessage `json:"args"`
	Critical bool            `json:"critical,omitempty"`
}

// PendingStore persists outstanding mirrors.
type PendingStore struct {
	db *sqlx.DB
}

// NewPendingStore wraps the fallback database handle.
func NewPendingStore(db *sqlx.DB) *PendingStore {
	return &PendingStore{db: db}
}

// Save upserts a pending mirror keyed by operation id, so a retried write
// does not duplicate.
func (s *PendingStore) Save(ctx context.Context, op *types.WriteOp) error {
	args, err := json.Marshal(op.Args)
	if err != nil {
		return fmt.Errorf("pending: encode args: %w", err)
	}
	env, err := json.Marshal(pendingEnvelope{Model: op.Model, Action: op.Action, Args: args, Critical: op.Critical})
	if err != nil {
		return fmt.Errorf("pending: encode op: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO _pending_writes (operation_id, operation_data, created_at) VALUES (?, ?, ?)
		ON CONFLICT(operation_id) DO UPDATE SET operation_data = excluded.operation_data`,
		op.OperationID, string(env), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("pending: save: %w", err)
	}
	return nil
}

// Load returns all outstanding mirrors, oldest first.
func (s *PendingStore) Load(ctx context.Context) ([]*PendingWrite, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT operation_id, operation_data, created_at FROM _pending_writes ORDER BY created_at ASC, operation_id ASC")
	if err != nil {
		return nil, fmt.Errorf("pending: load: %w", err)
	}
	defer rows.Close()

	var out []*PendingWrite
	for rows.Next() {
		var (
			opID, data string
			createdAt  int64
		)
		if err := rows.Scan(&opID, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("pending: scan: %w", err)
		}
		op, derr := decodePending(opID, data)
		if derr != nil {
			return nil, derr
		}
		out = append(out, &PendingWrite{
			OperationID: opID,
			Op:          op,
			CreatedAt:   time.UnixMilli(createdAt).UTC(),
		})
	}
	return out, rows.Err()
}

// Delete removes a completed mirror. Idempotent.
func (s *PendingStore) Delete(ctx context.Context, operationID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM _pending_writes WHERE operation_id = ?", operationID); err != nil {
		return fmt.Errorf("pending: delete: %w", err)
	}
	return nil
}

// Count returns the number of outstanding mirrors.
func (s *PendingStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowxContext(ctx, "SELECT COUNT(*) FROM _pending_writes").Scan(&n); err != nil {
		return 0, fmt.Errorf("pending: count: %w", err)
	}
	return n, nil
}

func decodePending(opID, data string) (*types.WriteOp, error) {
	var env pendingEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("pending: decode op %s: %w", opID, err)
	}
	op := &types.WriteOp{Model: env.Model, Action: env.Action, OperationID: opID, Critical: env.Critical}
	var err error
	switch env.Action {
	case types.ActionCreate:
		var a types.CreateArgs
		err = json.Unmarshal(env.Args, &a)
		op.Args = a
	case types.ActionCreateMany:
		var a types.CreateManyArgs
		err = json.Unmarshal(env.Args, &a)
		op.Args = a
	case types.ActionUpdate, types.ActionUpdateMany:
		var a types.UpdateArgs
		err = json.Unmarshal(env.Args, &a)
		op.Args = a
	case types.ActionUpsert:
		var a types.UpsertArgs
		err = json.Unmarshal(env.Args, &a)
		op.Args = a
	case types.ActionDelete, types.ActionDeleteMany:
		var a types.DeleteArgs
		err = json.Unmarshal(env.Args, &a)
		op.Args = a
	case types.ActionExecuteRaw:
		var a types.RawArgs
		err = json.Unmarshal(env.Args, &a)
		op.Args = a
	default:
		return nil, fmt.Errorf("pending: unknown action %q in op %s", env.Action, opID)
	}
	if err != nil {
		return nil, fmt.Errorf("pending: decode args for op %s: %w", opID, err)
	}
	return op, nil
}
