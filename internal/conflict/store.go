package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/duodb/duodb/internal/types"
)

// Store persists conflict records in the fallback's _sync_conflicts table.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps the fallback database handle. The table is created by the
// fallback store's schema initialization.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Save inserts a record and fills in its ID.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	localData, err := json.Marshal(rec.LocalData)
	if err != nil {
		return fmt.Errorf("conflict: encode local snapshot: %w", err)
	}
	remoteData, err := marshalNullable(rec.RemoteData)
	if err != nil {
		return fmt.Errorf("conflict: encode remote snapshot: %w", err)
	}
	var resolvedAt any
	if rec.ResolvedAt != nil {
		resolvedAt = rec.ResolvedAt.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO _sync_conflicts (table_name, row_id, local_data, remote_data, resolution, resolved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TableName, rec.RowID, string(localData), remoteData, rec.Resolution, resolvedAt, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("conflict: save: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// Pending returns the unresolved records, oldest first.
func (s *Store) Pending(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, table_name, row_id, local_data, remote_data, resolution, resolved_at, created_at
		FROM _sync_conflicts WHERE resolved_at IS NULL
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("conflict: list pending: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, serr := scanRecord(rows)
		if serr != nil {
			return nil, serr
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PendingRowIDs returns the (table, rowID) pairs with an unresolved record.
// The sync engine skips these during replay.
func (s *Store) PendingRowIDs(ctx context.Context) (map[string]map[string]bool, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT table_name, row_id FROM _sync_conflicts WHERE resolved_at IS NULL")
	if err != nil {
		return nil, fmt.Errorf("conflict: pending row ids: %w", err)
	}
	defer rows.Close()

	out := map[string]map[string]bool{}
	for rows.Next() {
		var table, rowID string
		if err := rows.Scan(&table, &rowID); err != nil {
			return nil, fmt.Errorf("conflict: scan pending row id: %w", err)
		}
		if out[table] == nil {
			out[table] = map[string]bool{}
		}
		out[table][rowID] = true
	}
	return out, rows.Err()
}

// MarkResolved records the operator's decision for a pending record.
func (s *Store) MarkResolved(ctx context.Context, id int64, resolution string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE _sync_conflicts SET resolution = ?, resolved_at = ? WHERE id = ? AND resolved_at IS NULL",
		resolution, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("conflict: mark resolved: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: conflict %d not found or already resolved", types.ErrNotFound, id)
	}
	return nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, table_name, row_id, local_data, remote_data, resolution, resolved_at, created_at
		FROM _sync_conflicts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("conflict: get: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: conflict %d", types.ErrNotFound, id)
	}
	return scanRecord(rows)
}

// PendingCount returns the number of unresolved records.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowxContext(ctx,
		"SELECT COUNT(*) FROM _sync_conflicts WHERE resolved_at IS NULL").Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("conflict: pending count: %w", err)
	}
	return n, nil
}

func scanRecord(rows *sqlx.Rows) (*Record, error) {
	var (
		rec                   Record
		localData             string
		remoteData            *string
		resolvedAt, createdAt *int64
	)
	if err := rows.Scan(&rec.ID, &rec.TableName, &rec.RowID, &localData, &remoteData, &rec.Resolution, &resolvedAt, &createdAt); err != nil {
		return nil, fmt.Errorf("conflict: scan: %w", err)
	}
	if err := json.Unmarshal([]byte(localData), &rec.LocalData); err != nil {
		return nil, fmt.Errorf("conflict: decode local snapshot: %w", err)
	}
	if remoteData != nil {
		if err := json.Unmarshal([]byte(*remoteData), &rec.RemoteData); err != nil {
			return nil, fmt.Errorf("conflict: decode remote snapshot: %w", err)
		}
	}
	if resolvedAt != nil {
		t := time.UnixMilli(*resolvedAt).UTC()
		rec.ResolvedAt = &t
	}
	if createdAt != nil {
		rec.CreatedAt = time.UnixMilli(*createdAt).UTC()
	}
	return &rec, nil
}

func marshalNullable(r types.Row) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
