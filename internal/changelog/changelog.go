// Package changelog is the append-only record of mutations performed while
// the primary is unavailable. It lives in the fallback store and is replayed
// into the primary by the sync engine in global (timestamp, id) order.
package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/duodb/duodb/internal/types"
)

// Op is the mutation kind of an entry.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Entry is one recorded mutation. RowID is the JSON-serialized primary-key
// projection; for batch-summary entries it is the {"batch":true,...} marker
// and NewData carries the raw where/data payload instead of a row snapshot.
type Entry struct {
	ID             int64
	Operation      Op
	TableName      string
	RowID          string
	OldData        types.Row
	NewData        types.Row
	Timestamp      int64 // wall-clock milliseconds
	Synced         bool
	IdempotencyKey string

	// Optional transaction correlation.
	TxID        string
	TxSeq       int64
	TxCommitted bool
}

// BatchRowID builds the summary row id for updateMany/deleteMany entries
// whose affected row set could not be enumerated.
func BatchRowID(where types.Where) string {
	b, err := json.Marshal(map[string]any{"batch": true, "where": where})
	if err != nil {
		return `{"batch":true}`
	}
	return string(b)
}

// IsBatchSummary reports whether the entry is a batch summary rather than a
// per-row mutation.
func (e *Entry) IsBatchSummary() bool {
	return strings.HasPrefix(e.RowID, `{"batch":true`)
}

// RawExecer is the slice of the adapter surface the store needs to append
// inside an open fallback transaction, so the data mutation and its log
// entry commit atomically.
type RawExecer interface {
	ExecuteRaw(ctx context.Context, query string, args ...any) (int64, error)
}

// Store persists entries in the fallback's _changelog table.
type Store struct {
	db     *sqlx.DB
	lastTs atomic.Int64
}

// New wraps the fallback database handle. The _changelog table is created by
// the fallback store's schema initialization.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// NextTimestamp returns a wall-clock millisecond timestamp that is strictly
// monotonic for this instance, so same-millisecond writes keep their order
// through the (timestamp, id) replay sort.
func (s *Store) NextTimestamp() int64 {
	for {
		now := time.Now().UnixMilli()
		last := s.lastTs.Load()
		if now <= last {
			now = last + 1
		}
		if s.lastTs.CompareAndSwap(last, now) {
			return now
		}
	}
}

const insertSQL = `
INSERT INTO _changelog (operation, table_name, row_id, old_data, new_data, timestamp, synced, idempotency_key, tx_id, tx_seq, tx_committed)
VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
ON CONFLICT(idempotency_key) DO NOTHING`

func insertArgs(e *Entry) ([]any, error) {
	oldData, err := marshalRow(e.OldData)
	if err != nil {
		return nil, fmt.Errorf("changelog: encode old snapshot: %w", err)
	}
	newData, err := marshalRow(e.NewData)
	if err != nil {
		return nil, fmt.Errorf("changelog: encode new snapshot: %w", err)
	}
	var txID any
	var txSeq, txCommitted any
	if e.TxID != "" {
		txID = e.TxID
		txSeq = e.TxSeq
		txCommitted = boolToInt(e.TxCommitted)
	}
	return []any{string(e.Operation), e.TableName, e.RowID, oldData, newData, e.Timestamp, e.IdempotencyKey, txID, txSeq, txCommitted}, nil
}

// Append inserts one entry. Duplicate idempotency keys are silently ignored.
func (s *Store) Append(ctx context.Context, e *Entry) error {
	args, err := insertArgs(e)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertSQL, args...); err != nil {
		return fmt.Errorf("changelog: append: %w", err)
	}
	return nil
}

// AppendWith inserts one entry through an open fallback transaction view.
// This is the dual-write manager's DEGRADED path: the row mutation and the
// log entry share one commit.
func (s *Store) AppendWith(ctx context.Context, exec RawExecer, e *Entry) error {
	args, err := insertArgs(e)
	if err != nil {
		return err
	}
	if _, err := exec.ExecuteRaw(ctx, insertSQL, args...); err != nil {
		return fmt.Errorf("changelog: append: %w", err)
	}
	return nil
}

// AppendBatch inserts all entries in one transaction, tolerating duplicates.
func (s *Store) AppendBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("changelog: begin batch: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, e := range entries {
		args, aerr := insertArgs(e)
		if aerr != nil {
			return aerr
		}
		if _, err := tx.ExecContext(ctx, insertSQL, args...); err != nil {
			return fmt.Errorf("changelog: append batch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("changelog: commit batch: %w", err)
	}
	committed = true
	return nil
}

// ListUnsynced returns up to limit unsynced entries in global
// (timestamp, id) order. The order is mandatory across tables: cross-table
// foreign-key dependencies rely on it.
func (s *Store) ListUnsynced(ctx context.Context, limit int) ([]*Entry, error) {
	query := `
		SELECT id, operation, table_name, row_id, old_data, new_data, timestamp, synced, idempotency_key, tx_id, tx_seq, tx_committed
		FROM _changelog WHERE synced = 0
		ORDER BY timestamp ASC, id ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("changelog: list unsynced: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, serr := scanEntry(rows)
		if serr != nil {
			return nil, serr
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkSynced flips synced=1 for the given entry ids. Idempotent.
func (s *Store) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	phs := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		phs[i] = "?"
		args[i] = id
	}
	query := "UPDATE _changelog SET synced = 1 WHERE id IN (" + strings.Join(phs, ", ") + ")"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("changelog: mark synced: %w", err)
	}
	return nil
}

// Cleanup deletes synced entries older than the cutoff and returns the count.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, "DELETE FROM _changelog WHERE synced = 1 AND timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("changelog: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UnsyncedCount returns the number of entries waiting for replay.
func (s *Store) UnsyncedCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowxContext(ctx, "SELECT COUNT(*) FROM _changelog WHERE synced = 0").Scan(&n); err != nil {
		return 0, fmt.Errorf("changelog: unsynced count: %w", err)
	}
	return n, nil
}

func scanEntry(rows *sqlx.Rows) (*Entry, error) {
	var (
		e                          Entry
		op                         string
		oldData, newData, txID     *string
		txSeq, txCommitted, synced *int64
	)
	if err := rows.Scan(&e.ID, &op, &e.TableName, &e.RowID, &oldData, &newData, &e.Timestamp, &synced, &e.IdempotencyKey, &txID, &txSeq, &txCommitted); err != nil {
		return nil, fmt.Errorf("changelog: scan: %w", err)
	}
	e.Operation = Op(op)
	e.Synced = synced != nil && *synced != 0
	if oldData != nil {
		if err := json.Unmarshal([]byte(*oldData), &e.OldData); err != nil {
			return nil, fmt.Errorf("changelog: decode old snapshot: %w", err)
		}
	}
	if newData != nil {
		if err := json.Unmarshal([]byte(*newData), &e.NewData); err != nil {
			return nil, fmt.Errorf("changelog: decode new snapshot: %w", err)
		}
	}
	if txID != nil {
		e.TxID = *txID
	}
	if txSeq != nil {
		e.TxSeq = *txSeq
	}
	if txCommitted != nil {
		e.TxCommitted = *txCommitted != 0
	}
	return &e, nil
}

func marshalRow(r types.Row) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
