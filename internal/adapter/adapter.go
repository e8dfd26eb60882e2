// Package adapter defines the uniform data-access surface over one backing
// store and the shared SQL generation both concrete adapters use. The
// postgres sub-package is the primary-side implementation, the sqlite
// sub-package the fallback-side one; consumers depend on the Adapter
// interface so either store (or a mock) can be substituted.
package adapter

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/duodb/duodb/internal/types"
)

// ErrClosed is returned by operations on an adapter after Close.
var ErrClosed = errors.New("adapter is closed")

// ErrNoTransaction is returned when Transaction is called on an adapter view
// that is already transaction-scoped.
var ErrNoTransaction = errors.New("nested transactions are not supported")

// TxOptions carries the caller's requested isolation level. The zero value
// uses the engine default.
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

// HealthResult is the outcome of a single health probe.
type HealthResult struct {
	Healthy bool
	Latency time.Duration
	Err     error
}

// Adapter is the uniform CRUD/raw/transaction surface over one backing
// store. Model arguments name a registered model (or its physical table);
// args follow the primary engine's semantics as specified in the args types.
type Adapter interface {
	// Reads.
	FindUnique(ctx context.Context, model string, args types.FindArgs) (types.Row, error)
	FindFirst(ctx context.Context, model string, args types.FindArgs) (types.Row, error)
	FindMany(ctx context.Context, model string, args types.FindArgs) ([]types.Row, error)
	Count(ctx context.Context, model string, args types.CountArgs) (int64, error)
	Aggregate(ctx context.Context, model string, args types.AggregateArgs) (types.Row, error)
	GroupBy(ctx context.Context, model string, args types.GroupByArgs) ([]types.Row, error)

	// Writes.
	Create(ctx context.Context, model string, args types.CreateArgs) (types.Row, error)
	CreateMany(ctx context.Context, model string, args types.CreateManyArgs) (types.BatchResult, error)
	Update(ctx context.Context, model string, args types.UpdateArgs) (types.Row, error)
	UpdateMany(ctx context.Context, model string, args types.UpdateArgs) (types.BatchResult, error)
	Upsert(ctx context.Context, model string, args types.UpsertArgs) (types.Row, error)
	Delete(ctx context.Context, model string, args types.DeleteArgs) (types.Row, error)
	DeleteMany(ctx context.Context, model string, args types.DeleteArgs) (types.BatchResult, error)

	// Bulk paths used by the sync engine.
	BulkInsertIgnore(ctx context.Context, model string, rows []types.Row) (int64, error)
	BulkUpsert(ctx context.Context, model string, rows []types.Row, conflictCols []string) (int64, error)

	// Raw access. Placeholders follow the engine's flavor.
	QueryRaw(ctx context.Context, query string, args ...any) ([]types.Row, error)
	ExecuteRaw(ctx context.Context, query string, args ...any) (int64, error)

	// Table-level helpers.
	TableScan(ctx context.Context, table string, offset, limit int) ([]types.Row, error)
	RowCount(ctx context.Context, table string) (int64, error)
	Tables(ctx context.Context) ([]string, error)

	// Transaction runs fn with a transaction-scoped view of this adapter.
	Transaction(ctx context.Context, opts *TxOptions, fn func(tx Adapter) error) error

	// Lifecycle.
	HealthCheck(ctx context.Context, timeout time.Duration) HealthResult
	Connect(ctx context.Context) error
	Close() error
}
