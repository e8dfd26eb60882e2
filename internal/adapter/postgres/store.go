// Package postgres implements the primary adapter: a thin layer over the
// native Postgres driver through the shared adapter core. The primary keeps
// its own value representations, so the codec only bridges JSON columns
// between driver bytes and Go composites.
package postgres

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/duodb/duodb/internal/adapter"
	"github.com/duodb/duodb/internal/schema"
)

// Config holds the primary connection settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store is the primary adapter.
type Store struct {
	*adapter.Base
	dsn string
}

// New opens a connection pool to the primary. The pool is lazy; call
// Connect (or any operation) to verify reachability.
func New(cfg Config, reg *schema.Registry) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open primary: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return &Store{
		Base: adapter.NewBase(db, adapter.Postgres, reg, &jsonCodec{}, false),
		dsn:  cfg.DSN,
	}, nil
}

// Introspect refreshes the registry from the primary's information_schema.
// Run at initialization and again on recovery.
func (s *Store) Introspect(ctx context.Context) error {
	return s.Registry().Introspect(ctx, s.DB().DB)
}
