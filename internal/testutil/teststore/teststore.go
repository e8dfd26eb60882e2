// Package teststore provides an isolated fallback-store environment for
// tests. Each Env opens its own temp-file SQLite database with the internal
// tables prepared, a registry holding a small "user"/"session" schema, and
// the bookkeeping stores wired on top.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    env := teststore.New(t)
//	    env.SeedUser(t, "u1", "ada")
//	    ...
//	}
package teststore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/duodb/duodb/internal/adapter/sqlite"
	"github.com/duodb/duodb/internal/changelog"
	"github.com/duodb/duodb/internal/conflict"
	"github.com/duodb/duodb/internal/dualwrite"
	"github.com/duodb/duodb/internal/schema"
	"github.com/duodb/duodb/internal/types"
)

// Env bundles one isolated fallback store with its bookkeeping.
type Env struct {
	Reg       *schema.Registry
	Store     *sqlite.Store
	Changelog *changelog.Store
	Conflicts *conflict.Store
	Pending   *dualwrite.PendingStore
}

// Tables is the schema every Env registers: a user table with proxy-side
// defaults and bookkeeping columns, and a bare session table.
func Tables() []schema.Table {
	return []schema.Table{
		{
			Model: "user",
			Name:  "users",
			Columns: []schema.Column{
				{Name: "id", Kind: schema.KindString, HasDefault: true, DefaultSource: schema.DefaultUUID},
				{Name: "name", Kind: schema.KindString},
				{Name: "email", Kind: schema.KindString, Nullable: true},
				{Name: "age", Kind: schema.KindInt, Nullable: true},
				{Name: "version", Kind: schema.KindInt, HasDefault: true, DefaultSource: schema.DefaultConstant, DefaultValue: "1"},
				{Name: "createdAt", Kind: schema.KindTime, HasDefault: true, DefaultSource: schema.DefaultNow},
				{Name: "updatedAt", Kind: schema.KindTime, HasDefault: true, DefaultSource: schema.DefaultNow, IsUpdatedAt: true},
			},
			PrimaryKey: []string{"id"},
			UniqueKeys: [][]string{{"email"}},
		},
		{
			Model: "session",
			Name:  "sessions",
			Columns: []schema.Column{
				{Name: "id", Kind: schema.KindString, HasDefault: true, DefaultSource: schema.DefaultUUID},
				{Name: "userId", Kind: schema.KindString},
				{Name: "token", Kind: schema.KindString},
				{Name: "createdAt", Kind: schema.KindTime, HasDefault: true, DefaultSource: schema.DefaultNow},
			},
			PrimaryKey: []string{"id"},
		},
	}
}

// New opens a fresh environment on a per-test temp file. Cleanup closes the
// store when the test finishes.
func New(t testing.TB) *Env {
	t.Helper()
	ctx := context.Background()

	reg := schema.NewRegistry(nil)
	reg.Load(Tables())

	path := filepath.Join(t.TempDir(), "fallback.db")
	store, err := sqlite.New(ctx, sqlite.DefaultConfig(path), reg)
	if err != nil {
		t.Fatalf("teststore: open fallback: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.EnsureTables(ctx, reg.Tables()); err != nil {
		t.Fatalf("teststore: ensure tables: %v", err)
	}

	return &Env{
		Reg:       reg,
		Store:     store,
		Changelog: changelog.New(store.DB()),
		Conflicts: conflict.NewStore(store.DB()),
		Pending:   dualwrite.NewPendingStore(store.DB()),
	}
}

// DB exposes the underlying handle for direct assertions.
func (e *Env) DB() *sqlx.DB { return e.Store.DB() }

// SeedUser inserts one user row and returns it with defaults filled.
func (e *Env) SeedUser(t testing.TB, id, name string) types.Row {
	t.Helper()
	row, err := e.Store.Create(context.Background(), "user", types.CreateArgs{
		Data: types.Row{"id": id, "name": name},
	})
	if err != nil {
		t.Fatalf("teststore: seed user %s: %v", id, err)
	}
	return row
}
