// Package sqlite implements the fallback adapter on an embedded SQLite
// database. It emulates the primary engine's query semantics through the
// shared adapter core and carries the proxy's internal tables (change log,
// pending writes, conflicts, metadata).
package sqlite

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/duodb/duodb/internal/adapter"
	"github.com/duodb/duodb/internal/schema"
)

// Config enumerates the fallback engine's durability options.
type Config struct {
	Path string
	// JournalMode is one of WAL, DELETE, TRUNCATE, PERSIST, MEMORY, OFF.
	JournalMode string
	// Synchronous is one of OFF, NORMAL, FULL, EXTRA.
	Synchronous string
	// BusyTimeoutMs bounds lock waits.
	BusyTimeoutMs int
	// CacheSizePages is the page cache size; negative means KB.
	CacheSizePages int
	ForeignKeys    bool
}

// DefaultConfig is the durable default: WAL journaling, FULL sync.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		JournalMode:    "WAL",
		Synchronous:    "FULL",
		BusyTimeoutMs:  5000,
		CacheSizePages: -64000,
		ForeignKeys:    true,
	}
}

// Store is the fallback adapter. It embeds the shared adapter core with the
// SQLite dialect and the coercion codec, and owns the internal table schema.
type Store struct {
	*adapter.Base
	path string
}

// New opens (or creates) the fallback database and prepares the internal
// tables. The registry provides column kinds for value coercion; it may
// still be empty at open time and be populated later by introspection.
func New(ctx context.Context, cfg Config, reg *schema.Registry) (*Store, error) {
	if cfg.JournalMode == "" {
		cfg = applyDefaults(cfg)
	}
	connStr, inMemory, err := buildConnString(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open fallback database: %w", err)
	}

	// SQLite in-memory databases are isolated per connection; WAL does not
	// apply to them either. Force a single connection so every handle sees
	// the same data.
	if inMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// 1 writer + N readers under WAL; cap the pool so write-lock
		// contention does not pile up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping fallback database: %w", err)
	}

	if _, err := db.ExecContext(ctx, internalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize fallback schema: %w", err)
	}

	s := &Store{
		Base: adapter.NewBase(db, adapter.SQLite, reg, &coercionCodec{}, true),
		path: cfg.Path,
	}
	return s, nil
}

// applyDefaults fills zero-valued fields from DefaultConfig.
func applyDefaults(cfg Config) Config {
	def := DefaultConfig(cfg.Path)
	if cfg.JournalMode == "" {
		cfg.JournalMode = def.JournalMode
	}
	if cfg.Synchronous == "" {
		cfg.Synchronous = def.Synchronous
	}
	if cfg.BusyTimeoutMs == 0 {
		cfg.BusyTimeoutMs = def.BusyTimeoutMs
	}
	if cfg.CacheSizePages == 0 {
		cfg.CacheSizePages = def.CacheSizePages
	}
	return cfg
}

var journalModes = map[string]bool{
	"WAL": true, "DELETE": true, "TRUNCATE": true, "PERSIST": true, "MEMORY": true, "OFF": true,
}

var syncModes = map[string]bool{
	"OFF": true, "NORMAL": true, "FULL": true, "EXTRA": true,
}

// buildConnString renders the file URI with pragmas in the DSN, so every
// pooled connection gets them.
func buildConnString(cfg Config) (string, bool, error) {
	journal := strings.ToUpper(cfg.JournalMode)
	if !journalModes[journal] {
		return "", false, fmt.Errorf("invalid journal mode %q", cfg.JournalMode)
	}
	synchronous := strings.ToUpper(cfg.Synchronous)
	if !syncModes[synchronous] {
		return "", false, fmt.Errorf("invalid synchronous mode %q", cfg.Synchronous)
	}

	inMemory := cfg.Path == ":memory:" || strings.Contains(cfg.Path, "mode=memory")
	if inMemory {
		// Shared named in-memory database; WAL is unsupported there.
		name := "duodb_mem"
		return fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=%s&_busy_timeout=%d",
			name, onOff(cfg.ForeignKeys), cfg.BusyTimeoutMs), true, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", false, fmt.Errorf("create fallback directory: %w", err)
		}
	}

	q := url.Values{}
	q.Set("_journal_mode", journal)
	q.Set("_synchronous", synchronous)
	q.Set("_busy_timeout", fmt.Sprintf("%d", cfg.BusyTimeoutMs))
	q.Set("_cache_size", fmt.Sprintf("%d", cfg.CacheSizePages))
	q.Set("_foreign_keys", onOff(cfg.ForeignKeys))
	return "file:" + cfg.Path + "?" + q.Encode(), false, nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close checkpoints the WAL before closing so no committed write is stranded
// in the -wal file.
func (s *Store) Close() error {
	if db := s.DB(); db != nil {
		_, _ = db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.Base.Close()
}

// EnsureTables mirrors the given table definitions into the fallback with
// CREATE TABLE IF NOT EXISTS. Called at initialization and again after
// recovery re-introspection, so schema drift on the primary propagates.
func (s *Store) EnsureTables(ctx context.Context, tables []schema.Table) error {
	for _, t := range tables {
		ddl, err := createTableDDL(t)
		if err != nil {
			return err
		}
		if _, err := s.DB().ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("mirror table %s: %w", t.Name, err)
		}
		// New columns on an existing mirror are added one at a time; SQLite
		// has no multi-column ALTER.
		if err := s.addMissingColumns(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) addMissingColumns(ctx context.Context, t schema.Table) error {
	rows, err := s.DB().QueryxContext(ctx, "SELECT name FROM pragma_table_info(?)", t.Name)
	if err != nil {
		return fmt.Errorf("inspect mirror %s: %w", t.Name, err)
	}
	defer rows.Close()
	existing := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, col := range t.Columns {
		if existing[col.Name] {
			continue
		}
		ddl := fmt.Sprintf(`ALTER TABLE "%s" ADD COLUMN %s`, t.Name, columnDDL(col, false))
		if _, err := s.DB().ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("add mirror column %s.%s: %w", t.Name, col.Name, err)
		}
	}
	return nil
}

func createTableDDL(t schema.Table) (string, error) {
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("mirror table %s has no columns", t.Name)
	}
	var defs []string
	for _, col := range t.Columns {
		defs = append(defs, columnDDL(col, true))
	}
	if len(t.PrimaryKey) > 0 {
		quoted := make([]string, len(t.PrimaryKey))
		for i, c := range t.PrimaryKey {
			quoted[i] = `"` + c + `"`
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}
	for _, uk := range t.UniqueKeys {
		quoted := make([]string, len(uk))
		for i, c := range uk {
			quoted[i] = `"` + c + `"`
		}
		defs = append(defs, "UNIQUE ("+strings.Join(quoted, ", ")+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS \"%s\" (\n  %s\n)", t.Name, strings.Join(defs, ",\n  ")), nil
}

// columnDDL renders one column definition. ALTER TABLE ADD COLUMN on SQLite
// cannot add NOT NULL without a default, so constraints are only emitted at
// table creation.
func columnDDL(col schema.Column, withConstraints bool) string {
	def := fmt.Sprintf(`"%s" %s`, col.Name, sqliteType(col.Kind))
	if withConstraints && !col.Nullable {
		def += " NOT NULL"
	}
	return def
}

func sqliteType(k schema.Kind) string {
	switch k {
	case schema.KindInt, schema.KindBigInt, schema.KindBool:
		return "INTEGER"
	case schema.KindFloat:
		return "REAL"
	case schema.KindBytes:
		return "BLOB"
	default:
		return "TEXT"
	}
}
