package sqlite

// internalSchema creates the proxy's own tables in the fallback store. All
// application tables are mirrored separately via EnsureTables; the tables
// here carry the change log, pending mirrors, conflicts and metadata that
// must survive restarts.
const internalSchema = `
CREATE TABLE IF NOT EXISTS _changelog (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    operation TEXT NOT NULL CHECK (operation IN ('INSERT', 'UPDATE', 'DELETE')),
    table_name TEXT NOT NULL,
    row_id TEXT NOT NULL,
    old_data TEXT,
    new_data TEXT,
    timestamp INTEGER NOT NULL,
    synced INTEGER NOT NULL DEFAULT 0,
    idempotency_key TEXT NOT NULL UNIQUE,
    tx_id TEXT,
    tx_seq INTEGER,
    tx_committed INTEGER
);

CREATE INDEX IF NOT EXISTS idx_changelog_synced_ts ON _changelog(synced, timestamp);
CREATE INDEX IF NOT EXISTS idx_changelog_table_ts ON _changelog(table_name, timestamp);
CREATE INDEX IF NOT EXISTS idx_changelog_tx ON _changelog(tx_id, tx_seq);

CREATE TABLE IF NOT EXISTS _pending_writes (
    operation_id TEXT PRIMARY KEY,
    operation_data TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS _sync_conflicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    table_name TEXT NOT NULL,
    row_id TEXT NOT NULL,
    local_data TEXT,
    remote_data TEXT,
    resolution TEXT NOT NULL DEFAULT 'unresolved',
    resolved_at INTEGER,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conflicts_unresolved ON _sync_conflicts(resolved_at) WHERE resolved_at IS NULL;

CREATE TABLE IF NOT EXISTS _db_metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`
