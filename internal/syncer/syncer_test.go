package syncer_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duodb/duodb/internal/adapter/sqlite"
	"github.com/duodb/duodb/internal/changelog"
	"github.com/duodb/duodb/internal/conflict"
	"github.com/duodb/duodb/internal/dualwrite"
	"github.com/duodb/duodb/internal/eventbus"
	"github.com/duodb/duodb/internal/logging"
	"github.com/duodb/duodb/internal/state"
	"github.com/duodb/duodb/internal/syncer"
	"github.com/duodb/duodb/internal/testutil/teststore"
	"github.com/duodb/duodb/internal/types"
)

// syncEnv drives the engine against a second SQLite store standing in for
// the recovered primary.
type syncEnv struct {
	*teststore.Env
	primary *sqlite.Store
	engine  *syncer.Engine
}

func newSyncEnv(t *testing.T, cfg syncer.Config) *syncEnv {
	t.Helper()
	ctx := context.Background()
	ts := teststore.New(t)

	primary, err := sqlite.New(ctx, sqlite.DefaultConfig(filepath.Join(t.TempDir(), "primary.db")), ts.Reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = primary.Close() })
	require.NoError(t, primary.EnsureTables(ctx, ts.Reg.Tables()))

	engine := syncer.New(cfg, primary, ts.Changelog, ts.Conflicts, ts.Reg, nil, logging.Nop())
	return &syncEnv{Env: ts, primary: primary, engine: engine}
}

// appendEntry stamps and appends one change-log entry with a unique
// idempotency key.
func (e *syncEnv) appendEntry(t *testing.T, entry *changelog.Entry) {
	t.Helper()
	entry.Timestamp = e.Changelog.NextTimestamp()
	if entry.IdempotencyKey == "" {
		entry.IdempotencyKey = fmt.Sprintf("test:%d", entry.Timestamp)
	}
	require.NoError(t, e.Changelog.Append(context.Background(), entry))
}

func (e *syncEnv) primaryUser(t *testing.T, id string) types.Row {
	t.Helper()
	row, err := e.primary.FindUnique(context.Background(), "user", types.FindArgs{Where: types.Where{"id": id}})
	require.NoError(t, err)
	return row
}

func TestRunReplaysEntriesInOrder(t *testing.T) {
	e := newSyncEnv(t, syncer.Config{})
	ctx := context.Background()

	e.appendEntry(t, &changelog.Entry{
		Operation: changelog.OpInsert,
		TableName: "users",
		RowID:     `{"id":"u1"}`,
		NewData:   types.Row{"id": "u1", "name": "ada", "version": int64(1)},
	})
	e.appendEntry(t, &changelog.Entry{
		Operation: changelog.OpUpdate,
		TableName: "users",
		RowID:     `{"id":"u1"}`,
		OldData:   types.Row{"id": "u1", "name": "ada", "version": int64(1)},
		NewData:   types.Row{"id": "u1", "name": "grace", "version": int64(2)},
	})

	res, err := e.engine.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Synced)
	assert.Zero(t, res.Conflicts)

	row := e.primaryUser(t, "u1")
	require.NotNil(t, row)
	assert.Equal(t, "grace", row["name"])

	n, err := e.Changelog.UnsyncedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunReplaysDelete(t *testing.T) {
	e := newSyncEnv(t, syncer.Config{})
	ctx := context.Background()

	_, err := e.primary.Create(ctx, "user", types.CreateArgs{Data: types.Row{"id": "u1", "name": "ada"}})
	require.NoError(t, err)

	e.appendEntry(t, &changelog.Entry{
		Operation: changelog.OpDelete,
		TableName: "users",
		RowID:     `{"id":"u1"}`,
		OldData:   types.Row{"id": "u1", "name": "ada"},
	})

	res, err := e.engine.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Synced)
	assert.Nil(t, e.primaryUser(t, "u1"))
}

func TestRunAfterSkipDuplicatesBatchLeavesPrimaryRow(t *testing.T) {
	e := newSyncEnv(t, syncer.Config{Strategy: conflict.LocalWins})
	ctx := context.Background()

	// u1 exists on both stores from before the outage.
	_, err := e.primary.Create(ctx, "user", types.CreateArgs{
		Data: types.Row{"id": "u1", "name": "ada", "version": int64(3)},
	})
	require.NoError(t, err)
	e.SeedUser(t, "u1", "ada")

	// During the outage a batch tries to re-create u1 next to a new row.
	bus := eventbus.New(logging.Nop())
	machine, err := state.New(state.Degraded, bus, logging.Nop())
	require.NoError(t, err)
	mgr := dualwrite.New(dualwrite.Config{}, machine, e.primary, e.Store, e.Reg,
		e.Changelog, e.Pending, nil, bus, logging.Nop())
	t.Cleanup(mgr.Close)

	_, err = mgr.Write(ctx, &types.WriteOp{
		Model:  "user",
		Action: types.ActionCreateMany,
		Args: types.CreateManyArgs{
			Data: []types.Row{
				{"id": "u1", "name": "imposter"},
				{"id": "u2", "name": "grace"},
			},
			SkipDuplicates: true,
		},
	})
	require.NoError(t, err)

	res, err := e.engine.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Synced)
	assert.Zero(t, res.Conflicts)

	// The skipped duplicate produced no entry, so replay cannot push the
	// rejected payload over the primary's copy.
	row := e.primaryUser(t, "u1")
	require.NotNil(t, row)
	assert.Equal(t, "ada", row["name"])
	assert.EqualValues(t, 3, row["version"])

	created := e.primaryUser(t, "u2")
	require.NotNil(t, created)
	assert.Equal(t, "grace", created["name"])
}

func TestRunAutoResolvesConflict(t *testing.T) {
	e := newSyncEnv(t, syncer.Config{Strategy: conflict.LocalWins})
	ctx := context.Background()

	// The row changed on the primary while the fallback took writes.
	_, err := e.primary.Create(ctx, "user", types.CreateArgs{
		Data: types.Row{"id": "u1", "name": "remote", "version": int64(5)},
	})
	require.NoError(t, err)

	e.appendEntry(t, &changelog.Entry{
		Operation: changelog.OpUpdate,
		TableName: "users",
		RowID:     `{"id":"u1"}`,
		NewData:   types.Row{"id": "u1", "name": "local", "version": int64(2)},
	})

	res, err := e.engine.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Conflicts)
	assert.Zero(t, res.Unresolved)

	row := e.primaryUser(t, "u1")
	require.NotNil(t, row)
	assert.Equal(t, "local", row["name"])
	// The winning row jumps past both versions.
	assert.EqualValues(t, 6, row["version"])

	pending, err := e.Conflicts.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "auto-resolved conflicts are recorded as resolved")
}

func TestRunRemoteWinsAfterRetune(t *testing.T) {
	e := newSyncEnv(t, syncer.Config{Strategy: conflict.LocalWins})
	ctx := context.Background()
	e.engine.SetTunables(conflict.RemoteWins, 50)

	_, err := e.primary.Create(ctx, "user", types.CreateArgs{
		Data: types.Row{"id": "u1", "name": "remote", "version": int64(5)},
	})
	require.NoError(t, err)
	e.appendEntry(t, &changelog.Entry{
		Operation: changelog.OpUpdate,
		TableName: "users",
		RowID:     `{"id":"u1"}`,
		NewData:   types.Row{"id": "u1", "name": "local", "version": int64(2)},
	})

	res, err := e.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Conflicts)

	row := e.primaryUser(t, "u1")
	require.NotNil(t, row)
	assert.Equal(t, "remote", row["name"])
}

func TestRunManualConflictHoldsEntry(t *testing.T) {
	e := newSyncEnv(t, syncer.Config{Strategy: conflict.Manual})
	ctx := context.Background()

	_, err := e.primary.Create(ctx, "user", types.CreateArgs{
		Data: types.Row{"id": "u1", "name": "remote", "version": int64(5)},
	})
	require.NoError(t, err)
	e.appendEntry(t, &changelog.Entry{
		Operation: changelog.OpUpdate,
		TableName: "users",
		RowID:     `{"id":"u1"}`,
		NewData:   types.Row{"id": "u1", "name": "local", "version": int64(2)},
	})

	res, err := e.engine.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success, "an unresolved conflict is not an error")
	assert.Zero(t, res.Synced)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Unresolved)

	// The primary keeps its row, the entry stays for the next pass, and an
	// operator decision is queued.
	assert.Equal(t, "remote", e.primaryUser(t, "u1")["name"])
	n, err := e.Changelog.UnsyncedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	pending, err := e.Conflicts.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestRunSkipsRowsAwaitingDecision(t *testing.T) {
	e := newSyncEnv(t, syncer.Config{})
	ctx := context.Background()

	require.NoError(t, e.Conflicts.Save(ctx, &conflict.Record{
		TableName:  "users",
		RowID:      `{"id":"u1"}`,
		LocalData:  types.Row{"name": "local"},
		RemoteData: types.Row{"name": "remote"},
		Resolution: "unresolved",
	}))
	e.appendEntry(t, &changelog.Entry{
		Operation: changelog.OpInsert,
		TableName: "users",
		RowID:     `{"id":"u1"}`,
		NewData:   types.Row{"id": "u1", "name": "local"},
	})

	res, err := e.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Synced)
	assert.Nil(t, e.primaryUser(t, "u1"))

	n, err := e.Changelog.UnsyncedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRunBatchSummary(t *testing.T) {
	e := newSyncEnv(t, syncer.Config{})
	ctx := context.Background()

	for i, name := range []string{"ada", "ada", "grace"} {
		_, err := e.primary.Create(ctx, "user", types.CreateArgs{
			Data: types.Row{"id": fmt.Sprintf("u%d", i+1), "name": name},
		})
		require.NoError(t, err)
	}

	where := types.Where{"name": "ada"}
	e.appendEntry(t, &changelog.Entry{
		Operation: changelog.OpDelete,
		TableName: "users",
		RowID:     changelog.BatchRowID(where),
		NewData:   types.Row{"where": where},
	})

	res, err := e.engine.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Synced)

	left, err := e.primary.FindMany(ctx, "user", types.FindArgs{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "grace", left[0]["name"])
}

func TestRunRawEntry(t *testing.T) {
	e := newSyncEnv(t, syncer.Config{})
	ctx := context.Background()

	_, err := e.primary.Create(ctx, "user", types.CreateArgs{Data: types.Row{"id": "u1", "name": "ada"}})
	require.NoError(t, err)

	e.appendEntry(t, &changelog.Entry{
		Operation: changelog.OpUpdate,
		TableName: "_raw",
		RowID:     changelog.BatchRowID(nil),
		NewData:   types.Row{"query": "UPDATE users SET name = 'grace'"},
	})

	res, err := e.engine.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "grace", e.primaryUser(t, "u1")["name"])
}

func TestRunRecordsEntryErrors(t *testing.T) {
	e := newSyncEnv(t, syncer.Config{})
	ctx := context.Background()

	e.appendEntry(t, &changelog.Entry{
		Operation: changelog.OpInsert,
		TableName: "ghosts",
		RowID:     `{"id":"g1"}`,
		NewData:   types.Row{"id": "g1"},
	})

	res, err := e.engine.Run(ctx)
	require.NoError(t, err, "entry failures are collected, not fatal")
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "ghosts")

	n, cerr := e.Changelog.UnsyncedCount(ctx)
	require.NoError(t, cerr)
	assert.EqualValues(t, 1, n)
}
