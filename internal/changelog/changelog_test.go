package changelog_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duodb/duodb/internal/changelog"
	"github.com/duodb/duodb/internal/testutil/teststore"
	"github.com/duodb/duodb/internal/types"
)

func entry(clog *changelog.Store, op changelog.Op, table, rowID, key string) *changelog.Entry {
	return &changelog.Entry{
		Operation:      op,
		TableName:      table,
		RowID:          rowID,
		NewData:        types.Row{"id": rowID},
		Timestamp:      clog.NextTimestamp(),
		IdempotencyKey: key,
	}
}

func TestNextTimestampMonotonic(t *testing.T) {
	env := teststore.New(t)
	prev := int64(0)
	for i := 0; i < 1000; i++ {
		ts := env.Changelog.NextTimestamp()
		assert.Greater(t, ts, prev)
		prev = ts
	}
}

func TestAppendAndListOrder(t *testing.T) {
	env := teststore.New(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := entry(env.Changelog, changelog.OpInsert, "users", fmt.Sprintf(`{"id":"u%d"}`, i), fmt.Sprintf("op:%d", i))
		require.NoError(t, env.Changelog.Append(ctx, e))
	}

	entries, err := env.Changelog.ListUnsynced(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		less := prev.Timestamp < cur.Timestamp ||
			(prev.Timestamp == cur.Timestamp && prev.ID < cur.ID)
		assert.True(t, less, "entries must come back in (timestamp, id) order")
	}

	limited, err := env.Changelog.ListUnsynced(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.Equal(t, entries[0].ID, limited[0].ID)
}

func TestAppendIdempotency(t *testing.T) {
	env := teststore.New(t)
	ctx := context.Background()

	e := entry(env.Changelog, changelog.OpInsert, "users", `{"id":"u1"}`, "op:dup")
	require.NoError(t, env.Changelog.Append(ctx, e))

	// Same key again, even with a different payload: silently dropped.
	again := entry(env.Changelog, changelog.OpUpdate, "users", `{"id":"u1"}`, "op:dup")
	require.NoError(t, env.Changelog.Append(ctx, again))

	n, err := env.Changelog.UnsyncedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestMarkSynced(t *testing.T) {
	env := teststore.New(t)
	ctx := context.Background()

	e1 := entry(env.Changelog, changelog.OpInsert, "users", `{"id":"u1"}`, "op:1")
	e2 := entry(env.Changelog, changelog.OpInsert, "users", `{"id":"u2"}`, "op:2")
	require.NoError(t, env.Changelog.AppendBatch(ctx, []*changelog.Entry{e1, e2}))

	entries, err := env.Changelog.ListUnsynced(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, env.Changelog.MarkSynced(ctx, []int64{entries[0].ID}))
	remaining, err := env.Changelog.ListUnsynced(ctx, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, entries[1].ID, remaining[0].ID)

	// Marking twice is fine.
	require.NoError(t, env.Changelog.MarkSynced(ctx, []int64{entries[0].ID}))
	require.NoError(t, env.Changelog.MarkSynced(ctx, nil))
}

func TestSnapshotRoundTrip(t *testing.T) {
	env := teststore.New(t)
	ctx := context.Background()

	e := &changelog.Entry{
		Operation:      changelog.OpUpdate,
		TableName:      "users",
		RowID:          `{"id":"u1"}`,
		OldData:        types.Row{"id": "u1", "name": "ada"},
		NewData:        types.Row{"id": "u1", "name": "ada l."},
		Timestamp:      env.Changelog.NextTimestamp(),
		IdempotencyKey: "op:snap",
		TxID:           "tx-9",
		TxSeq:          2,
		TxCommitted:    true,
	}
	require.NoError(t, env.Changelog.Append(ctx, e))

	entries, err := env.Changelog.ListUnsynced(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	assert.Equal(t, changelog.OpUpdate, got.Operation)
	assert.Equal(t, "ada", got.OldData["name"])
	assert.Equal(t, "ada l.", got.NewData["name"])
	assert.Equal(t, "tx-9", got.TxID)
	assert.EqualValues(t, 2, got.TxSeq)
	assert.True(t, got.TxCommitted)
	assert.False(t, got.Synced)
}

func TestCleanupRetention(t *testing.T) {
	env := teststore.New(t)
	ctx := context.Background()

	old := entry(env.Changelog, changelog.OpInsert, "users", `{"id":"old"}`, "op:old")
	old.Timestamp = time.Now().Add(-48 * time.Hour).UnixMilli()
	fresh := entry(env.Changelog, changelog.OpInsert, "users", `{"id":"new"}`, "op:new")
	unsyncedOld := entry(env.Changelog, changelog.OpInsert, "users", `{"id":"uo"}`, "op:uo")
	unsyncedOld.Timestamp = time.Now().Add(-48 * time.Hour).UnixMilli()
	require.NoError(t, env.Changelog.AppendBatch(ctx, []*changelog.Entry{old, fresh, unsyncedOld}))

	all, err := env.Changelog.ListUnsynced(ctx, 0)
	require.NoError(t, err)
	for _, e := range all {
		if e.RowID == `{"id":"old"}` || e.RowID == `{"id":"new"}` {
			require.NoError(t, env.Changelog.MarkSynced(ctx, []int64{e.ID}))
		}
	}

	// Only synced entries past the window go; unsynced ones are never touched.
	n, err := env.Changelog.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	count, err := env.Changelog.UnsyncedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestBatchRowID(t *testing.T) {
	id := changelog.BatchRowID(types.Where{"age": 3})
	e := &changelog.Entry{RowID: id}
	assert.True(t, e.IsBatchSummary())
	assert.False(t, (&changelog.Entry{RowID: `{"id":"u1"}`}).IsBatchSummary())
}
