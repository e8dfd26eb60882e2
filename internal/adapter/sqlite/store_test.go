package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duodb/duodb/internal/adapter"
	"github.com/duodb/duodb/internal/adapter/sqlite"
	"github.com/duodb/duodb/internal/schema"
	"github.com/duodb/duodb/internal/testutil/teststore"
	"github.com/duodb/duodb/internal/types"
)

func TestCreateFillsDefaults(t *testing.T) {
	env := teststore.New(t)
	ctx := context.Background()

	row, err := env.Store.Create(ctx, "user", types.CreateArgs{
		Data: types.Row{"name": "ada"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, row["id"])
	assert.Equal(t, "ada", row["name"])
	assert.IsType(t, time.Time{}, row["createdAt"])
	assert.IsType(t, time.Time{}, row["updatedAt"])
}

func TestFindSemantics(t *testing.T) {
	env := teststore.New(t)
	ctx := context.Background()
	env.SeedUser(t, "u1", "ada")
	env.SeedUser(t, "u2", "grace")

	// Absent rows read back as nil, not an error.
	row, err := env.Store.FindUnique(ctx, "user", types.FindArgs{Where: types.Where{"id": "nope"}})
	require.NoError(t, err)
	assert.Nil(t, row)

	row, err = env.Store.FindUnique(ctx, "user", types.FindArgs{Where: types.Where{"id": "u1"}})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "ada", row["name"])

	rows, err := env.Store.FindMany(ctx, "user", types.FindArgs{
		OrderBy: []types.OrderBy{{Column: "name"}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ada", rows[0]["name"])
	assert.Equal(t, "grace", rows[1]["name"])
}

func TestFindManyPagination(t *testing.T) {
	env := teststore.New(t)
	ctx := context.Background()
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		env.SeedUser(t, id, "name-"+id)
	}

	rows, err := env.Store.FindMany(ctx, "user", types.FindArgs{
		OrderBy: []types.OrderBy{{Column: "id"}},
		Take:    2,
		Skip:    1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "u2", rows[0]["id"])
	assert.Equal(t, "u3", rows[1]["id"])
}

func TestUpdateStampsUpdatedAt(t *testing.T) {
	env := teststore.New(t)
	ctx := context.Background()
	created := env.SeedUser(t, "u1", "ada")
	before := created["updatedAt"].(time.Time)

	time.Sleep(5 * time.Millisecond)
	row, err := env.Store.Update(ctx, "user", types.UpdateArgs{
		Where: types.Where{"id": "u1"},
		Data:  types.Row{"name": "ada l."},
	})
	require.NoError(t, err)
	assert.Equal(t, "ada l.", row["name"])
	assert.True(t, row["updatedAt"].(time.Time).After(before))
}

func TestUpdateMissingRow(t *testing.T) {
	env := teststore.New(t)
	_, err := env.Store.Update(context.Background(), "user", types.UpdateArgs{
		Where: types.Where{"id": "nope"},
		Data:  types.Row{"name": "x"},
	})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUpsert(t *testing.T) {
	env := teststore.New(t)
	ctx := context.Background()

	row, err := env.Store.Upsert(ctx, "user", types.UpsertArgs{
		Where:  types.Where{"id": "u1"},
		Create: types.Row{"id": "u1", "name": "ada"},
		Update: types.Row{"name": "updated"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ada", row["name"])

	row, err = env.Store.Upsert(ctx, "user", types.UpsertArgs{
		Where:  types.Where{"id": "u1"},
		Create: types.Row{"id": "u1", "name": "ada"},
		Update: types.Row{"name": "updated"},
	})
	require.NoError(t, err)
	assert.Equal(t, "updated", row["name"])

	n, err := env.Store.Count(ctx, "user", types.CountArgs{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDeleteReturnsOldRow(t *testing.T) {
	env := teststore.New(t)
	ctx := context.Background()
	env.SeedUser(t, "u1", "ada")

	row, err := env.Store.Delete(ctx, "user", types.DeleteArgs{Where: types.Where{"id": "u1"}})
	require.NoError(t, err)
	assert.Equal(t, "ada", row["name"])

	_, err = env.Store.Delete(ctx, "user", types.DeleteArgs{Where: types.Where{"id": "u1"}})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCreateManySkipDuplicates(t *testing.T) {
	env := teststore.New(t)
	ctx := context.Background()
	env.SeedUser(t, "u1", "ada")

	res, err := env.Store.CreateMany(ctx, "user", types.CreateManyArgs{
		Data: []types.Row{
			{"id": "u1", "name": "dupe"},
			{"id": "u2", "name": "grace"},
		},
		SkipDuplicates: true,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Count)

	// Without the flag the duplicate aborts the whole batch.
	_, err = env.Store.CreateMany(ctx, "user", types.CreateManyArgs{
		Data: []types.Row{{"id": "u1", "name": "dupe"}},
	})
	assert.Error(t, err)
}

func TestAggregateAndGroupBy(t *testing.T) {
	env := teststore.New(t)
	ctx := context.Background()
	for _, spec := range []struct {
		id, name string
		age      int64
	}{
		{"u1", "ada", 30},
		{"u2", "ada", 40},
		{"u3", "grace", 50},
	} {
		_, err := env.Store.Create(ctx, "user", types.CreateArgs{
			Data: types.Row{"id": spec.id, "name": spec.name, "age": spec.age},
		})
		require.NoError(t, err)
	}

	agg, err := env.Store.Aggregate(ctx, "user", types.AggregateArgs{
		Count: true,
		Sum:   []string{"age"},
		Max:   []string{"age"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, agg["_count"])
	assert.EqualValues(t, 120, agg["_sum"].(types.Row)["age"])
	assert.EqualValues(t, 50, agg["_max"].(types.Row)["age"])

	groups, err := env.Store.GroupBy(ctx, "user", types.GroupByArgs{
		By:      []string{"name"},
		Count:   true,
		OrderBy: []types.OrderBy{{Column: "name"}},
	})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "ada", groups[0]["name"])
	assert.EqualValues(t, 2, groups[0]["_count"])
}

func TestValueCoercionRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := schema.NewRegistry(nil)
	reg.Load([]schema.Table{{
		Model: "event",
		Name:  "events",
		Columns: []schema.Column{
			{Name: "id", Kind: schema.KindString},
			{Name: "active", Kind: schema.KindBool},
			{Name: "at", Kind: schema.KindTime},
			{Name: "payload", Kind: schema.KindJSON, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}})
	store, err := sqlite.New(ctx, sqlite.DefaultConfig(t.TempDir()+"/coerce.db"), reg)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureTables(ctx, reg.Tables()))

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err = store.Create(ctx, "event", types.CreateArgs{Data: types.Row{
		"id":      "e1",
		"active":  true,
		"at":      at,
		"payload": map[string]any{"n": 1},
	}})
	require.NoError(t, err)

	row, err := store.FindUnique(ctx, "event", types.FindArgs{Where: types.Where{"id": "e1"}})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, true, row["active"])
	assert.True(t, at.Equal(row["at"].(time.Time)))
	assert.Equal(t, map[string]any{"n": float64(1)}, row["payload"])

	// Filtering on the coerced representations works too.
	n, err := store.Count(ctx, "event", types.CountArgs{Where: types.Where{"active": true}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestTransactionRollback(t *testing.T) {
	env := teststore.New(t)
	ctx := context.Background()
	env.SeedUser(t, "u1", "ada")

	err := env.Store.Transaction(ctx, nil, func(tx adapter.Adapter) error {
		if _, terr := tx.Update(ctx, "user", types.UpdateArgs{
			Where: types.Where{"id": "u1"},
			Data:  types.Row{"name": "changed"},
		}); terr != nil {
			return terr
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	row, err := env.Store.FindUnique(ctx, "user", types.FindArgs{Where: types.Where{"id": "u1"}})
	require.NoError(t, err)
	assert.Equal(t, "ada", row["name"])
}

func TestMetadataRoundTrip(t *testing.T) {
	env := teststore.New(t)
	ctx := context.Background()

	v, err := env.Store.GetMetadata(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, env.Store.SetMetadata(ctx, "k", "v1"))
	require.NoError(t, env.Store.SetMetadata(ctx, "k", "v2"))
	v, err = env.Store.GetMetadata(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestEnsureTablesIdempotentAndAdditive(t *testing.T) {
	env := teststore.New(t)
	ctx := context.Background()

	tables := env.Reg.Tables()
	require.NoError(t, env.Store.EnsureTables(ctx, tables))

	// A new column appears after a re-run with extended metadata.
	for i := range tables {
		if tables[i].Name == "users" {
			tables[i].Columns = append(tables[i].Columns,
				schema.Column{Name: "nickname", Kind: schema.KindString, Nullable: true})
		}
	}
	env.Reg.Load(tables)
	require.NoError(t, env.Store.EnsureTables(ctx, env.Reg.Tables()))

	_, err := env.Store.Create(ctx, "user", types.CreateArgs{
		Data: types.Row{"id": "u9", "name": "ada", "nickname": "al"},
	})
	require.NoError(t, err)
}
