package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duodb/duodb/internal/adapter"
	"github.com/duodb/duodb/internal/schema"
	"github.com/duodb/duodb/internal/types"
)

// mockStore wires a Store over a sqlmock connection. sqlmock matches
// expectations as regular expressions against the emitted SQL.
func mockStore(t *testing.T, reg *schema.Registry) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	if reg == nil {
		reg = schema.NewRegistry(nil)
	}
	return &Store{
		Base: adapter.NewBase(sqlx.NewDb(db, "sqlmock"), adapter.Postgres, reg, &jsonCodec{}, false),
	}, mock
}

func usersRegistry() *schema.Registry {
	reg := schema.NewRegistry(nil)
	reg.Load([]schema.Table{{
		Model: "user",
		Name:  "users",
		Columns: []schema.Column{
			{Name: "id", Kind: schema.KindString},
			{Name: "name", Kind: schema.KindString},
			{Name: "payload", Kind: schema.KindJSON, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}})
	return reg
}

func TestHealthCheck(t *testing.T) {
	s, mock := mockStore(t, nil)

	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	res := s.HealthCheck(context.Background(), time.Second)
	assert.True(t, res.Healthy)
	assert.NoError(t, res.Err)

	mock.ExpectQuery("SELECT 1").WillReturnError(assert.AnError)
	res = s.HealthCheck(context.Background(), time.Second)
	assert.False(t, res.Healthy)
	assert.Error(t, res.Err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindUniqueDecodesJSON(t *testing.T) {
	s, mock := mockStore(t, usersRegistry())

	mock.ExpectQuery(`SELECT \* FROM "users" WHERE "id" = \$1 LIMIT 1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "payload"}).
			AddRow("u1", "ada", []byte(`{"plan":"pro"}`)))

	row, err := s.FindUnique(context.Background(), "user", types.FindArgs{
		Where: types.Where{"id": "u1"},
	})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "ada", row["name"])
	payload, ok := row["payload"].(map[string]any)
	require.True(t, ok, "jsonb bytes decode into a composite")
	assert.Equal(t, "pro", payload["plan"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIntrospectLoadsSchema(t *testing.T) {
	s, mock := mockStore(t, nil)

	colRows := sqlmock.NewRows([]string{
		"table_name", "column_name", "udt_name", "is_nullable", "column_default", "ordinal_position",
	}).
		AddRow("users", "id", "uuid", "NO", "gen_random_uuid()", 1).
		AddRow("users", "name", "text", "NO", nil, 2).
		AddRow("users", "age", "int4", "YES", nil, 3).
		AddRow("users", "payload", "jsonb", "YES", nil, 4).
		AddRow("users", "created_at", "timestamptz", "NO", "now()", 5).
		AddRow("users", "updated_at", "timestamptz", "NO", "now()", 6).
		AddRow("_changelog", "id", "int8", "NO", nil, 1)
	mock.ExpectQuery(`FROM information_schema\.columns`).WillReturnRows(colRows)

	mock.ExpectQuery(`'PRIMARY KEY'`).
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "ordinal_position"}).
			AddRow("users", "id", 1))

	mock.ExpectQuery(`'UNIQUE'`).
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "constraint_name", "column_name", "ordinal_position"}).
			AddRow("users", "users_name_key", "name", 1))

	require.NoError(t, s.Introspect(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())

	reg := s.Registry()
	// Internal proxy tables never enter the registry.
	require.Len(t, reg.Tables(), 1)

	table, err := reg.Table("users")
	require.NoError(t, err)
	assert.Equal(t, "User", table.Model)
	assert.Equal(t, []string{"id"}, table.PrimaryKey)
	assert.Equal(t, [][]string{{"name"}}, table.UniqueKeys)

	id, ok := table.Column("id")
	require.True(t, ok)
	assert.Equal(t, schema.KindString, id.Kind)
	assert.True(t, id.HasDefault)
	assert.Equal(t, schema.DefaultUUID, id.DefaultSource)

	age, ok := table.Column("age")
	require.True(t, ok)
	assert.Equal(t, schema.KindInt, age.Kind)
	assert.True(t, age.Nullable)

	payload, ok := table.Column("payload")
	require.True(t, ok)
	assert.Equal(t, schema.KindJSON, payload.Kind)

	created, ok := table.Column("created_at")
	require.True(t, ok)
	assert.Equal(t, schema.KindTime, created.Kind)
	assert.Equal(t, schema.DefaultNow, created.DefaultSource)
	assert.False(t, created.IsUpdatedAt)

	updated, ok := table.Column("updated_at")
	require.True(t, ok)
	assert.True(t, updated.IsUpdatedAt)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	reg := usersRegistry()
	table, err := reg.Table("users")
	require.NoError(t, err)
	codec := jsonCodec{}

	encoded, err := codec.Encode(table, "payload", map[string]any{"plan": "pro"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"plan":"pro"}`, encoded.(string))

	// Non-JSON columns pass through untouched.
	v, err := codec.Encode(table, "name", "ada")
	require.NoError(t, err)
	assert.Equal(t, "ada", v)

	decoded, err := codec.Decode(table, "payload", []byte(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, decoded)

	// Malformed JSON surfaces as the raw text rather than an error.
	decoded, err = codec.Decode(table, "payload", []byte(`{broken`))
	require.NoError(t, err)
	assert.Equal(t, "{broken", decoded)
}
