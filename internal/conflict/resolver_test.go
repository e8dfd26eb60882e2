package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duodb/duodb/internal/types"
)

func TestDetect(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		local  types.Row
		remote types.Row
		want   bool
	}{
		{
			name:   "no remote row",
			local:  types.Row{"id": "u1", "name": "ada"},
			remote: nil,
			want:   false,
		},
		{
			name:   "identical rows",
			local:  types.Row{"id": "u1", "name": "ada", "version": int64(2)},
			remote: types.Row{"id": "u1", "name": "ada", "version": int64(2)},
			want:   false,
		},
		{
			name:   "version skew",
			local:  types.Row{"id": "u1", "name": "ada", "version": int64(2)},
			remote: types.Row{"id": "u1", "name": "ada", "version": int64(3)},
			want:   true,
		},
		{
			name:   "remote updated later",
			local:  types.Row{"id": "u1", "name": "ada", "updatedAt": base},
			remote: types.Row{"id": "u1", "name": "ada", "updatedAt": base.Add(time.Minute)},
			want:   true,
		},
		{
			name:   "field divergence",
			local:  types.Row{"id": "u1", "name": "ada"},
			remote: types.Row{"id": "u1", "name": "grace"},
			want:   true,
		},
		{
			name: "bookkeeping-only divergence",
			// updatedAt differs but local is newer; createdAt and version are
			// ignored in the field comparison.
			local:  types.Row{"id": "u1", "name": "ada", "updatedAt": base.Add(time.Hour), "createdAt": base},
			remote: types.Row{"id": "u1", "name": "ada", "updatedAt": base, "createdAt": base.Add(time.Second)},
			want:   false,
		},
		{
			name: "representation skew is not a conflict",
			// int64 vs float64 and time.Time vs ISO string mean the same value.
			local:  types.Row{"id": "u1", "age": int64(30), "at": base},
			remote: types.Row{"id": "u1", "age": float64(30), "at": base.Format(time.RFC3339)},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.local, tt.remote))
		})
	}
}

func TestResolveLocalWins(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	local := types.Row{"id": "u1", "name": "local", "version": int64(2)}
	remote := types.Row{"id": "u1", "name": "remote", "version": int64(5), "createdAt": base}

	res, err := Resolve("users", `{"id":"u1"}`, local, remote, LocalWins)
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, WinnerLocal, res.Winner)
	assert.Equal(t, "local", res.FinalRow["name"])
	// Version jumps past both sides; creation time is inherited from remote.
	assert.EqualValues(t, 6, res.FinalRow["version"])
	assert.Equal(t, base, res.FinalRow["createdAt"])

	require.NotNil(t, res.Conflict)
	assert.Equal(t, string(LocalWins), res.Conflict.Resolution)
	assert.NotNil(t, res.Conflict.ResolvedAt)
	// The input rows must not be mutated.
	assert.EqualValues(t, 2, local["version"])
}

func TestResolveRemoteWins(t *testing.T) {
	local := types.Row{"id": "u1", "name": "local"}
	remote := types.Row{"id": "u1", "name": "remote"}

	res, err := Resolve("users", `{"id":"u1"}`, local, remote, RemoteWins)
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, WinnerRemote, res.Winner)
	assert.Equal(t, "remote", res.FinalRow["name"])
}

func TestResolveVersionBased(t *testing.T) {
	res, err := Resolve("users", `{"id":"u1"}`,
		types.Row{"id": "u1", "name": "local", "version": int64(3)},
		types.Row{"id": "u1", "name": "remote", "version": int64(7)},
		VersionBased)
	require.NoError(t, err)
	assert.Equal(t, WinnerRemote, res.Winner)
	assert.Equal(t, "remote", res.FinalRow["name"])

	// Equal versions tie-break to local, with a bump.
	res, err = Resolve("users", `{"id":"u1"}`,
		types.Row{"id": "u1", "name": "local", "version": int64(3)},
		types.Row{"id": "u1", "name": "remote", "version": int64(3)},
		VersionBased)
	require.NoError(t, err)
	assert.Equal(t, WinnerLocal, res.Winner)
	assert.EqualValues(t, 4, res.FinalRow["version"])

	// Missing version on one side is a configuration problem.
	_, err = Resolve("users", `{"id":"u1"}`,
		types.Row{"id": "u1"},
		types.Row{"id": "u1", "version": int64(1)},
		VersionBased)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestResolveManual(t *testing.T) {
	res, err := Resolve("users", `{"id":"u1"}`,
		types.Row{"id": "u1", "name": "local"},
		types.Row{"id": "u1", "name": "remote"},
		Manual)
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.Equal(t, WinnerManual, res.Winner)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, "unresolved", res.Conflict.Resolution)
	assert.Nil(t, res.Conflict.ResolvedAt)
}

func TestResolveUnknownStrategy(t *testing.T) {
	_, err := Resolve("users", "r", types.Row{}, types.Row{}, Strategy("coin-flip"))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestStrategyValid(t *testing.T) {
	for _, s := range []Strategy{LocalWins, RemoteWins, VersionBased, Manual} {
		assert.True(t, s.Valid())
	}
	assert.False(t, Strategy("").Valid())
	assert.False(t, Strategy("coin-flip").Valid())
}
