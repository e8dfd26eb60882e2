package proxy_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duodb/duodb/internal/adapter/sqlite"
	"github.com/duodb/duodb/internal/config"
	"github.com/duodb/duodb/internal/logging"
	"github.com/duodb/duodb/internal/proxy"
	"github.com/duodb/duodb/internal/schema"
	"github.com/duodb/duodb/internal/state"
	"github.com/duodb/duodb/internal/testutil/teststore"
	"github.com/duodb/duodb/internal/types"
)

// seedSnapshot prepares a fallback file that looks like a previous run left
// it: internal tables plus a persisted schema snapshot. A proxy booting
// against an unreachable primary recovers its catalog from this.
func seedSnapshot(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()

	reg := schema.NewRegistry(nil)
	reg.Load(teststore.Tables())
	store, err := sqlite.New(ctx, sqlite.DefaultConfig(path), reg)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureTables(ctx, reg.Tables()))

	b, err := json.Marshal(reg.Tables())
	require.NoError(t, err)
	require.NoError(t, store.SetMetadata(ctx, "schema_snapshot", string(b)))
}

func degradedConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fallback.db")
	seedSnapshot(t, path)

	cfg := &config.Config{}
	// Nothing listens on this port, so the proxy must come up DEGRADED.
	cfg.Primary.DSN = "postgres://127.0.0.1:1/app"
	cfg.Fallback.Path = path
	cfg.Health.Interval = time.Hour
	cfg.Health.FailureThreshold = 3
	cfg.Health.RecoveryThreshold = 3
	cfg.Sync.Strategy = "local-wins"
	cfg.Sync.Retention = 24 * time.Hour
	return cfg
}

func degradedProxy(t *testing.T) *proxy.Proxy {
	t.Helper()
	p := proxy.New(degradedConfig(t), logging.Nop())
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestInitializeDegradedFromSnapshot(t *testing.T) {
	p := degradedProxy(t)
	ctx := context.Background()

	assert.Equal(t, state.Degraded, p.GetState())

	// Writes land on the fallback and are recorded for replay.
	row, err := p.Create(ctx, "user", types.CreateArgs{Data: types.Row{"id": "u1", "name": "ada"}})
	require.NoError(t, err)
	assert.Equal(t, "ada", row["name"])
	assert.NotEmpty(t, row["createdAt"])

	got, err := p.FindUnique(ctx, "user", types.FindArgs{Where: types.Where{"id": "u1"}})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ada", got["name"])

	hs, err := p.GetHealthStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, state.Degraded, hs.State)
	assert.EqualValues(t, 1, hs.UnsyncedEntries)
	assert.Zero(t, hs.PendingWrites)
	assert.Zero(t, hs.QueueDepth)
	assert.True(t, hs.FencingHeld, "disabled fencing always passes")
}

func TestInitializeFailsWithoutSnapshot(t *testing.T) {
	cfg := degradedConfig(t)
	cfg.Fallback.Path = filepath.Join(t.TempDir(), "empty.db")

	p := proxy.New(cfg, logging.Nop())
	err := p.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema snapshot")
}

func TestOperationsBeforeInitialize(t *testing.T) {
	p := proxy.New(degradedConfig(t), logging.Nop())

	assert.Equal(t, state.Unavailable, p.GetState())
	_, err := p.Create(context.Background(), "user", types.CreateArgs{Data: types.Row{"name": "ada"}})
	assert.ErrorIs(t, err, types.ErrUnavailable)
	_, err = p.FindMany(context.Background(), "user", types.FindArgs{})
	assert.ErrorIs(t, err, types.ErrUnavailable)
	_, err = p.GetHealthStatus(context.Background())
	assert.ErrorIs(t, err, types.ErrUnavailable)
}

func TestQueryRawRoutesToFallback(t *testing.T) {
	p := degradedProxy(t)
	ctx := context.Background()

	_, err := p.Create(ctx, "user", types.CreateArgs{Data: types.Row{"id": "u1", "name": "ada"}})
	require.NoError(t, err)

	rows, err := p.QueryRaw(ctx, "SELECT id, name FROM users WHERE id = ?", "u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ada", rows[0]["name"])
}

func TestTriggerSyncWithPrimaryStillDown(t *testing.T) {
	p := degradedProxy(t)
	ctx := context.Background()

	_, err := p.TriggerSync(ctx)
	require.Error(t, err)
	// The failed pass lands back in DEGRADED, not stuck in SYNCING.
	assert.Equal(t, state.Degraded, p.GetState())

	m, merr := p.GetMetrics(ctx)
	require.NoError(t, merr)
	require.NotEmpty(t, m.Transitions)
	last := m.Transitions[len(m.Transitions)-1]
	assert.Equal(t, state.Syncing, last.From)
	assert.Equal(t, state.Degraded, last.To)
}

func TestForceRecoveryCheckReportsTransient(t *testing.T) {
	p := degradedProxy(t)

	err := p.ForceRecoveryCheck(context.Background())
	assert.ErrorIs(t, err, types.ErrPrimaryTransient)
	assert.Equal(t, state.Degraded, p.GetState())
}

func TestResolveConflictUnknownID(t *testing.T) {
	p := degradedProxy(t)
	ctx := context.Background()

	pending, err := p.PendingConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, p.ResolveConflict(ctx, 42, "local-wins"), types.ErrNotFound)
}

func TestTransactionDegradedRoutesPerWrite(t *testing.T) {
	p := degradedProxy(t)
	ctx := context.Background()

	err := p.Transaction(ctx, func(tx *proxy.TxClient) error {
		if _, cerr := tx.Create(ctx, "user", types.CreateArgs{Data: types.Row{"id": "u1", "name": "ada"}}); cerr != nil {
			return cerr
		}
		row, ferr := tx.FindUnique(ctx, "user", types.FindArgs{Where: types.Where{"id": "u1"}})
		if ferr != nil {
			return ferr
		}
		assert.Equal(t, "ada", row["name"])
		_, uerr := tx.Update(ctx, "user", types.UpdateArgs{
			Where: types.Where{"id": "u1"},
			Data:  types.Row{"name": "grace"},
		})
		return uerr
	})
	require.NoError(t, err)

	// Each write committed individually with its change-log entry.
	hs, err := p.GetHealthStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hs.UnsyncedEntries)
}

func TestApplyTunables(t *testing.T) {
	p := degradedProxy(t)

	cfg := degradedConfig(t)
	cfg.Sync.Strategy = "remote-wins"
	cfg.Sync.BatchSize = 100
	cfg.Write.MirrorSync = true
	p.ApplyTunables(cfg)

	// A nil reload is ignored rather than panicking.
	p.ApplyTunables(nil)
}
