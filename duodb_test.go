package duodb_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duodb/duodb"
	"github.com/duodb/duodb/internal/logging"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duodb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("primary:\n  dsn: postgres://localhost/app\n"), 0o644))

	cfg, err := duodb.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/app", cfg.Primary.DSN)
	assert.Equal(t, string(duodb.StrategyLocalWins), cfg.Sync.Strategy)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := duodb.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNewAndModelHandle(t *testing.T) {
	cfg := &duodb.Config{}
	cfg.Primary.DSN = "postgres://localhost/app"
	cfg.Fallback.Path = "fallback.db"

	db := duodb.New(cfg, logging.Nop())
	require.NotNil(t, db)
	assert.Equal(t, duodb.StateUnavailable, db.GetState())

	users := db.Model("user")
	assert.Equal(t, "user", users.Name())
}

func TestStates(t *testing.T) {
	assert.Equal(t, duodb.State("NORMAL"), duodb.StateNormal)
	assert.Equal(t, duodb.State("DEGRADED"), duodb.StateDegraded)
	assert.Equal(t, duodb.State("SYNCING"), duodb.StateSyncing)
	assert.Equal(t, duodb.State("UNAVAILABLE"), duodb.StateUnavailable)
}
