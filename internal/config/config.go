// Package config loads the proxy configuration from file and environment.
// Keys follow the file structure (primary.dsn, health.interval, ...); every
// key can be overridden with a DUODB_ environment variable, dots replaced by
// underscores (DUODB_PRIMARY_DSN).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/duodb/duodb/internal/conflict"
)

// Primary configures the connection to the primary store.
type Primary struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Fallback configures the embedded fallback store.
type Fallback struct {
	Path          string `mapstructure:"path"`
	JournalMode   string `mapstructure:"journal_mode"`
	Synchronous   string `mapstructure:"synchronous"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms"`
}

// Health configures the primary probe loop.
type Health struct {
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	RecoveryThreshold   int           `mapstructure:"recovery_threshold"`
	MinRecoveryInterval time.Duration `mapstructure:"min_recovery_interval"`
	WindowSize          int           `mapstructure:"window_size"`
}

// Fencing configures the distributed lock.
type Fencing struct {
	Enabled       bool          `mapstructure:"enabled"`
	RedisURL      string        `mapstructure:"redis_url"`
	Namespace     string        `mapstructure:"namespace"`
	InstanceID    string        `mapstructure:"instance_id"`
	TTL           time.Duration `mapstructure:"ttl"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
	Strict        bool          `mapstructure:"strict"`
}

// Sync configures the change-log replay.
type Sync struct {
	BatchSize    int           `mapstructure:"batch_size"`
	EntryRetries int           `mapstructure:"entry_retries"`
	Strategy     string        `mapstructure:"strategy"`
	Retention    time.Duration `mapstructure:"retention"`
}

// Write configures the dual-write manager.
type Write struct {
	MirrorSync           bool          `mapstructure:"mirror_sync"`
	MirrorMaxElapsed     time.Duration `mapstructure:"mirror_max_elapsed"`
	PendingRetryInterval time.Duration `mapstructure:"pending_retry_interval"`
	QueueLimit           int           `mapstructure:"queue_limit"`
	// CriticalTables always mirror synchronously.
	CriticalTables []string `mapstructure:"critical_tables"`
}

// Log configures logging output.
type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Config is the full proxy configuration.
type Config struct {
	Primary  Primary  `mapstructure:"primary"`
	Fallback Fallback `mapstructure:"fallback"`
	Health   Health   `mapstructure:"health"`
	Fencing  Fencing  `mapstructure:"fencing"`
	Sync     Sync     `mapstructure:"sync"`
	Write    Write    `mapstructure:"write"`
	Log      Log      `mapstructure:"log"`
	// Tables maps model names to physical table names when the convention
	// mapping is not enough.
	Tables map[string]string `mapstructure:"tables"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("primary.max_open_conns", 10)
	v.SetDefault("primary.max_idle_conns", 5)
	v.SetDefault("primary.conn_max_lifetime", time.Hour)
	v.SetDefault("fallback.path", "duodb-fallback.db")
	v.SetDefault("fallback.journal_mode", "WAL")
	v.SetDefault("fallback.synchronous", "FULL")
	v.SetDefault("fallback.busy_timeout_ms", 5000)
	v.SetDefault("health.interval", 2*time.Second)
	v.SetDefault("health.timeout", 2*time.Second)
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.recovery_threshold", 3)
	v.SetDefault("health.min_recovery_interval", 10*time.Second)
	v.SetDefault("health.window_size", 10)
	v.SetDefault("fencing.enabled", false)
	v.SetDefault("fencing.ttl", 30*time.Second)
	v.SetDefault("sync.batch_size", 500)
	v.SetDefault("sync.entry_retries", 3)
	v.SetDefault("sync.strategy", string(conflict.LocalWins))
	v.SetDefault("sync.retention", 7*24*time.Hour)
	v.SetDefault("write.mirror_max_elapsed", 30*time.Second)
	v.SetDefault("write.pending_retry_interval", 15*time.Second)
	v.SetDefault("write.queue_limit", 1000)
	v.SetDefault("log.level", "info")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DUODB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("duodb")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/duodb")
	}
	return v
}

// Load reads the configuration. A missing file is fine when path is empty;
// environment and defaults still apply.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch reloads the file on change and calls onChange with the new
// configuration. Only settings read at use time (thresholds, retention,
// strategy) take effect without a restart; connection settings need one.
func Watch(path string, onChange func(*Config)) (*viper.Viper, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		if cfg.Validate() != nil {
			return
		}
		onChange(&cfg)
	})
	v.WatchConfig()
	return v, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Primary.DSN == "" {
		return fmt.Errorf("config: primary.dsn is required")
	}
	if c.Fallback.Path == "" {
		return fmt.Errorf("config: fallback.path is required")
	}
	if c.Fencing.Enabled && c.Fencing.RedisURL == "" {
		return fmt.Errorf("config: fencing.redis_url is required when fencing is enabled")
	}
	if s := conflict.Strategy(c.Sync.Strategy); !s.Valid() {
		return fmt.Errorf("config: unknown sync.strategy %q", c.Sync.Strategy)
	}
	if c.Health.FailureThreshold < 1 || c.Health.RecoveryThreshold < 1 {
		return fmt.Errorf("config: health thresholds must be at least 1")
	}
	return nil
}
