// Package duodb provides the public API for embedding the dual-database
// proxy: a primary relational store with an embedded fallback, automatic
// failover and change-log-based resynchronization.
//
// Typical use:
//
//	cfg, err := duodb.LoadConfig("duodb.yaml")
//	db := duodb.New(cfg, logger)
//	if err := db.Initialize(ctx); err != nil { ... }
//	defer db.Close(ctx)
//
//	user, err := db.Model("user").FindUnique(ctx, duodb.FindArgs{
//		Where: duodb.Where{"id": 7},
//	})
package duodb

import (
	"github.com/rs/zerolog"

	"github.com/duodb/duodb/internal/config"
	"github.com/duodb/duodb/internal/conflict"
	"github.com/duodb/duodb/internal/proxy"
	"github.com/duodb/duodb/internal/state"
	"github.com/duodb/duodb/internal/types"
)

// Core argument and result types.
type (
	Row            = types.Row
	Where          = types.Where
	Cond           = types.Cond
	Connect        = types.Connect
	OrderBy        = types.OrderBy
	FindArgs       = types.FindArgs
	CreateArgs     = types.CreateArgs
	CreateManyArgs = types.CreateManyArgs
	UpdateArgs     = types.UpdateArgs
	UpsertArgs     = types.UpsertArgs
	DeleteArgs     = types.DeleteArgs
	CountArgs      = types.CountArgs
	AggregateArgs  = types.AggregateArgs
	GroupByArgs    = types.GroupByArgs
	BatchResult    = types.BatchResult
)

// Null is the explicit SQL NULL match; an untyped nil in a Where skips the
// condition instead.
var Null = types.Null

// Proxy is the dual-store handle; TxClient is the transaction view.
type (
	Proxy        = proxy.Proxy
	TxClient     = proxy.TxClient
	ModelHandle  = proxy.ModelHandle
	HealthStatus = proxy.HealthStatus
)

// Config is the full proxy configuration.
type Config = config.Config

// Operating modes.
type State = state.State

const (
	StateNormal      = state.Normal
	StateDegraded    = state.Degraded
	StateSyncing     = state.Syncing
	StateUnavailable = state.Unavailable
)

// Conflict strategies.
const (
	StrategyLocalWins    = conflict.LocalWins
	StrategyRemoteWins   = conflict.RemoteWins
	StrategyVersionBased = conflict.VersionBased
	StrategyManual       = conflict.Manual
)

// Sentinel errors callers branch on.
var (
	ErrUnavailable = types.ErrUnavailable
	ErrFencingLost = types.ErrFencingLost
	ErrNotFound    = types.ErrNotFound
	ErrValidation  = types.ErrValidation
)

// LoadConfig reads the configuration file, environment overrides included.
// An empty path searches the working directory and /etc/duodb.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// New builds an unconnected proxy; call Initialize before use.
func New(cfg *Config, log zerolog.Logger) *Proxy {
	return proxy.New(cfg, log)
}
