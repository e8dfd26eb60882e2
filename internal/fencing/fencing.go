// Package fencing guards multi-instance deployments with a single
// distributed lock in Redis. The holder of the lock carries a monotonic
// fencing token; a deposed instance's writes are rejected because its token
// is stale.
package fencing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/duodb/duodb/internal/eventbus"
)

const defaultNamespace = "duodb"

// Config controls the lock behavior.
type Config struct {
	// Enabled turns fencing on. When off, every check passes.
	Enabled bool
	// RedisURL is the coordination store, e.g. "redis://localhost:6379/0".
	RedisURL string
	// Namespace prefixes the Redis keys; one namespace per deployment.
	Namespace string
	// InstanceID identifies this process as the lock holder. Empty means a
	// generated id.
	InstanceID string
	// TTL is the lock lifetime; renewal extends it.
	TTL time.Duration
	// RenewInterval is how often the holder extends the TTL; 0 means TTL/3.
	RenewInterval time.Duration
	// Strict refuses to acquire when Redis is unreachable. The default
	// (lenient) grants the lock locally, which is only safe single-instance.
	Strict bool
}

func (c *Config) normalize() {
	if c.Namespace == "" {
		c.Namespace = defaultNamespace
	}
	if c.InstanceID == "" {
		c.InstanceID = "duodb-" + uuid.NewString()
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = c.TTL / 3
	}
}

// acquireScript takes the lock if absent and mints the next fencing token.
// KEYS[1] = lock key, KEYS[2] = token counter. Returns the token, or 0 when
// the lock is held by someone else.
var acquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return redis.call("INCR", KEYS[2])
end
return 0
`)

// renewScript extends the TTL only while we still hold the lock.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lock only while we still hold it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockHeld is returned by Acquire when another instance holds the lock.
var ErrLockHeld = errors.New("fencing: lock held by another instance")

// Manager owns the lock lifecycle: acquire, background renewal, release.
type Manager struct {
	cfg    Config
	client *redis.Client
	bus    *eventbus.Bus
	log    zerolog.Logger

	held    atomic.Bool
	lenient atomic.Bool // lock granted locally because Redis was unreachable
	token   atomic.Int64

	// OnLockLost fires once when a renewal discovers the lock is gone.
	OnLockLost func(ctx context.Context, reason string)

	cancel context.CancelFunc
	done   chan struct{}
}

// New connects to the coordination store. With fencing disabled no
// connection is made and every check passes.
func New(cfg Config, bus *eventbus.Bus, log zerolog.Logger) (*Manager, error) {
	cfg.normalize()
	m := &Manager{cfg: cfg, bus: bus, log: log}
	if !cfg.Enabled {
		return m, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("fencing: invalid redis URL: %w", err)
	}
	m.client = redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.client.Ping(ctx).Err(); err != nil {
		if cfg.Strict {
			m.client.Close()
			return nil, fmt.Errorf("fencing: redis ping failed: %w", err)
		}
		log.Warn().Err(err).Msg("coordination store unreachable, lenient mode will grant locally")
	}
	return m, nil
}

func (m *Manager) lockKey() string  { return m.cfg.Namespace + ":failover:lock" }
func (m *Manager) tokenKey() string { return m.cfg.Namespace + ":failover:token" }

// InstanceID returns the holder identity used for the lock value.
func (m *Manager) InstanceID() string { return m.cfg.InstanceID }

// Acquire takes the deployment lock and starts the renewal loop. The
// returned token is strictly greater than any token minted before.
func (m *Manager) Acquire(ctx context.Context) (int64, error) {
	if !m.cfg.Enabled {
		return 0, nil
	}

	token, err := acquireScript.Run(ctx, m.client,
		[]string{m.lockKey(), m.tokenKey()},
		m.cfg.InstanceID, m.cfg.TTL.Milliseconds()).Int64()
	if err != nil {
		if m.cfg.Strict {
			return 0, fmt.Errorf("fencing: acquire: %w", err)
		}
		// Lenient: single-instance deployments keep working when the
		// coordination store is down.
		m.lenient.Store(true)
		m.held.Store(true)
		m.log.Warn().Err(err).Msg("coordination store unreachable, granting lock leniently")
		m.startRenewal()
		return m.token.Load(), nil
	}
	if token == 0 {
		return 0, ErrLockHeld
	}

	m.lenient.Store(false)
	m.token.Store(token)
	m.held.Store(true)
	m.log.Info().Int64("token", token).Str("instance", m.cfg.InstanceID).Msg("fencing lock acquired")
	m.startRenewal()
	return token, nil
}

func (m *Manager) startRenewal() {
	if m.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.renewLoop(ctx)
}

func (m *Manager) renewLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renew(ctx)
		}
	}
}

// renew extends the TTL. A CAS miss means another instance took the lock: we
// are deposed, full stop. A transport error in lenient mode keeps the local
// grant alive.
func (m *Manager) renew(ctx context.Context) {
	if !m.held.Load() {
		return
	}
	ok, err := renewScript.Run(ctx, m.client,
		[]string{m.lockKey()},
		m.cfg.InstanceID, m.cfg.TTL.Milliseconds()).Int64()
	if err != nil {
		if !m.cfg.Strict {
			if !m.lenient.Load() {
				m.lenient.Store(true)
				m.log.Warn().Err(err).Msg("coordination store unreachable during renewal, holding lock leniently")
			}
			return
		}
		m.loseLock(ctx, fmt.Sprintf("renewal error: %v", err))
		return
	}
	if ok == 0 {
		m.loseLock(ctx, "lock taken by another instance")
		return
	}
	if m.lenient.Swap(false) {
		m.log.Info().Msg("coordination store reachable again")
	}
}

func (m *Manager) loseLock(ctx context.Context, reason string) {
	if !m.held.Swap(false) {
		return
	}
	m.log.Error().Str("reason", reason).Msg("fencing lock lost")
	if m.bus != nil {
		_ = m.bus.Dispatch(ctx, &eventbus.Event{
			Type:         eventbus.EventLockLost,
			Time:         time.Now(),
			Reason:       reason,
			FencingToken: m.token.Load(),
		})
	}
	if cb := m.OnLockLost; cb != nil {
		cb(ctx, reason)
	}
}

// Release gives the lock up during graceful shutdown.
func (m *Manager) Release(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}
	if m.cancel != nil {
		m.cancel()
		select {
		case <-m.done:
		case <-time.After(5 * time.Second):
		}
		m.cancel, m.done = nil, nil
	}
	if !m.held.Swap(false) {
		return nil
	}
	if m.lenient.Load() {
		return nil
	}
	if err := releaseScript.Run(ctx, m.client, []string{m.lockKey()}, m.cfg.InstanceID).Err(); err != nil {
		return fmt.Errorf("fencing: release: %w", err)
	}
	m.log.Info().Msg("fencing lock released")
	return nil
}

// HasValidLock is the local fast-path check used before every routed write.
func (m *Manager) HasValidLock() bool {
	if !m.cfg.Enabled {
		return true
	}
	return m.held.Load()
}

// Token returns the fencing token of the current grant.
func (m *Manager) Token() int64 { return m.token.Load() }

// ValidateToken reports whether t is the latest minted token. Stale tokens
// belong to deposed instances.
func (m *Manager) ValidateToken(ctx context.Context, t int64) (bool, error) {
	if !m.cfg.Enabled {
		return true, nil
	}
	val, err := m.client.Get(ctx, m.tokenKey()).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		if !m.cfg.Strict && m.lenient.Load() {
			return true, nil
		}
		return false, fmt.Errorf("fencing: validate token: %w", err)
	}
	current, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, fmt.Errorf("fencing: malformed token %q: %w", val, err)
	}
	return current == t, nil
}

// Close releases the lock and the Redis client.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Release(ctx)
	if m.client != nil {
		if cerr := m.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
