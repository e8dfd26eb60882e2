// Package health runs the periodic probe loop against a store and applies
// hysteresis before declaring it down or recovered. One Monitor watches one
// store; the proxy runs one for the primary and one for the fallback.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/duodb/duodb/internal/adapter"
)

// Prober is the slice of the adapter surface the monitor needs.
type Prober interface {
	HealthCheck(ctx context.Context, timeout time.Duration) adapter.HealthResult
}

// Config tunes the probe loop and the hysteresis thresholds.
type Config struct {
	// Interval between probes.
	Interval time.Duration
	// Timeout per probe.
	Timeout time.Duration
	// FailureThreshold is how many failures in a row declare the store down.
	FailureThreshold int
	// RecoveryThreshold is how many successes in a row declare it back.
	RecoveryThreshold int
	// MinRecoveryInterval is the minimum time since the last failure before
	// a recovery is signaled, so a flapping store does not bounce the state
	// machine.
	MinRecoveryInterval time.Duration
	// WindowSize bounds the outcome window; 0 means max(thresholds).
	WindowSize int
}

// DefaultConfig matches a LAN-attached primary.
func DefaultConfig() Config {
	return Config{
		Interval:            2 * time.Second,
		Timeout:             2 * time.Second,
		FailureThreshold:    3,
		RecoveryThreshold:   3,
		MinRecoveryInterval: 10 * time.Second,
		WindowSize:          10,
	}
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = c.Interval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = 3
	}
	if c.WindowSize < c.FailureThreshold {
		c.WindowSize = c.FailureThreshold
	}
	if c.WindowSize < c.RecoveryThreshold {
		c.WindowSize = c.RecoveryThreshold
	}
}

// Status is a snapshot of the monitor for observability.
type Status struct {
	Name                 string
	Healthy              bool
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastProbeAt          time.Time
	LastFailureAt        time.Time
	LastError            string
	LastLatency          time.Duration
	Checks               int64
}

// Monitor probes one store on a ticker and calls the threshold callbacks on
// hysteresis edges. Callbacks run on the monitor goroutine.
type Monitor struct {
	name   string
	cfg    Config
	prober Prober
	log    zerolog.Logger

	// OnDown fires once when the failure threshold is reached; OnUp fires
	// once when the recovery threshold is reached. Set before Start.
	OnDown func(ctx context.Context, lastErr error)
	OnUp   func(ctx context.Context)

	mu      sync.Mutex
	window  []bool // true = success; newest last
	status  Status
	downSig bool // failure threshold already signaled

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. It does not start probing until Start.
func New(name string, prober Prober, cfg Config, log zerolog.Logger) *Monitor {
	cfg.normalize()
	return &Monitor{
		name:   name,
		cfg:    cfg,
		prober: prober,
		log:    log.With().Str("store", name).Logger(),
		status: Status{Name: name, Healthy: true},
	}
}

// Start launches the probe loop. Calling Start twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow runs one probe immediately and applies the hysteresis rules. The
// recovery path calls this outside the ticker when an operator forces a
// reconnect attempt.
func (m *Monitor) CheckNow(ctx context.Context) {
	res := m.prober.HealthCheck(ctx, m.cfg.Timeout)
	healthy, latency, err := res.Healthy, res.Latency, res.Err

	m.mu.Lock()
	now := time.Now()
	m.record(healthy, latency, err, now)

	var fire func()
	if !healthy && m.status.ConsecutiveFailures >= m.cfg.FailureThreshold && !m.downSig {
		m.downSig = true
		m.status.Healthy = false
		lastErr := err
		if cb := m.OnDown; cb != nil {
			fire = func() { cb(ctx, lastErr) }
		}
		m.log.Warn().Int("consecutive_failures", m.status.ConsecutiveFailures).Err(err).
			Msg("failure threshold reached")
	}
	if healthy && m.downSig &&
		m.status.ConsecutiveSuccesses >= m.cfg.RecoveryThreshold &&
		now.Sub(m.status.LastFailureAt) >= m.cfg.MinRecoveryInterval {
		m.downSig = false
		m.status.Healthy = true
		if cb := m.OnUp; cb != nil {
			fire = func() { cb(ctx) }
		}
		m.log.Info().Int("consecutive_successes", m.status.ConsecutiveSuccesses).
			Msg("recovery threshold reached")
	}
	m.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// record pushes one outcome into the window and updates the counters. A
// single isolated outcome does not reset the opposite counter: the reset
// happens only once the window carries a threshold's worth of opposite
// outcomes. This keeps one dropped packet from undoing a recovery streak.
// Requires the lock.
func (m *Monitor) record(healthy bool, latency time.Duration, err error, now time.Time) {
	m.window = append(m.window, healthy)
	if len(m.window) > m.cfg.WindowSize {
		m.window = m.window[len(m.window)-m.cfg.WindowSize:]
	}

	st := &m.status
	st.Checks++
	st.LastProbeAt = now
	st.LastLatency = latency
	if healthy {
		st.ConsecutiveSuccesses++
		st.LastError = ""
		if m.windowCount(true) >= m.cfg.RecoveryThreshold {
			st.ConsecutiveFailures = 0
		}
	} else {
		st.ConsecutiveFailures++
		st.LastFailureAt = now
		if err != nil {
			st.LastError = err.Error()
		}
		if m.windowCount(false) >= m.cfg.FailureThreshold {
			st.ConsecutiveSuccesses = 0
		}
	}
}

func (m *Monitor) windowCount(healthy bool) int {
	n := 0
	for _, ok := range m.window {
		if ok == healthy {
			n++
		}
	}
	return n
}

// Status returns a snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Healthy reports the hysteresis-filtered verdict, not the last raw probe.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Healthy
}
