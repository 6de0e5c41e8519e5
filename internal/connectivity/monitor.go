// Package connectivity decides whether the remote authority is actually
// reachable, as opposed to the link layer merely being up. Answers are
// cached and smoothed so a single dropped probe does not flap the state.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	defaultCacheTTL     = 60 * time.Second
	defaultProbeTimeout = 3 * time.Second

	// failureThreshold is how many consecutive failed probes it takes to
	// flip a reachable state to unreachable.
	failureThreshold = 2
)

// Prober issues the liveness request. *remote.Client satisfies this.
type Prober interface {
	Health(ctx context.Context) (int, error)
}

// Status is a connectivity snapshot delivered to subscribers.
type Status struct {
	Reachable bool
	Since     time.Time
}

// Config tunes a Monitor. Zero values fall back to defaults.
type Config struct {
	CacheTTL     time.Duration
	ProbeTimeout time.Duration
}

// Monitor owns the process-wide connectivity state. All fields below mu
// are read and written only with mu held; no lock is held during a probe.
type Monitor struct {
	prober       Prober
	logger       *slog.Logger
	cacheTTL     time.Duration
	probeTimeout time.Duration

	// probeMu serializes probes so concurrent callers share one request.
	probeMu sync.Mutex

	mu                   sync.Mutex
	cached               bool
	lastCheck            time.Time
	since                time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
	linkDown             bool
	subs                 map[int]chan Status
	nextSub              int
}

// New creates a Monitor. The initial state is unreachable until the
// first successful probe.
func New(prober Prober, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}

	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}

	return &Monitor{
		prober:       prober,
		logger:       logger,
		cacheTTL:     cfg.CacheTTL,
		probeTimeout: cfg.ProbeTimeout,
		subs:         make(map[int]chan Status),
	}
}

// IsReachable reports whether the remote authority is reachable. Within
// the cache window the last answer is returned unless force is set.
// Network failures are answers, not errors.
func (m *Monitor) IsReachable(ctx context.Context, force bool) bool {
	if v, ok := m.fromCache(force); ok {
		return v
	}

	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	// Another caller may have probed while we waited for probeMu.
	if v, ok := m.fromCache(force); ok {
		return v
	}

	alive := m.probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.record(alive)
}

// Reachable returns the cached state without probing.
func (m *Monitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cached && !m.linkDown
}

// SetLinkDown records a link-layer offline or online event. Going down
// flips the state to unreachable with no network call. Coming back up
// invalidates the cache so the next check probes.
func (m *Monitor) SetLinkDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.linkDown == down {
		return
	}

	m.linkDown = down
	m.lastCheck = time.Time{}

	if down {
		m.consecutiveSuccesses = 0
		m.setState(false)
	}
}

// Subscribe returns a channel that receives a Status on every change.
// Delivery never blocks the monitor: a slow subscriber only sees the
// latest status. Call the returned func to unsubscribe.
func (m *Monitor) Subscribe() (<-chan Status, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++

	ch := make(chan Status, 1)
	m.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Run probes every interval until ctx is cancelled, so transitions are
// observed even when nobody asks.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	m.IsReachable(ctx, true)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.IsReachable(ctx, true)
		}
	}
}

func (m *Monitor) fromCache(force bool) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.linkDown {
		return false, true
	}

	if force || m.lastCheck.IsZero() || time.Since(m.lastCheck) >= m.cacheTTL {
		return false, false
	}

	return m.cached, true
}

func (m *Monitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	status, err := m.prober.Health(ctx)
	if err != nil {
		m.logger.Debug("connectivity probe failed", slog.String("error", err.Error()))
		return false
	}

	if status >= http.StatusInternalServerError {
		m.logger.Debug("connectivity probe got server error", slog.Int("status", status))
		return false
	}

	return true
}

// record applies a probe result with hysteresis. Caller holds mu.
func (m *Monitor) record(alive bool) bool {
	m.lastCheck = time.Now()

	if m.linkDown {
		return false
	}

	if alive {
		m.consecutiveFailures = 0
		m.consecutiveSuccesses++
		m.setState(true)

		return true
	}

	m.consecutiveSuccesses = 0
	m.consecutiveFailures++

	if m.consecutiveFailures >= failureThreshold {
		m.setState(false)
	}

	return m.cached
}

// setState updates the cached value and notifies subscribers on change.
// Caller holds mu.
func (m *Monitor) setState(reachable bool) {
	if m.cached == reachable && !m.since.IsZero() {
		return
	}

	changed := m.cached != reachable
	m.cached = reachable
	m.since = time.Now()

	if !changed {
		return
	}

	m.logger.Info("connectivity changed", slog.Bool("reachable", reachable))

	st := Status{Reachable: reachable, Since: m.since}
	for _, ch := range m.subs {
		select {
		case ch <- st:
		default:
			// Replace the stale value.
			select {
			case <-ch:
			default:
			}

			select {
			case ch <- st:
			default:
			}
		}
	}
}
