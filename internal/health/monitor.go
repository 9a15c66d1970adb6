// Package health probes the hub with periodic health-check requests and
// reports when the link has stopped answering.
package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rytrose/pumpkin-pedestals/internal/protocol"
)

const (
	DefaultInterval  = 1000 * time.Millisecond
	DefaultThreshold = 3
)

// Prober issues one request and waits for its outcome.
type Prober interface {
	SendRequest(ctx context.Context, cmd protocol.Command, payload ...string) (protocol.Reply, error)
}

// Monitor probes once immediately and then every Interval. After Threshold
// consecutive failures it stops itself, resets its counter and calls
// onFailure exactly once. Probes never overlap.
type Monitor struct {
	p         Prober
	log       *zap.Logger
	interval  time.Duration
	threshold int
	onFailure func(error)

	failures atomic.Int32

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewMonitor returns an idle monitor. Zero interval or threshold selects the
// defaults.
func NewMonitor(p Prober, log *zap.Logger, interval time.Duration, threshold int, onFailure func(error)) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Monitor{
		p:         p,
		log:       log,
		interval:  interval,
		threshold: threshold,
		onFailure: onFailure,
	}
}

// Start begins probing. No-op if already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	m.failures.Store(0)
	go m.run(ctx, cancel, m.done)
}

// Stop halts probing and cancels an in-flight probe. It does not wait for
// the probe goroutine; use Done for that.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	m.running = false
}

// Done is closed when the current probe goroutine has exited.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Running reports whether the monitor has a live timer.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Failures returns the current consecutive failure count.
func (m *Monitor) Failures() int { return int(m.failures.Load()) }

// ── internal ──────────────────────────────────────────────────────────────

func (m *Monitor) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.probe(ctx); err != nil {
			m.failures.Store(0)
			m.mu.Lock()
			if m.done == done {
				m.running = false
			}
			m.mu.Unlock()
			cancel()
			m.log.Warn("hub failed health checks", zap.Int("threshold", m.threshold), zap.Error(err))
			if m.onFailure != nil {
				m.onFailure(err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// probe returns a non-nil error only when the threshold was reached.
func (m *Monitor) probe(ctx context.Context) error {
	start := time.Now()
	_, err := m.p.SendRequest(ctx, protocol.Healthcheck)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		m.failures.Store(0)
		m.log.Debug("health check ok", zap.Duration("rtt", time.Since(start)))
		return nil
	}

	n := int(m.failures.Add(1))
	m.log.Debug("health check failed", zap.Int("consecutive", n), zap.Error(err))
	if n >= m.threshold {
		return fmt.Errorf("health: %d consecutive failed probes: %w", n, err)
	}
	return nil
}
