// Package connection owns the hub link. A single event loop serializes
// adapter changes, scan and connect results, inbound data, link loss and
// health failures, and drives the BLUETOOTH_UNAVAILABLE -> READY_TO_CONNECT
// -> CONNECTED state machine.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rytrose/pumpkin-pedestals/internal/dispatch"
	"github.com/rytrose/pumpkin-pedestals/internal/health"
	"github.com/rytrose/pumpkin-pedestals/internal/protocol"
	"github.com/rytrose/pumpkin-pedestals/internal/transport"
)

const (
	DefaultScanRetry       = 5 * time.Second
	DefaultScanTimeout     = 30 * time.Second
	DefaultConnectFailures = 3
	eventQueueSize         = 64
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	Match       transport.Matcher
	ScanTimeout time.Duration
	ScanRetry   time.Duration
	// ConnectFailures is the count of consecutive connect failures after
	// which each rescan waits ScanRetry.
	ConnectFailures  int
	RequestTimeout   time.Duration
	HealthInterval   time.Duration
	HealthThreshold  int
	MaxWriteFailures int
}

// StateChange is published on every transition and every reported error.
type StateChange struct {
	State  transport.ConnectionState `json:"state"`
	Err    string                    `json:"error,omitempty"`
	Device string                    `json:"device,omitempty"`
	At     time.Time                 `json:"at"`
}

// Manager maintains the connection to the hub for the life of the process.
type Manager struct {
	radio transport.Radio
	log   *zap.Logger
	opts  Options

	events chan event
	done   chan struct{}

	mu      sync.RWMutex
	state   transport.ConnectionState
	lastErr error
	device  transport.Device
	disp    *dispatch.Dispatcher

	subMu sync.Mutex
	subs  map[chan StateChange]struct{}

	// Owned by the event loop.
	loop loopState
}

type loopState struct {
	attempt      int
	scanCancel   context.CancelFunc
	connectFails int
	linkGen      int
	link         transport.Link
	asm          protocol.Assembler
	monitor      *health.Monitor
}

// New returns a Manager in BLUETOOTH_UNAVAILABLE. Call Run to start it.
func New(radio transport.Radio, log *zap.Logger, opts Options) *Manager {
	if opts.Match == nil {
		opts.Match = func(transport.Device) bool { return true }
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultScanTimeout
	}
	if opts.ScanRetry <= 0 {
		opts.ScanRetry = DefaultScanRetry
	}
	if opts.ConnectFailures <= 0 {
		opts.ConnectFailures = DefaultConnectFailures
	}
	return &Manager{
		radio:  radio,
		log:    log,
		opts:   opts,
		events: make(chan event, eventQueueSize),
		done:   make(chan struct{}),
		state:  transport.StateBluetoothUnavailable,
		subs:   make(map[chan StateChange]struct{}),
	}
}

// ── observers ─────────────────────────────────────────────────────────────

// State returns the current connection state.
func (m *Manager) State() transport.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Err returns the last connection-level or reported error, or nil.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Device returns the connected hub, if any.
func (m *Manager) Device() (transport.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.device, m.state == transport.StateConnected
}

// Pending returns the number of outstanding requests on the current link.
func (m *Manager) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.disp == nil {
		return 0
	}
	return m.disp.Pending()
}

// Subscribe returns a channel of state changes and a function that must be
// called to release it. Slow subscribers miss changes.
func (m *Manager) Subscribe() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 16)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

// Request sends cmd over the current link and waits for the reply.
func (m *Manager) Request(ctx context.Context, cmd protocol.Command, payload ...string) (protocol.Reply, error) {
	m.mu.RLock()
	d := m.disp
	m.mu.RUnlock()
	if d == nil {
		return protocol.Reply{}, fmt.Errorf("connection: %s: %w", cmd, transport.ErrNotConnected)
	}
	return d.SendRequest(ctx, cmd, payload...)
}

// ReportError records a recoverable error for observers without changing
// state.
func (m *Manager) ReportError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.lastErr = err
	change := m.changeLocked()
	m.mu.Unlock()
	m.publish(change)
}

// ── event loop ────────────────────────────────────────────────────────────

// Run drives the state machine until ctx is done. A persistent permission
// error leaves the manager in BLUETOOTH_UNAVAILABLE until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)
	defer m.shutdown()

	for {
		err := m.radio.RequestPermission(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		m.setState(transport.StateBluetoothUnavailable, fmt.Errorf("connection: %w", err))
		if errors.Is(err, transport.ErrPermissionDenied) {
			m.log.Error("radio permission denied", zap.Error(err))
			<-ctx.Done()
			return nil
		}
		m.log.Warn("radio unavailable, retrying", zap.Duration("retry_in", m.opts.ScanRetry), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.opts.ScanRetry):
		}
	}

	adapter, err := m.radio.WatchAdapter(ctx)
	if err != nil {
		m.setState(transport.StateBluetoothUnavailable, fmt.Errorf("connection: watch adapter: %w", err))
		return fmt.Errorf("connection: watch adapter: %w", err)
	}
	go func() {
		for s := range adapter {
			m.post(adapterEvent{state: s})
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			ev.apply(ctx, m)
		}
	}
}

// post hands ev to the loop. Events posted after Run returns are dropped.
func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Manager) onAdapter(ctx context.Context, s transport.AdapterState) {
	m.log.Debug("adapter state", zap.Stringer("adapter", s))
	if s == transport.AdapterPoweredOn {
		if m.State() == transport.StateBluetoothUnavailable {
			m.setState(transport.StateReadyToConnect, nil)
			m.startScan(ctx)
		}
		return
	}

	m.cancelScan()
	cause := fmt.Errorf("connection: adapter %s: %w", s, transport.ErrAdapterUnavailable)
	if m.loop.link != nil {
		m.teardown(cause)
	}
	m.setState(transport.StateBluetoothUnavailable, cause)
}

func (m *Manager) startScan(ctx context.Context) {
	m.cancelScan()
	m.loop.attempt++
	attempt := m.loop.attempt
	scanCtx, cancel := context.WithTimeout(ctx, m.opts.ScanTimeout)
	m.loop.scanCancel = cancel

	m.log.Info("scanning for hub", zap.Int("attempt", attempt))
	go func() {
		dev, err := m.radio.Scan(scanCtx, m.opts.Match)
		if err != nil {
			m.post(scanEvent{attempt: attempt, err: err})
			return
		}
		link, err := m.radio.Connect(scanCtx, dev)
		if err == nil {
			if err = link.DiscoverServices(scanCtx); err != nil {
				link.Disconnect() //nolint:errcheck
				link = nil
			}
		}
		m.post(connectEvent{attempt: attempt, dev: dev, link: link, err: err})
	}()
}

func (m *Manager) cancelScan() {
	if m.loop.scanCancel != nil {
		m.loop.scanCancel()
		m.loop.scanCancel = nil
	}
}

func (m *Manager) onScanFailed(ev scanEvent) {
	if ev.attempt != m.loop.attempt || m.State() != transport.StateReadyToConnect {
		return
	}
	m.cancelScan()
	err := fmt.Errorf("connection: scan: %w", ev.err)
	m.log.Warn("scan failed", zap.Duration("retry_in", m.opts.ScanRetry), zap.Error(ev.err))
	m.setError(err)

	attempt := ev.attempt
	time.AfterFunc(m.opts.ScanRetry, func() { m.post(retryEvent{attempt: attempt}) })
}

func (m *Manager) onRetry(ctx context.Context, ev retryEvent) {
	if ev.attempt != m.loop.attempt || m.State() != transport.StateReadyToConnect || m.loop.link != nil {
		return
	}
	m.startScan(ctx)
}

func (m *Manager) onConnected(ctx context.Context, ev connectEvent) {
	if ev.attempt != m.loop.attempt || m.State() != transport.StateReadyToConnect {
		if ev.link != nil {
			ev.link.Disconnect() //nolint:errcheck
		}
		return
	}
	m.cancelScan()
	if ev.err != nil {
		m.log.Warn("connect failed", zap.String("device", ev.dev.ID), zap.Error(ev.err))
		m.connectFailed(ctx, fmt.Errorf("connection: connect: %w", ev.err))
		return
	}

	m.loop.linkGen++
	gen := m.loop.linkGen
	link := ev.link
	log := m.log.With(zap.String("device", ev.dev.ID), zap.Int("link", gen))

	d := dispatch.New(link, log.Named("dispatch"), dispatch.Options{
		RequestTimeout:   m.opts.RequestTimeout,
		MaxWriteFailures: m.opts.MaxWriteFailures,
		OnWriteFatal:     func(err error) { go m.post(lostEvent{gen: gen, err: err}) },
	})
	m.loop.asm.Reset()

	err := link.Monitor(
		func(b []byte) { m.post(dataEvent{gen: gen, data: b}) },
		func(err error) { m.post(lostEvent{gen: gen, err: err}) },
	)
	if err != nil {
		log.Warn("monitor failed", zap.Error(err))
		link.Disconnect() //nolint:errcheck
		m.connectFailed(ctx, fmt.Errorf("connection: monitor: %w", err))
		return
	}
	m.loop.connectFails = 0

	m.loop.link = link
	m.loop.monitor = health.NewMonitor(d, log.Named("health"), m.opts.HealthInterval, m.opts.HealthThreshold,
		func(err error) { m.post(lostEvent{gen: gen, err: err}) })

	m.mu.Lock()
	m.disp = d
	m.device = ev.dev
	m.mu.Unlock()
	m.setState(transport.StateConnected, nil)
	m.loop.monitor.Start()
}

// connectFailed records err and rescans, at once until ConnectFailures
// connects have failed in a row and after ScanRetry from then on.
func (m *Manager) connectFailed(ctx context.Context, err error) {
	m.setError(err)
	m.loop.connectFails++
	if m.loop.connectFails < m.opts.ConnectFailures {
		m.startScan(ctx)
		return
	}
	m.log.Warn("repeated connect failures, backing off",
		zap.Int("failures", m.loop.connectFails), zap.Duration("retry_in", m.opts.ScanRetry))
	attempt := m.loop.attempt
	time.AfterFunc(m.opts.ScanRetry, func() { m.post(retryEvent{attempt: attempt}) })
}

func (m *Manager) onData(ev dataEvent) {
	if ev.gen != m.loop.linkGen || m.loop.link == nil {
		return
	}
	m.mu.RLock()
	d := m.disp
	m.mu.RUnlock()
	for _, line := range m.loop.asm.Feed(ev.data) {
		d.HandleLine(line)
	}
}

func (m *Manager) onLost(ctx context.Context, ev lostEvent) {
	if ev.gen != m.loop.linkGen || m.loop.link == nil {
		return
	}
	m.log.Warn("hub connection lost", zap.Error(ev.err))
	m.teardown(ev.err)
	m.setState(transport.StateReadyToConnect, fmt.Errorf("connection: %w", ev.err))
	m.startScan(ctx)
}

// teardown invalidates the link, resets the read buffer, fails every
// pending request and stops the health monitor.
func (m *Manager) teardown(cause error) {
	link := m.loop.link
	m.loop.link = nil
	m.loop.linkGen++

	m.mu.Lock()
	d := m.disp
	m.disp = nil
	m.device = transport.Device{}
	m.mu.Unlock()

	if link != nil {
		if err := link.Disconnect(); err != nil {
			m.log.Debug("disconnect", zap.Error(err))
		}
	}
	m.loop.asm.Reset()
	if d != nil {
		d.Close(protocol.ErrConnectionLost)
	}
	if m.loop.monitor != nil {
		m.loop.monitor.Stop()
		m.loop.monitor = nil
	}
	m.log.Debug("link torn down", zap.NamedError("cause", cause))
}

func (m *Manager) shutdown() {
	m.cancelScan()
	if m.loop.link != nil {
		m.teardown(context.Canceled)
	}
}

// ── state publication ─────────────────────────────────────────────────────

func (m *Manager) setState(s transport.ConnectionState, err error) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	if err != nil || s == transport.StateConnected {
		m.lastErr = err
	}
	change := m.changeLocked()
	m.mu.Unlock()

	if prev != s {
		m.log.Info("connection state",
			zap.Stringer("from", prev),
			zap.Stringer("to", s),
			zap.NamedError("cause", err),
		)
	}
	m.publish(change)
}

func (m *Manager) setError(err error) {
	m.mu.Lock()
	m.lastErr = err
	change := m.changeLocked()
	m.mu.Unlock()
	m.publish(change)
}

func (m *Manager) changeLocked() StateChange {
	c := StateChange{State: m.state, Device: m.device.ID, At: time.Now().UTC()}
	if m.lastErr != nil {
		c.Err = m.lastErr.Error()
	}
	return c
}

func (m *Manager) publish(c StateChange) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
