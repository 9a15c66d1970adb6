package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/rytrose/pumpkin-pedestals/internal/protocol"
)

// SimServiceUUID is advertised by the simulated hub.
const SimServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"

var errSimulated = errors.New("simulated failure")

// SimRadio is an in-process hub speaking the wire protocol over a fake
// radio. It backs mock mode and the package tests, and can inject adapter
// changes, scan and connect failures, dropped replies, malformed lines and
// link loss.
type SimRadio struct {
	name string
	log  *zap.Logger

	mu              sync.Mutex
	adapter         AdapterState
	watchers        map[chan AdapterState]struct{}
	permErr         error
	scanFailures    int
	connectFailures int
	scans           int
	dropReplies     int
	unresponsive    bool
	writeFailures   int
	pedestals       map[string]*simPedestal
	received        []string
	link            *simLink
	hubSeq          uint8
}

type simPedestal struct {
	color    string
	blinking bool
}

// NewSimRadio returns a powered-on simulated hub advertising name.
func NewSimRadio(name string, log *zap.Logger) *SimRadio {
	return &SimRadio{
		name:      name,
		log:       log,
		adapter:   AdapterPoweredOn,
		watchers:  make(map[chan AdapterState]struct{}),
		pedestals: make(map[string]*simPedestal),
	}
}

// ── fault and state injection ─────────────────────────────────────────────

// SetPedestal adds or recolors a pedestal on the simulated hub.
func (r *SimRadio) SetPedestal(addr, color string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pedestals[addr] = &simPedestal{color: color}
}

// Pedestal returns the hub-side state of addr.
func (r *SimRadio) Pedestal(addr string) (color string, blinking bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pedestals[addr]
	if !ok {
		return "", false, false
	}
	return p.color, p.blinking, true
}

// SetAdapter changes the adapter state and notifies watchers.
func (r *SimRadio) SetAdapter(s AdapterState) {
	r.mu.Lock()
	r.adapter = s
	watchers := make([]chan AdapterState, 0, len(r.watchers))
	for ch := range r.watchers {
		watchers = append(watchers, ch)
	}
	r.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- s:
		default:
		}
	}
}

// DenyPermission makes RequestPermission fail with err wrapped in
// ErrPermissionDenied. A nil err grants permission again.
func (r *SimRadio) DenyPermission(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permErr = err
}

// FailScans makes the next n scans fail.
func (r *SimRadio) FailScans(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanFailures = n
}

// FailConnects makes the next n connects fail.
func (r *SimRadio) FailConnects(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectFailures = n
}

// FailWrites makes the next n link writes fail.
func (r *SimRadio) FailWrites(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeFailures = n
}

// DropReplies discards the next n replies the hub would send.
func (r *SimRadio) DropReplies(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropReplies = n
}

// SetUnresponsive makes the hub swallow every request while set.
func (r *SimRadio) SetUnresponsive(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unresponsive = v
}

// Scans returns how many scans have started.
func (r *SimRadio) Scans() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scans
}

// Received returns every line the hub has received.
func (r *SimRadio) Received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.received...)
}

// Connected reports whether a link is open.
func (r *SimRadio) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link != nil && !r.link.isClosed()
}

// DropLink simulates the hub going out of range.
func (r *SimRadio) DropLink() {
	r.mu.Lock()
	l := r.link
	r.mu.Unlock()
	if l != nil {
		l.drop(fmt.Errorf("%w: %s out of range", ErrDeviceDisconnected, r.name))
	}
}

// Inject delivers raw bytes to the controller as if the hub sent them.
func (r *SimRadio) Inject(raw string) {
	r.mu.Lock()
	l := r.link
	r.mu.Unlock()
	if l != nil {
		l.enqueue([]byte(raw))
	}
}

// HubRequest sends a request from the hub to the controller.
func (r *SimRadio) HubRequest(cmd protocol.Command, payload ...string) {
	r.mu.Lock()
	seq := r.hubSeq
	r.hubSeq++
	r.mu.Unlock()
	r.Inject(protocol.Encode(protocol.Packet{
		Direction: protocol.Request,
		Seq:       seq,
		Command:   cmd,
		Payload:   payload,
	}))
}

// ── Radio ─────────────────────────────────────────────────────────────────

func (r *SimRadio) RequestPermission(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.permErr != nil {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, r.permErr)
	}
	return ctx.Err()
}

func (r *SimRadio) WatchAdapter(ctx context.Context) (<-chan AdapterState, error) {
	ch := make(chan AdapterState, 8)
	r.mu.Lock()
	ch <- r.adapter
	r.watchers[ch] = struct{}{}
	r.mu.Unlock()

	out := make(chan AdapterState, 8)
	go func() {
		defer close(out)
		defer func() {
			r.mu.Lock()
			delete(r.watchers, ch)
			r.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-ch:
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *SimRadio) Scan(ctx context.Context, match Matcher) (Device, error) {
	r.mu.Lock()
	r.scans++
	adapter := r.adapter
	fail := r.scanFailures > 0
	if fail {
		r.scanFailures--
	}
	r.mu.Unlock()

	if adapter != AdapterPoweredOn {
		return Device{}, ErrAdapterUnavailable
	}
	if fail {
		return Device{}, fmt.Errorf("transport: sim scan: %w", errSimulated)
	}
	dev := Device{ID: "sim://" + r.name, Name: r.name, Services: []string{SimServiceUUID}}
	if match(dev) {
		return dev, nil
	}
	<-ctx.Done()
	return Device{}, fmt.Errorf("%w: %w", ErrNotFound, ctx.Err())
}

func (r *SimRadio) Connect(ctx context.Context, dev Device) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectFailures > 0 {
		r.connectFailures--
		return nil, fmt.Errorf("transport: sim connect: %w", errSimulated)
	}
	if r.link != nil {
		r.link.close()
	}
	l := &simLink{
		hub:   r,
		id:    dev.ID,
		queue: make(chan []byte, 256),
		quit:  make(chan struct{}),
	}
	r.link = l
	return l, nil
}

// ── hub ───────────────────────────────────────────────────────────────────

// serve runs one inbound line through the hub and returns the reply, if any.
func (r *SimRadio) serve(line string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, line)

	pkt, err := protocol.Decode(line)
	if err != nil {
		r.log.Debug("sim: hub dropped malformed line", zap.String("raw", line))
		return "", false
	}
	if pkt.Direction != protocol.Request || r.unresponsive {
		return "", false
	}

	var payload []string
	switch pkt.Command {
	case protocol.Healthcheck:
		payload = pkt.Payload
	case protocol.GetPedestals:
		payload = r.fieldsLocked()
	case protocol.SetPedestalsColor:
		for _, f := range pkt.Payload {
			if len(f) < 2 {
				continue
			}
			if p, ok := r.pedestals[strings.ToLower(f[:2])]; ok {
				p.color = f[2:]
			}
		}
		payload = r.fieldsLocked()
	case protocol.BlinkPedestal:
		for _, f := range pkt.Payload {
			if len(f) != 3 {
				continue
			}
			if p, ok := r.pedestals[strings.ToLower(f[:2])]; ok {
				p.blinking = f[2] == '1'
			}
		}
		payload = r.fieldsLocked()
	default:
		return "", false
	}

	if r.dropReplies > 0 {
		r.dropReplies--
		return "", false
	}
	return protocol.Encode(protocol.Packet{
		Direction: protocol.Response,
		Seq:       pkt.Seq,
		Command:   pkt.Command,
		Payload:   payload,
	}), true
}

func (r *SimRadio) fieldsLocked() []string {
	addrs := make([]string, 0, len(r.pedestals))
	for a := range r.pedestals {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	fields := make([]string, 0, len(addrs))
	for _, a := range addrs {
		p := r.pedestals[a]
		blink := "0"
		if p.blinking {
			blink = "1"
		}
		fields = append(fields, a+p.color+blink)
	}
	return fields
}

func (r *SimRadio) takeWriteFailure() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeFailures > 0 {
		r.writeFailures--
		return true
	}
	return false
}

// simLink delivers hub output in order on one goroutine, splitting every
// message into two chunks so the controller has to reassemble it.
type simLink struct {
	hub *SimRadio
	id  string

	asm   protocol.Assembler
	asmMu sync.Mutex

	mu           sync.Mutex
	closed       bool
	monitoring   bool
	onDisconnect func(error)
	queue        chan []byte
	quit         chan struct{}
}

func (l *simLink) ID() string { return l.id }

func (l *simLink) DiscoverServices(ctx context.Context) error { return ctx.Err() }

func (l *simLink) Monitor(onData func([]byte), onDisconnect func(error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrNotConnected
	}
	if l.monitoring {
		return fmt.Errorf("transport: %s already monitored", l.id)
	}
	l.monitoring = true
	l.onDisconnect = onDisconnect
	go l.deliver(onData)
	return nil
}

func (l *simLink) Write(p []byte) error {
	if l.isClosed() {
		return ErrNotConnected
	}
	if l.hub.takeWriteFailure() {
		return fmt.Errorf("transport: sim write: %w", errSimulated)
	}

	l.asmMu.Lock()
	lines := l.asm.Feed(p)
	l.asmMu.Unlock()
	for _, line := range lines {
		if reply, ok := l.hub.serve(line); ok {
			l.enqueue([]byte(reply))
		}
	}
	return nil
}

func (l *simLink) Disconnect() error {
	l.close()
	return nil
}

func (l *simLink) enqueue(b []byte) {
	select {
	case l.queue <- b:
	case <-l.quit:
	}
}

func (l *simLink) deliver(onData func([]byte)) {
	for {
		select {
		case <-l.quit:
			return
		case b := <-l.queue:
			half := len(b) / 2
			for _, chunk := range [][]byte{b[:half], b[half:]} {
				if len(chunk) == 0 {
					continue
				}
				select {
				case <-l.quit:
					return
				default:
				}
				onData(chunk)
			}
		}
	}
}

func (l *simLink) close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	close(l.quit)
	return true
}

func (l *simLink) drop(err error) {
	l.mu.Lock()
	cb := l.onDisconnect
	l.mu.Unlock()
	if l.close() && cb != nil {
		go cb(err)
	}
}

func (l *simLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
