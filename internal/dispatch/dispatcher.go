// Package dispatch sends requests to the hub and routes inbound packets:
// responses to the pending-request table, requests to registered handlers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rytrose/pumpkin-pedestals/internal/protocol"
)

const (
	DefaultRequestTimeout   = 1000 * time.Millisecond
	DefaultMaxWriteFailures = 3
)

var (
	// ErrSequenceBusy is returned when the next sequence id still has an
	// outstanding request. The counter is not advanced.
	ErrSequenceBusy = errors.New("dispatch: next sequence id still pending")
	// ErrWrite wraps a failed link write.
	ErrWrite = errors.New("dispatch: write failed")
	// ErrUnexpectedCommand is returned when a response carries a different
	// command code than its request.
	ErrUnexpectedCommand = errors.New("dispatch: response command mismatch")
)

// Writer is the outbound half of a link. Implementations must be safe for
// concurrent use.
type Writer interface {
	Write(p []byte) error
}

// Handler serves an inbound request packet.
type Handler func(d *Dispatcher, p protocol.Packet)

// Options tunes a Dispatcher. Zero values select the defaults.
type Options struct {
	RequestTimeout time.Duration
	// MaxWriteFailures consecutive write errors are reported to OnWriteFatal.
	MaxWriteFailures int
	OnWriteFatal     func(error)
}

// Dispatcher correlates requests and responses over one link. A new
// Dispatcher is created for every link.
type Dispatcher struct {
	w       Writer
	log     *zap.Logger
	table   *protocol.PendingTable
	timeout time.Duration

	maxWriteFailures int
	onWriteFatal     func(error)
	writeFailures    atomic.Int32

	mu       sync.Mutex
	next     uint8
	closed   bool
	handlers map[protocol.Command]Handler

	malformed atomic.Uint64
}

// New returns a Dispatcher writing to w. Health-check requests from the hub
// are echoed by default.
func New(w Writer, log *zap.Logger, opts Options) *Dispatcher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxWriteFailures <= 0 {
		opts.MaxWriteFailures = DefaultMaxWriteFailures
	}
	d := &Dispatcher{
		w:                w,
		log:              log,
		table:            protocol.NewPendingTable(),
		timeout:          opts.RequestTimeout,
		maxWriteFailures: opts.MaxWriteFailures,
		onWriteFatal:     opts.OnWriteFatal,
		handlers:         make(map[protocol.Command]Handler),
	}
	d.handlers[protocol.Healthcheck] = echo
	return d
}

// Handle registers h for inbound requests carrying cmd.
func (d *Dispatcher) Handle(cmd protocol.Command, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[cmd] = h
}

// SendRequest writes a request and blocks until its response arrives, the
// request times out, the link is torn down, or ctx is done.
func (d *Dispatcher) SendRequest(ctx context.Context, cmd protocol.Command, payload ...string) (protocol.Reply, error) {
	if err := validPayload(payload); err != nil {
		return protocol.Reply{}, err
	}

	done := make(chan outcome, 1)
	seq, err := d.register(func(r protocol.Reply, err error) {
		done <- outcome{r, err}
	})
	if err != nil {
		return protocol.Reply{}, err
	}

	raw := protocol.Encode(protocol.Packet{
		Direction: protocol.Request,
		Seq:       seq,
		Command:   cmd,
		Payload:   payload,
	})
	if err := d.write(raw); err != nil {
		d.table.Fail(seq, err)
	} else {
		d.log.Debug("request sent",
			zap.Uint8("seq", seq),
			zap.Stringer("cmd", cmd),
			zap.Int("fields", len(payload)),
		)
	}

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		d.table.Fail(seq, ctx.Err())
		o = <-done
	}
	if o.err != nil {
		return protocol.Reply{}, fmt.Errorf("dispatch: %s seq %02x: %w", cmd, seq, o.err)
	}
	if o.reply.Command != cmd {
		return o.reply, fmt.Errorf("%w: sent %s, got %s", ErrUnexpectedCommand, cmd, o.reply.Command)
	}
	return o.reply, nil
}

// SendResponse answers an inbound request. Fire-and-forget.
func (d *Dispatcher) SendResponse(seq uint8, cmd protocol.Command, payload ...string) error {
	if err := validPayload(payload); err != nil {
		return err
	}
	raw := protocol.Encode(protocol.Packet{
		Direction: protocol.Response,
		Seq:       seq,
		Command:   cmd,
		Payload:   payload,
	})
	return d.write(raw)
}

// HandleLine decodes one framed line and routes it. Malformed lines are
// dropped and logged.
func (d *Dispatcher) HandleLine(line string) {
	pkt, err := protocol.Decode(line)
	if err != nil {
		d.malformed.Add(1)
		d.log.Warn("dropping malformed packet", zap.String("raw", line), zap.Error(err))
		return
	}

	switch pkt.Direction {
	case protocol.Response:
		if !d.table.Resolve(pkt.Seq, pkt.Command, pkt.Payload) {
			d.log.Debug("response without pending request",
				zap.Uint8("seq", pkt.Seq), zap.Stringer("cmd", pkt.Command))
		}
	case protocol.Request:
		d.mu.Lock()
		h, ok := d.handlers[pkt.Command]
		d.mu.Unlock()
		if !ok {
			d.log.Warn("no handler for hub request",
				zap.Uint8("seq", pkt.Seq), zap.Stringer("cmd", pkt.Command))
			return
		}
		h(d, pkt)
	}
}

// Close fails every pending request with reason. Later sends fail with
// protocol.ErrConnectionLost.
func (d *Dispatcher) Close(reason error) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if n := d.table.Drain(reason); n > 0 {
		d.log.Info("drained pending requests", zap.Int("count", n), zap.Error(reason))
	}
}

// Pending returns the number of outstanding requests.
func (d *Dispatcher) Pending() int { return d.table.Len() }

// Malformed returns how many inbound lines failed to decode.
func (d *Dispatcher) Malformed() uint64 { return d.malformed.Load() }

// ── internal ──────────────────────────────────────────────────────────────

type outcome struct {
	reply protocol.Reply
	err   error
}

func (d *Dispatcher) register(cb protocol.Callback) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, protocol.ErrConnectionLost
	}
	seq := d.next
	if err := d.table.Register(seq, cb, d.timeout); err != nil {
		if errors.Is(err, protocol.ErrDuplicateID) {
			return 0, fmt.Errorf("%w (seq %02x)", ErrSequenceBusy, seq)
		}
		return 0, err
	}
	d.next++
	return seq, nil
}

func (d *Dispatcher) write(raw string) error {
	if err := d.w.Write([]byte(raw)); err != nil {
		n := d.writeFailures.Add(1)
		werr := fmt.Errorf("%w: %w", ErrWrite, err)
		d.log.Warn("link write failed", zap.Int32("consecutive", n), zap.Error(err))
		if int(n) == d.maxWriteFailures && d.onWriteFatal != nil {
			d.onWriteFatal(fmt.Errorf("%d consecutive write failures: %w", n, werr))
		}
		return werr
	}
	d.writeFailures.Store(0)
	return nil
}

func validPayload(payload []string) error {
	for _, f := range payload {
		if !protocol.ValidField(f) {
			return fmt.Errorf("dispatch: field %q contains a reserved character", f)
		}
	}
	return nil
}

func echo(d *Dispatcher, p protocol.Packet) {
	if err := d.SendResponse(p.Seq, p.Command, p.Payload...); err != nil {
		d.log.Warn("echo failed", zap.Uint8("seq", p.Seq), zap.Error(err))
	}
}
