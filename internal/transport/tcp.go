package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const tcpDialTimeout = 5 * time.Second

// TCPRadio reaches the hub's UART through a serial-to-TCP bridge. Scan
// succeeds once the bridge accepts connections.
type TCPRadio struct {
	addr string
	name string
	log  *zap.Logger
}

// NewTCPRadio returns a radio that dials addr. name is reported as the
// device name so hub matching by name still applies.
func NewTCPRadio(addr, name string, log *zap.Logger) *TCPRadio {
	return &TCPRadio{addr: addr, name: name, log: log}
}

func (t *TCPRadio) RequestPermission(ctx context.Context) error {
	return ctx.Err()
}

// WatchAdapter reports a powered-on adapter for as long as ctx lives; the
// network has no adapter state of its own.
func (t *TCPRadio) WatchAdapter(ctx context.Context) (<-chan AdapterState, error) {
	return staticAdapter(ctx, AdapterPoweredOn), nil
}

func (t *TCPRadio) Scan(ctx context.Context, match Matcher) (Device, error) {
	dev := Device{ID: "tcp://" + t.addr, Name: t.name, Address: t.addr}
	if !match(dev) {
		return Device{}, fmt.Errorf("%w: %s does not match", ErrNotFound, dev.ID)
	}

	d := net.Dialer{Timeout: tcpDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return Device{}, fmt.Errorf("transport: tcp scan %s: %w", t.addr, err)
	}
	conn.Close()
	return dev, nil
}

func (t *TCPRadio) Connect(ctx context.Context, dev Device) (Link, error) {
	d := net.Dialer{Timeout: tcpDialTimeout, KeepAlive: 15 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", dev.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: tcp connect %s: %w", dev.Address, err)
	}
	t.log.Info("tcp: connected", zap.String("addr", dev.Address))
	return newStreamLink(dev.ID, conn, classifyNetError, t.log), nil
}

func classifyNetError(err error) error {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrDeviceDisconnected, err)
	}
	return classifyStreamError(err)
}

// staticAdapter emits one state and closes the channel when ctx is done.
func staticAdapter(ctx context.Context, s AdapterState) <-chan AdapterState {
	ch := make(chan AdapterState, 1)
	ch <- s
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
