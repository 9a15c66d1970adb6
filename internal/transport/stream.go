package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

const streamReadBufSize = 512

// streamLink adapts a byte stream (serial port, TCP socket) to Link. The
// stream already carries the hub's UART, so service discovery is a no-op.
type streamLink struct {
	id       string
	rwc      io.ReadWriteCloser
	log      *zap.Logger
	classify func(error) error

	writeMu sync.Mutex

	mu         sync.Mutex
	monitoring bool
	closed     bool
	done       chan struct{}
}

func newStreamLink(id string, rwc io.ReadWriteCloser, classify func(error) error, log *zap.Logger) *streamLink {
	if classify == nil {
		classify = classifyStreamError
	}
	return &streamLink{
		id:       id,
		rwc:      rwc,
		log:      log,
		classify: classify,
		done:     make(chan struct{}),
	}
}

func (l *streamLink) ID() string { return l.id }

func (l *streamLink) DiscoverServices(ctx context.Context) error {
	return ctx.Err()
}

func (l *streamLink) Monitor(onData func([]byte), onDisconnect func(error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrNotConnected
	}
	if l.monitoring {
		return fmt.Errorf("transport: %s already monitored", l.id)
	}
	l.monitoring = true
	go l.readLoop(onData, onDisconnect)
	return nil
}

func (l *streamLink) Write(p []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.rwc.Write(p); err != nil {
		return fmt.Errorf("transport: write %s: %w", l.id, l.classify(err))
	}
	return nil
}

func (l *streamLink) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.rwc.Close()
	if err != nil {
		return fmt.Errorf("transport: close %s: %w", l.id, err)
	}
	return nil
}

// ── internal ──────────────────────────────────────────────────────────────

func (l *streamLink) readLoop(onData func([]byte), onDisconnect func(error)) {
	defer close(l.done)

	buf := make([]byte, streamReadBufSize)
	for {
		n, err := l.rwc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err == nil {
			continue
		}

		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return
		}
		l.log.Debug("stream read ended", zap.String("link", l.id), zap.Error(err))
		if onDisconnect != nil {
			onDisconnect(fmt.Errorf("transport: read %s: %w", l.id, l.classify(err)))
		}
		return
	}
}

// classifyStreamError tags end-of-stream and closed-pipe errors as device
// disconnects.
func classifyStreamError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrDeviceDisconnected, err)
	}
	return err
}
