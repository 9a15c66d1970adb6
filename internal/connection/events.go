package connection

import (
	"context"

	"github.com/rytrose/pumpkin-pedestals/internal/transport"
)

// event is one input to the state machine. apply runs on the loop goroutine.
type event interface {
	apply(ctx context.Context, m *Manager)
}

type adapterEvent struct {
	state transport.AdapterState
}

func (e adapterEvent) apply(ctx context.Context, m *Manager) { m.onAdapter(ctx, e.state) }

type scanEvent struct {
	attempt int
	err     error
}

func (e scanEvent) apply(_ context.Context, m *Manager) { m.onScanFailed(e) }

type retryEvent struct {
	attempt int
}

func (e retryEvent) apply(ctx context.Context, m *Manager) { m.onRetry(ctx, e) }

type connectEvent struct {
	attempt int
	dev     transport.Device
	link    transport.Link
	err     error
}

func (e connectEvent) apply(ctx context.Context, m *Manager) { m.onConnected(ctx, e) }

// dataEvent, lostEvent and health failures carry the link generation so
// stragglers from a replaced link are ignored.
type dataEvent struct {
	gen  int
	data []byte
}

func (e dataEvent) apply(_ context.Context, m *Manager) { m.onData(e) }

type lostEvent struct {
	gen int
	err error
}

func (e lostEvent) apply(ctx context.Context, m *Manager) { m.onLost(ctx, e) }
