package gateway

import (
	"sync"

	"go.uber.org/zap"

	"github.com/rytrose/pumpkin-pedestals/internal/api"
)

// subscriber holds a buffered channel for one relay connection.
type subscriber struct {
	ch chan api.Envelope
}

// EventBus fans relay pushes (pedestal refreshes, connection state) out to
// every websocket client. Subscribers are plain channels so the bus can be
// tested without a socket.
type EventBus struct {
	log  *zap.Logger
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewEventBus constructs a ready EventBus.
func NewEventBus(log *zap.Logger) *EventBus {
	return &EventBus{log: log, subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a client. The returned function unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *EventBus) Subscribe() (<-chan api.Envelope, func()) {
	s := &subscriber{ch: make(chan api.Envelope, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish sends e to all current subscribers. Slow consumers are skipped
// so the publisher never stalls; the next refresh catches them up.
func (b *EventBus) Publish(e api.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.log.Debug("event bus: dropped push for slow client", zap.String("method", e.Method))
		}
	}
}

// PublishData wraps v in an envelope for method and publishes it.
func (b *EventBus) PublishData(method string, v any) {
	env, err := api.NewEnvelope(method, v)
	if err != nil {
		b.log.Warn("event bus: encode push", zap.String("method", method), zap.Error(err))
		return
	}
	b.Publish(env)
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
