package pedestal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rytrose/pumpkin-pedestals/internal/transport"
)

// DefaultRefreshInterval matches the relay's pedestal refresh cadence.
const DefaultRefreshInterval = 3 * time.Second

// Cache holds the last pedestal list read from the hub and refreshes it on
// an interval. All exported methods are safe for concurrent use.
type Cache struct {
	client   *Client
	log      *zap.Logger
	interval time.Duration

	mu        sync.RWMutex
	pedestals map[string]Pedestal
	updated   time.Time
	onUpdate  []func([]Pedestal)
}

// NewCache returns an empty cache. A zero interval selects
// DefaultRefreshInterval.
func NewCache(client *Client, log *zap.Logger, interval time.Duration) *Cache {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Cache{
		client:    client,
		log:       log,
		interval:  interval,
		pedestals: make(map[string]Pedestal),
	}
}

// OnUpdate registers fn to receive the sorted pedestal list after every
// successful refresh or applied change. Register before Run.
func (c *Cache) OnUpdate(fn func([]Pedestal)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = append(c.onUpdate, fn)
}

// Run refreshes immediately and then every interval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, transport.ErrNotConnected) {
				c.log.Debug("pedestal refresh skipped", zap.Error(err))
			} else {
				c.log.Warn("pedestal refresh failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh reads the pedestal list from the hub and replaces the cache.
func (c *Cache) Refresh(ctx context.Context) ([]Pedestal, error) {
	m, err := c.client.GetPedestals(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.pedestals = m
	c.updated = time.Now().UTC()
	c.mu.Unlock()
	return c.notify(), nil
}

// Apply merges the hub's reply to a color change into the cache.
func (c *Cache) Apply(res SetResult) {
	c.mu.Lock()
	for a, p := range res.Pedestals {
		c.pedestals[a] = p
	}
	c.updated = time.Now().UTC()
	c.mu.Unlock()
	c.notify()
}

// SetBlinking records a blink change for a cached pedestal.
func (c *Cache) SetBlinking(addr string, on bool) {
	addr = strings.ToLower(addr)
	c.mu.Lock()
	p, ok := c.pedestals[addr]
	if ok {
		p.Blinking = on
		c.pedestals[addr] = p
	}
	c.mu.Unlock()
	if ok {
		c.notify()
	}
}

// List returns a snapshot of the cached pedestals ordered by address.
func (c *Cache) List() []Pedestal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Sorted(c.pedestals)
}

// Get returns one cached pedestal.
func (c *Cache) Get(addr string) (Pedestal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pedestals[addr]
	return p, ok
}

// Updated returns when the cache last changed; zero if never.
func (c *Cache) Updated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated
}

func (c *Cache) notify() []Pedestal {
	c.mu.RLock()
	list := Sorted(c.pedestals)
	fns := c.onUpdate
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(list)
	}
	return list
}
