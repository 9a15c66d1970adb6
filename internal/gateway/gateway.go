// Package gateway runs the controller service: the hub connection, the
// pedestal cache, the journal pruner and the relay HTTP server.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rytrose/pumpkin-pedestals/internal/api"
	"github.com/rytrose/pumpkin-pedestals/internal/config"
	"github.com/rytrose/pumpkin-pedestals/internal/connection"
	"github.com/rytrose/pumpkin-pedestals/internal/pedestal"
	"github.com/rytrose/pumpkin-pedestals/internal/store"
	"github.com/rytrose/pumpkin-pedestals/internal/transport"
)

// Gateway is the central application service.
type Gateway struct {
	cfg     *config.Config
	log     *zap.Logger
	mgr     *connection.Manager
	client  *pedestal.Client
	cache   *pedestal.Cache
	journal store.Journal
	pruner  *store.Pruner
	bus     *EventBus
	server  *http.Server

	ready chan struct{}
	addr  net.Addr
}

// New constructs a Gateway around radio without starting it.
func New(cfg *config.Config, radio transport.Radio, journal store.Journal, log *zap.Logger) *Gateway {
	mgr := connection.New(radio, log.Named("connection"), connection.Options{
		Match:            transport.MatchHub(cfg.Hub.Name, cfg.Hub.ServiceUUID),
		ScanTimeout:      cfg.Protocol.ScanTimeout(),
		ScanRetry:        cfg.Protocol.ScanRetry(),
		ConnectFailures:  cfg.Protocol.ConnectFailures,
		RequestTimeout:   cfg.Protocol.RequestTimeout(),
		HealthInterval:   cfg.Protocol.HealthInterval(),
		HealthThreshold:  cfg.Protocol.HealthThreshold,
		MaxWriteFailures: cfg.Protocol.MaxWriteFailures,
	})
	client := pedestal.NewClient(mgr, log.Named("pedestal"))
	cache := pedestal.NewCache(client, log.Named("cache"), cfg.Gateway.RefreshInterval())
	bus := NewEventBus(log.Named("bus"))

	cache.OnUpdate(func(ps []pedestal.Pedestal) {
		bus.PublishData(api.MethodGetPedestals, api.PedestalList{Pedestals: ps})
	})

	router := api.NewRouter(api.Deps{
		Conn:     mgr,
		Commands: client,
		Cache:    cache,
		Journal:  journal,
		Events:   bus,
		Log:      log.Named("api"),
	})

	srv := &http.Server{
		Addr:              cfg.Gateway.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Gateway{
		cfg:     cfg,
		log:     log,
		mgr:     mgr,
		client:  client,
		cache:   cache,
		journal: journal,
		pruner:  store.NewPruner(journal, cfg.Store.MaxRows, cfg.Store.PruneInterval(), log.Named("pruner")),
		bus:     bus,
		server:  srv,
		ready:   make(chan struct{}),
	}
}

// Manager returns the hub connection manager.
func (g *Gateway) Manager() *connection.Manager { return g.mgr }

// Client returns the pedestal command client.
func (g *Gateway) Client() *pedestal.Client { return g.client }

// Bus returns the relay event bus.
func (g *Gateway) Bus() *EventBus { return g.bus }

// Ready is closed once the HTTP listener is bound.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

// Addr returns the bound listener address. Valid after Ready.
func (g *Gateway) Addr() net.Addr { return g.addr }

// Start launches all subsystems and blocks until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Gateway.Listen)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", g.cfg.Gateway.Listen, err)
	}
	g.addr = ln.Addr()
	close(g.ready)
	g.log.Info("HTTP gateway listening", zap.String("addr", ln.Addr().String()))

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	// Subscribe before the manager runs so the first transition is journaled.
	changes, unsub := g.mgr.Subscribe()

	var wg sync.WaitGroup
	run := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	run(func() { g.ingestLoop(ctx, changes) })
	run(func() {
		if err := g.mgr.Run(ctx); err != nil {
			g.log.Error("connection manager stopped", zap.Error(err))
		}
	})
	run(func() { g.cache.Run(ctx) })
	run(func() { g.pruner.Start(ctx) }) //nolint:errcheck

	// Serve HTTP in background; shut down on ctx cancel.
	srvErr := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	var result error
	select {
	case <-ctx.Done():
		g.log.Info("context cancelled, shutting down gateway")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		result = g.server.Shutdown(shutCtx)
	case result = <-srvErr:
	}
	stop()
	unsub()
	wg.Wait()
	return result
}

// ingestLoop journals connection transitions and pushes them to relay
// clients.
func (g *Gateway) ingestLoop(ctx context.Context, changes <-chan connection.StateChange) {
	var (
		last connection.StateChange
		seen bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			g.bus.PublishData(api.MethodConnectionState, c)
			if seen && c.State == last.State && c.Err == last.Err {
				continue
			}
			last, seen = c, true
			e := store.Entry{
				Kind:   store.KindState,
				Name:   c.State.String(),
				Detail: c.Device,
				Err:    c.Err,
				At:     c.At,
			}
			if _, err := g.journal.Append(ctx, e); err != nil {
				g.log.Warn("ingest: journal state", zap.Error(err))
			}
		}
	}
}
