// Command pedestald connects to the pedestal hub and serves the relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/rytrose/pumpkin-pedestals/internal/config"
	"github.com/rytrose/pumpkin-pedestals/internal/gateway"
	"github.com/rytrose/pumpkin-pedestals/internal/logging"
	"github.com/rytrose/pumpkin-pedestals/internal/store"
	"github.com/rytrose/pumpkin-pedestals/internal/transport"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (defaults when empty)")
	mock := flag.Bool("mock", false, "use the simulated hub instead of a radio")
	listen := flag.String("listen", "", "override gateway.listen")
	flag.Parse()

	if err := run(*cfgPath, *mock, *listen); err != nil {
		fmt.Fprintf(os.Stderr, "pedestald: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string, mock bool, listen string) error {
	// 1. Configuration
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if mock {
		cfg.Radio.Kind = config.RadioSim
	}
	if listen != "" {
		cfg.Gateway.Listen = listen
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	// 2. Infrastructure
	var journal store.Journal
	if cfg.Store.Path == "" {
		journal = store.NewMemoryJournal()
	} else {
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.Migrate(db); err != nil {
			return err
		}
		journal = db
	}

	radio, err := transport.New(cfg, log)
	if err != nil {
		return err
	}

	// 3. Service
	g := gateway.New(cfg, radio, journal, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("pedestald starting",
		zap.String("radio", cfg.Radio.Kind),
		zap.String("hub", cfg.Hub.Name),
		zap.String("listen", cfg.Gateway.Listen),
		zap.String("store", cfg.Store.Path),
	)
	if err := g.Start(ctx); err != nil {
		log.Error("gateway stopped", zap.Error(err))
		return err
	}
	log.Info("pedestald stopped")
	return nil
}
