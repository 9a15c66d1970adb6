package config

import (
	"fmt"
	"net"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
)

// Validate checks configuration correctness.
// It performs declarative validation only and never mutates cfg.
func Validate(cfg *Config) error {
	// ------------------------------------------------------------
	// HUB IDENTITY
	// ------------------------------------------------------------

	if cfg.Hub.Name == "" && cfg.Hub.ServiceUUID == "" {
		return fmt.Errorf("hub: name or service_uuid is required")
	}
	for field, v := range map[string]string{
		"service_uuid": cfg.Hub.ServiceUUID,
		"rx_uuid":      cfg.Hub.RxUUID,
		"tx_uuid":      cfg.Hub.TxUUID,
	} {
		if v == "" {
			continue
		}
		if _, err := uuid.Parse(v); err != nil {
			return fmt.Errorf("hub: %s %q: %w", field, v, err)
		}
	}

	// ------------------------------------------------------------
	// RADIO
	// ------------------------------------------------------------

	switch cfg.Radio.Kind {
	case RadioBlueZ:
		if cfg.Hub.RxUUID == "" || cfg.Hub.TxUUID == "" {
			return fmt.Errorf("radio: bluez requires hub rx_uuid and tx_uuid")
		}
		if cfg.Radio.ChunkSize <= 0 {
			return fmt.Errorf("radio: chunk_size must be positive, got %d", cfg.Radio.ChunkSize)
		}
	case RadioSerial:
		if cfg.Radio.Port == "" {
			return fmt.Errorf("radio: serial requires port")
		}
		if _, err := filepath.Match(cfg.Radio.Port, ""); err != nil {
			return fmt.Errorf("radio: port pattern %q: %w", cfg.Radio.Port, err)
		}
		if cfg.Radio.Baud <= 0 {
			return fmt.Errorf("radio: baud must be positive, got %d", cfg.Radio.Baud)
		}
	case RadioTCP:
		if _, _, err := net.SplitHostPort(cfg.Radio.Addr); err != nil {
			return fmt.Errorf("radio: addr %q: %w", cfg.Radio.Addr, err)
		}
	case RadioSim:
	default:
		return fmt.Errorf("radio: unknown kind %q", cfg.Radio.Kind)
	}

	// ------------------------------------------------------------
	// PROTOCOL TIMING
	// ------------------------------------------------------------

	for field, v := range map[string]int{
		"request_timeout_ms": cfg.Protocol.RequestTimeoutMs,
		"health_interval_ms": cfg.Protocol.HealthIntervalMs,
		"health_threshold":   cfg.Protocol.HealthThreshold,
		"max_write_failures": cfg.Protocol.MaxWriteFailures,
		"connect_failures":   cfg.Protocol.ConnectFailures,
		"scan_timeout_ms":    cfg.Protocol.ScanTimeoutMs,
		"scan_retry_ms":      cfg.Protocol.ScanRetryMs,
	} {
		if v <= 0 {
			return fmt.Errorf("protocol: %s must be positive, got %d", field, v)
		}
	}

	// ------------------------------------------------------------
	// GATEWAY / STORE / LOG
	// ------------------------------------------------------------

	if _, _, err := net.SplitHostPort(cfg.Gateway.Listen); err != nil {
		return fmt.Errorf("gateway: listen %q: %w", cfg.Gateway.Listen, err)
	}
	if cfg.Gateway.RefreshIntervalMs <= 0 {
		return fmt.Errorf("gateway: refresh_interval_ms must be positive, got %d", cfg.Gateway.RefreshIntervalMs)
	}
	if cfg.Store.MaxRows <= 0 {
		return fmt.Errorf("store: max_rows must be positive, got %d", cfg.Store.MaxRows)
	}
	if cfg.Store.PruneIntervalMs <= 0 {
		return fmt.Errorf("store: prune_interval_ms must be positive, got %d", cfg.Store.PruneIntervalMs)
	}
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	return nil
}
