// Package config loads the pedestald YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Radio kinds.
const (
	RadioBlueZ  = "bluez"
	RadioSerial = "serial"
	RadioTCP    = "tcp"
	RadioSim    = "sim"
)

type Config struct {
	Hub      HubConfig      `yaml:"hub"`
	Radio    RadioConfig    `yaml:"radio"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
}

// ---- HUB ----

type HubConfig struct {
	Name        string `yaml:"name"`
	ServiceUUID string `yaml:"service_uuid"`
	RxUUID      string `yaml:"rx_uuid"` // notify: hub -> controller
	TxUUID      string `yaml:"tx_uuid"` // write: controller -> hub
}

// ---- RADIO ----

type RadioConfig struct {
	Kind      string `yaml:"kind"`
	Adapter   string `yaml:"adapter"`    // bluez
	ChunkSize int    `yaml:"chunk_size"` // bluez write size
	Port      string `yaml:"port"`       // serial, glob pattern
	Baud      int    `yaml:"baud"`       // serial
	Addr      string `yaml:"addr"`       // tcp host:port
}

// ---- PROTOCOL ----

type ProtocolConfig struct {
	RequestTimeoutMs int `yaml:"request_timeout_ms"`
	HealthIntervalMs int `yaml:"health_interval_ms"`
	HealthThreshold  int `yaml:"health_threshold"`
	MaxWriteFailures int `yaml:"max_write_failures"`
	ScanTimeoutMs    int `yaml:"scan_timeout_ms"`
	ScanRetryMs      int `yaml:"scan_retry_ms"`
	ConnectFailures  int `yaml:"connect_failures"`
}

// ---- GATEWAY ----

type GatewayConfig struct {
	Listen            string `yaml:"listen"`
	RefreshIntervalMs int    `yaml:"refresh_interval_ms"`
}

// ---- STORE ----

type StoreConfig struct {
	Path            string `yaml:"path"` // empty keeps the journal in memory
	MaxRows         int    `yaml:"max_rows"`
	PruneIntervalMs int    `yaml:"prune_interval_ms"`
}

// ---- LOG ----

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			Name:        "CIRCUITPYbd17",
			ServiceUUID: "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			RxUUID:      "6e400003-b5a3-f393-e0a9-e50e24dcca9e",
			TxUUID:      "6e400002-b5a3-f393-e0a9-e50e24dcca9e",
		},
		Radio: RadioConfig{
			Kind:      RadioBlueZ,
			Adapter:   "hci0",
			ChunkSize: 20,
			Port:      "/dev/ttyACM*",
			Baud:      115200,
			Addr:      "127.0.0.1:4403",
		},
		Protocol: ProtocolConfig{
			RequestTimeoutMs: 1000,
			HealthIntervalMs: 1000,
			HealthThreshold:  3,
			MaxWriteFailures: 3,
			ScanTimeoutMs:    30000,
			ScanRetryMs:      5000,
			ConnectFailures:  3,
		},
		Gateway: GatewayConfig{
			Listen:            ":8080",
			RefreshIntervalMs: 3000,
		},
		Store: StoreConfig{
			MaxRows:         10000,
			PruneIntervalMs: 60000,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over Default. An empty path returns Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (p ProtocolConfig) RequestTimeout() time.Duration { return ms(p.RequestTimeoutMs) }
func (p ProtocolConfig) HealthInterval() time.Duration { return ms(p.HealthIntervalMs) }
func (p ProtocolConfig) ScanTimeout() time.Duration    { return ms(p.ScanTimeoutMs) }
func (p ProtocolConfig) ScanRetry() time.Duration      { return ms(p.ScanRetryMs) }
func (g GatewayConfig) RefreshInterval() time.Duration { return ms(g.RefreshIntervalMs) }
func (s StoreConfig) PruneInterval() time.Duration     { return ms(s.PruneIntervalMs) }
