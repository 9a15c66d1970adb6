// Package transport provides the Radio and Link abstractions over the hub's
// duplex byte channel, with BlueZ, serial, TCP and simulated implementations.
package transport

import (
	"context"
	"errors"
	"strings"
)

// ConnectionState describes the hub link as seen by the controller.
type ConnectionState int

const (
	StateBluetoothUnavailable ConnectionState = iota
	StateReadyToConnect
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateReadyToConnect:
		return "READY_TO_CONNECT"
	case StateConnected:
		return "CONNECTED"
	default:
		return "BLUETOOTH_UNAVAILABLE"
	}
}

// MarshalText renders the state name in JSON.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AdapterState is the power state reported by the local radio.
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterPoweredOff
	AdapterPoweredOn
	AdapterUnauthorized
)

func (s AdapterState) String() string {
	switch s {
	case AdapterPoweredOff:
		return "powered-off"
	case AdapterPoweredOn:
		return "powered-on"
	case AdapterUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

var (
	ErrPermissionDenied   = errors.New("transport: permission denied")
	ErrAdapterUnavailable = errors.New("transport: adapter unavailable")
	ErrDeviceDisconnected = errors.New("transport: device disconnected")
	ErrNotFound           = errors.New("transport: hub not found")
	ErrNotConnected       = errors.New("transport: not connected")
)

// Device is a discovered hub candidate.
type Device struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Address  string   `json:"address,omitempty"`
	Services []string `json:"services,omitempty"`
}

// Matcher selects the hub among discovered devices.
type Matcher func(Device) bool

// MatchHub matches a device by advertised name or by service UUID.
func MatchHub(name, serviceUUID string) Matcher {
	return func(d Device) bool {
		if name != "" && d.Name == name {
			return true
		}
		if serviceUUID == "" {
			return false
		}
		for _, s := range d.Services {
			if strings.EqualFold(s, serviceUUID) {
				return true
			}
		}
		return false
	}
}

// Radio is the local radio capability. Every method may fail; callers turn
// failures into connection state transitions.
type Radio interface {
	// RequestPermission checks that the process may use the radio.
	// ErrPermissionDenied is persistent.
	RequestPermission(ctx context.Context) error
	// WatchAdapter streams adapter state, starting with the current one.
	// The channel is closed when ctx is done.
	WatchAdapter(ctx context.Context) (<-chan AdapterState, error)
	// Scan blocks until a device satisfying match is found or ctx is done.
	Scan(ctx context.Context, match Matcher) (Device, error)
	// Connect opens a link to dev.
	Connect(ctx context.Context, dev Device) (Link, error)
}

// Link is an open duplex channel to the hub. Implementations must be safe
// for concurrent use.
type Link interface {
	ID() string
	// DiscoverServices locates the read and write characteristics.
	DiscoverServices(ctx context.Context) error
	// Monitor starts delivering inbound bytes to onData. onDisconnect is
	// called at most once, when the link drops without Disconnect being
	// called; the error wraps ErrDeviceDisconnected when the device went away.
	Monitor(onData func([]byte), onDisconnect func(error)) error
	Write(p []byte) error
	Disconnect() error
}
