package transport

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const serialPollInterval = 500 * time.Millisecond

// SerialRadio talks to a hub attached over USB CDC. Ports whose path matches
// pattern are offered as hub candidates named name.
type SerialRadio struct {
	pattern string
	name    string
	mode    *serial.Mode
	log     *zap.Logger

	// listPorts is swapped in tests.
	listPorts func() ([]string, error)
}

// NewSerialRadio returns a radio enumerating ports matching pattern (a
// filepath.Match glob such as "/dev/ttyACM*").
func NewSerialRadio(pattern, name string, baud int, log *zap.Logger) *SerialRadio {
	return &SerialRadio{
		pattern: pattern,
		name:    name,
		mode: &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		log:       log,
		listPorts: serial.GetPortsList,
	}
}

func (r *SerialRadio) RequestPermission(ctx context.Context) error {
	if _, err := r.listPorts(); err != nil {
		if serialCode(err) == serial.PermissionDenied {
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return fmt.Errorf("transport: list serial ports: %w", err)
	}
	return ctx.Err()
}

func (r *SerialRadio) WatchAdapter(ctx context.Context) (<-chan AdapterState, error) {
	return staticAdapter(ctx, AdapterPoweredOn), nil
}

// Scan polls the port list until a matching port appears.
func (r *SerialRadio) Scan(ctx context.Context, match Matcher) (Device, error) {
	ticker := time.NewTicker(serialPollInterval)
	defer ticker.Stop()

	for {
		ports, err := r.listPorts()
		if err != nil {
			return Device{}, fmt.Errorf("transport: list serial ports: %w", err)
		}
		sort.Strings(ports)
		for _, p := range ports {
			ok, err := filepath.Match(r.pattern, p)
			if err != nil {
				return Device{}, fmt.Errorf("transport: serial pattern %q: %w", r.pattern, err)
			}
			if !ok {
				continue
			}
			dev := Device{ID: "serial://" + p, Name: r.name, Address: p}
			if match(dev) {
				return dev, nil
			}
		}

		select {
		case <-ctx.Done():
			return Device{}, fmt.Errorf("%w: no port matching %q: %w", ErrNotFound, r.pattern, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *SerialRadio) Connect(ctx context.Context, dev Device) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := serial.Open(dev.Address, r.mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", dev.Address, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		r.log.Debug("serial: reset input buffer", zap.String("port", dev.Address), zap.Error(err))
	}
	r.log.Info("serial: opened", zap.String("port", dev.Address), zap.Int("baud", r.mode.BaudRate))
	return newStreamLink(dev.ID, port, classifySerialError, r.log), nil
}

// classifySerialError tags unplug-style failures as device disconnects.
func classifySerialError(err error) error {
	switch serialCode(err) {
	case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
		return fmt.Errorf("%w: %w", ErrDeviceDisconnected, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "input/output error") ||
		strings.Contains(msg, "no such device") ||
		strings.Contains(msg, "device not configured") {
		return fmt.Errorf("%w: %w", ErrDeviceDisconnected, err)
	}
	return classifyStreamError(err)
}

// serialCode extracts the port error code, or -1.
func serialCode(err error) serial.PortErrorCode {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		return pe.Code()
	}
	var pv serial.PortError
	if errors.As(err, &pv) {
		return pv.Code()
	}
	return -1
}
