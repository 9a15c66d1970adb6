package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestSerialScanMatchesPattern(t *testing.T) {
	r := NewSerialRadio("/dev/ttyACM*", "CIRCUITPYbd17", 115200, zaptest.NewLogger(t))
	r.listPorts = func() ([]string, error) {
		return []string{"/dev/ttyS0", "/dev/ttyACM1", "/dev/ttyACM0"}, nil
	}

	dev, err := r.Scan(context.Background(), func(Device) bool { return true })
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if dev.Address != "/dev/ttyACM0" || dev.ID != "serial:///dev/ttyACM0" || dev.Name != "CIRCUITPYbd17" {
		t.Fatalf("device = %+v", dev)
	}
}

func TestSerialScanTimesOut(t *testing.T) {
	r := NewSerialRadio("/dev/ttyACM*", "CIRCUITPYbd17", 115200, zaptest.NewLogger(t))
	r.listPorts = func() ([]string, error) { return []string{"/dev/ttyS0"}, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := r.Scan(ctx, func(Device) bool { return true }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Scan error = %v, want ErrNotFound", err)
	}
}

func TestClassifySerialError(t *testing.T) {
	tests := []struct {
		err          error
		disconnected bool
	}{
		{io.EOF, true},
		{errors.New("read /dev/ttyACM0: input/output error"), true},
		{errors.New("write /dev/ttyACM0: no such device"), true},
		{errors.New("resource temporarily unavailable"), false},
	}
	for _, tt := range tests {
		got := errors.Is(classifySerialError(tt.err), ErrDeviceDisconnected)
		if got != tt.disconnected {
			t.Errorf("classifySerialError(%v) disconnected = %v, want %v", tt.err, got, tt.disconnected)
		}
	}
}
