package connection

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/rytrose/pumpkin-pedestals/internal/protocol"
	"github.com/rytrose/pumpkin-pedestals/internal/transport"
)

const hubName = "CIRCUITPYbd17"

func testOptions() Options {
	return Options{
		Match:           transport.MatchHub(hubName, ""),
		ScanTimeout:     time.Second,
		ScanRetry:       100 * time.Millisecond,
		RequestTimeout:  100 * time.Millisecond,
		HealthInterval:  20 * time.Millisecond,
		HealthThreshold: 3,
	}
}

func startManager(t *testing.T, sim *transport.SimRadio, opts Options) *Manager {
	t.Helper()
	m := New(sim, zaptest.NewLogger(t), opts)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return m
}

func newSim(t *testing.T) *transport.SimRadio {
	sim := transport.NewSimRadio(hubName, zaptest.NewLogger(t))
	sim.SetPedestal("30", "414243")
	sim.SetPedestal("31", "484748")
	return sim
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, m *Manager, s transport.ConnectionState) {
	t.Helper()
	waitFor(t, s.String(), func() bool { return m.State() == s })
}

// expectTransition waits for a published change to s.
func expectTransition(t *testing.T, ch <-chan StateChange, s transport.ConnectionState) StateChange {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case c := <-ch:
			if c.State == s {
				return c
			}
		case <-timeout:
			t.Fatalf("no transition to %s", s)
			return StateChange{}
		}
	}
}

func TestManagerConnectsAndServesRequests(t *testing.T) {
	sim := newSim(t)
	m := startManager(t, sim, testOptions())
	waitState(t, m, transport.StateConnected)

	dev, ok := m.Device()
	if !ok || dev.Name != hubName {
		t.Fatalf("Device() = %+v, %v", dev, ok)
	}
	reply, err := m.Request(context.Background(), protocol.GetPedestals)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	want := []string{"304142430", "314847480"}
	if !reflect.DeepEqual(reply.Payload, want) {
		t.Fatalf("payload = %q, want %q", reply.Payload, want)
	}
	if m.Err() != nil {
		t.Fatalf("Err() = %v after clean connect", m.Err())
	}
}

func TestManagerRequestWhileDisconnected(t *testing.T) {
	sim := newSim(t)
	sim.SetAdapter(transport.AdapterPoweredOff)
	m := startManager(t, sim, testOptions())

	if _, err := m.Request(context.Background(), protocol.Healthcheck); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Request error = %v, want ErrNotConnected", err)
	}
	if m.State() != transport.StateBluetoothUnavailable {
		t.Fatalf("State() = %s", m.State())
	}
}

func TestManagerDisconnectMidFlight(t *testing.T) {
	sim := newSim(t)
	opts := testOptions()
	opts.RequestTimeout = 2 * time.Second
	opts.HealthInterval = time.Hour
	m := startManager(t, sim, opts)
	waitState(t, m, transport.StateConnected)

	changes, unsub := m.Subscribe()
	defer unsub()

	sim.SetUnresponsive(true)
	errc := make(chan error, 1)
	go func() {
		_, err := m.Request(context.Background(), protocol.GetPedestals)
		errc <- err
	}()
	waitFor(t, "request in flight", func() bool { return m.Pending() > 1 || (m.Pending() == 1 && len(sim.Received()) >= 2) })

	start := time.Now()
	sim.DropLink()

	select {
	case err := <-errc:
		if !errors.Is(err, protocol.ErrConnectionLost) {
			t.Fatalf("error = %v, want ErrConnectionLost", err)
		}
		if waited := time.Since(start); waited > 500*time.Millisecond {
			t.Fatalf("pending request took %v to fail", waited)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request never failed")
	}

	c := expectTransition(t, changes, transport.StateReadyToConnect)
	if !strings.Contains(c.Err, "disconnected") {
		t.Fatalf("transition error = %q", c.Err)
	}
	sim.SetUnresponsive(false)
	expectTransition(t, changes, transport.StateConnected)
}

func TestManagerHealthFailureReconnects(t *testing.T) {
	sim := newSim(t)
	m := startManager(t, sim, testOptions())
	waitState(t, m, transport.StateConnected)

	changes, unsub := m.Subscribe()
	defer unsub()

	sim.SetUnresponsive(true)
	c := expectTransition(t, changes, transport.StateReadyToConnect)
	if !strings.Contains(c.Err, protocol.ErrTimeout.Error()) {
		t.Fatalf("transition error = %q, want a probe timeout", c.Err)
	}

	sim.SetUnresponsive(false)
	expectTransition(t, changes, transport.StateConnected)
}

func TestManagerScanRetryBackoff(t *testing.T) {
	sim := newSim(t)
	sim.FailScans(1)
	opts := testOptions()
	opts.ScanRetry = 200 * time.Millisecond
	start := time.Now()
	m := startManager(t, sim, opts)

	waitFor(t, "first scan", func() bool { return sim.Scans() >= 1 })
	time.Sleep(100 * time.Millisecond)
	if n := sim.Scans(); n != 1 {
		t.Fatalf("Scans() = %d before backoff elapsed, want 1", n)
	}
	if m.Err() == nil {
		t.Fatal("scan failure not reported through Err()")
	}

	waitState(t, m, transport.StateConnected)
	if elapsed := time.Since(start); elapsed < opts.ScanRetry {
		t.Fatalf("connected after %v, before the %v backoff", elapsed, opts.ScanRetry)
	}
	if n := sim.Scans(); n != 2 {
		t.Fatalf("Scans() = %d, want exactly one retry", n)
	}
}

func TestManagerConnectFailureRescans(t *testing.T) {
	sim := newSim(t)
	sim.FailConnects(1)
	m := startManager(t, sim, testOptions())

	waitState(t, m, transport.StateConnected)
	if n := sim.Scans(); n != 2 {
		t.Fatalf("Scans() = %d, want 2", n)
	}
}

func TestManagerRepeatedConnectFailuresBackOff(t *testing.T) {
	sim := newSim(t)
	sim.FailConnects(3)
	opts := testOptions()
	opts.ScanRetry = 200 * time.Millisecond
	opts.ConnectFailures = 2
	start := time.Now()
	m := startManager(t, sim, opts)

	// First failure rescans at once; the second starts the backoff.
	waitFor(t, "second scan", func() bool { return sim.Scans() >= 2 })
	time.Sleep(100 * time.Millisecond)
	if n := sim.Scans(); n != 2 {
		t.Fatalf("Scans() = %d before backoff elapsed, want 2", n)
	}

	waitState(t, m, transport.StateConnected)
	if elapsed := time.Since(start); elapsed < 2*opts.ScanRetry {
		t.Fatalf("connected after %v, want at least two backoffs of %v", elapsed, opts.ScanRetry)
	}
	if n := sim.Scans(); n != 4 {
		t.Fatalf("Scans() = %d, want 4", n)
	}
}

func TestManagerPermissionDeniedIsPersistent(t *testing.T) {
	sim := newSim(t)
	sim.DenyPermission(errors.New("user declined"))
	m := startManager(t, sim, testOptions())

	waitFor(t, "permission error", func() bool { return m.Err() != nil })
	if !errors.Is(m.Err(), transport.ErrPermissionDenied) {
		t.Fatalf("Err() = %v", m.Err())
	}
	time.Sleep(250 * time.Millisecond)
	if sim.Scans() != 0 {
		t.Fatalf("scanned %d times without permission", sim.Scans())
	}
	if m.State() != transport.StateBluetoothUnavailable {
		t.Fatalf("State() = %s", m.State())
	}
}

func TestManagerAdapterPowerCycle(t *testing.T) {
	sim := newSim(t)
	m := startManager(t, sim, testOptions())
	waitState(t, m, transport.StateConnected)

	sim.SetAdapter(transport.AdapterPoweredOff)
	waitState(t, m, transport.StateBluetoothUnavailable)
	if !errors.Is(m.Err(), transport.ErrAdapterUnavailable) {
		t.Fatalf("Err() = %v", m.Err())
	}
	if sim.Connected() {
		t.Fatal("link left open after adapter went away")
	}

	sim.SetAdapter(transport.AdapterPoweredOn)
	waitState(t, m, transport.StateConnected)
}

func TestManagerEchoesHubHealthcheck(t *testing.T) {
	sim := newSim(t)
	opts := testOptions()
	opts.HealthInterval = time.Hour
	m := startManager(t, sim, opts)
	waitState(t, m, transport.StateConnected)

	sim.HubRequest(protocol.Healthcheck, "hi")
	waitFor(t, "echo", func() bool {
		for _, l := range sim.Received() {
			if l == "100|00|hi" {
				return true
			}
		}
		return false
	})
}

func TestManagerMalformedLineKeepsConnection(t *testing.T) {
	sim := newSim(t)
	m := startManager(t, sim, testOptions())
	waitState(t, m, transport.StateConnected)

	changes, unsub := m.Subscribe()
	defer unsub()

	sim.Inject("this is not a packet\n")
	if _, err := m.Request(context.Background(), protocol.Healthcheck); err != nil {
		t.Fatalf("Request after malformed line: %v", err)
	}
	select {
	case c := <-changes:
		t.Fatalf("unexpected state change %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManagerRepeatedWriteFailuresTearDown(t *testing.T) {
	sim := newSim(t)
	opts := testOptions()
	opts.HealthInterval = time.Hour
	opts.MaxWriteFailures = 3
	m := startManager(t, sim, opts)
	waitState(t, m, transport.StateConnected)

	changes, unsub := m.Subscribe()
	defer unsub()

	waitFor(t, "initial probe", func() bool { return len(sim.Received()) >= 1 })
	sim.FailWrites(3)
	for i := 0; i < 3; i++ {
		if _, err := m.Request(context.Background(), protocol.Healthcheck); err == nil {
			t.Fatalf("request %d succeeded despite write failure", i)
		}
	}
	expectTransition(t, changes, transport.StateReadyToConnect)
	expectTransition(t, changes, transport.StateConnected)
}

func TestManagerReportError(t *testing.T) {
	sim := newSim(t)
	m := startManager(t, sim, testOptions())
	waitState(t, m, transport.StateConnected)

	changes, unsub := m.Subscribe()
	defer unsub()

	warn := errors.New("missing acknowledgement for 31")
	m.ReportError(warn)
	if !errors.Is(m.Err(), warn) {
		t.Fatalf("Err() = %v", m.Err())
	}
	c := <-changes
	if c.State != transport.StateConnected || c.Err != warn.Error() {
		t.Fatalf("change = %+v", c)
	}
}
