package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/rytrose/pumpkin-pedestals/internal/api"
	"github.com/rytrose/pumpkin-pedestals/internal/config"
	"github.com/rytrose/pumpkin-pedestals/internal/store"
	"github.com/rytrose/pumpkin-pedestals/internal/transport"
)

func startGateway(t *testing.T) (*Gateway, *transport.SimRadio, store.Journal, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Radio.Kind = config.RadioSim
	cfg.Gateway.Listen = "127.0.0.1:0"
	cfg.Gateway.RefreshIntervalMs = 50

	log := zaptest.NewLogger(t)
	radio, err := transport.New(cfg, log)
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	sim := radio.(*transport.SimRadio)
	journal := store.NewMemoryJournal()
	g := New(cfg, radio, journal, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Start: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("gateway did not stop")
		}
	})

	select {
	case <-g.Ready():
	case err := <-done:
		t.Fatalf("Start returned early: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for g.Manager().State() != transport.StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("gateway never connected, state %s", g.Manager().State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	return g, sim, journal, g.Addr().String()
}

// readMethod returns the next envelope carrying method, skipping pushes.
func readMethod(t *testing.T, conn *websocket.Conn, method string) api.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	for {
		var env api.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read %s: %v", method, err)
		}
		if env.Method == method {
			return env
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, method string, data any) {
	t.Helper()
	env, err := api.NewEnvelope(method, data)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
}

func TestGatewayRelayEndToEnd(t *testing.T) {
	g, sim, _, addr := startGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/websocket", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send(t, conn, api.MethodHealthcheck, nil)
	if env := readMethod(t, conn, api.MethodHealthcheck); env.Err() != nil {
		t.Fatalf("healthcheck: %v", env.Err())
	}

	send(t, conn, api.MethodGetPedestals, map[string]bool{"refresh": true})
	var list api.PedestalList
	if err := readMethod(t, conn, api.MethodGetPedestals).Decode(&list); err != nil {
		t.Fatalf("decode pedestals: %v", err)
	}
	if len(list.Pedestals) != 2 || list.Pedestals[0].Address != "00" || list.Pedestals[0].Color != "ab1234" {
		t.Fatalf("pedestals = %+v", list.Pedestals)
	}

	send(t, conn, api.MethodSetPedestalsColor, map[string]any{
		"pedestals": []map[string]string{{"address": "01", "color": "ff0000"}, {"address": "07", "color": "00ff00"}},
	})
	env := readMethod(t, conn, api.MethodSetPedestalsColor)
	if err := env.Decode(&list); err != nil {
		t.Fatalf("decode set reply: %v", err)
	}
	if len(list.Missing) != 1 || list.Missing[0] != "07" {
		t.Fatalf("missing = %v, want [07]", list.Missing)
	}
	if color, _, _ := sim.Pedestal("01"); color != "ff0000" {
		t.Fatalf("hub color for 01 = %q", color)
	}

	send(t, conn, api.MethodBlinkPedestal, map[string]string{"address": "00"})
	var blink api.BlinkState
	if err := readMethod(t, conn, api.MethodBlinkPedestal).Decode(&blink); err != nil || !blink.Blinking {
		t.Fatalf("blink reply = %+v, %v", blink, err)
	}
	if _, blinking, _ := sim.Pedestal("00"); !blinking {
		t.Fatal("hub pedestal 00 not blinking")
	}

	send(t, conn, api.MethodStopBlinking, map[string]string{"address": "00"})
	readMethod(t, conn, api.MethodStopBlinking)
	if _, blinking, _ := sim.Pedestal("00"); blinking {
		t.Fatal("hub pedestal 00 still blinking")
	}
	if err := g.Manager().Err(); err != nil && strings.Contains(err.Error(), "BLINK_PEDESTAL") {
		t.Fatalf("blink reported as unacknowledged: %v", err)
	}

	send(t, conn, "rainbow", nil)
	if env := readMethod(t, conn, "rainbow"); env.Err() == nil {
		t.Fatal("unknown method did not return an error envelope")
	}
}

func TestGatewayPushesAndJournal(t *testing.T) {
	g, sim, journal, addr := startGateway(t)

	resp, err := http.Get("http://" + addr + "/healthcheck")
	if err != nil {
		t.Fatalf("GET /healthcheck: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "I'm up!" {
		t.Fatalf("healthcheck body = %q", body)
	}

	pushes, unsub := g.Bus().Subscribe()
	defer unsub()

	sim.DropLink()
	deadline := time.After(3 * time.Second)
	sawReady := false
	for !sawReady {
		select {
		case env := <-pushes:
			if env.Method != api.MethodConnectionState {
				continue
			}
			var c struct {
				State string `json:"state"`
			}
			if err := env.Decode(&c); err != nil {
				t.Fatalf("decode push: %v", err)
			}
			sawReady = c.State == transport.StateReadyToConnect.String()
		case <-deadline:
			t.Fatal("no READY_TO_CONNECT push after link drop")
		}
	}

	// The journal is written by the ingest loop; poll for the transitions.
	want := map[string]bool{"CONNECTED": false, "READY_TO_CONNECT": false}
	poll := time.Now().Add(3 * time.Second)
	for {
		entries, err := journal.Recent(context.Background(), 100)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		for _, e := range entries {
			if _, ok := want[e.Name]; ok && e.Kind == store.KindState {
				want[e.Name] = true
			}
		}
		if want["CONNECTED"] && want["READY_TO_CONNECT"] {
			break
		}
		if time.Now().After(poll) {
			t.Fatalf("journal missing transitions: %+v", entries)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err = http.Get("http://" + addr + "/api/v1/journal?limit=10")
	if err != nil {
		t.Fatalf("GET /api/v1/journal: %v", err)
	}
	defer resp.Body.Close()
	var page struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil || page.Count == 0 {
		t.Fatalf("journal page = %+v, %v", page, err)
	}
}
