package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/rytrose/pumpkin-pedestals/internal/dispatch"
	"github.com/rytrose/pumpkin-pedestals/internal/pedestal"
	"github.com/rytrose/pumpkin-pedestals/internal/protocol"
	"github.com/rytrose/pumpkin-pedestals/internal/store"
	"github.com/rytrose/pumpkin-pedestals/internal/transport"
)

// ── fakes ─────────────────────────────────────────────────────────────────

type fakeConn struct {
	state transport.ConnectionState
	err   error
}

func (f fakeConn) State() transport.ConnectionState { return f.state }
func (f fakeConn) Err() error                       { return f.err }
func (f fakeConn) Pending() int                     { return 0 }
func (f fakeConn) Device() (transport.Device, bool) {
	return transport.Device{ID: "sim://CIRCUITPYbd17"}, f.state == transport.StateConnected
}

type fakeCommands struct {
	err     error
	set     map[string]string
	blinked []string
}

func (f *fakeCommands) Healthcheck(context.Context) (time.Duration, error) {
	return 12 * time.Millisecond, f.err
}

func (f *fakeCommands) SetPedestalsColor(_ context.Context, colors map[string]string) (pedestal.SetResult, error) {
	if f.err != nil {
		return pedestal.SetResult{}, f.err
	}
	f.set = colors
	res := pedestal.SetResult{Pedestals: map[string]pedestal.Pedestal{}}
	for a, c := range colors {
		if a == "31" {
			res.Missing = append(res.Missing, a)
			continue
		}
		res.Pedestals[a] = pedestal.Pedestal{Address: a, Color: c}
	}
	return res, nil
}

func (f *fakeCommands) BlinkPedestal(_ context.Context, addr string) error {
	f.blinked = append(f.blinked, addr+"1")
	return f.err
}

func (f *fakeCommands) StopBlinking(_ context.Context, addr string) error {
	f.blinked = append(f.blinked, addr+"0")
	return f.err
}

type fakeCache struct {
	list       []pedestal.Pedestal
	refreshErr error
	refreshed  int
	applied    []pedestal.SetResult
}

func (f *fakeCache) List() []pedestal.Pedestal { return f.list }
func (f *fakeCache) Refresh(context.Context) ([]pedestal.Pedestal, error) {
	f.refreshed++
	return f.list, f.refreshErr
}
func (f *fakeCache) Apply(res pedestal.SetResult) { f.applied = append(f.applied, res) }
func (f *fakeCache) SetBlinking(string, bool)     {}
func (f *fakeCache) Updated() time.Time           { return time.Time{} }

type fakeEvents struct{ ch chan Envelope }

func (f *fakeEvents) Subscribe() (<-chan Envelope, func()) { return f.ch, func() {} }
func (f *fakeEvents) Len() int                             { return 1 }

type fixture struct {
	srv      *httptest.Server
	commands *fakeCommands
	cache    *fakeCache
	journal  *store.MemoryJournal
	events   *fakeEvents
}

func newFixture(t *testing.T, conn fakeConn) *fixture {
	f := &fixture{
		commands: &fakeCommands{},
		cache:    &fakeCache{list: []pedestal.Pedestal{{Address: "00", Color: "ab1234"}}},
		journal:  store.NewMemoryJournal(),
		events:   &fakeEvents{ch: make(chan Envelope, 4)},
	}
	f.srv = httptest.NewServer(NewRouter(Deps{
		Conn:     conn,
		Commands: f.commands,
		Cache:    f.cache,
		Journal:  f.journal,
		Events:   f.events,
		Log:      zaptest.NewLogger(t),
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

// ── REST ──────────────────────────────────────────────────────────────────

func TestHealthcheckRoute(t *testing.T) {
	f := newFixture(t, fakeConn{state: transport.StateConnected})
	resp, body := f.do(t, http.MethodGet, "/healthcheck", "")
	if resp.StatusCode != http.StatusOK || string(body) != "I'm up!" {
		t.Fatalf("GET /healthcheck = %d %q", resp.StatusCode, body)
	}
}

func TestStatusRoute(t *testing.T) {
	f := newFixture(t, fakeConn{state: transport.StateReadyToConnect, err: transport.ErrNotFound})
	_, body := f.do(t, http.MethodGet, "/api/v1/status", "")
	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State != "READY_TO_CONNECT" || st.Error != transport.ErrNotFound.Error() || st.Device != "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestPedestalRoutes(t *testing.T) {
	f := newFixture(t, fakeConn{state: transport.StateConnected})

	_, body := f.do(t, http.MethodGet, "/api/v1/pedestals", "")
	if !strings.Contains(string(body), `"ab1234"`) || f.cache.refreshed != 0 {
		t.Fatalf("cached list = %s (refreshed %d)", body, f.cache.refreshed)
	}
	f.do(t, http.MethodGet, "/api/v1/pedestals?refresh=true", "")
	if f.cache.refreshed != 1 {
		t.Fatalf("refresh=true did not refresh")
	}

	resp, body := f.do(t, http.MethodPost, "/api/v1/pedestals/color",
		`{"pedestals":[{"address":"30","color":"414243"},{"address":"31","color":"484748"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST color = %d %s", resp.StatusCode, body)
	}
	var list PedestalList
	json.Unmarshal(body, &list) //nolint:errcheck
	if len(list.Missing) != 1 || list.Missing[0] != "31" || len(list.Pedestals) != 1 {
		t.Fatalf("set reply = %+v", list)
	}
	if f.commands.set["30"] != "414243" || len(f.cache.applied) != 1 {
		t.Fatalf("set %v, applied %d", f.commands.set, len(f.cache.applied))
	}

	f.do(t, http.MethodPost, "/api/v1/pedestals/00/blink", "")
	f.do(t, http.MethodDelete, "/api/v1/pedestals/00/blink", "")
	if got := strings.Join(f.commands.blinked, ","); got != "001,000" {
		t.Fatalf("blink calls = %s", got)
	}

	entries, _ := f.journal.Recent(context.Background(), 10)
	if len(entries) != 3 || entries[2].Name != MethodSetPedestalsColor || entries[2].Err == "" {
		t.Fatalf("journal = %+v", entries)
	}
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t, fakeConn{state: transport.StateConnected})
	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPost, "/api/v1/pedestals/color", "not json"},
		{http.MethodPost, "/api/v1/pedestals/color", `{"pedestals":[]}`},
		{http.MethodGet, "/api/v1/journal?limit=0", ""},
	} {
		if resp, body := f.do(t, tc.method, tc.path, tc.body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s %s %q = %d %s", tc.method, tc.path, tc.body, resp.StatusCode, body)
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", transport.ErrNotConnected), http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", protocol.ErrConnectionLost), http.StatusServiceUnavailable},
		{dispatch.ErrSequenceBusy, http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", protocol.ErrTimeout), http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{pedestal.ErrBadAddress, http.StatusBadRequest},
		{fmt.Errorf("x: %w", pedestal.ErrBadColor), http.StatusBadRequest},
		{dispatch.ErrUnexpectedCommand, http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestDisconnectedCommandIsUnavailable(t *testing.T) {
	f := newFixture(t, fakeConn{state: transport.StateReadyToConnect})
	f.commands.err = fmt.Errorf("pedestal: blink 00: %w", transport.ErrNotConnected)
	resp, body := f.do(t, http.MethodPost, "/api/v1/pedestals/00/blink", "")
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(body), "not connected") {
		t.Fatalf("blink while disconnected = %d %s", resp.StatusCode, body)
	}
}

// ── relay ─────────────────────────────────────────────────────────────────

func TestRelay(t *testing.T) {
	f := newFixture(t, fakeConn{state: transport.StateConnected})
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http")+"/websocket", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck

	read := func() Envelope {
		t.Helper()
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read: %v", err)
		}
		return env
	}

	if env := read(); env.Method != MethodConnectionState {
		t.Fatalf("first push = %q, want connectionState", env.Method)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"healthcheck","data":{}}`)) //nolint:errcheck
	env := read()
	var rtt struct {
		RTT int `json:"rtt_ms"`
	}
	if err := env.Decode(&rtt); err != nil || env.Method != MethodHealthcheck || rtt.RTT != 12 {
		t.Fatalf("healthcheck reply = %+v %+v %v", env, rtt, err)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"getPedestals"}`)) //nolint:errcheck
	var list PedestalList
	if err := read().Decode(&list); err != nil || len(list.Pedestals) != 1 {
		t.Fatalf("getPedestals reply = %+v, %v", list, err)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`)) //nolint:errcheck
	if env := read(); env.Method != "error" || env.Err() == nil {
		t.Fatalf("envelope without method = %+v", env)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"getPedestals","data":[1]}`)) //nolint:errcheck
	if env := read(); env.Method != MethodGetPedestals || env.Err() == nil {
		t.Fatalf("envelope with array data = %+v", env)
	}

	push, _ := NewEnvelope(MethodGetPedestals, PedestalList{Pedestals: []pedestal.Pedestal{{Address: "01"}}})
	f.events.ch <- push
	if env := read(); env.Method != MethodGetPedestals {
		t.Fatalf("push = %+v", env)
	}

	f.commands.err = protocol.ErrTimeout
	conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"blinkPedestal","data":{"address":"00"}}`)) //nolint:errcheck
	if env := read(); env.Method != MethodBlinkPedestal || env.Err() == nil {
		t.Fatalf("failed blink reply = %+v", env)
	}
}

// ── envelope ──────────────────────────────────────────────────────────────

func TestEnvelopeJSON(t *testing.T) {
	env, err := NewEnvelope(MethodSetPedestalsColor, map[string]any{
		"pedestals": []map[string]string{{"address": "30", "color": "414243"}},
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil || generic["method"] != MethodSetPedestalsColor {
		t.Fatalf("wire form = %s", raw)
	}

	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	var req ColorRequest
	if err := back.Decode(&req); err != nil || len(req.Pedestals) != 1 || req.Pedestals[0].Color != "414243" {
		t.Fatalf("decoded = %+v, %v", req, err)
	}

	for _, bad := range []string{`{}`, `{"method":"x","data":[1]}`, `[]`} {
		if err := json.Unmarshal([]byte(bad), &back); err == nil {
			t.Errorf("Unmarshal(%s) succeeded", bad)
		}
	}
	if _, err := NewEnvelope("x", []int{1}); err == nil {
		t.Error("NewEnvelope accepted a non-object")
	}
}
