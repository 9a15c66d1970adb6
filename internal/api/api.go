// Package api implements the relay server: REST routes and the websocket
// relay carrying {method, data} envelopes.
//
// Routes:
//
//	GET    /healthcheck                        liveness text
//	GET    /api/v1/status                      connection state, last error, hub
//	GET    /api/v1/pedestals                   cached pedestals (?refresh=true reads the hub)
//	POST   /api/v1/pedestals/color             set colors
//	POST   /api/v1/pedestals/{address}/blink   start blinking
//	DELETE /api/v1/pedestals/{address}/blink   stop blinking
//	GET    /api/v1/journal                     recent journal entries
//	GET    /websocket                          relay
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rytrose/pumpkin-pedestals/internal/dispatch"
	"github.com/rytrose/pumpkin-pedestals/internal/pedestal"
	"github.com/rytrose/pumpkin-pedestals/internal/protocol"
	"github.com/rytrose/pumpkin-pedestals/internal/store"
	"github.com/rytrose/pumpkin-pedestals/internal/transport"
)

// commandTimeout bounds one relay or REST command, including the hub round
// trip and any wait for a free sequence id.
const commandTimeout = 5 * time.Second

// Connection is the subset of connection.Manager the API reads.
type Connection interface {
	State() transport.ConnectionState
	Err() error
	Device() (transport.Device, bool)
	Pending() int
}

// Commands is the subset of pedestal.Client the API drives.
type Commands interface {
	Healthcheck(ctx context.Context) (time.Duration, error)
	SetPedestalsColor(ctx context.Context, colors map[string]string) (pedestal.SetResult, error)
	BlinkPedestal(ctx context.Context, addr string) error
	StopBlinking(ctx context.Context, addr string) error
}

// Cache is the subset of pedestal.Cache the API uses.
type Cache interface {
	List() []pedestal.Pedestal
	Refresh(ctx context.Context) ([]pedestal.Pedestal, error)
	Apply(res pedestal.SetResult)
	SetBlinking(addr string, on bool)
	Updated() time.Time
}

// Subscriber hands each websocket client its own envelope stream.
type Subscriber interface {
	Subscribe() (<-chan Envelope, func())
	Len() int
}

// Deps holds handler dependencies.
type Deps struct {
	Conn     Connection
	Commands Commands
	Cache    Cache
	Journal  store.Journal
	Events   Subscriber
	Log      *zap.Logger
}

// Server holds handler dependencies.
type Server struct {
	Deps
}

// NewRouter wires every route and returns a http.Handler.
func NewRouter(d Deps) http.Handler {
	s := &Server{Deps: d}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthcheck", s.healthcheck)

	// Status
	mux.HandleFunc("GET /api/v1/status", s.status)

	// Pedestals
	mux.HandleFunc("GET /api/v1/pedestals", s.listPedestals)
	mux.HandleFunc("POST /api/v1/pedestals/color", s.setColor)
	mux.HandleFunc("POST /api/v1/pedestals/{address}/blink", s.blink)
	mux.HandleFunc("DELETE /api/v1/pedestals/{address}/blink", s.stopBlink)

	// Journal
	mux.HandleFunc("GET /api/v1/journal", s.journal)

	// Relay
	mux.HandleFunc("GET /websocket", s.relay)

	return withLogging(d.Log, mux)
}

func (s *Server) healthcheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("I'm up!")) //nolint:errcheck
}

// ── Status ────────────────────────────────────────────────────────────────

// Status is the body of GET /api/v1/status and the connectionState push.
type Status struct {
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	Device     string    `json:"device,omitempty"`
	Pending    int       `json:"pending"`
	Clients    int       `json:"clients"`
	CacheAt    time.Time `json:"cache_updated_at,omitempty"`
	ServerTime time.Time `json:"time"`
}

func (s *Server) snapshot() Status {
	st := Status{
		State:      s.Conn.State().String(),
		Pending:    s.Conn.Pending(),
		Clients:    s.Events.Len(),
		CacheAt:    s.Cache.Updated(),
		ServerTime: time.Now().UTC(),
	}
	if err := s.Conn.Err(); err != nil {
		st.Error = err.Error()
	}
	if dev, ok := s.Conn.Device(); ok {
		st.Device = dev.ID
	}
	return st
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// ── Pedestals ─────────────────────────────────────────────────────────────

// PedestalList is the data of getPedestals and the pedestal REST bodies.
type PedestalList struct {
	Pedestals []pedestal.Pedestal `json:"pedestals"`
	Missing   []string            `json:"missing,omitempty"`
}

// ColorRequest is the data of setPedestalsColor.
type ColorRequest struct {
	Pedestals []struct {
		Address string `json:"address"`
		Color   string `json:"color"`
	} `json:"pedestals"`
}

// AddressRequest is the data of blinkPedestal and stopBlinking.
type AddressRequest struct {
	Address string `json:"address"`
}

// BlinkState is the reply to blinkPedestal and stopBlinking.
type BlinkState struct {
	Address  string `json:"address"`
	Blinking bool   `json:"blinking"`
}

func (s *Server) listPedestals(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	list, err := s.getPedestals(r.Context(), refresh)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) setColor(w http.ResponseWriter, r *http.Request) {
	var req ColorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	list, err := s.setPedestalsColor(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) blink(w http.ResponseWriter, r *http.Request) {
	st, err := s.setBlink(r.Context(), r.PathValue("address"), true)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) stopBlink(w http.ResponseWriter, r *http.Request) {
	st, err := s.setBlink(r.Context(), r.PathValue("address"), false)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ── Journal ───────────────────────────────────────────────────────────────

func (s *Server) journal(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.Journal.Recent(r.Context(), limit)
	if err != nil {
		s.Log.Error("api: list journal", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// ── Commands shared by REST and the relay ─────────────────────────────────

func (s *Server) healthcheckRTT(ctx context.Context) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	rtt, err := s.Commands.Healthcheck(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"rtt_ms": rtt.Milliseconds()}, nil
}

func (s *Server) getPedestals(ctx context.Context, refresh bool) (PedestalList, error) {
	if !refresh {
		return PedestalList{Pedestals: nonNil(s.Cache.List())}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	list, err := s.Cache.Refresh(ctx)
	if err != nil {
		return PedestalList{}, err
	}
	return PedestalList{Pedestals: nonNil(list)}, nil
}

func (s *Server) setPedestalsColor(ctx context.Context, req ColorRequest) (PedestalList, error) {
	if len(req.Pedestals) == 0 {
		return PedestalList{}, fmt.Errorf("%w: no pedestals given", errBadRequest)
	}
	colors := make(map[string]string, len(req.Pedestals))
	for _, p := range req.Pedestals {
		colors[p.Address] = p.Color
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	res, err := s.Commands.SetPedestalsColor(ctx, colors)
	s.record(MethodSetPedestalsColor, fmt.Sprintf("%d pedestals", len(colors)), firstErr(err, res.Warning()))
	if err != nil {
		return PedestalList{}, err
	}
	s.Cache.Apply(res)
	return PedestalList{Pedestals: nonNil(pedestal.Sorted(res.Pedestals)), Missing: res.Missing}, nil
}

func (s *Server) setBlink(ctx context.Context, addr string, on bool) (BlinkState, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	method := MethodStopBlinking
	send := s.Commands.StopBlinking
	if on {
		method = MethodBlinkPedestal
		send = s.Commands.BlinkPedestal
	}
	err := send(ctx, addr)
	s.record(method, addr, err)
	if err != nil {
		return BlinkState{}, err
	}
	s.Cache.SetBlinking(addr, on)
	return BlinkState{Address: strings.ToLower(addr), Blinking: on}, nil
}

// record journals a state-changing command outcome.
func (s *Server) record(method, detail string, err error) {
	e := store.Entry{Kind: store.KindCommand, Name: method, Detail: detail}
	if err != nil {
		e.Err = err.Error()
	}
	if _, jerr := s.Journal.Append(context.Background(), e); jerr != nil {
		s.Log.Warn("api: journal command", zap.String("method", method), zap.Error(jerr))
	}
}

// ── Errors ────────────────────────────────────────────────────────────────

var errBadRequest = errors.New("bad request")

// statusFor maps a command error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, pedestal.ErrBadAddress),
		errors.Is(err, pedestal.ErrBadColor):
		return http.StatusBadRequest
	case errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, protocol.ErrConnectionLost),
		errors.Is(err, dispatch.ErrSequenceBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.Log.Warn("api: command failed", zap.Int("status", code), zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("api: %T cannot be hijacked", rw.ResponseWriter)
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}

func nonNil(ps []pedestal.Pedestal) []pedestal.Pedestal {
	if ps == nil {
		return []pedestal.Pedestal{}
	}
	return ps
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
