package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval = 20 * time.Second
	writeWait    = 10 * time.Second
	outboxSize   = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// relay serves one websocket client. Requests are answered in order with an
// envelope carrying the same method; pushed events share the same writer.
func (s *Server) relay(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	log := s.Log.With(zap.String("session", uuid.NewString()))
	log.Info("relay client connected", zap.String("remote", r.RemoteAddr))
	defer log.Info("relay client disconnected")

	events, unsub := s.Events.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The status push lets a new client render without polling.
	outbox := make(chan Envelope, outboxSize)
	if env, err := NewEnvelope(MethodConnectionState, s.snapshot()); err == nil {
		outbox <- env
	}

	go func() {
		defer cancel()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("api: ws read", zap.Error(err))
				}
				return
			}
			var reply Envelope
			var req Envelope
			if err := json.Unmarshal(raw, &req); err != nil {
				log.Warn("relay: bad envelope", zap.ByteString("raw", raw), zap.Error(err))
				method := req.Method
				if method == "" {
					method = "error"
				}
				reply = ErrorEnvelope(method, err)
			} else {
				reply = s.handle(ctx, log, req)
			}
			select {
			case outbox <- reply:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		var env Envelope
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case env = <-outbox:
		case e, ok := <-events:
			if !ok {
				return
			}
			env = e
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
		if err := conn.WriteJSON(env); err != nil {
			log.Debug("api: ws write", zap.Error(err))
			return
		}
	}
}

// handle runs one relay request and returns its reply envelope.
func (s *Server) handle(ctx context.Context, log *zap.Logger, req Envelope) Envelope {
	log.Debug("relay request", zap.String("method", req.Method))

	var (
		data any
		err  error
	)
	switch req.Method {
	case MethodHealthcheck:
		data, err = s.healthcheckRTT(ctx)
	case MethodGetPedestals:
		var args struct {
			Refresh bool `json:"refresh"`
		}
		if err = req.Decode(&args); err == nil {
			data, err = s.getPedestals(ctx, args.Refresh)
		}
	case MethodSetPedestalsColor:
		var args ColorRequest
		if err = req.Decode(&args); err == nil {
			data, err = s.setPedestalsColor(ctx, args)
		}
	case MethodBlinkPedestal, MethodStopBlinking:
		var args AddressRequest
		if err = req.Decode(&args); err == nil {
			data, err = s.setBlink(ctx, args.Address, req.Method == MethodBlinkPedestal)
		}
	case MethodConnectionState:
		data = s.snapshot()
	default:
		err = fmt.Errorf("%w: unknown method %q", errBadRequest, req.Method)
	}

	if err != nil {
		log.Warn("relay request failed", zap.String("method", req.Method), zap.Error(err))
		return ErrorEnvelope(req.Method, err)
	}
	env, err := NewEnvelope(req.Method, data)
	if err != nil {
		return ErrorEnvelope(req.Method, err)
	}
	return env
}
