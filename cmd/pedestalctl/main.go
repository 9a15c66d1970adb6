// Command pedestalctl sends one relay request to a running pedestald and
// prints the reply.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rytrose/pumpkin-pedestals/internal/api"
)

const usage = `usage: pedestalctl [-addr host:port] <command>

commands:
  health                      round trip to the hub
  status                      connection state
  pedestals [-refresh]        list pedestals
  set ADDR=COLOR...           set colors, e.g. set 00=ff0000 01=00ff00
  blink ADDR                  start blinking
  stop-blink ADDR             stop blinking`

func main() {
	addr := flag.String("addr", "localhost:8080", "pedestald address")
	timeout := flag.Duration("timeout", 10*time.Second, "reply timeout")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	req, err := buildRequest(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	reply, err := call(*addr, req, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := reply.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(reply) //nolint:errcheck
}

func buildRequest(args []string) (api.Envelope, error) {
	switch args[0] {
	case "health":
		return api.NewEnvelope(api.MethodHealthcheck, nil)
	case "status":
		return api.NewEnvelope(api.MethodConnectionState, nil)
	case "pedestals":
		refresh := len(args) > 1 && args[1] == "-refresh"
		return api.NewEnvelope(api.MethodGetPedestals, map[string]bool{"refresh": refresh})
	case "set":
		if len(args) < 2 {
			return api.Envelope{}, fmt.Errorf("set needs at least one ADDR=COLOR")
		}
		var req api.ColorRequest
		for _, a := range args[1:] {
			addr, color, ok := strings.Cut(a, "=")
			if !ok {
				return api.Envelope{}, fmt.Errorf("bad pair %q, want ADDR=COLOR", a)
			}
			req.Pedestals = append(req.Pedestals, struct {
				Address string `json:"address"`
				Color   string `json:"color"`
			}{addr, color})
		}
		return api.NewEnvelope(api.MethodSetPedestalsColor, req)
	case "blink", "stop-blink":
		if len(args) < 2 {
			return api.Envelope{}, fmt.Errorf("%s needs an address", args[0])
		}
		method := api.MethodBlinkPedestal
		if args[0] == "stop-blink" {
			method = api.MethodStopBlinking
		}
		return api.NewEnvelope(method, api.AddressRequest{Address: args[1]})
	default:
		return api.Envelope{}, fmt.Errorf("unknown command: %s", args[0])
	}
}

// call sends req and returns the first reply carrying the same method.
// Pushes for other methods are skipped.
func call(addr string, req api.Envelope, timeout time.Duration) (api.Envelope, error) {
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/websocket", nil)
	if err != nil {
		return api.Envelope{}, fmt.Errorf("connect to pedestald: %w (is `pedestald` running?)", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(req); err != nil {
		return api.Envelope{}, fmt.Errorf("send request: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(timeout)) //nolint:errcheck

	// The connection opens with a connectionState push; a status request is
	// answered by the reply that follows it.
	skipFirst := req.Method == api.MethodConnectionState
	for {
		var env api.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return api.Envelope{}, fmt.Errorf("read response: %w", err)
		}
		if env.Method != req.Method {
			continue
		}
		if skipFirst {
			skipFirst = false
			continue
		}
		return env, nil
	}
}
