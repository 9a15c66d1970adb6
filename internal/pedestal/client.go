// Package pedestal implements the hub commands that read and change pedestal
// colors, and a cache of the last known pedestal list.
package pedestal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rytrose/pumpkin-pedestals/internal/protocol"
)

// AddressLen is the fixed width of a pedestal address inside a field.
const AddressLen = 2

var (
	// ErrBadField is returned for a pedestal field too short to carry an
	// address and a color.
	ErrBadField = errors.New("pedestal: malformed pedestal field")
	// ErrBadAddress is returned for an address that is not AddressLen
	// characters, contains a reserved character or is given twice.
	ErrBadAddress = errors.New("pedestal: invalid address")
	// ErrBadColor is returned for a color that is not six hex digits.
	ErrBadColor = errors.New("pedestal: invalid color")
)

// Requester sends one command to the hub and waits for the reply.
// connection.Manager satisfies it.
type Requester interface {
	Request(ctx context.Context, cmd protocol.Command, payload ...string) (protocol.Reply, error)
}

// errorReporter is implemented by requesters that surface recoverable
// errors to observers.
type errorReporter interface {
	ReportError(err error)
}

// Pedestal is one light fixture as reported by the hub.
type Pedestal struct {
	Address  string `json:"address"`
	Color    string `json:"color"`
	Blinking bool   `json:"blinking"`
}

// ParseField splits a hub field into address, color and the optional
// trailing blink digit ("AARRGGBB" or "AARRGGBBb"). Addresses are
// lower-cased, as the hub stores them.
func ParseField(f string) (Pedestal, error) {
	if len(f) <= AddressLen {
		return Pedestal{}, fmt.Errorf("%w: %q", ErrBadField, f)
	}
	p := Pedestal{Address: strings.ToLower(f[:AddressLen])}
	rest := f[AddressLen:]
	if n := len(rest); n == 7 && (rest[6] == '0' || rest[6] == '1') {
		p.Color = rest[:6]
		p.Blinking = rest[6] == '1'
		return p, nil
	}
	p.Color = rest
	return p, nil
}

// MissingAckError lists requested addresses that the hub's reply did not
// acknowledge. It is a warning: the rest of the command succeeded.
type MissingAckError struct {
	Command   protocol.Command
	Addresses []string
}

func (e *MissingAckError) Error() string {
	return fmt.Sprintf("pedestal: %s not acknowledged for %s", e.Command, strings.Join(e.Addresses, ", "))
}

// SetResult is the outcome of SetPedestalsColor.
type SetResult struct {
	// Pedestals is the hub's pedestal list after the change.
	Pedestals map[string]Pedestal
	// Missing holds requested addresses absent from the acknowledgement.
	Missing []string
}

// Warning returns a *MissingAckError when some addresses were not
// acknowledged, or nil.
func (r SetResult) Warning() error {
	if len(r.Missing) == 0 {
		return nil
	}
	return &MissingAckError{Command: protocol.SetPedestalsColor, Addresses: r.Missing}
}

// Client issues pedestal commands through a Requester.
type Client struct {
	r   Requester
	log *zap.Logger
}

// NewClient returns a Client. Warnings are reported through r when it
// implements ReportError.
func NewClient(r Requester, log *zap.Logger) *Client {
	return &Client{r: r, log: log}
}

// Healthcheck probes the hub once and returns the round trip time.
func (c *Client) Healthcheck(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.r.Request(ctx, protocol.Healthcheck); err != nil {
		return 0, fmt.Errorf("pedestal: healthcheck: %w", err)
	}
	return time.Since(start), nil
}

// GetPedestals returns every pedestal the hub knows, keyed by address.
func (c *Client) GetPedestals(ctx context.Context) (map[string]Pedestal, error) {
	reply, err := c.r.Request(ctx, protocol.GetPedestals)
	if err != nil {
		return nil, fmt.Errorf("pedestal: get: %w", err)
	}
	return c.parse(reply.Payload), nil
}

// SetPedestalsColor sends address+color pairs. Addresses are lower-cased
// and colors must be six hex digits. Addresses the reply does not enumerate
// are returned in SetResult.Missing and reported as a warning.
func (c *Client) SetPedestalsColor(ctx context.Context, colors map[string]string) (SetResult, error) {
	byAddr := make(map[string]string, len(colors))
	addrs := make([]string, 0, len(colors))
	for a, color := range colors {
		norm, err := normalizeAddress(a)
		if err != nil {
			return SetResult{}, err
		}
		if _, dup := byAddr[norm]; dup {
			return SetResult{}, fmt.Errorf("%w: %q given twice", ErrBadAddress, norm)
		}
		if !validColor(color) {
			return SetResult{}, fmt.Errorf("%w: %q for %s", ErrBadColor, color, norm)
		}
		byAddr[norm] = color
		addrs = append(addrs, norm)
	}
	sort.Strings(addrs)

	fields := make([]string, len(addrs))
	for i, a := range addrs {
		fields[i] = a + byAddr[a]
	}
	reply, err := c.r.Request(ctx, protocol.SetPedestalsColor, fields...)
	if err != nil {
		return SetResult{}, fmt.Errorf("pedestal: set color: %w", err)
	}

	res := SetResult{Pedestals: c.parse(reply.Payload)}
	for _, a := range addrs {
		if _, ok := res.Pedestals[a]; !ok {
			res.Missing = append(res.Missing, a)
		}
	}
	if w := res.Warning(); w != nil {
		c.warn(w)
	}
	return res, nil
}

// BlinkPedestal starts addr blinking.
func (c *Client) BlinkPedestal(ctx context.Context, addr string) error {
	return c.blink(ctx, addr, true)
}

// StopBlinking stops addr blinking.
func (c *Client) StopBlinking(ctx context.Context, addr string) error {
	return c.blink(ctx, addr, false)
}

func (c *Client) blink(ctx context.Context, addr string, on bool) error {
	addr, err := normalizeAddress(addr)
	if err != nil {
		return err
	}
	field := addr + "0"
	if on {
		field = addr + "1"
	}
	reply, err := c.r.Request(ctx, protocol.BlinkPedestal, field)
	if err != nil {
		return fmt.Errorf("pedestal: blink %s: %w", addr, err)
	}
	if !blinkAcked(reply.Payload, field, on) {
		c.warn(&MissingAckError{Command: protocol.BlinkPedestal, Addresses: []string{addr}})
	}
	return nil
}

// blinkAcked accepts either the mirrored request field or a pedestal list
// showing the address in the requested blink state.
func blinkAcked(payload []string, field string, on bool) bool {
	addr := field[:AddressLen]
	for _, f := range payload {
		if strings.EqualFold(f, field) {
			return true
		}
		p, err := ParseField(f)
		if err == nil && len(p.Color) == 6 && p.Address == addr && p.Blinking == on {
			return true
		}
	}
	return false
}

func (c *Client) parse(fields []string) map[string]Pedestal {
	out := make(map[string]Pedestal, len(fields))
	for _, f := range fields {
		p, err := ParseField(f)
		if err != nil {
			c.log.Warn("skipping pedestal field", zap.String("field", f), zap.Error(err))
			continue
		}
		c.log.Debug("found pedestal", zap.String("address", p.Address), zap.String("color", p.Color))
		out[p.Address] = p
	}
	return out
}

func (c *Client) warn(err error) {
	c.log.Warn("command partially acknowledged", zap.Error(err))
	if rep, ok := c.r.(errorReporter); ok {
		rep.ReportError(err)
	}
}

func normalizeAddress(a string) (string, error) {
	if len(a) != AddressLen || !protocol.ValidField(a) {
		return "", fmt.Errorf("%w: %q", ErrBadAddress, a)
	}
	return strings.ToLower(a), nil
}

func validColor(c string) bool {
	if len(c) != 6 {
		return false
	}
	for i := 0; i < len(c); i++ {
		switch b := c[i]; {
		case b >= '0' && b <= '9', b >= 'a' && b <= 'f', b >= 'A' && b <= 'F':
		default:
			return false
		}
	}
	return true
}

// Sorted returns the pedestals ordered by address.
func Sorted(m map[string]Pedestal) []Pedestal {
	out := make([]Pedestal, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
