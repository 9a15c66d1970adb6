// Package protocol implements the line-oriented hub wire format: the packet
// codec, the read assembler that frames inbound bytes into lines, and the
// pending-request table that correlates responses with their requests.
//
// Wire format:
//
//	<dir><seq-hex2>|<cmd-hex2>|<field0>#<field1>#...\n
//
// dir is "0" for a request and "1" for a response. Fields are not escaped, so
// a field must never contain '#', '|' or a newline.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Direction marks a packet as a request or a response.
type Direction byte

const (
	Request  Direction = '0'
	Response Direction = '1'
)

func (d Direction) String() string {
	switch d {
	case Request:
		return "request"
	case Response:
		return "response"
	default:
		return fmt.Sprintf("direction(%q)", byte(d))
	}
}

// Command is the one-byte command code carried by every packet.
type Command uint8

const (
	Healthcheck       Command = 0
	GetPedestals      Command = 1
	SetPedestalsColor Command = 2
	BlinkPedestal     Command = 3
)

func (c Command) String() string {
	switch c {
	case Healthcheck:
		return "HEALTHCHECK"
	case GetPedestals:
		return "GET_PEDESTALS"
	case SetPedestalsColor:
		return "SET_PEDESTALS_COLOR"
	case BlinkPedestal:
		return "BLINK_PEDESTAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
	}
}

const (
	fieldSep   = "|"
	payloadSep = "#"
	terminator = "\n"
)

// Packet is one framed protocol message.
type Packet struct {
	Direction Direction
	Seq       uint8
	Command   Command
	Payload   []string
}

// Encode renders p in wire format, including the trailing newline.
func Encode(p Packet) string {
	var b strings.Builder
	b.Grow(8 + len(p.Payload)*8)
	b.WriteByte(byte(p.Direction))
	b.WriteString(hexByte(p.Seq))
	b.WriteString(fieldSep)
	b.WriteString(hexByte(uint8(p.Command)))
	b.WriteString(fieldSep)
	b.WriteString(strings.Join(p.Payload, payloadSep))
	b.WriteString(terminator)
	return b.String()
}

// Decode parses one line (with or without its terminator). Anything after the
// second '|' is the field section, verbatim.
func Decode(raw string) (Packet, error) {
	line := strings.TrimRight(raw, "\r\n")
	parts := strings.SplitN(line, fieldSep, 3)
	if len(parts) != 3 {
		return Packet{}, malformed(raw, "missing field separator")
	}

	header := parts[0]
	if len(header) < 2 || len(header) > 3 {
		return Packet{}, malformed(raw, "bad header length")
	}
	dir := Direction(header[0])
	if dir != Request && dir != Response {
		return Packet{}, malformed(raw, "unknown direction")
	}
	seq, err := strconv.ParseUint(header[1:], 16, 8)
	if err != nil {
		return Packet{}, malformed(raw, "sequence id is not hex")
	}
	cmd, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil || len(parts[1]) == 0 || len(parts[1]) > 2 {
		return Packet{}, malformed(raw, "command code is not hex")
	}

	return Packet{
		Direction: dir,
		Seq:       uint8(seq),
		Command:   Command(cmd),
		Payload:   splitPayload(parts[2]),
	}, nil
}

// ValidField reports whether s can be carried as a payload field without
// corrupting the framing.
func ValidField(s string) bool {
	return !strings.ContainsAny(s, fieldSep+payloadSep+"\r\n")
}

func splitPayload(section string) []string {
	if section == "" {
		return []string{}
	}
	if !strings.Contains(section, payloadSep) {
		return []string{section}
	}
	return strings.Split(section, payloadSep)
}

func hexByte(v uint8) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[v>>4], digits[v&0x0f]})
}
