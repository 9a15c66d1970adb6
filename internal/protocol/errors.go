package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPacket is wrapped by every decode failure.
	ErrMalformedPacket = errors.New("protocol: malformed packet")
	// ErrTimeout is delivered to a pending request whose deadline passed.
	ErrTimeout = errors.New("protocol: request timed out")
	// ErrDuplicateID is returned by Register when the sequence id is pending.
	ErrDuplicateID = errors.New("protocol: sequence id already pending")
	// ErrConnectionLost is delivered to every pending request on teardown.
	ErrConnectionLost = errors.New("protocol: connection lost")
)

// MalformedError describes why a line could not be decoded.
type MalformedError struct {
	Raw    string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("protocol: malformed packet %q: %s", e.Raw, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformedPacket }

func malformed(raw, reason string) error {
	return &MalformedError{Raw: raw, Reason: reason}
}
