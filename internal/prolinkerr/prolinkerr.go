// Package prolinkerr holds the sentinel and typed errors shared across
// prolinkd's components, so callers can distinguish recoverable,
// lossy-protocol failures from conditions that should change observable
// behavior.
package prolinkerr

import (
	"errors"
	"fmt"
)

// Wire decode failures. Truncated and bad-magic packets are dropped
// silently by callers; unknown type is surfaced as wire.Unrecognized,
// not an error, so it isn't listed here.
var (
	ErrTruncated = errors.New("truncated packet")
	ErrBadMagic  = errors.New("not a prodj-link packet")
)

// Socket failures. Bind failures are fatal at startup; send and recv
// failures are logged and the caller continues.
var (
	ErrSocketBind = errors.New("socket bind failed")
	ErrSocketSend = errors.New("socket send failed")
	ErrSocketRecv = errors.New("socket recv failed")
)

// ErrDeviceNumberConflict is returned by the self-assignment handshake
// when every candidate device number was observed in use.
var ErrDeviceNumberConflict = errors.New("device number conflict")

// ErrMidiSinkError names a rejected MIDI sink write. The clock generator
// does not return it: on a failed write it logs the error and stops; it
// publishes no event and nothing restarts it.
var ErrMidiSinkError = errors.New("midi sink error")

// ErrPreconditionNotMet is returned by commands whose precondition (e.g.
// a mixer present in the registry) failed; it has no side effects.
var ErrPreconditionNotMet = errors.New("precondition not met")

// DecodeError wraps ErrTruncated or ErrBadMagic with the offending type
// byte and offset for logging, while still satisfying errors.Is against
// the sentinel via Unwrap.
type DecodeError struct {
	Sentinel error
	Type     byte
	Len      int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: type=0x%02x len=%d", e.Sentinel, e.Type, e.Len)
}

func (e *DecodeError) Unwrap() error {
	return e.Sentinel
}

// SocketError wraps one of the socket sentinels with the port and
// underlying OS error.
type SocketError struct {
	Sentinel error
	Port     int
	Cause    error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("%s on port %d: %v", e.Sentinel, e.Port, e.Cause)
}

func (e *SocketError) Unwrap() error {
	return e.Sentinel
}
