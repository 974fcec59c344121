// Package mtftp implements the two MTFTP endpoint state machines (Server
// and Client) on top of the pkg/wire codec: windowed, bitmap-acknowledged
// block transfer over a small-datagram, lossy link.
package mtftp

import (
	"fmt"

	"github.com/samsamfire/gomtftp/pkg/wire"
)

// State is the lifecycle state of a single endpoint.
type State uint8

const (
	StateIdle State = iota
	StateSending
	StateReceiving
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSending:
		return "SENDING"
	case StateReceiving:
		return "RECEIVING"
	case StateErrored:
		return "ERRORED"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ProtocolError wraps the wire.ErrorCode that ended a session, whether it
// was raised by the local state machine or reported by the peer in an ERR
// packet (the latter with a nil Cause).
type ProtocolError struct {
	Code  wire.ErrorCode
	Cause error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code.Description(), e.Cause)
	}
	return e.Code.Description()
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

func newProtocolError(code wire.ErrorCode, cause error) *ProtocolError {
	return &ProtocolError{Code: code, Cause: cause}
}

// SessionReport summarizes a terminated session for the idle callback.
type SessionReport struct {
	SessionID      string
	FileIndex      uint16
	BytesTransferred int64
	Err            error
}
