package protocol

import (
	"errors"
	"fmt"
)

// ErrPeerDisconnected is returned by ReadPayload when the peer has closed its
// end of the connection (signaled by a zero-length read). It is deliberately
// distinct from any error value so that an empty payload can never be
// mistaken for a disconnect.
var ErrPeerDisconnected = errors.New("peer disconnected")

// FramingError indicates a malformed length or batch field on the wire. The
// connection can't be resynchronized after one of these, so they are fatal to
// the connection that produced them.
type FramingError struct {
	msg string
}

func (e *FramingError) Error() string { return e.msg }

func framingErrorf(format string, args ...interface{}) *FramingError {
	return &FramingError{msg: fmt.Sprintf(format, args...)}
}

// ValidationError indicates a request that was structurally fine but invalid
// against current state (bad move, stale challenge, unknown attribute). It is
// reported back to the offending client and never tears down the connection.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Invalid builds a ValidationError with the given user-facing reason.
func Invalid(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}
