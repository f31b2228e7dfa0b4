package rpc

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotSupported is returned by transports that are declared but not
// yet implemented.
var ErrNotSupported = errors.New("transport not supported")

// TransportError reports a connection-level failure: refused
// connection, exited process, closed stream. Operations in flight fail
// with this kind and are eligible for coordinator-level retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports that no response arrived within the per-request
// window. Treated as transient.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.Method, e.Timeout)
}

// ProtocolError reports a malformed envelope or an unexpected id. The
// offending message is logged and dropped; the adapter keeps running.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// ErrConnectionLost fails outstanding requests when their transport
// drops before a response arrives.
var ErrConnectionLost = errors.New("connection lost")

// ErrNotConnected is returned for requests issued while the adapter is
// disconnected.
var ErrNotConnected = errors.New("not connected")

// IsTransient reports whether err is worth retrying at the coordinator
// level (transport and timeout failures are, validation and protocol
// failures are not).
func IsTransient(err error) bool {
	var te *TransportError
	var to *TimeoutError
	return errors.As(err, &te) || errors.As(err, &to) ||
		errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrNotConnected)
}
