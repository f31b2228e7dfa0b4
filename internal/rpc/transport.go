package rpc

import (
	"context"
	"time"
)

// Transport moves RPC envelopes between the two peers. Implementations
// own their I/O goroutines: after Connect, inbound messages appear on
// Recv until the transport fails or is closed, at which point Recv is
// closed and Err reports the terminal cause.
type Transport interface {
	// Kind names the transport variant ("stdio", "http", "socket").
	Kind() string
	// Connect establishes the transport.
	Connect(ctx context.Context) error
	// Send writes one envelope to the peer.
	Send(msg *Message) error
	// Recv delivers inbound envelopes. Closed on failure or Close.
	Recv() <-chan *Message
	// Err returns the terminal transport error once Recv is closed.
	Err() error
	// Close tears the transport down. Idempotent.
	Close() error
}

// TransportFactory builds a fresh transport for each connection
// attempt. Child-process transports cannot be reused after the process
// exits, so reconnects go through the factory.
type TransportFactory func() (Transport, error)

// Clock abstracts time for the reconnect backoff and heartbeat so the
// schedule is testable without real waiting.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is cancelled.
	Sleep(ctx context.Context, d time.Duration) error
	// NewTicker returns a channel ticking every d and a stop function.
	NewTicker(d time.Duration) (<-chan time.Time, func())
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (realClock) NewTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// RealClock is the production clock.
var RealClock Clock = realClock{}

// Backoff computes the reconnect delay for a 1-based attempt count:
// baseDelay * 2^(attempt-1). Pure so the schedule is testable.
func Backoff(baseDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return baseDelay << (attempt - 1)
}
