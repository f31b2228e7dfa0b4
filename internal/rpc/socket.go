package rpc

import "context"

// SocketTransport is a placeholder for a future persistent socket
// transport. Every method reports ErrNotSupported.
type SocketTransport struct {
	recv chan *Message
}

func NewSocketTransport(addr string) *SocketTransport {
	return &SocketTransport{recv: make(chan *Message)}
}

func (t *SocketTransport) Kind() string { return "socket" }

func (t *SocketTransport) Connect(ctx context.Context) error {
	return &TransportError{Op: "connect", Err: ErrNotSupported}
}

func (t *SocketTransport) Send(msg *Message) error {
	return &TransportError{Op: "write", Err: ErrNotSupported}
}

func (t *SocketTransport) Recv() <-chan *Message { return t.recv }

func (t *SocketTransport) Err() error { return ErrNotSupported }

func (t *SocketTransport) Close() error {
	close(t.recv)
	return nil
}
