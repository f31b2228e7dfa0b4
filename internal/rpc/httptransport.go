package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// HTTPTransport issues one POST per request/response pair. There is no
// persistent stream: the peer's answer rides back on the HTTP response
// body and is delivered through Recv like any other inbound envelope.
// Server-initiated pushes may arrive as extra envelopes in a JSON array
// response body.
type HTTPTransport struct {
	url    string
	client *http.Client

	mu     sync.Mutex
	recv   chan *Message
	err    error
	closed bool
}

func NewHTTPTransport(url string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		url:    url,
		client: client,
		recv:   make(chan *Message, 64),
	}
}

func (t *HTTPTransport) Kind() string { return "http" }

func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.url == "" {
		return &TransportError{Op: "connect", Err: fmt.Errorf("no server URL configured")}
	}
	return nil
}

func (t *HTTPTransport) Send(msg *Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return &TransportError{Op: "write", Err: ErrConnectionLost}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	resp, err := t.client.Post(t.url, "application/json", bytes.NewReader(data))
	if err != nil {
		return &TransportError{Op: "post", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return &TransportError{Op: "post", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	// Notifications expect no body.
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: "read", Err: err}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	for _, inbound := range decodeBody(body) {
		t.deliver(inbound)
	}
	return nil
}

// decodeBody accepts either a single envelope or an array of envelopes.
func decodeBody(body []byte) []*Message {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []*Message
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil
		}
		return batch
	}
	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil
	}
	return []*Message{&msg}
}

func (t *HTTPTransport) deliver(msg *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.recv <- msg:
	default:
		// Receiver stalled; drop rather than block the HTTP caller.
	}
}

func (t *HTTPTransport) Recv() <-chan *Message { return t.recv }

func (t *HTTPTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.recv)
	return nil
}
