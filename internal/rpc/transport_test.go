package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStdioTransport_EchoRoundTrip(t *testing.T) {
	// cat echoes each newline-delimited envelope straight back.
	transport := NewStdioTransport([]string{"cat"}, nil)
	require.NoError(t, transport.Connect(context.Background()))
	defer func() { _ = transport.Close() }()

	msg, err := NewRequest(1, "spec.create", map[string]string{"name": "auth"})
	require.NoError(t, err)
	require.NoError(t, transport.Send(msg))

	select {
	case got := <-transport.Recv():
		assert.Equal(t, "spec.create", got.Method)
		assert.Equal(t, JSONRPCVersion, got.JSONRPC)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo from child process")
	}
}

func TestStdioTransport_ProcessExitClosesRecv(t *testing.T) {
	transport := NewStdioTransport([]string{"true"}, nil)
	require.NoError(t, transport.Connect(context.Background()))

	select {
	case _, ok := <-transport.Recv():
		assert.False(t, ok, "recv must close when the child exits")
	case <-time.After(2 * time.Second):
		t.Fatal("recv did not close after child exit")
	}

	var te *TransportError
	require.ErrorAs(t, transport.Err(), &te)
}

func TestStdioTransport_NoCommand(t *testing.T) {
	transport := NewStdioTransport(nil, nil)
	err := transport.Connect(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
}

func TestHTTPTransport_RequestResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		if msg.IsNotification() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		resp := Message{JSONRPC: JSONRPCVersion, ID: msg.ID, Result: json.RawMessage(`{"ok":true}`)}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL, srv.Client())
	require.NoError(t, transport.Connect(context.Background()))
	defer func() { _ = transport.Close() }()

	msg, err := NewRequest(7, "sync.status", nil)
	require.NoError(t, err)
	require.NoError(t, transport.Send(msg))

	select {
	case got := <-transport.Recv():
		assert.Equal(t, idKey(msg.ID), idKey(got.ID))
		assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	case <-time.After(time.Second):
		t.Fatal("no response delivered")
	}

	note, err := NewNotification("initialized", nil)
	require.NoError(t, err)
	require.NoError(t, transport.Send(note))
}

func TestHTTPTransport_ConnectionRefused(t *testing.T) {
	transport := NewHTTPTransport("http://127.0.0.1:1", nil)
	require.NoError(t, transport.Connect(context.Background()))

	msg, err := NewRequest(1, "ping", nil)
	require.NoError(t, err)

	sendErr := transport.Send(msg)
	var te *TransportError
	require.ErrorAs(t, sendErr, &te)
	assert.True(t, IsTransient(sendErr))
}

func TestClient_OverHTTPTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if msg.IsNotification() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		resp := echoServer(&msg)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient(func() (Transport, error) {
		return NewHTTPTransport(srv.URL, srv.Client()), nil
	}, testOptions(newFakeClock()))

	require.NoError(t, client.Connect(context.Background()))
	defer func() { _ = client.Disconnect() }()

	st := client.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, "http", st.Protocol)

	result, err := client.Request(context.Background(), "spec.updateRequirements", map[string]string{"spec_id": "auth"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestSocketTransport_NotSupported(t *testing.T) {
	transport := NewSocketTransport("127.0.0.1:9999")
	err := transport.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestIDKeyCanonicalization(t *testing.T) {
	// Outbound uint64 and inbound float64 must collide on one key.
	assert.Equal(t, idKey(uint64(42)), idKey(float64(42)))
	assert.Equal(t, "abc", idKey("abc"))
	assert.Equal(t, "", idKey(nil))
}
