// Package rpc implements the transport-agnostic JSON-RPC 2.0 adapter:
// message framing, request correlation, the connect handshake, the
// heartbeat, and reconnect with exponential backoff.
package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	JSONRPCVersion  = "2.0"
	ProtocolVersion = "1.0"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is the JSON-RPC 2.0 envelope. A message with an ID and a
// Method is a request; ID plus Result or Error is a response; Method
// without ID is a notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsRequest reports whether m asks the peer to do something.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse reports whether m answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsNotification reports whether m is a server-pushed notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

func NewRequest(id uint64, method string, params any) (*Message, error) {
	msg := &Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = data
	}
	return msg, nil
}

func NewNotification(method string, params any) (*Message, error) {
	msg := &Message{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = data
	}
	return msg, nil
}

// idKey canonicalizes a message id for correlation-table lookup.
// Numeric ids arrive as float64 after JSON decoding; ids we send are
// uint64. Both render to the same key.
func idKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case uint64:
		return strconv.FormatUint(v, 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Handshake payloads exchanged during initialize.

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeParams struct {
	ProtocolVersion string          `json:"protocol_version"`
	Capabilities    map[string]bool `json:"capabilities"`
	ClientInfo      ClientInfo      `json:"client_info"`
}

type InitializeResult struct {
	ProtocolVersion string          `json:"protocol_version"`
	Capabilities    map[string]bool `json:"capabilities"`
	ServerInfo      ServerInfo      `json:"server_info"`
}
