// Package protocol implements the MCP wire client. It speaks JSON-RPC 2.0
// over two incompatible HTTP transports and picks the right one per server at
// connect time.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Protocol versions announced per transport generation.
const (
	// ProtocolVersionStreamable is sent on the streamable-HTTP transport.
	ProtocolVersionStreamable = "2025-03-26"
	// ProtocolVersionLegacySSE is sent on the legacy HTTP+SSE transport.
	ProtocolVersionLegacySSE = "2024-11-05"
)

// TransportKind identifies which wire transport a connection settled on.
type TransportKind string

const (
	// TransportStreamable: requests POSTed to the server URL, responses in
	// the POST response body (JSON or event stream).
	TransportStreamable TransportKind = "streamable-http"
	// TransportSSE: one long-lived GET stream carries all server-to-client
	// messages; requests are POSTed to an endpoint the stream announces.
	TransportSSE TransportKind = "sse"
)

const jsonrpcVersion = "2.0"

// request is an outgoing JSON-RPC request.
type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// notification is an outgoing JSON-RPC notification (no ID, no response).
type notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// message is any incoming JSON-RPC message. A non-nil ID with Result or Error
// is a response; a Method is a server-initiated request or notification.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (m *message) isResponse() bool { return m.ID != nil && m.Method == "" }

// rpcError is a JSON-RPC error object.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func parseMessage(data []byte) (*message, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed JSON-RPC message: %w", err)
	}
	return &msg, nil
}
