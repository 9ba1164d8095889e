// Package jsonrpc defines the JSON-RPC 2.0 envelope shared by the internal
// `/api/ws` surface and the external A2A bridge, grounded in the reference
// implementation's stdio JSON-RPC client (atomic request-id allocation,
// a pending-request map keyed by id, notification vs. request handlers),
// re-homed here onto any transport (WebSocket, HTTP, SSE) that can carry
// a byte frame.
package jsonrpc

import "encoding/json"

// Version is the only protocol version this package emits or accepts.
const Version = "2.0"

// Request is a JSON-RPC 2.0 request or notification (when ID is nil).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response: exactly one of Result/Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is a server-to-client push with no id and no reply expected.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewRequest builds a Request with Version pre-filled and params marshaled.
func NewRequest(id any, method string, params any) (*Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// Result builds a success Response, marshaling result.
func Result(id any, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// Fail builds an error Response.
func Fail(id any, code int, message string, data any) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}

// NewNotification builds a server push message.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}
