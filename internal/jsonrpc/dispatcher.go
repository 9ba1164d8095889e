package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/banterop/conductor/internal/platform/apperror"
)

// Handler processes one JSON-RPC method call and returns its result (to be
// marshaled into Response.Result) or an error.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Dispatcher routes requests to method handlers by name, grounded in the
// reference implementation's action-keyed WebSocket Dispatcher
// (internal/gateway/websocket + pkg/websocket's Handler/Dispatch shape),
// generalized from a single custom `action` envelope to genuine JSON-RPC
// 2.0 request/response/error semantics.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher constructs an empty method table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register adds a handler for one method name.
func (d *Dispatcher) Register(method string, h Handler) {
	d.handlers[method] = h
}

// Dispatch routes req to its handler and builds the Response. A nil ID on
// req (notification) still returns a Response; callers that don't want a
// reply sent for notifications should check req.ID themselves.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	h, ok := d.handlers[req.Method]
	if !ok {
		return Fail(req.ID, CodeMethodNotFound, "method not found: "+req.Method, nil)
	}

	result, err := h(ctx, req.Params)
	if err != nil {
		var re *RPCError
		if errors.As(err, &re) {
			return Fail(req.ID, re.Code, re.Message, re.Data)
		}
		ae := apperror.As(err)
		return Fail(req.ID, ae.JSONRPCCode, ae.Message, nil)
	}

	resp, err := Result(req.ID, result)
	if err != nil {
		return Fail(req.ID, CodeServerError, err.Error(), nil)
	}
	return resp
}

// RPCError lets handlers control the exact JSON-RPC error code/data
// returned, instead of always falling back to CodeServerError.
type RPCError struct {
	Code    int
	Message string
	Data    any
}

func (e *RPCError) Error() string { return e.Message }

// JSON-RPC 2.0 standard error codes, per SPEC_FULL.md §6.1.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -32000
)
