package bridge

import (
	"context"
	"encoding/json"

	"github.com/banterop/conductor/internal/jsonrpc"
	"github.com/banterop/conductor/internal/platform/apperror"
)

// RegisterMethods wires the A2A JSON-RPC method table (SPEC_FULL.md §4.6)
// onto d for one pair. message/stream and tasks/resubscribe are not
// registered here since they are long-lived SSE responses rather than a
// single request/response pair; callers drive those through StreamTask
// directly from the HTTP layer.
func (b *Bridge) RegisterMethods(d *jsonrpc.Dispatcher, pairID string) {
	d.Register("message/send", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p SendMessagePayload
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperror.ParseError(err.Error())
		}
		return b.MessageSend(ctx, pairID, p)
	})

	d.Register("tasks/get", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p GetTaskPayload
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperror.ParseError(err.Error())
		}
		return b.TasksGet(ctx, p.ID)
	})

	d.Register("tasks/cancel", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p CancelTaskPayload
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperror.ParseError(err.Error())
		}
		return b.TasksCancel(ctx, p.ID)
	})

	d.Register("agent/card", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return b.AgentCard(ctx)
	})
}
