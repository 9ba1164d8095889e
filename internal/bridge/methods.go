package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/banterop/conductor/internal/bus"
	"github.com/banterop/conductor/internal/domain"
	"github.com/banterop/conductor/internal/platform/apperror"
)

// MessageSend implements the message/send A2A method: append a message to
// the pair's current epoch and return the resulting task projection,
// starting a fresh epoch first if taskId is absent or stale.
func (b *Bridge) MessageSend(ctx context.Context, pairID string, p SendMessagePayload) (Task, error) {
	if p.Message == nil || len(p.Message.Parts) == 0 {
		return Task{}, apperror.InvalidParams("message/send requires a non-empty message")
	}

	row, err := b.ensurePair(ctx, pairID)
	if err != nil {
		return Task{}, err
	}

	role, freshEpoch, err := b.resolveSendRole(row, p.TaskID)
	if err != nil {
		return Task{}, err
	}
	if freshEpoch {
		row, err = b.advanceEpoch(ctx, row)
		if err != nil {
			return Task{}, err
		}
	}

	finality := domain.FinalityNone
	if state, ok := extractNextState(p.Metadata); ok {
		mapped, ok := nextStateToFinality(state)
		if !ok {
			return Task{}, apperror.InvalidParams(fmt.Sprintf("unknown nextState %q", state))
		}
		finality = domain.Finality(mapped)
	}

	payload, err := json.Marshal(p.Message)
	if err != nil {
		return Task{}, apperror.InvalidParams("message is not serializable")
	}

	if _, err := b.orch.SendMessage(ctx, row.ConversationID, role.AgentID(), payload, finality, nil, ""); err != nil {
		return Task{}, apperror.As(err)
	}

	current := taskID(row.PairID, row.Epoch, role)
	state := a2aStateFor(finality)
	if err := b.store.updateTaskState(ctx, current, state); err != nil {
		return Task{}, apperror.Internal(err)
	}

	return b.projectTask(ctx, row.ConversationID, row.PairID, row.Epoch, role.Other())
}

// resolveSendRole figures out which side of the pair is posting, and
// whether the message should start a fresh epoch: a taskId naming the
// current epoch pins the role; an absent or stale taskId always starts a
// fresh epoch authored by the initiator.
func (b *Bridge) resolveSendRole(row pairRow, rawTaskID string) (Role, bool, error) {
	if rawTaskID == "" {
		return RoleInit, true, nil
	}
	role, pairID, epoch, err := parseTaskID(rawTaskID)
	if err != nil {
		return "", false, apperror.InvalidParams(err.Error())
	}
	if pairID != row.PairID {
		return "", false, apperror.InvalidParams("taskId does not belong to this room")
	}
	if epoch != row.Epoch {
		return RoleInit, true, nil
	}
	return role, false, nil
}

func a2aStateFor(finality domain.Finality) string {
	switch finality {
	case domain.FinalityTurn:
		return "input-required"
	case domain.FinalityConversation:
		return "completed"
	default:
		return "working"
	}
}

// TasksGet implements tasks/get: a viewer-specific projection of one task
// id, where the viewer's own messages read back as role "user" and the
// counterpart's as role "agent".
func (b *Bridge) TasksGet(ctx context.Context, taskIDStr string) (Task, error) {
	role, pairID, epoch, err := parseTaskID(taskIDStr)
	if err != nil {
		return Task{}, apperror.InvalidParams(err.Error())
	}
	row, err := b.store.getByID(ctx, pairID)
	if err != nil {
		return Task{}, apperror.NotFound("room not found")
	}
	return b.projectTask(ctx, row.ConversationID, row.PairID, epoch, role)
}

// TasksCancel implements tasks/cancel: a terminal close for the epoch the
// given task id belongs to.
func (b *Bridge) TasksCancel(ctx context.Context, taskIDStr string) (Task, error) {
	role, pairID, epoch, err := parseTaskID(taskIDStr)
	if err != nil {
		return Task{}, apperror.InvalidParams(err.Error())
	}
	row, err := b.store.getByID(ctx, pairID)
	if err != nil {
		return Task{}, apperror.NotFound("room not found")
	}
	if epoch != row.Epoch {
		return b.projectTask(ctx, row.ConversationID, row.PairID, epoch, role)
	}

	payload, _ := json.Marshal(map[string]string{"kind": "epoch-canceled"})
	if _, err := b.orch.SendMessage(ctx, row.ConversationID, role.AgentID(), payload, domain.FinalityConversation, nil, ""); err != nil {
		switch {
		case apperror.IsCode(err, apperror.CodeConversationFinalized):
		case apperror.IsCode(err, apperror.CodeTurnStateError):
		case apperror.IsCode(err, apperror.CodeTurnOwnershipViolation):
		default:
			return Task{}, apperror.As(err)
		}
	}
	for _, r := range [...]Role{RoleInit, RoleResp} {
		_ = b.store.updateTaskState(ctx, taskID(row.PairID, epoch, r), "canceled")
	}
	return b.projectTask(ctx, row.ConversationID, row.PairID, epoch, role)
}

// AgentCard implements agent/card: the static discovery document
// configured for this bridge instance.
func (b *Bridge) AgentCard(_ context.Context) (AgentCard, error) {
	return b.agentCard, nil
}

// projectTask builds the viewer-specific Task snapshot for (pairID, epoch)
// as seen by viewerRole: the viewer's own messages project to role
// "user", the counterpart's to role "agent".
func (b *Bridge) projectTask(ctx context.Context, conversationID int64, pairID string, epoch int, viewerRole Role) (Task, error) {
	snap, err := b.orch.GetConversationWithMetadata(ctx, conversationID)
	if err != nil {
		return Task{}, apperror.As(err)
	}

	start := epochStartSeq(snap, epoch)
	history := make([]*TaskMessage, 0)
	var state string = "submitted"
	var lastMsg *TaskMessage

	for _, ev := range snap.Events {
		if ev.Seq <= start || ev.Type != domain.EventTypeMessage {
			continue
		}
		var tm TaskMessage
		if err := json.Unmarshal(ev.Payload, &tm); err != nil {
			continue
		}
		if Role(ev.AgentID) == viewerRole {
			tm.Role = "user"
		} else {
			tm.Role = "agent"
		}
		history = append(history, &tm)
		lastMsg = &tm
		state = a2aStateFor(ev.Finality)
	}

	if snap.Metadata.Status == domain.ConversationCompleted {
		state = "completed"
	}

	return Task{
		ID:      taskID(pairID, epoch, viewerRole),
		Status:  &TaskStatus{State: state, Message: lastMsg},
		History: history,
	}, nil
}

// StreamTask subscribes to a task's underlying conversation and emits
// TaskEvent frames until the conversation closes or ctx is canceled,
// backing both message/stream and tasks/resubscribe.
func (b *Bridge) StreamTask(ctx context.Context, taskIDStr string) (<-chan TaskEvent, error) {
	role, pairID, epoch, err := parseTaskID(taskIDStr)
	if err != nil {
		return nil, apperror.InvalidParams(err.Error())
	}
	row, err := b.store.getByID(ctx, pairID)
	if err != nil {
		return nil, apperror.NotFound("room not found")
	}

	sub, err := b.eb.Subscribe(ctx, row.ConversationID, bus.Filter{}, true, nil)
	if err != nil {
		return nil, apperror.Internal(err)
	}

	out := make(chan TaskEvent, 16)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				if msg.Lag {
					continue
				}
				if msg.Event == nil || msg.Event.ConversationID != row.ConversationID {
					continue
				}
				ev := eventToTaskEvent(*msg.Event, taskIDStr, role)
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if msg.Event.Finality == string(domain.FinalityConversation) {
					return
				}
			}
		}
	}()

	_ = epoch
	return out, nil
}

func eventToTaskEvent(ev bus.EventEnvelope, taskID string, viewerRole Role) TaskEvent {
	final := ev.Finality == string(domain.FinalityConversation)
	if ev.Type != string(domain.EventTypeMessage) {
		return TaskEvent{
			Type:   "status",
			TaskID: taskID,
			Status: &TaskStatus{State: a2aStateFor(domain.Finality(ev.Finality))},
			Final:  final,
		}
	}

	var tm TaskMessage
	_ = json.Unmarshal(ev.Payload, &tm)
	if Role(ev.AgentID) == viewerRole {
		tm.Role = "user"
	} else {
		tm.Role = "agent"
	}
	return TaskEvent{
		Type:    "message",
		TaskID:  taskID,
		Message: &tm,
		Status:  &TaskStatus{State: a2aStateFor(domain.Finality(ev.Finality))},
		Final:   final,
	}
}
