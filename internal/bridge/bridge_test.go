package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/conductor/internal/bus"
	"github.com/banterop/conductor/internal/eventstore"
	"github.com/banterop/conductor/internal/orchestrator"
	"github.com/banterop/conductor/internal/platform/logging"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	store, err := eventstore.Open(":memory:", 1, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eb := bus.NewMemoryBus(store.AsBacklog(), 64, logging.Default())
	t.Cleanup(eb.Close)

	o := orchestrator.New(store, eb, orchestrator.Config{DefaultDeadlineMs: 5000, IdempotencySweepInterval: time.Hour}, logging.Default())
	t.Cleanup(o.Close)

	return New(store.DB(), o, eb, AgentCard{ProtocolVersion: "1.0", Name: "test", Skills: []*Skill{}}, logging.Default())
}

func textMessage(role, text string) *TaskMessage {
	return &TaskMessage{Role: role, Parts: []*MessagePart{{Type: "text", Text: &text}}}
}

// inputRequiredMeta marks a message's nextState as input-required, flipping
// turn ownership to the counterpart per the Finality mapping table.
func inputRequiredMeta() map[string]any {
	return map[string]any{"banterop": map[string]any{"nextState": "input-required"}}
}

func TestMessageSendStartsAFreshEpochWithoutTaskID(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	task, err := b.MessageSend(ctx, "room-1", SendMessagePayload{Message: textMessage("user", "hello")})
	require.NoError(t, err)
	assert.Equal(t, "resp:room-1#1", task.ID)
	require.Len(t, task.History, 1)
	assert.Equal(t, "agent", task.History[0].Role)
}

func TestMessageSendRoundTripFlipsOwnership(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	_, err := b.MessageSend(ctx, "room-2", SendMessagePayload{
		Message:  textMessage("user", "hi"),
		Metadata: inputRequiredMeta(),
	})
	require.NoError(t, err)

	task, err := b.MessageSend(ctx, "room-2", SendMessagePayload{
		TaskID:  "resp:room-2#1",
		Message: textMessage("agent", "hello back"),
	})
	require.NoError(t, err)
	assert.Equal(t, "init:room-2#1", task.ID)
	require.Len(t, task.History, 2)
	assert.Equal(t, "agent", task.History[1].Role)
}

func TestTasksGetProjectsViewerRoles(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	_, err := b.MessageSend(ctx, "room-3", SendMessagePayload{Message: textMessage("user", "first")})
	require.NoError(t, err)

	initView, err := b.TasksGet(ctx, "init:room-3#1")
	require.NoError(t, err)
	require.Len(t, initView.History, 1)
	assert.Equal(t, "user", initView.History[0].Role)

	respView, err := b.TasksGet(ctx, "resp:room-3#1")
	require.NoError(t, err)
	require.Len(t, respView.History, 1)
	assert.Equal(t, "agent", respView.History[0].Role)
}

func TestTasksCancelClosesTheEpoch(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	_, err := b.MessageSend(ctx, "room-4", SendMessagePayload{Message: textMessage("user", "hi")})
	require.NoError(t, err)

	task, err := b.TasksCancel(ctx, "init:room-4#1")
	require.NoError(t, err)
	require.NotNil(t, task.Status)
	assert.Equal(t, "completed", task.Status.State)
}

func TestAgentCardReturnsConfiguredCard(t *testing.T) {
	b := newTestBridge(t)
	card, err := b.AgentCard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", card.Name)
}

func TestBeginChatThreadAndCheckReplies(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	convID, err := b.BeginChatThread(ctx, "room-5")
	require.NoError(t, err)
	assert.Equal(t, "1", convID)

	status, err := b.SendMessageToChatThread(ctx, "room-5", convID, "hello there", nil)
	require.NoError(t, err)
	assert.Equal(t, ChatThreadInputRequired, status)

	_, err = b.MessageSend(ctx, "room-5", SendMessagePayload{
		TaskID:  "resp:room-5#1",
		Message: textMessage("agent", "got it"),
	})
	require.NoError(t, err)

	window, err := b.CheckReplies(ctx, "room-5", convID, 0)
	require.NoError(t, err)
	require.Len(t, window.Messages, 1)
}

func TestAcquireBackendDeniesWithoutTakeover(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	first, err := b.AcquireBackend(ctx, "room-6", "conn-a", false)
	require.NoError(t, err)
	assert.True(t, first.Granted)

	_, err = b.AcquireBackend(ctx, "room-6", "conn-b", false)
	require.Error(t, err)

	second, err := b.AcquireBackend(ctx, "room-6", "conn-b", true)
	require.NoError(t, err)
	assert.True(t, second.Granted)

	select {
	case <-first.Revoked:
	default:
		t.Fatal("expected prior holder's lease to be revoked on takeover")
	}
}

func TestReleaseLeaseRequiresMatchingID(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	granted, err := b.AcquireBackend(ctx, "room-7", "conn-a", false)
	require.NoError(t, err)

	err = b.ReleaseLease(ctx, "room-7", "wrong-id")
	require.Error(t, err)

	err = b.ReleaseLease(ctx, "room-7", granted.LeaseID)
	require.NoError(t, err)

	err = b.RequireLease("room-7", granted.LeaseID)
	require.Error(t, err)
}
