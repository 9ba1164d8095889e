package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/conductor/internal/bus"
	"github.com/banterop/conductor/internal/domain"
	"github.com/banterop/conductor/internal/eventstore"
	"github.com/banterop/conductor/internal/platform/logging"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *eventstore.Store, bus.EventBus) {
	t.Helper()
	store, err := eventstore.Open(":memory:", 1, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eb := bus.NewMemoryBus(store.AsBacklog(), 64, logging.Default())
	t.Cleanup(eb.Close)

	o := New(store, eb, Config{DefaultDeadlineMs: 5000, IdempotencySweepInterval: time.Hour}, logging.Default())
	t.Cleanup(o.Close)
	return o, store, eb
}

func testMeta(agents ...string) domain.ConversationMetadata {
	refs := make([]domain.AgentRef, len(agents))
	for i, a := range agents {
		refs[i] = domain.AgentRef{AgentID: a, Kind: domain.AgentKindInternal}
	}
	return domain.ConversationMetadata{
		Title:           "test",
		Agents:          refs,
		StartingAgentID: agents[0],
		Policy:          domain.PolicyRoundRobin,
	}
}

func TestCreateConversationEmitsMetaCreated(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	id, err := o.CreateConversation(context.Background(), testMeta("alice", "bob"))
	require.NoError(t, err)

	snap, err := store.GetConversationSnapshot(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, domain.EventTypeSystem, snap.Events[0].Type)
	assert.Equal(t, int64(1), snap.Events[0].Seq)
}

func TestSendMessageAssignsTurnsAndAdvances(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	id, err := o.CreateConversation(context.Background(), testMeta("alice", "bob"))
	require.NoError(t, err)

	res, err := o.SendMessage(context.Background(), id, "alice", json.RawMessage(`{"text":"hi"}`), domain.FinalityTurn, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Turn)

	res2, err := o.SendMessage(context.Background(), id, "bob", json.RawMessage(`{"text":"yo"}`), domain.FinalityNone, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res2.Turn)
}

func TestSendMessageRejectsWrongOwner(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	id, err := o.CreateConversation(context.Background(), testMeta("alice", "bob"))
	require.NoError(t, err)

	_, err = o.SendMessage(context.Background(), id, "alice", json.RawMessage(`{}`), domain.FinalityNone, nil, "")
	require.NoError(t, err)

	_, err = o.SendMessage(context.Background(), id, "bob", json.RawMessage(`{}`), domain.FinalityNone, nil, "")
	require.Error(t, err)
}

func TestSendMessageIdempotentRetryReturnsCachedResult(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	id, err := o.CreateConversation(context.Background(), testMeta("alice", "bob"))
	require.NoError(t, err)

	res1, err := o.SendMessage(context.Background(), id, "alice", json.RawMessage(`{}`), domain.FinalityNone, nil, "req-1")
	require.NoError(t, err)

	res2, err := o.SendMessage(context.Background(), id, "alice", json.RawMessage(`{"different":"payload"}`), domain.FinalityTurn, nil, "req-1")
	require.NoError(t, err)
	assert.Equal(t, res1, res2)
}

func TestSendMessageRejectsAfterConversationFinalized(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	id, err := o.CreateConversation(context.Background(), testMeta("alice", "bob"))
	require.NoError(t, err)

	_, err = o.SendMessage(context.Background(), id, "alice", json.RawMessage(`{}`), domain.FinalityConversation, nil, "")
	require.NoError(t, err)

	_, err = o.SendMessage(context.Background(), id, "bob", json.RawMessage(`{}`), domain.FinalityNone, nil, "")
	require.Error(t, err)
}

func TestSendTraceAfterClosedTurnSucceeds(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	id, err := o.CreateConversation(context.Background(), testMeta("alice", "bob"))
	require.NoError(t, err)

	res, err := o.SendMessage(context.Background(), id, "alice", json.RawMessage(`{}`), domain.FinalityTurn, nil, "")
	require.NoError(t, err)
	_ = res

	_, err = o.SendTrace(context.Background(), id, "bob", json.RawMessage(`{}`), nil, "")
	require.NoError(t, err)
}

func TestGuidanceAfterTurnCloseRoundRobins(t *testing.T) {
	o, _, eb := newTestOrchestrator(t)
	id, err := o.CreateConversation(context.Background(), testMeta("alice", "bob"))
	require.NoError(t, err)

	since := int64(0)
	sub, err := eb.Subscribe(context.Background(), id, bus.Filter{}, true, &since)
	require.NoError(t, err)

	_, err = o.SendMessage(context.Background(), id, "alice", json.RawMessage(`{}`), domain.FinalityTurn, nil, "")
	require.NoError(t, err)

	var sawGuidanceForBob bool
	deadline := time.After(time.Second)
	for !sawGuidanceForBob {
		select {
		case msg := <-sub.C():
			if msg.Guidance != nil && msg.Guidance.NextAgentID == "bob" {
				sawGuidanceForBob = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for guidance")
		}
	}
}

func TestClearTurnRequiresOwnership(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	id, err := o.CreateConversation(context.Background(), testMeta("alice", "bob"))
	require.NoError(t, err)

	_, err = o.SendMessage(context.Background(), id, "alice", json.RawMessage(`{}`), domain.FinalityNone, nil, "")
	require.NoError(t, err)

	_, err = o.ClearTurn(context.Background(), id, "bob")
	require.Error(t, err)

	turn, err := o.ClearTurn(context.Background(), id, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, turn)
}

func TestTurnHintMismatchRejected(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	id, err := o.CreateConversation(context.Background(), testMeta("alice", "bob"))
	require.NoError(t, err)

	badHint := 99
	_, err = o.SendMessage(context.Background(), id, "alice", json.RawMessage(`{}`), domain.FinalityNone, &badHint, "")
	require.Error(t, err)
}
