package turnloop

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/conductor/internal/bus"
	"github.com/banterop/conductor/internal/collaborators"
	"github.com/banterop/conductor/internal/domain"
	"github.com/banterop/conductor/internal/eventstore"
	"github.com/banterop/conductor/internal/orchestrator"
	"github.com/banterop/conductor/internal/platform/logging"
)

func newTestEnv(t *testing.T) (*orchestrator.Orchestrator, bus.EventBus, int64) {
	t.Helper()
	store, err := eventstore.Open(":memory:", 1, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eb := bus.NewMemoryBus(store.AsBacklog(), 64, logging.Default())
	t.Cleanup(eb.Close)

	o := orchestrator.New(store, eb, orchestrator.Config{DefaultDeadlineMs: 200, IdempotencySweepInterval: time.Hour}, logging.Default())
	t.Cleanup(o.Close)

	meta := domain.ConversationMetadata{
		Title: "test",
		Agents: []domain.AgentRef{
			{AgentID: "alice", Kind: domain.AgentKindInternal},
			{AgentID: "bob", Kind: domain.AgentKindInternal},
		},
		StartingAgentID: "alice",
		Policy:          domain.PolicyRoundRobin,
	}
	id, err := o.CreateConversation(context.Background(), meta)
	require.NoError(t, err)
	return o, eb, id
}

type replyAgent struct {
	finality domain.Finality
	called   chan struct{}
}

func (a *replyAgent) HandleTurn(ctx context.Context, tc collaborators.TurnContext) error {
	defer close(a.called)
	payload, _ := json.Marshal(map[string]string{"text": "hi from " + tc.AgentID})
	return tc.Transport.PostMessage(ctx, payload, a.finality)
}

func TestExecutorClaimsTurnAndPosts(t *testing.T) {
	o, eb, id := newTestEnv(t)

	agent := &replyAgent{finality: domain.FinalityTurn, called: make(chan struct{})}
	exec := New(o, eb, agent, Config{ConversationID: id, AgentID: "alice"}, logging.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- exec.Run(ctx) }()

	require.NoError(t, o.PokeGuidance(context.Background(), id))

	select {
	case <-agent.called:
	case <-time.After(2 * time.Second):
		t.Fatal("agent was not invoked")
	}

	cancel()
	<-done

	snap, err := o.GetConversationWithMetadata(context.Background(), id)
	require.NoError(t, err)
	last, ok := snap.LastMessage()
	require.True(t, ok)
	assert.Equal(t, "alice", last.AgentID)
}

type silentAgent struct{ called chan struct{} }

func (a *silentAgent) HandleTurn(ctx context.Context, tc collaborators.TurnContext) error {
	close(a.called)
	<-ctx.Done()
	return nil
}

func TestExecutorForceClosesOnDeadlineExceeded(t *testing.T) {
	o, eb, id := newTestEnv(t)

	agent := &silentAgent{called: make(chan struct{})}
	exec := New(o, eb, agent, Config{ConversationID: id, AgentID: "alice", MinDeadline: 100 * time.Millisecond}, logging.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- exec.Run(ctx) }()

	require.NoError(t, o.PokeGuidance(context.Background(), id))

	select {
	case <-agent.called:
	case <-time.After(2 * time.Second):
		t.Fatal("agent was not invoked")
	}

	require.Eventually(t, func() bool {
		snap, err := o.GetConversationWithMetadata(context.Background(), id)
		if err != nil {
			return false
		}
		if len(snap.Events) == 0 {
			return false
		}
		last := snap.Events[len(snap.Events)-1]
		return last.IsSystem() && last.Finality == domain.FinalityTurn
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
