package agenthost

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/conductor/internal/agentregistry"
	"github.com/banterop/conductor/internal/bus"
	"github.com/banterop/conductor/internal/collaborators"
	"github.com/banterop/conductor/internal/domain"
	"github.com/banterop/conductor/internal/eventstore"
	"github.com/banterop/conductor/internal/orchestrator"
	"github.com/banterop/conductor/internal/platform/logging"
)

type blockingAgent struct{}

func (blockingAgent) HandleTurn(ctx context.Context, tc collaborators.TurnContext) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestHost(t *testing.T) (*Host, *orchestrator.Orchestrator, int64) {
	t.Helper()
	store, err := eventstore.Open(":memory:", 1, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eb := bus.NewMemoryBus(store.AsBacklog(), 64, logging.Default())
	t.Cleanup(eb.Close)

	o := orchestrator.New(store, eb, orchestrator.Config{DefaultDeadlineMs: 5000, IdempotencySweepInterval: time.Hour}, logging.Default())
	t.Cleanup(o.Close)

	reg := agentregistry.New(logging.Default())
	reg.LoadDefaults()

	factory := func(conversationID int64, agentID string, class *agentregistry.Class) (collaborators.Agent, error) {
		return blockingAgent{}, nil
	}

	h := New(store, eb, o, reg, factory, nil, logging.Default())
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(h.Close)

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
	return h, o, id
}

func TestEnsureStartsAllInternalAgentsByDefault(t *testing.T) {
	h, _, id := newTestHost(t)

	require.NoError(t, h.Ensure(context.Background(), id, nil))

	live, err := h.List(context.Background(), id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, live)
}

func TestEnsureIsIdempotentForAlreadyRunningAgent(t *testing.T) {
	h, _, id := newTestHost(t)

	require.NoError(t, h.Ensure(context.Background(), id, []string{"alice"}))
	require.NoError(t, h.Ensure(context.Background(), id, []string{"alice"}))

	live, err := h.List(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, live)
}

func TestEnsureRejectsAgentNotOnRoster(t *testing.T) {
	h, _, id := newTestHost(t)
	err := h.Ensure(context.Background(), id, []string{"carol"})
	require.Error(t, err)
}

func TestStopRemovesWorkerAndIntent(t *testing.T) {
	h, _, id := newTestHost(t)
	require.NoError(t, h.Ensure(context.Background(), id, []string{"alice"}))

	require.NoError(t, h.Stop(context.Background(), id, []string{"alice"}))

	live, err := h.List(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestWatchCompletionsStopsWorkersOnConversationClose(t *testing.T) {
	h, o, id := newTestHost(t)
	require.NoError(t, h.Ensure(context.Background(), id, []string{"alice"}))
	require.NoError(t, h.WatchCompletions(context.Background()))

	turn := 1
	_, err := o.SendMessage(context.Background(), id, "alice", []byte(`{}`), domain.FinalityConversation, &turn, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		live, err := h.List(context.Background(), id)
		return err == nil && len(live) == 0
	}, 2*time.Second, 20*time.Millisecond)
}
