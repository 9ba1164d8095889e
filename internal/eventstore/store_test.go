package eventstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/conductor/internal/domain"
	"github.com/banterop/conductor/internal/platform/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", 1, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMetadata(title string) domain.ConversationMetadata {
	now := time.Now()
	return domain.ConversationMetadata{
		Title:  title,
		Agents: []domain.AgentRef{{AgentID: "alice", Kind: domain.AgentKindInternal}, {AgentID: "bob", Kind: domain.AgentKindExternal}},
		Status: domain.ConversationActive,
		Policy: domain.PolicyRoundRobin,
		Custom: json.RawMessage(`{}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateConversation(ctx, testMetadata("hello"))
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	meta, err := s.GetConversationMetadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", meta.Title)
	assert.Equal(t, domain.ConversationActive, meta.Status)
}

func TestGetConversationMetadataNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetConversationMetadata(context.Background(), 999)
	require.Error(t, err)
}

func TestAppendAllocatesSequentialSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx, testMetadata("seq-test"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ev, err := s.Append(ctx, AppendInput{
			ConversationID: id,
			Turn:           1,
			EventOrdinal:   i,
			Type:           domain.EventTypeMessage,
			Payload:        json.RawMessage(`{"text":"hi"}`),
			Finality:       domain.FinalityNone,
			AgentID:        "alice",
			Ts:             time.Now(),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), ev.Seq)
	}

	head, err := s.GetHead(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)
}

func TestGetEventsSinceExcludesPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx, testMetadata("since-test"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, AppendInput{
			ConversationID: id,
			Turn:           1,
			EventOrdinal:   i,
			Type:           domain.EventTypeMessage,
			Payload:        json.RawMessage(`{}`),
			Finality:       domain.FinalityNone,
			AgentID:        "alice",
			Ts:             time.Now(),
		})
		require.NoError(t, err)
	}

	events, err := s.GetEventsSince(ctx, id, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Seq)
	assert.Equal(t, int64(5), events[1].Seq)
}

func TestGetConversationSnapshotTracksLastClosedSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx, testMetadata("snapshot-test"))
	require.NoError(t, err)

	_, err = s.Append(ctx, AppendInput{ConversationID: id, Turn: 1, EventOrdinal: 0, Type: domain.EventTypeMessage, Payload: json.RawMessage(`{}`), Finality: domain.FinalityNone, AgentID: "alice", Ts: time.Now()})
	require.NoError(t, err)
	_, err = s.Append(ctx, AppendInput{ConversationID: id, Turn: 1, EventOrdinal: 1, Type: domain.EventTypeMessage, Payload: json.RawMessage(`{}`), Finality: domain.FinalityTurn, AgentID: "alice", Ts: time.Now()})
	require.NoError(t, err)
	_, err = s.Append(ctx, AppendInput{ConversationID: id, Turn: 2, EventOrdinal: 0, Type: domain.EventTypeMessage, Payload: json.RawMessage(`{}`), Finality: domain.FinalityNone, AgentID: "bob", Ts: time.Now()})
	require.NoError(t, err)

	snap, err := s.GetConversationSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.LastClosedSeq)
	assert.Equal(t, int64(3), snap.Head())

	owner, ok := snap.OwnerOfTurn(2)
	require.True(t, ok)
	assert.Equal(t, "bob", owner)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.migrate(context.Background()))
	require.NoError(t, s.migrate(context.Background()))
}
