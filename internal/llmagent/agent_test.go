package llmagent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/conductor/internal/collaborators"
	"github.com/banterop/conductor/internal/domain"
	"github.com/banterop/conductor/internal/platform/logging"
)

type fakeProvider struct {
	lastReq collaborators.CompletionRequest
	reply   string
}

func (f *fakeProvider) Complete(_ context.Context, req collaborators.CompletionRequest) (collaborators.CompletionResult, error) {
	f.lastReq = req
	return collaborators.CompletionResult{Content: f.reply}, nil
}

type captureTransport struct {
	payload  []byte
	finality domain.Finality
}

func (c *captureTransport) PostMessage(_ context.Context, payload []byte, finality domain.Finality) error {
	c.payload = payload
	c.finality = finality
	return nil
}
func (c *captureTransport) PostTrace(context.Context, []byte) error { return nil }

func TestAgentHandleTurnPostsCompletion(t *testing.T) {
	provider := &fakeProvider{reply: "hello back"}
	agent := New(provider, Config{SystemPrompt: "be terse"}, logging.Default())

	transport := &captureTransport{}
	snap := domain.ConversationSnapshot{
		Events: []domain.Event{
			{Type: domain.EventTypeMessage, AgentID: "bob", Payload: json.RawMessage(`{"text":"hi alice"}`)},
		},
	}
	tc := collaborators.TurnContext{Snapshot: snap, Transport: transport, AgentID: "alice"}

	require.NoError(t, agent.HandleTurn(context.Background(), tc))

	require.Equal(t, domain.FinalityTurn, transport.finality)
	var body struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(transport.payload, &body))
	assert.Equal(t, "hello back", body.Text)

	require.Len(t, provider.lastReq.Messages, 2)
	assert.Equal(t, "system", provider.lastReq.Messages[0].Role)
	assert.Equal(t, "user", provider.lastReq.Messages[1].Role)
	assert.Contains(t, provider.lastReq.Messages[1].Content, "hi alice")
}

func TestAgentTranscriptMarksOwnMessagesAsAssistant(t *testing.T) {
	provider := &fakeProvider{reply: "ok"}
	agent := New(provider, Config{}, logging.Default())

	snap := domain.ConversationSnapshot{
		Events: []domain.Event{
			{Type: domain.EventTypeMessage, AgentID: "alice", Payload: json.RawMessage(`{"text":"earlier reply"}`)},
			{Type: domain.EventTypeSystem, AgentID: "", Payload: json.RawMessage(`{"kind":"meta_created"}`)},
		},
	}
	tc := collaborators.TurnContext{Snapshot: snap, Transport: &captureTransport{}, AgentID: "alice"}

	require.NoError(t, agent.HandleTurn(context.Background(), tc))
	require.Len(t, provider.lastReq.Messages, 1)
	assert.Equal(t, "assistant", provider.lastReq.Messages[0].Role)
}
