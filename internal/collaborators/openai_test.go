package collaborators

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatClient struct {
	lastReq openai.ChatCompletionRequest
	resp    openai.ChatCompletionResponse
	err     error
}

func (f *fakeChatClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.lastReq = req
	return f.resp, f.err
}

func TestOpenAIProviderCompleteUsesDefaultModel(t *testing.T) {
	fake := &fakeChatClient{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "hi there"}}},
	}}
	p := &OpenAIProvider{chat: fake, defaultModel: "gpt-4o-mini"}

	result, err := p.Complete(context.Background(), CompletionRequest{
		Messages: []LLMMessage{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", result.Content)
	assert.Equal(t, "gpt-4o-mini", fake.lastReq.Model)
	require.Len(t, fake.lastReq.Messages, 1)
	assert.Equal(t, "hello", fake.lastReq.Messages[0].Content)
}

func TestOpenAIProviderCompleteRequiresMessages(t *testing.T) {
	p := &OpenAIProvider{chat: &fakeChatClient{}, defaultModel: "gpt-4o-mini"}
	_, err := p.Complete(context.Background(), CompletionRequest{})
	assert.Error(t, err)
}

func TestOpenAIProviderCompleteTranslatesToolCalls(t *testing.T) {
	fake := &fakeChatClient{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				ToolCalls: []openai.ToolCall{
					{Function: openai.FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`}},
				},
			},
		}},
	}}
	p := &OpenAIProvider{chat: fake, defaultModel: "gpt-4o-mini"}

	result, err := p.Complete(context.Background(), CompletionRequest{
		Messages: []LLMMessage{{Role: "user", Content: "find x"}},
		Tools:    []ToolSpec{{Name: "lookup", Description: "looks things up"}},
	})
	require.NoError(t, err)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "lookup", result.ToolCalls[0].Name)
	require.Len(t, fake.lastReq.Tools, 1)
	assert.Equal(t, "lookup", fake.lastReq.Tools[0].Function.Name)
}

func TestNewOpenAIProviderRequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIProvider("", "", "gpt-4o-mini")
	assert.Error(t, err)
}
