package collaborators

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// chatClient captures the subset of the go-openai client the adapter uses,
// narrow enough to fake in tests.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProvider implements LLMProvider over the OpenAI Chat Completions
// API (or any OpenAI-compatible endpoint reachable via a custom base URL).
type OpenAIProvider struct {
	chat         chatClient
	defaultModel string
}

// NewOpenAIProvider builds a provider from an API key and optional base
// URL (empty uses the public OpenAI API).
func NewOpenAIProvider(apiKey, baseURL, defaultModel string) (*OpenAIProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("llm api key is required")
	}
	if strings.TrimSpace(defaultModel) == "" {
		return nil, errors.New("llm default model is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{chat: openai.NewClientWithConfig(cfg), defaultModel: defaultModel}, nil
}

// Complete renders one chat completion, falling back to the provider's
// configured default model when the request doesn't name one.
func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	if len(req.Messages) == 0 {
		return CompletionResult{}, errors.New("messages are required")
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	var tools []openai.Tool
	for _, t := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	resp, err := p.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Tools:       tools,
	})
	if err != nil {
		return CompletionResult{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return CompletionResult{}, errors.New("openai chat completion returned no choices")
	}

	choice := resp.Choices[0]
	result := CompletionResult{Content: choice.Message.Content}
	for _, call := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return result, nil
}
