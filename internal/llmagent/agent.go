// Package llmagent implements the Agent strategy (SPEC_FULL.md C7/C5
// boundary) against an LLMProvider: it renders a conversation's event log
// as a chat transcript, asks the provider for a completion, and posts the
// reply back through the turn's Transport. Grounded on the reference
// A2A runtime's model.Client-driven planner
// (_examples/goadesign-goa-ai/agents/runtime/model), adapted from a
// tool-calling planner loop to a single-completion, single-turn strategy
// matching the Turn-Loop Executor's one-shot HandleTurn contract.
package llmagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/banterop/conductor/internal/collaborators"
	"github.com/banterop/conductor/internal/domain"
	"github.com/banterop/conductor/internal/platform/logging"
)

// Config configures one agent's persona and model parameters.
type Config struct {
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int
	// MaxHistory bounds how many prior events are rendered into the
	// transcript; 0 means unbounded.
	MaxHistory int
}

// Agent implements collaborators.Agent by delegating to an LLMProvider.
type Agent struct {
	provider collaborators.LLMProvider
	cfg      Config
	logger   *logging.Logger
}

// New builds an Agent backed by provider.
func New(provider collaborators.LLMProvider, cfg Config, log *logging.Logger) *Agent {
	return &Agent{provider: provider, cfg: cfg, logger: log.WithComponent("llmagent")}
}

// HandleTurn renders tc's snapshot as a chat transcript, completes it, and
// posts the result as a turn-closing message.
func (a *Agent) HandleTurn(ctx context.Context, tc collaborators.TurnContext) error {
	messages := a.transcript(tc)

	result, err := a.provider.Complete(ctx, collaborators.CompletionRequest{
		Messages:    messages,
		Model:       a.cfg.Model,
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("llm completion for agent %s: %w", tc.AgentID, err)
	}

	payload, err := json.Marshal(map[string]string{"text": result.Content})
	if err != nil {
		return fmt.Errorf("marshal llm reply: %w", err)
	}
	return tc.Transport.PostMessage(ctx, payload, domain.FinalityTurn)
}

// transcript renders tc's event log as an LLM chat history: the agent's
// own prior messages become "assistant" turns, every other agent's
// messages become "user" turns, grounded on the reference runtime's
// role-mapping convention (one fixed "assistant" identity per completion
// call, everyone else folded into "user").
func (a *Agent) transcript(tc collaborators.TurnContext) []collaborators.LLMMessage {
	events := tc.Snapshot.Events
	if a.cfg.MaxHistory > 0 && len(events) > a.cfg.MaxHistory {
		events = events[len(events)-a.cfg.MaxHistory:]
	}

	messages := make([]collaborators.LLMMessage, 0, len(events)+1)
	if a.cfg.SystemPrompt != "" {
		messages = append(messages, collaborators.LLMMessage{Role: "system", Content: a.cfg.SystemPrompt})
	}

	for _, e := range events {
		if e.Type != domain.EventTypeMessage {
			continue
		}
		text := extractText(e.Payload)
		if text == "" {
			continue
		}
		role := "user"
		if e.AgentID == tc.AgentID {
			role = "assistant"
		}
		content := text
		if role == "user" && e.AgentID != "" {
			content = fmt.Sprintf("[%s] %s", e.AgentID, text)
		}
		messages = append(messages, collaborators.LLMMessage{Role: role, Content: content})
	}
	return messages
}

func extractText(payload json.RawMessage) string {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return strings.TrimSpace(body.Text)
}
