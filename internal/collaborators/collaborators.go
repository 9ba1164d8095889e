// Package collaborators defines the interfaces the conductor core consumes
// but never implements itself: an LLM provider, an attachment store, a
// scenario store, and the Agent strategy contract invoked by the Turn-Loop
// Executor. In-memory reference implementations are provided for tests and
// for running without an external LLM or persistent blob store.
package collaborators

import (
	"context"
	"time"

	"github.com/banterop/conductor/internal/domain"
)

// LLMMessage is one role/content turn in a completion request.
type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec describes a tool the LLM may call.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ToolCall is one tool invocation the LLM requested.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// CompletionRequest is the input to an LLMProvider.
type CompletionRequest struct {
	Messages        []LLMMessage
	Model           string
	Temperature     float64
	MaxTokens       int
	Tools           []ToolSpec
	LoggingMetadata map[string]string
}

// CompletionResult is the output of an LLMProvider.
type CompletionResult struct {
	Content   string
	ToolCalls []ToolCall
}

// LLMProvider abstracts a chat-completion backend. Errors surface as
// apperror.ProviderError at the call site.
type LLMProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

// AttachmentMeta describes one stored attachment.
type AttachmentMeta struct {
	ID             string    `json:"id"`
	ConversationID int64     `json:"conversationId"`
	DocID          string    `json:"docId,omitempty"`
	Name           string    `json:"name"`
	ContentType    string    `json:"contentType"`
	Summary        string    `json:"summary,omitempty"`
	Size           int       `json:"size"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AttachmentStore persists attachment bytes inline; no URI dereference.
type AttachmentStore interface {
	Put(ctx context.Context, conversationID int64, meta AttachmentMeta, data []byte) (string, error)
	GetByID(ctx context.Context, id string) (AttachmentMeta, []byte, error)
	GetByDocID(ctx context.Context, conversationID int64, docID string) (AttachmentMeta, []byte, error)
}

// Scenario is a reusable conversation template.
type Scenario struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Tags      []string        `json:"tags,omitempty"`
	Config    []byte          `json:"config"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Published bool            `json:"published"`
	EditToken string          `json:"-"`
}

// ScenarioStore manages scenario CRUD.
type ScenarioStore interface {
	List(ctx context.Context) ([]Scenario, error)
	Get(ctx context.Context, id string) (Scenario, error)
	Insert(ctx context.Context, s Scenario) (Scenario, error)
	Update(ctx context.Context, s Scenario) (Scenario, error)
	Delete(ctx context.Context, id string) error
}

// Transport is the narrow handle an Agent uses to act: post a message or
// trace event. The Turn-Loop Executor is the only caller that constructs
// one; agents never append to the event store directly.
type Transport interface {
	PostMessage(ctx context.Context, payload []byte, finality domain.Finality) error
	PostTrace(ctx context.Context, payload []byte) error
}

// TurnContext is everything an Agent receives to take exactly one turn. It
// wraps a stable snapshot taken at claim time; the agent must not reach for
// the live log.
type TurnContext struct {
	Snapshot  domain.ConversationSnapshot
	Transport Transport
	AgentID   string
	Deadline  time.Time
}

// Agent is the strategy contract the runtime invokes and never introspects.
type Agent interface {
	HandleTurn(ctx context.Context, tc TurnContext) error
}
