// Package domain holds the core value types shared by the event store, the
// subscription bus, and the conversation orchestrator: Event, Guidance, and
// Conversation metadata.
package domain

import (
	"encoding/json"
	"time"
)

// EventType distinguishes the three kinds of log records.
type EventType string

const (
	EventTypeMessage EventType = "message"
	EventTypeTrace   EventType = "trace"
	EventTypeSystem  EventType = "system"
)

// Finality marks whether an event closes the current turn, the whole
// conversation, or neither.
type Finality string

const (
	FinalityNone         Finality = "none"
	FinalityTurn         Finality = "turn"
	FinalityConversation Finality = "conversation"
)

// AgentKind distinguishes in-process strategy agents from externally bridged
// ones (A2A/MCP clients, or containerized workers).
type AgentKind string

const (
	AgentKindInternal AgentKind = "internal"
	AgentKindExternal AgentKind = "external"
)

// SystemAgentID is the reserved agent_id used by system events, which never
// change turn ownership.
const SystemAgentID = "system"

// Event is a single, immutable append to a conversation's log.
type Event struct {
	ConversationID int64           `json:"conversationId"`
	Seq            int64           `json:"seq"`
	Turn           int             `json:"turn"`
	EventOrdinal   int             `json:"event"`
	Type           EventType       `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Finality       Finality        `json:"finality"`
	AgentID        string          `json:"agentId"`
	Ts             time.Time       `json:"ts"`
}

// IsSystem reports whether e is a system event (which never carries
// ownership; only the runtime's turn-closing markers carry finality=turn).
func (e Event) IsSystem() bool { return e.Type == EventTypeSystem }

// GuidanceKind distinguishes a fresh turn handoff from a continuation
// nudge for an agent that is already the open turn's owner.
type GuidanceKind string

const (
	GuidanceStartTurn    GuidanceKind = "start_turn"
	GuidanceContinueTurn GuidanceKind = "continue_turn"
)

// Guidance is an ephemeral, never-persisted hint naming the next agent
// expected to act. Its Seq lives in a separate, fractional numbering space
// from Event.Seq (SPEC_FULL.md §9 Open Question resolution).
type Guidance struct {
	ConversationID int64        `json:"conversationId"`
	NextAgentID    string       `json:"nextAgentId"`
	Seq            float64      `json:"seq"`
	Kind           GuidanceKind `json:"kind"`
	DeadlineMs     int          `json:"deadlineMs"`
	Turn           int          `json:"turn"`
}

// AgentRef is one participant in a conversation's roster.
type AgentRef struct {
	AgentID    string    `json:"agentId"`
	Kind       AgentKind `json:"kind"`
	AgentClass string    `json:"agentClass,omitempty"`
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
)

// SchedulePolicy selects how the next turn owner is computed.
type SchedulePolicy string

const (
	PolicyRoundRobin       SchedulePolicy = "round-robin"
	PolicyStrictAlternation SchedulePolicy = "strict-alternation"
)

// ConversationMetadata is the mutable header describing a conversation.
type ConversationMetadata struct {
	Title           string             `json:"title"`
	ScenarioID      string             `json:"scenarioId,omitempty"`
	Agents          []AgentRef         `json:"agents"`
	StartingAgentID string             `json:"startingAgentId,omitempty"`
	Status          ConversationStatus `json:"status"`
	Policy          SchedulePolicy     `json:"policy,omitempty"`
	Custom          json.RawMessage    `json:"custom,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// ConversationSnapshot is a point-in-time, self-consistent view of a
// conversation: status, metadata, the full event log, and the seq of the
// most recent turn/conversation-closing event.
type ConversationSnapshot struct {
	ConversationID int64                `json:"conversationId"`
	Metadata       ConversationMetadata `json:"metadata"`
	Events         []Event              `json:"events"`
	LastClosedSeq  int64                `json:"lastClosedSeq"`
}

// Head returns the highest committed seq in the snapshot, or 0 if empty.
func (s ConversationSnapshot) Head() int64 {
	if len(s.Events) == 0 {
		return 0
	}
	return s.Events[len(s.Events)-1].Seq
}

// LastNonSystem returns the most recent non-system event, if any.
func (s ConversationSnapshot) LastNonSystem() (Event, bool) {
	for i := len(s.Events) - 1; i >= 0; i-- {
		if !s.Events[i].IsSystem() {
			return s.Events[i], true
		}
	}
	return Event{}, false
}

// LastMessage returns the most recent message event, if any.
func (s ConversationSnapshot) LastMessage() (Event, bool) {
	for i := len(s.Events) - 1; i >= 0; i-- {
		if s.Events[i].Type == EventTypeMessage {
			return s.Events[i], true
		}
	}
	return Event{}, false
}

// OwnerOfTurn returns the agent_id owning the given turn number, based on
// the latest non-system event recorded for it.
func (s ConversationSnapshot) OwnerOfTurn(turn int) (string, bool) {
	for i := len(s.Events) - 1; i >= 0; i-- {
		ev := s.Events[i]
		if ev.Turn != turn {
			continue
		}
		if !ev.IsSystem() {
			return ev.AgentID, true
		}
	}
	return "", false
}

// RoundRobinNext returns the agent after `after` in roster order, wrapping.
// Returns false only for an empty roster; if `after` is not present it
// returns the first agent.
func RoundRobinNext(agents []AgentRef, after string) (string, bool) {
	if len(agents) == 0 {
		return "", false
	}
	idx := -1
	for i, a := range agents {
		if a.AgentID == after {
			idx = i
			break
		}
	}
	if idx == -1 {
		return agents[0].AgentID, true
	}
	next := (idx + 1) % len(agents)
	return agents[next].AgentID, true
}

// StrictAlternationNext returns the other agent in a two-agent roster.
func StrictAlternationNext(agents []AgentRef, after string) (string, bool) {
	if len(agents) != 2 {
		return "", false
	}
	if agents[0].AgentID == after {
		return agents[1].AgentID, true
	}
	return agents[0].AgentID, true
}
