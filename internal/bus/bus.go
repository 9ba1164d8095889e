// Package bus provides the in-process Subscription Bus (SPEC_FULL.md C2):
// per-conversation and cross-conversation fan-out of committed events and
// ephemeral guidance, with bounded subscriber queues and backlog replay.
package bus

import (
	"context"
	"time"
)

// Message is the unit delivered to a subscriber: either a persisted domain
// event or an ephemeral guidance hint, never both.
type Message struct {
	Event    *EventEnvelope
	Guidance *GuidanceEnvelope
	Lag      bool // true if this message is the out-of-band lag sentinel
}

// EventEnvelope carries a committed conversation event onto the bus.
type EventEnvelope struct {
	ConversationID int64
	Seq            int64
	Turn           int
	Type           string
	AgentID        string
	Finality       string
	Payload        []byte
	Ts             time.Time
}

// GuidanceEnvelope carries an ephemeral turn-ownership hint onto the bus.
type GuidanceEnvelope struct {
	ConversationID int64
	NextAgentID    string
	Seq            float64
	Kind           string
	DeadlineMs     int
	Turn           int
}

// Subscription is a live, cancelable registration on the bus.
type Subscription interface {
	// C returns the channel this subscription delivers Messages on. The
	// channel is closed when the subscription is unsubscribed or the bus
	// is closed.
	C() <-chan Message
	Unsubscribe()
	Lagged() bool
}

// Filter narrows which events a subscription receives. A zero Filter
// matches everything for the given conversation scope.
type Filter struct {
	Types  []string // event types to include; empty = all
	Agents []string // agent ids to include; empty = all
}

// Matches reports whether e passes this filter's type/agent allowlists.
func (f Filter) Matches(e *EventEnvelope) bool {
	if len(f.Types) > 0 && !contains(f.Types, e.Type) {
		return false
	}
	if len(f.Agents) > 0 && !contains(f.Agents, e.AgentID) {
		return false
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Backlog is the minimal read-side dependency the bus needs to replay
// persisted events before switching a subscriber to the live stream. It is
// satisfied by *eventstore.Store without an import cycle.
type Backlog interface {
	GetEventsSince(ctx context.Context, conversationID int64, sinceSeqExclusive int64) ([]EventEnvelope, error)
}

// EventBus is the pluggable transport behind the Subscription Bus, modeled
// on the reference implementation's NATS-style interface (Publish /
// Subscribe / QueueSubscribe / Close / IsConnected), generalized to carry
// typed conversation events and ephemeral guidance plus bounded,
// lag-aware delivery.
type EventBus interface {
	// PublishEvent fans out a committed event to every subscription whose
	// scope and filter match it. Must be called in commit order for a
	// given conversation.
	PublishEvent(ctx context.Context, e EventEnvelope) error

	// PublishGuidance fans out an ephemeral guidance hint. Never persisted.
	PublishGuidance(ctx context.Context, g GuidanceEnvelope) error

	// Subscribe registers a listener for one conversation. If since is
	// non-nil, backlog events with seq > *since are delivered first (via
	// backlog, if provided at construction) before switching to live
	// delivery, deduplicated by seq.
	Subscribe(ctx context.Context, conversationID int64, filter Filter, includeGuidance bool, since *int64) (Subscription, error)

	// SubscribeAll registers a cross-conversation listener. Ordering is
	// only preserved within a single conversation's subsequence.
	SubscribeAll(ctx context.Context, filter Filter, includeGuidance bool) (Subscription, error)

	// QueueSubscribe registers a load-balanced listener: only one member
	// of a named queue group receives each matching message.
	QueueSubscribe(ctx context.Context, conversationID int64, queue string, filter Filter) (Subscription, error)

	Close()
	IsConnected() bool
}
