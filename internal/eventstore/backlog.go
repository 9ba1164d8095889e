package eventstore

import (
	"context"

	"github.com/banterop/conductor/internal/bus"
)

// AsBacklog adapts Store to bus.Backlog so the Subscription Bus can replay
// persisted events for a since_seq subscriber without importing eventstore
// directly.
func (s *Store) AsBacklog() bus.Backlog { return backlogAdapter{s} }

type backlogAdapter struct{ s *Store }

func (a backlogAdapter) GetEventsSince(ctx context.Context, conversationID int64, sinceSeqExclusive int64) ([]bus.EventEnvelope, error) {
	events, err := a.s.GetEventsSince(ctx, conversationID, sinceSeqExclusive)
	if err != nil {
		return nil, err
	}
	out := make([]bus.EventEnvelope, 0, len(events))
	for _, e := range events {
		out = append(out, bus.EventEnvelope{
			ConversationID: e.ConversationID,
			Seq:            e.Seq,
			Turn:           e.Turn,
			Type:           string(e.Type),
			AgentID:        e.AgentID,
			Finality:       string(e.Finality),
			Payload:        []byte(e.Payload),
			Ts:             e.Ts,
		})
	}
	return out, nil
}
