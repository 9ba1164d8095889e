package natsbus

import (
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/banterop/conductor/internal/bus"
)

// natSub adapts one or more underlying NATS subscriptions (an event
// subject and, optionally, a guidance subject) into a single bounded,
// lag-aware bus.Subscription, mirroring the in-memory bus's delivery
// contract so callers can treat both backends identically.
type natSub struct {
	ch       chan bus.Message
	natsSubs []*nats.Subscription

	mu      sync.Mutex
	active  bool
	lagged  bool
	lastSeq int64 // highest Event.Seq delivered so far, for backlog/live dedupe
}

func newSub(queueDepth int) *natSub {
	return &natSub{ch: make(chan bus.Message, queueDepth), active: true}
}

func (s *natSub) C() <-chan bus.Message { return s.ch }

func (s *natSub) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

func (s *natSub) Unsubscribe() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()

	for _, ns := range s.natsSubs {
		_ = ns.Unsubscribe()
	}
	close(s.ch)
}

// deliver drops a repeat of an already-delivered event seq under the same
// lock, so a backlog replay racing the live NATS subscription it was
// registered alongside can never double-deliver (SPEC_FULL.md §4.2).
func (s *natSub) deliver(msg bus.Message) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	if s.lagged {
		s.mu.Unlock()
		return
	}
	if msg.Event != nil {
		if msg.Event.Seq <= s.lastSeq {
			s.mu.Unlock()
			return
		}
		s.lastSeq = msg.Event.Seq
	}
	s.mu.Unlock()

	select {
	case s.ch <- msg:
	default:
		s.mu.Lock()
		s.lagged = true
		s.mu.Unlock()
		select {
		case s.ch <- bus.Message{Lag: true}:
		default:
		}
	}
}

func (s *natSub) natsEventHandler(filter bus.Filter) nats.MsgHandler {
	return func(m *nats.Msg) {
		var e bus.EventEnvelope
		if err := json.Unmarshal(m.Data, &e); err != nil {
			return
		}
		if filter.Matches(&e) {
			s.deliver(bus.Message{Event: &e})
		}
	}
}

func (s *natSub) natsGuidanceHandler() nats.MsgHandler {
	return func(m *nats.Msg) {
		var g bus.GuidanceEnvelope
		if err := json.Unmarshal(m.Data, &g); err != nil {
			return
		}
		s.deliver(bus.Message{Guidance: &g})
	}
}

var _ bus.Subscription = (*natSub)(nil)
