package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/banterop/conductor/internal/platform/logging"
)

const defaultQueueDepth = 1024

// MemoryBus implements EventBus with in-process channels, bounded
// per-subscriber queues, and an optional Backlog for since_seq replay.
// Grounded on apps/backend/internal/events/bus/memory.go's subscription
// bookkeeping (subject map, queue groups, round-robin dispatch),
// generalized from unbounded per-delivery goroutines to a single bounded
// channel per subscriber with a lag sentinel, per SPEC_FULL.md §4.2/§5.
type MemoryBus struct {
	mu          sync.RWMutex
	perConv     map[int64][]*memorySub
	global      []*memorySub
	queues      map[string]*queueGroup
	backlog     Backlog
	queueDepth  int
	logger      *logging.Logger
	closed      bool
}

type queueGroup struct {
	mu        sync.Mutex
	members   []*memorySub
	nextIndex int
}

// NewMemoryBus constructs an in-memory bus. backlog may be nil if since_seq
// replay is not needed (e.g. in tests).
func NewMemoryBus(backlog Backlog, queueDepth int, log *logging.Logger) *MemoryBus {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &MemoryBus{
		perConv:    make(map[int64][]*memorySub),
		queues:     make(map[string]*queueGroup),
		backlog:    backlog,
		queueDepth: queueDepth,
		logger:     log.WithComponent("bus"),
	}
}

type memorySub struct {
	bus            *MemoryBus
	conversationID int64 // 0 for SubscribeAll
	all            bool
	filter         Filter
	includeGuidance bool
	queue          string

	ch      chan Message
	mu      sync.Mutex
	active  bool
	lagged  bool
	lastSeq int64 // highest Event.Seq delivered so far, for backlog/live dedupe
}

func (s *memorySub) C() <-chan Message { return s.ch }

func (s *memorySub) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

func (s *memorySub) Unsubscribe() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()

	s.bus.remove(s)
	close(s.ch)
}

// deliver enqueues msg without blocking; on a full queue it drops the
// message, flips the lagged flag, and (once) pushes a lag sentinel instead.
// Event messages are deduplicated by seq under the same lock so that the
// backlog-replay loop in Subscribe and a concurrent live publish can never
// both hand the subscriber the same event, per SPEC_FULL.md §4.2's backlog
// replay being "deduplicated by seq". SubscribeAll subscriptions span many
// conversations, whose seqs are independent, so they are not deduplicated.
func (s *memorySub) deliver(msg Message) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	if msg.Event != nil && !s.all {
		if msg.Event.Seq <= s.lastSeq {
			s.mu.Unlock()
			return
		}
		s.lastSeq = msg.Event.Seq
	}
	alreadyLagged := s.lagged
	s.mu.Unlock()

	if alreadyLagged {
		return
	}

	select {
	case s.ch <- msg:
	default:
		s.mu.Lock()
		s.lagged = true
		s.mu.Unlock()
		select {
		case s.ch <- Message{Lag: true}:
		default:
			// Queue still full even for the sentinel; the subscriber is far
			// enough behind that it will resync via getEventsSince anyway.
		}
	}
}

func (b *MemoryBus) remove(target *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if target.all {
		b.global = removeSub(b.global, target)
		return
	}
	if target.queue != "" {
		key := queueKey(target.conversationID, target.queue)
		if qg, ok := b.queues[key]; ok {
			qg.mu.Lock()
			qg.members = removeSub(qg.members, target)
			qg.mu.Unlock()
		}
	}
	b.perConv[target.conversationID] = removeSub(b.perConv[target.conversationID], target)
}

func removeSub(subs []*memorySub, target *memorySub) []*memorySub {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func queueKey(conversationID int64, queue string) string {
	return fmt.Sprintf("%d:%s", conversationID, queue)
}

func (b *MemoryBus) PublishEvent(ctx context.Context, e EventEnvelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	msg := Message{Event: &e}
	deliveredQueues := make(map[string]bool)

	for _, sub := range b.perConv[e.ConversationID] {
		if !sub.filter.Matches(&e) {
			continue
		}
		if sub.queue != "" {
			key := queueKey(e.ConversationID, sub.queue)
			if deliveredQueues[key] {
				continue
			}
			deliveredQueues[key] = true
			b.deliverToQueue(key, msg)
			continue
		}
		sub.deliver(msg)
	}
	for _, sub := range b.global {
		if sub.filter.Matches(&e) {
			sub.deliver(msg)
		}
	}

	b.logger.Debug("published event",
		zap.Int64("conversation_id", e.ConversationID), zap.Int64("seq", e.Seq))
	return nil
}

func (b *MemoryBus) PublishGuidance(ctx context.Context, g GuidanceEnvelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	msg := Message{Guidance: &g}
	for _, sub := range b.perConv[g.ConversationID] {
		if sub.includeGuidance {
			sub.deliver(msg)
		}
	}
	for _, sub := range b.global {
		if sub.includeGuidance {
			sub.deliver(msg)
		}
	}
	return nil
}

func (b *MemoryBus) deliverToQueue(key string, msg Message) {
	qg, ok := b.queues[key]
	if !ok {
		return
	}
	qg.mu.Lock()
	defer qg.mu.Unlock()
	if len(qg.members) == 0 {
		return
	}
	for i := 0; i < len(qg.members); i++ {
		idx := (qg.nextIndex + i) % len(qg.members)
		sub := qg.members[idx]
		if sub.Lagged() {
			continue
		}
		qg.nextIndex = (idx + 1) % len(qg.members)
		sub.deliver(msg)
		return
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, conversationID int64, filter Filter, includeGuidance bool, since *int64) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus is closed")
	}
	sub := &memorySub{
		bus:             b,
		conversationID:  conversationID,
		filter:          filter,
		includeGuidance: includeGuidance,
		ch:              make(chan Message, b.queueDepth),
		active:          true,
	}
	if since != nil {
		sub.lastSeq = *since
	}
	b.perConv[conversationID] = append(b.perConv[conversationID], sub)
	b.mu.Unlock()

	if since != nil && b.backlog != nil {
		events, err := b.backlog.GetEventsSince(ctx, conversationID, *since)
		if err != nil {
			sub.Unsubscribe()
			return nil, err
		}
		for _, e := range events {
			ev := e
			if filter.Matches(&ev) {
				sub.deliver(Message{Event: &ev})
			}
		}
	}

	return sub, nil
}

func (b *MemoryBus) SubscribeAll(ctx context.Context, filter Filter, includeGuidance bool) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	sub := &memorySub{
		bus:             b,
		all:             true,
		filter:          filter,
		includeGuidance: includeGuidance,
		ch:              make(chan Message, b.queueDepth),
		active:          true,
	}
	b.global = append(b.global, sub)
	return sub, nil
}

func (b *MemoryBus) QueueSubscribe(ctx context.Context, conversationID int64, queue string, filter Filter) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	sub := &memorySub{
		bus:            b,
		conversationID: conversationID,
		filter:         filter,
		queue:          queue,
		ch:             make(chan Message, b.queueDepth),
		active:         true,
	}
	b.perConv[conversationID] = append(b.perConv[conversationID], sub)

	key := queueKey(conversationID, queue)
	qg, ok := b.queues[key]
	if !ok {
		qg = &queueGroup{}
		b.queues[key] = qg
	}
	qg.mu.Lock()
	qg.members = append(qg.members, sub)
	qg.mu.Unlock()

	return sub, nil
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.perConv {
		for _, s := range subs {
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
			close(s.ch)
		}
	}
	for _, s := range b.global {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		close(s.ch)
	}
	b.perConv = make(map[int64][]*memorySub)
	b.global = nil
	b.queues = make(map[string]*queueGroup)

	b.logger.Info("memory bus closed")
}

func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

var _ EventBus = (*MemoryBus)(nil)
