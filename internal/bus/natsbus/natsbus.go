// Package natsbus is an optional, cross-process backend for the
// Subscription Bus (SPEC_FULL.md C2), for operators who outgrow the
// default in-memory bus. The Orchestrator and Event Store remain
// single-process/single-writer regardless of which bus backend is wired
// in; this package only swaps the fan-out transport.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/banterop/conductor/internal/bus"
	"github.com/banterop/conductor/internal/platform/logging"
)

const defaultQueueDepth = 1024

// Config configures the NATS connection underlying a Bus.
type Config struct {
	URL           string
	ClientID      string
	MaxReconnects int
}

// Bus implements bus.EventBus over a NATS connection. Events for
// conversation N are published on subject "conductor.conv.<N>.event" and
// guidance on "conductor.conv.<N>.guidance"; SubscribeAll listens on the
// wildcard "conductor.conv.*.event".
type Bus struct {
	conn       *nats.Conn
	logger     *logging.Logger
	queueDepth int
	backlog    bus.Backlog

	mu     sync.Mutex
	closed bool
}

// New connects to NATS and returns a ready-to-use Bus. backlog may be nil
// if since_seq replay is not required.
func New(cfg Config, backlog bus.Backlog, queueDepth int, log *logging.Logger) (*Bus, error) {
	b := &Bus{logger: log.WithComponent("natsbus"), backlog: backlog}
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	b.queueDepth = queueDepth

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			b.logger.Info("nats connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			b.logger.Error("nats error", zap.String("subject", subject), zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	b.conn = conn
	b.logger.Info("connected to nats", zap.String("url", cfg.URL))
	return b, nil
}

func eventSubject(conversationID int64) string    { return fmt.Sprintf("conductor.conv.%d.event", conversationID) }
func guidanceSubject(conversationID int64) string { return fmt.Sprintf("conductor.conv.%d.guidance", conversationID) }

const wildcardEventSubject = "conductor.conv.*.event"
const wildcardGuidanceSubject = "conductor.conv.*.guidance"

func (b *Bus) PublishEvent(ctx context.Context, e bus.EventEnvelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.conn.Publish(eventSubject(e.ConversationID), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *Bus) PublishGuidance(ctx context.Context, g bus.GuidanceEnvelope) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal guidance: %w", err)
	}
	if err := b.conn.Publish(guidanceSubject(g.ConversationID), data); err != nil {
		return fmt.Errorf("publish guidance: %w", err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, conversationID int64, filter bus.Filter, includeGuidance bool, since *int64) (bus.Subscription, error) {
	sub := newSub(b.queueDepth)
	if since != nil {
		sub.lastSeq = *since
	}

	events, err := b.conn.Subscribe(eventSubject(conversationID), sub.natsEventHandler(filter))
	if err != nil {
		return nil, fmt.Errorf("subscribing to events: %w", err)
	}
	sub.natsSubs = append(sub.natsSubs, events)

	if includeGuidance {
		g, err := b.conn.Subscribe(guidanceSubject(conversationID), sub.natsGuidanceHandler())
		if err != nil {
			sub.Unsubscribe()
			return nil, fmt.Errorf("subscribing to guidance: %w", err)
		}
		sub.natsSubs = append(sub.natsSubs, g)
	}

	if since != nil && b.backlog != nil {
		backfill, err := b.backlog.GetEventsSince(ctx, conversationID, *since)
		if err != nil {
			sub.Unsubscribe()
			return nil, err
		}
		for _, e := range backfill {
			ev := e
			if filter.Matches(&ev) {
				sub.deliver(bus.Message{Event: &ev})
			}
		}
	}

	return sub, nil
}

func (b *Bus) SubscribeAll(ctx context.Context, filter bus.Filter, includeGuidance bool) (bus.Subscription, error) {
	sub := newSub(b.queueDepth)

	events, err := b.conn.Subscribe(wildcardEventSubject, sub.natsEventHandler(filter))
	if err != nil {
		return nil, fmt.Errorf("subscribing to all events: %w", err)
	}
	sub.natsSubs = append(sub.natsSubs, events)

	if includeGuidance {
		g, err := b.conn.Subscribe(wildcardGuidanceSubject, sub.natsGuidanceHandler())
		if err != nil {
			sub.Unsubscribe()
			return nil, fmt.Errorf("subscribing to all guidance: %w", err)
		}
		sub.natsSubs = append(sub.natsSubs, g)
	}
	return sub, nil
}

func (b *Bus) QueueSubscribe(ctx context.Context, conversationID int64, queue string, filter bus.Filter) (bus.Subscription, error) {
	sub := newSub(b.queueDepth)
	events, err := b.conn.QueueSubscribe(eventSubject(conversationID), queue, sub.natsEventHandler(filter))
	if err != nil {
		return nil, fmt.Errorf("queue subscribing: %w", err)
	}
	sub.natsSubs = append(sub.natsSubs, events)
	return sub, nil
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.conn == nil {
		return
	}
	b.closed = true
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining nats connection", zap.Error(err))
		b.conn.Close()
	}
}

func (b *Bus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}

var _ bus.EventBus = (*Bus)(nil)
