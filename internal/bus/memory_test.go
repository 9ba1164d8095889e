package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/conductor/internal/platform/logging"
)

func drain(t *testing.T, sub Subscription, timeout time.Duration) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "channel closed without delivering a message")
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestSubscribeAndPublishEvent(t *testing.T) {
	b := NewMemoryBus(nil, 4, logging.Default())
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), 1, Filter{}, false, nil)
	require.NoError(t, err)

	err = b.PublishEvent(context.Background(), EventEnvelope{ConversationID: 1, Seq: 1, Type: "message"})
	require.NoError(t, err)

	msg := drain(t, sub, time.Second)
	require.NotNil(t, msg.Event)
	assert.Equal(t, int64(1), msg.Event.Seq)
}

func TestSubscribeFilterExcludesNonMatchingType(t *testing.T) {
	b := NewMemoryBus(nil, 4, logging.Default())
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), 1, Filter{Types: []string{"trace"}}, false, nil)
	require.NoError(t, err)

	require.NoError(t, b.PublishEvent(context.Background(), EventEnvelope{ConversationID: 1, Seq: 1, Type: "message"}))
	require.NoError(t, b.PublishEvent(context.Background(), EventEnvelope{ConversationID: 1, Seq: 2, Type: "trace"}))

	msg := drain(t, sub, time.Second)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "trace", msg.Event.Type)
}

func TestOverflowSetsLagged(t *testing.T) {
	b := NewMemoryBus(nil, 1, logging.Default())
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), 1, Filter{}, false, nil)
	require.NoError(t, err)

	// Fill the one-slot queue, then overflow it.
	require.NoError(t, b.PublishEvent(context.Background(), EventEnvelope{ConversationID: 1, Seq: 1, Type: "message"}))
	require.NoError(t, b.PublishEvent(context.Background(), EventEnvelope{ConversationID: 1, Seq: 2, Type: "message"}))
	require.NoError(t, b.PublishEvent(context.Background(), EventEnvelope{ConversationID: 1, Seq: 3, Type: "message"}))

	first := drain(t, sub, time.Second)
	assert.Equal(t, int64(1), first.Event.Seq)

	ms, ok := sub.(*memorySub)
	require.True(t, ok)
	assert.True(t, ms.Lagged())
}

func TestQueueSubscribeLoadBalances(t *testing.T) {
	b := NewMemoryBus(nil, 4, logging.Default())
	defer b.Close()

	subA, err := b.QueueSubscribe(context.Background(), 1, "workers", Filter{})
	require.NoError(t, err)
	subB, err := b.QueueSubscribe(context.Background(), 1, "workers", Filter{})
	require.NoError(t, err)

	require.NoError(t, b.PublishEvent(context.Background(), EventEnvelope{ConversationID: 1, Seq: 1, Type: "message"}))
	require.NoError(t, b.PublishEvent(context.Background(), EventEnvelope{ConversationID: 1, Seq: 2, Type: "message"}))

	got := map[int64]bool{}
	m1 := drain(t, subA, time.Second)
	got[m1.Event.Seq] = true
	m2 := drain(t, subB, time.Second)
	got[m2.Event.Seq] = true

	assert.True(t, got[1])
	assert.True(t, got[2])
}

func TestSubscribeAllReceivesAcrossConversations(t *testing.T) {
	b := NewMemoryBus(nil, 4, logging.Default())
	defer b.Close()

	sub, err := b.SubscribeAll(context.Background(), Filter{}, false)
	require.NoError(t, err)

	require.NoError(t, b.PublishEvent(context.Background(), EventEnvelope{ConversationID: 1, Seq: 1, Type: "message"}))
	require.NoError(t, b.PublishEvent(context.Background(), EventEnvelope{ConversationID: 2, Seq: 1, Type: "message"}))

	msg1 := drain(t, sub, time.Second)
	msg2 := drain(t, sub, time.Second)
	assert.ElementsMatch(t, []int64{1, 2}, []int64{msg1.Event.ConversationID, msg2.Event.ConversationID})
}

func TestBacklogReplayBeforeLive(t *testing.T) {
	backlog := &fakeBacklog{events: []EventEnvelope{{ConversationID: 1, Seq: 1}, {ConversationID: 1, Seq: 2}}}
	b := NewMemoryBus(backlog, 8, logging.Default())
	defer b.Close()

	since := int64(0)
	sub, err := b.Subscribe(context.Background(), 1, Filter{}, false, &since)
	require.NoError(t, err)

	require.NoError(t, b.PublishEvent(context.Background(), EventEnvelope{ConversationID: 1, Seq: 3}))

	for i, want := range []int64{1, 2, 3} {
		msg := drain(t, sub, time.Second)
		require.NotNilf(t, msg.Event, "message %d", i)
		assert.Equal(t, want, msg.Event.Seq)
	}
}

type fakeBacklog struct{ events []EventEnvelope }

func (f *fakeBacklog) GetEventsSince(ctx context.Context, conversationID int64, sinceSeqExclusive int64) ([]EventEnvelope, error) {
	var out []EventEnvelope
	for _, e := range f.events {
		if e.ConversationID == conversationID && e.Seq > sinceSeqExclusive {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewMemoryBus(nil, 4, logging.Default())
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), 1, Filter{}, false, nil)
	require.NoError(t, err)

	sub.Unsubscribe()
	_, ok := <-sub.C()
	assert.False(t, ok)
}
