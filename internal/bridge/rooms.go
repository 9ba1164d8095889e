package bridge

import (
	"context"

	"github.com/banterop/conductor/internal/bus"
	"github.com/banterop/conductor/internal/domain"
	"github.com/banterop/conductor/internal/platform/apperror"
)

// PairConversationID resolves the conductor conversation backing pairID,
// creating it if this is the room's first use.
func (b *Bridge) PairConversationID(ctx context.Context, pairID string) (int64, error) {
	row, err := b.ensurePair(ctx, pairID)
	if err != nil {
		return 0, err
	}
	return row.ConversationID, nil
}

// Epochs lists the epoch numbers recorded for pairID, per the
// GET /api/rooms/:roomId/epochs route.
func (b *Bridge) Epochs(ctx context.Context, pairID string, desc bool, limit int) ([]int, error) {
	if _, err := b.ensurePair(ctx, pairID); err != nil {
		return nil, err
	}
	epochs, err := b.store.listEpochs(ctx, pairID, desc, limit)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	return epochs, nil
}

// EpochTask projects one epoch's task from viewer's side, per
// GET /api/rooms/:roomId/epochs/:epoch?viewer=init|resp.
func (b *Bridge) EpochTask(ctx context.Context, pairID string, epoch int, viewer Role) (Task, error) {
	row, err := b.store.getByID(ctx, pairID)
	if err != nil {
		return Task{}, apperror.NotFound("room not found")
	}
	return b.projectTask(ctx, row.ConversationID, row.PairID, epoch, viewer)
}

// Reset detaches or rewinds a room. A soft reset advances the epoch,
// starting a fresh task pair on the same underlying conversation; a hard
// reset deletes the pair row outright so the next use starts an entirely
// new conversation.
func (b *Bridge) Reset(ctx context.Context, pairID string, hard bool) error {
	row, err := b.ensurePair(ctx, pairID)
	if err != nil {
		return err
	}
	if !hard {
		_, err := b.advanceEpoch(ctx, row)
		return err
	}
	if err := b.store.deletePair(ctx, pairID); err != nil {
		return apperror.Internal(err)
	}
	return nil
}

// Subscribe exposes the pair's underlying conversation event stream for the
// control-plane SSE routes (events.log, server-events), alongside the
// resolved conversation id the caller needs to label frames.
func (b *Bridge) Subscribe(ctx context.Context, pairID string, since *int64) (bus.Subscription, int64, error) {
	row, err := b.ensurePair(ctx, pairID)
	if err != nil {
		return nil, 0, err
	}
	sub, err := b.eb.Subscribe(ctx, row.ConversationID, bus.Filter{}, true, since)
	if err != nil {
		return nil, 0, apperror.Internal(err)
	}
	return sub, row.ConversationID, nil
}

// ConversationSnapshot exposes the pair's underlying conversation snapshot,
// used to render backlog before an SSE stream switches to live delivery.
func (b *Bridge) ConversationSnapshot(ctx context.Context, pairID string) (domain.ConversationSnapshot, error) {
	row, err := b.ensurePair(ctx, pairID)
	if err != nil {
		return domain.ConversationSnapshot{}, err
	}
	return b.orch.GetConversationWithMetadata(ctx, row.ConversationID)
}
