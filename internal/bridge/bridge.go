package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/banterop/conductor/internal/bus"
	"github.com/banterop/conductor/internal/domain"
	"github.com/banterop/conductor/internal/orchestrator"
	"github.com/banterop/conductor/internal/platform/apperror"
	"github.com/banterop/conductor/internal/platform/logging"
)

// Bridge projects conductor conversations onto the external A2A JSON-RPC
// surface, one pair at a time. Each pair owns exactly one conversation
// whose roster is the two external agents "init" and "resp"; epochs are a
// bridge-level concept layered over that single conversation's turns,
// grounded on the reference A2A server's Server/TaskStore split
// (_examples/goadesign-goa-ai/runtime/a2a/server.go) adapted onto the
// conductor's own event log instead of a standalone TaskStore.
type Bridge struct {
	orch   *orchestrator.Orchestrator
	eb     bus.EventBus
	store  *pairStore
	leases *leaseTable
	logger *logging.Logger

	agentCard AgentCard
}

// New constructs a Bridge over the given orchestrator, event bus and
// database connection (shared with the Event Store, per the teacher's
// single-SQLite-file convention).
func New(db *sql.DB, orch *orchestrator.Orchestrator, eb bus.EventBus, card AgentCard, log *logging.Logger) *Bridge {
	return &Bridge{
		orch:      orch,
		eb:        eb,
		store:     newPairStore(db),
		leases:    newLeaseTable(),
		logger:    log.WithComponent("bridge"),
		agentCard: card,
	}
}

// ensurePair loads a pair's row, creating both it and its backing
// conversation on first use.
func (b *Bridge) ensurePair(ctx context.Context, pairID string) (pairRow, error) {
	row, err := b.store.getByID(ctx, pairID)
	if err == nil {
		return row, nil
	}
	if !errors.Is(wrapNotFound(err), errPairNotFound) {
		return pairRow{}, apperror.Internal(err)
	}

	convID, err := b.orch.CreateConversation(ctx, domain.ConversationMetadata{
		Title: fmt.Sprintf("room %s", pairID),
		Agents: []domain.AgentRef{
			{AgentID: RoleInit.AgentID(), Kind: domain.AgentKindExternal},
			{AgentID: RoleResp.AgentID(), Kind: domain.AgentKindExternal},
		},
		StartingAgentID: RoleInit.AgentID(),
		Policy:          domain.PolicyStrictAlternation,
	})
	if err != nil {
		return pairRow{}, apperror.Internal(err)
	}
	if err := b.store.insert(ctx, pairID, convID); err != nil {
		return pairRow{}, apperror.Internal(err)
	}
	if err := b.beginEpoch(ctx, pairID, convID, 1); err != nil {
		return pairRow{}, err
	}
	return b.store.getByID(ctx, pairID)
}

// beginEpoch records both task rows for a fresh epoch and pushes the
// pair-created/epoch-begin system marker onto the conversation log, per
// SPEC_FULL.md's Epoch advancement rules.
func (b *Bridge) beginEpoch(ctx context.Context, pairID string, conversationID int64, epoch int) error {
	initTask := taskID(pairID, epoch, RoleInit)
	respTask := taskID(pairID, epoch, RoleResp)
	if err := b.store.insertTask(ctx, initTask, pairID, "submitted"); err != nil {
		return apperror.Internal(err)
	}
	if err := b.store.insertTask(ctx, respTask, pairID, "submitted"); err != nil {
		return apperror.Internal(err)
	}

	payload, _ := json.Marshal(map[string]any{
		"kind":       "epoch-begin",
		"epoch":      epoch,
		"initTaskId": initTask,
		"respTaskId": respTask,
	})
	if _, err := b.orch.EmitSystemEvent(ctx, conversationID, payload); err != nil {
		return apperror.Internal(err)
	}
	return nil
}

// advanceEpoch starts a fresh epoch for pairID, used when message/send
// arrives without a taskId matching the current epoch, on MCP
// begin_chat_thread, or on a hard reset.
func (b *Bridge) advanceEpoch(ctx context.Context, row pairRow) (pairRow, error) {
	epoch, err := b.store.advanceEpoch(ctx, row.PairID)
	if err != nil {
		return pairRow{}, apperror.Internal(err)
	}
	if err := b.beginEpoch(ctx, row.PairID, row.ConversationID, epoch); err != nil {
		return pairRow{}, err
	}
	row.Epoch = epoch
	return row, nil
}

// epochStartSeq returns the seq of the conversation event that opened the
// epoch currently in progress, used to window "messages since" queries.
// It is derived by scanning back from the head for the most recent
// epoch-begin system marker, since the bridge does not keep a separate
// per-epoch message table (conversation_events is the source of truth).
func epochStartSeq(snap domain.ConversationSnapshot, epoch int) int64 {
	want := fmt.Sprintf(`"epoch":%d`, epoch)
	for i := len(snap.Events) - 1; i >= 0; i-- {
		ev := snap.Events[i]
		if ev.IsSystem() && strings.Contains(string(ev.Payload), want) {
			return ev.Seq
		}
	}
	return 0
}
