// Package orchestrator implements the Conversation Orchestrator
// (SPEC_FULL.md C3): the single writer to the Event Store, enforcing turn
// and finality invariants, emitting guidance, and fanning out committed
// events over the Subscription Bus.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banterop/conductor/internal/bus"
	"github.com/banterop/conductor/internal/domain"
	"github.com/banterop/conductor/internal/eventstore"
	"github.com/banterop/conductor/internal/platform/apperror"
	"github.com/banterop/conductor/internal/platform/logging"
)

// Config tunes orchestrator-wide timing. Mirrors config.OrchestratorConfig
// without importing the config package directly, so orchestrator stays
// usable with hand-built settings in tests.
type Config struct {
	DefaultDeadlineMs       int
	IdempotencyTTL          time.Duration
	IdempotencySweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultDeadlineMs <= 0 {
		c.DefaultDeadlineMs = 30_000
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.IdempotencySweepInterval <= 0 {
		c.IdempotencySweepInterval = 5 * time.Minute
	}
	return c
}

// Orchestrator is the only writer to the Event Store.
type Orchestrator struct {
	store  *eventstore.Store
	bus    bus.EventBus
	logger *logging.Logger
	cfg    Config

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	idem *idempotencyTable
}

// New constructs an Orchestrator. Callers should call Close when done to
// stop the idempotency sweeper.
func New(store *eventstore.Store, eb bus.EventBus, cfg Config, log *logging.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		store:  store,
		bus:    eb,
		logger: log.WithComponent("orchestrator"),
		cfg:    cfg,
		locks:  make(map[int64]*sync.Mutex),
		idem:   newIdempotencyTable(cfg.IdempotencyTTL),
	}
	go o.idem.sweepLoop(cfg.IdempotencySweepInterval)
	return o
}

// Close stops background maintenance (the idempotency sweeper).
func (o *Orchestrator) Close() { o.idem.stop() }

func (o *Orchestrator) lockFor(conversationID int64) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[conversationID] = l
	}
	return l
}

// CreateConversation persists the header and emits the seq=1 meta_created
// system event.
func (o *Orchestrator) CreateConversation(ctx context.Context, meta domain.ConversationMetadata) (int64, error) {
	now := time.Now().UTC()
	meta.Status = domain.ConversationActive
	meta.CreatedAt = now
	meta.UpdatedAt = now

	id, err := o.store.CreateConversation(ctx, meta)
	if err != nil {
		return 0, err
	}

	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	payload, _ := json.Marshal(map[string]string{"kind": "meta_created"})
	if _, err := o.appendLocked(ctx, id, appendRequest{
		AgentID:  domain.SystemAgentID,
		Type:     domain.EventTypeSystem,
		Payload:  payload,
		Finality: domain.FinalityNone,
	}); err != nil {
		return 0, err
	}
	return id, nil
}

// appendRequest is the internal shape shared by SendMessage/SendTrace/
// system-event emission.
type appendRequest struct {
	AgentID         string
	Type            domain.EventType
	Payload         json.RawMessage
	Finality        domain.Finality
	TurnHint        *int
	ClientRequestID string
}

// AppendResult names the allocated coordinates of a committed event.
type AppendResult struct {
	Seq   int64
	Turn  int
	Event int
}

// SendMessage appends a message event, enforcing turn ownership and
// idempotency, then emits guidance for the next turn.
func (o *Orchestrator) SendMessage(ctx context.Context, conversationID int64, agentID string, payload json.RawMessage, finality domain.Finality, turnHint *int, clientRequestID string) (AppendResult, error) {
	return o.appendPublic(ctx, conversationID, appendRequest{
		AgentID:         agentID,
		Type:            domain.EventTypeMessage,
		Payload:         payload,
		Finality:        finality,
		TurnHint:        turnHint,
		ClientRequestID: clientRequestID,
	})
}

// SendTrace appends a trace event (always finality=none).
func (o *Orchestrator) SendTrace(ctx context.Context, conversationID int64, agentID string, payload json.RawMessage, turnHint *int, clientRequestID string) (AppendResult, error) {
	return o.appendPublic(ctx, conversationID, appendRequest{
		AgentID:         agentID,
		Type:            domain.EventTypeTrace,
		Payload:         payload,
		Finality:        domain.FinalityNone,
		TurnHint:        turnHint,
		ClientRequestID: clientRequestID,
	})
}

// ClearTurn aborts the currently open turn owned by agentID by emitting a
// system{kind: turn_cleared} event with finality=turn.
func (o *Orchestrator) ClearTurn(ctx context.Context, conversationID int64, agentID string) (int, error) {
	lock := o.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := o.store.GetConversationSnapshot(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	last, ok := snap.LastNonSystem()
	if !ok || last.Finality != domain.FinalityNone {
		return 0, apperror.TurnStateError("no open turn to clear")
	}
	if last.AgentID != agentID {
		return 0, apperror.TurnOwnershipViolation(agentID)
	}

	payload, _ := json.Marshal(map[string]string{"kind": "turn_cleared"})
	res, err := o.appendLocked(ctx, conversationID, appendRequest{
		AgentID:  domain.SystemAgentID,
		Type:     domain.EventTypeSystem,
		Payload:  payload,
		Finality: domain.FinalityTurn,
	})
	if err != nil {
		return 0, err
	}
	return res.Turn, nil
}

// ForceCloseTurn appends a system event with finality=turn on behalf of the
// runtime itself (not an agent), used by the Turn-Loop Executor to release
// ownership after a deadline or an agent that returned without posting a
// closing event. kind is a short system-event discriminator such as
// "turn_timeout" or "turn_aborted".
func (o *Orchestrator) ForceCloseTurn(ctx context.Context, conversationID int64, kind string) (AppendResult, error) {
	lock := o.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	payload, _ := json.Marshal(map[string]string{"kind": kind})
	return o.appendLocked(ctx, conversationID, appendRequest{
		AgentID:  domain.SystemAgentID,
		Type:     domain.EventTypeSystem,
		Payload:  payload,
		Finality: domain.FinalityTurn,
	})
}

// EmitSystemEvent appends a system event with finality=none on behalf of
// the runtime itself (not an agent). Unlike ForceCloseTurn it does not
// close the turn in progress; it is for out-of-band markers — such as the
// Room/Pair Bridge's epoch-begin marker — that must stay excluded from
// LastNonSystem() so they never affect turn ownership or assignment.
func (o *Orchestrator) EmitSystemEvent(ctx context.Context, conversationID int64, payload json.RawMessage) (AppendResult, error) {
	lock := o.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	return o.appendLocked(ctx, conversationID, appendRequest{
		AgentID:  domain.SystemAgentID,
		Type:     domain.EventTypeSystem,
		Payload:  payload,
		Finality: domain.FinalityNone,
	})
}

// PokeGuidance re-emits current guidance without appending an event; used
// right after starting agents on a conversation with no messages yet.
func (o *Orchestrator) PokeGuidance(ctx context.Context, conversationID int64) error {
	snap, err := o.store.GetConversationSnapshot(ctx, conversationID)
	if err != nil {
		return err
	}
	o.emitGuidance(ctx, snap)
	return nil
}

// GetGuidanceSnapshot recomputes the current guidance without publishing
// it, for late subscribers that need to recover turn ownership.
func (o *Orchestrator) GetGuidanceSnapshot(ctx context.Context, conversationID int64) (*domain.Guidance, error) {
	snap, err := o.store.GetConversationSnapshot(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return computeGuidance(snap, o.cfg.DefaultDeadlineMs), nil
}

// GetConversationWithMetadata returns the full snapshot for a conversation.
func (o *Orchestrator) GetConversationWithMetadata(ctx context.Context, conversationID int64) (domain.ConversationSnapshot, error) {
	return o.store.GetConversationSnapshot(ctx, conversationID)
}

// ListConversations delegates to the Event Store's header listing.
func (o *Orchestrator) ListConversations(ctx context.Context, filter eventstore.ListFilter) ([]eventstore.ConversationRow, error) {
	return o.store.ListConversations(ctx, filter)
}

func (o *Orchestrator) appendPublic(ctx context.Context, conversationID int64, req appendRequest) (AppendResult, error) {
	lock := o.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()
	return o.appendLocked(ctx, conversationID, req)
}

// appendLocked implements the 9-step append pipeline. Callers must already
// hold the per-conversation lock.
func (o *Orchestrator) appendLocked(ctx context.Context, conversationID int64, req appendRequest) (AppendResult, error) {
	// 1. Idempotency check.
	if req.ClientRequestID != "" {
		if cached, ok := o.idem.lookup(conversationID, req.ClientRequestID); ok {
			return cached, nil
		}
	}

	snap, err := o.store.GetConversationSnapshot(ctx, conversationID)
	if err != nil {
		return AppendResult{}, err
	}

	// 2. Conversation status check.
	if snap.Metadata.Status == domain.ConversationCompleted {
		return AppendResult{}, apperror.ConversationFinalized()
	}

	// 3. Turn assignment.
	turn, eventOrdinal, err := assignTurn(snap, req)
	if err != nil {
		return AppendResult{}, err
	}

	// 4. Finality legality. System events are appended only by the runtime
	// itself; its turn-closing markers carry finality=turn.
	if req.Type == domain.EventTypeTrace && req.Finality != domain.FinalityNone {
		return AppendResult{}, apperror.BadFinality(string(req.Type))
	}

	now := time.Now().UTC()

	// 6. Persist.
	ev, err := o.store.Append(ctx, eventstore.AppendInput{
		ConversationID: conversationID,
		Turn:           turn,
		EventOrdinal:   eventOrdinal,
		Type:           req.Type,
		Payload:        req.Payload,
		Finality:       req.Finality,
		AgentID:        req.AgentID,
		Ts:             now,
	})
	if err != nil {
		return AppendResult{}, err
	}

	// 5. Conversation-finality: flip status in the same critical section.
	if req.Finality == domain.FinalityConversation {
		snap.Metadata.Status = domain.ConversationCompleted
	}
	snap.Metadata.UpdatedAt = now
	if err := o.store.UpdateConversationMetadata(ctx, conversationID, snap.Metadata); err != nil {
		return AppendResult{}, err
	}

	result := AppendResult{Seq: ev.Seq, Turn: ev.Turn, Event: ev.EventOrdinal}

	if req.ClientRequestID != "" {
		o.idem.store(conversationID, req.ClientRequestID, result)
	}

	// 7. Publish.
	if pubErr := o.bus.PublishEvent(ctx, bus.EventEnvelope{
		ConversationID: conversationID,
		Seq:            ev.Seq,
		Turn:           ev.Turn,
		Type:           string(ev.Type),
		AgentID:        ev.AgentID,
		Finality:       string(ev.Finality),
		Payload:        []byte(ev.Payload),
		Ts:             ev.Ts,
	}); pubErr != nil {
		o.logger.Warn("publish failed", zap.Int64("conversation_id", conversationID), zap.Error(pubErr))
	}

	// 8. Guidance emission (best-effort).
	postSnap, snapErr := o.store.GetConversationSnapshot(ctx, conversationID)
	if snapErr != nil {
		o.logger.Warn("snapshot for guidance failed", zap.Error(snapErr))
	} else {
		o.emitGuidance(ctx, postSnap)
	}

	return result, nil
}

func (o *Orchestrator) emitGuidance(ctx context.Context, snap domain.ConversationSnapshot) {
	g := computeGuidance(snap, o.cfg.DefaultDeadlineMs)
	if g == nil {
		return
	}
	if err := o.bus.PublishGuidance(ctx, bus.GuidanceEnvelope{
		ConversationID: g.ConversationID,
		NextAgentID:    g.NextAgentID,
		Seq:            g.Seq,
		Kind:           string(g.Kind),
		DeadlineMs:     g.DeadlineMs,
		Turn:           g.Turn,
	}); err != nil {
		o.logger.Warn("guidance publish failed", zap.Int64("conversation_id", g.ConversationID), zap.Error(err))
	}
}

// assignTurn implements step 3 of the append pipeline.
func assignTurn(snap domain.ConversationSnapshot, req appendRequest) (turn int, eventOrdinal int, err error) {
	last, hasLast := snap.LastNonSystem()

	if hasLast && last.Finality == domain.FinalityNone {
		// System events never change or require turn ownership (SPEC_FULL.md
		// §3 Event invariants); only message/trace appends from the open
		// turn's own owner are checked here.
		if req.Type != domain.EventTypeSystem && req.AgentID != last.AgentID {
			return 0, 0, apperror.TurnOwnershipViolation(req.AgentID)
		}
		return last.Turn, last.EventOrdinal + 1, nil
	}

	// Turn is closed (or this is the first event).
	if req.Finality == domain.FinalityConversation && snap.Metadata.Status == domain.ConversationCompleted {
		return 0, 0, apperror.ConversationFinalized()
	}

	nextTurn := 1
	if hasLast {
		nextTurn = last.Turn + 1
	}
	if req.TurnHint != nil && *req.TurnHint != nextTurn {
		return 0, 0, apperror.TurnHintMismatch(*req.TurnHint, nextTurn)
	}
	return nextTurn, 1, nil
}

// computeGuidance implements the guidance policy of SPEC_FULL.md §4.3.1.
func computeGuidance(snap domain.ConversationSnapshot, defaultDeadlineMs int) *domain.Guidance {
	if snap.Metadata.Status == domain.ConversationCompleted {
		return nil
	}

	last, ok := snap.LastMessage()
	if !ok {
		if snap.Metadata.StartingAgentID == "" {
			return nil
		}
		return &domain.Guidance{
			ConversationID: snap.ConversationID,
			NextAgentID:    snap.Metadata.StartingAgentID,
			Kind:           domain.GuidanceStartTurn,
			Turn:           1,
			Seq:            0.1,
			DeadlineMs:     defaultDeadlineMs,
		}
	}

	switch last.Finality {
	case domain.FinalityTurn:
		next := nextAgent(snap.Metadata, last.AgentID)
		if next == "" {
			return nil
		}
		return &domain.Guidance{
			ConversationID: snap.ConversationID,
			NextAgentID:    next,
			Kind:           domain.GuidanceStartTurn,
			Turn:           last.Turn + 1,
			Seq:            float64(last.Seq) + 0.1,
			DeadlineMs:     defaultDeadlineMs,
		}
	case domain.FinalityNone:
		owner, ok := snap.OwnerOfTurn(last.Turn)
		if !ok {
			owner = last.AgentID
		}
		return &domain.Guidance{
			ConversationID: snap.ConversationID,
			NextAgentID:    owner,
			Kind:           domain.GuidanceContinueTurn,
			Turn:           last.Turn,
			Seq:            float64(last.Seq) + 0.1,
			DeadlineMs:     defaultDeadlineMs,
		}
	default: // FinalityConversation
		return nil
	}
}

// nextAgent applies metadata.Policy (round-robin by default, strict
// alternation otherwise).
func nextAgent(meta domain.ConversationMetadata, after string) string {
	switch meta.Policy {
	case domain.PolicyStrictAlternation:
		if next, ok := domain.StrictAlternationNext(meta.Agents, after); ok {
			return next
		}
	}
	next, ok := domain.RoundRobinNext(meta.Agents, after)
	if !ok {
		return ""
	}
	return next
}
