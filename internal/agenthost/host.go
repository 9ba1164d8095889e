// Package agenthost implements the Agent Host + Runner Registry
// (SPEC_FULL.md C4): launches and supervises the workers backing each
// conversation's internal agents, persists durable intent so a process
// restart can resume them, and tears workers down automatically once their
// conversation closes.
package agenthost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banterop/conductor/internal/agentregistry"
	"github.com/banterop/conductor/internal/agenthost/docker"
	"github.com/banterop/conductor/internal/bus"
	"github.com/banterop/conductor/internal/collaborators"
	"github.com/banterop/conductor/internal/domain"
	"github.com/banterop/conductor/internal/eventstore"
	"github.com/banterop/conductor/internal/orchestrator"
	"github.com/banterop/conductor/internal/platform/apperror"
	"github.com/banterop/conductor/internal/platform/logging"
	"github.com/banterop/conductor/internal/turnloop"
)

// Worker is the common contract for a supervised agent worker, whether it
// runs in-process or as a container.
type Worker interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// AgentFactory builds the in-process Agent strategy for one (agent_id,
// agent_class) pair. The Host never constructs agent strategies itself —
// callers wire in whatever LLM-backed or scripted implementation the
// deployment needs.
type AgentFactory func(conversationID int64, agentID string, class *agentregistry.Class) (collaborators.Agent, error)

// Host manages the set of live workers across all conversations.
type Host struct {
	orch     *orchestrator.Orchestrator
	eb       bus.EventBus
	registry *agentregistry.Registry
	intents  *intentStore
	factory  AgentFactory
	docker   *docker.Client
	logger   *logging.Logger

	mu       sync.Mutex
	workers  map[string]Worker          // agentID -> worker
	byConv   map[int64]map[string]bool  // conversationID -> set of agentIDs
	inflight map[string]bool            // agentID currently being ensured

	workerCtx    context.Context
	workerCancel context.CancelFunc
}

// New constructs a Host. dockerClient may be nil if containerized workers
// are disabled; ensure() then fails for any agent class that names an
// image.
func New(store *eventstore.Store, eb bus.EventBus, orch *orchestrator.Orchestrator, registry *agentregistry.Registry, factory AgentFactory, dockerClient *docker.Client, log *logging.Logger) *Host {
	return &Host{
		orch:     orch,
		eb:       eb,
		registry: registry,
		intents:  newIntentStore(store.DB()),
		factory:  factory,
		docker:   dockerClient,
		logger:   log.WithComponent("agenthost"),
		workers:  make(map[string]Worker),
		byConv:   make(map[int64]map[string]bool),
		inflight: make(map[string]bool),
	}
}

// Start begins the Host's own background lifecycle: a cancellable context
// workers inherit, and resumption of any conversation the Runner Registry
// says should still have live workers.
func (h *Host) Start(ctx context.Context) error {
	h.workerCtx, h.workerCancel = context.WithCancel(ctx)
	return h.resume(ctx)
}

// Close cancels the Host's worker context without touching the Runner
// Registry rows, so a later Start resumes the same conversations. Callers
// that want workers deregistered too should call StopAll first.
func (h *Host) Close() {
	if h.workerCancel != nil {
		h.workerCancel()
	}
}

// resume starts workers for every conversation with at least one
// desired_state='running' Runner Registry row, per SPEC_FULL.md §4.4.
func (h *Host) resume(ctx context.Context) error {
	rows, err := h.intents.listRunning(ctx)
	if err != nil {
		return fmt.Errorf("listing runner intents for resumption: %w", err)
	}

	byConv := make(map[int64][]string)
	for _, r := range rows {
		byConv[r.ConversationID] = append(byConv[r.ConversationID], r.AgentID)
	}

	for convID, agentIDs := range byConv {
		h.logger.Info("resuming workers", zap.Int64("conversation_id", convID), zap.Strings("agent_ids", agentIDs))
		if err := h.Ensure(ctx, convID, agentIDs); err != nil {
			h.logger.Error("failed to resume workers", zap.Int64("conversation_id", convID), zap.Error(err))
		}
	}
	return nil
}

// Ensure starts workers for the requested agents (or, if agentIDs is empty,
// every kind=internal agent on the conversation's roster), deduplicating
// concurrent calls for the same agent and persisting intent before
// reporting success.
func (h *Host) Ensure(ctx context.Context, conversationID int64, agentIDs []string) error {
	snap, err := h.orch.GetConversationWithMetadata(ctx, conversationID)
	if err != nil {
		return err
	}

	targets := agentIDs
	if len(targets) == 0 {
		for _, a := range snap.Metadata.Agents {
			if a.Kind == domain.AgentKindInternal {
				targets = append(targets, a.AgentID)
			}
		}
	}

	for _, agentID := range targets {
		if err := h.ensureOne(ctx, conversationID, snap, agentID); err != nil {
			return err
		}
	}

	return h.orch.PokeGuidance(ctx, conversationID)
}

func (h *Host) ensureOne(ctx context.Context, conversationID int64, snap domain.ConversationSnapshot, agentID string) error {
	h.mu.Lock()
	if h.inflight[agentID] {
		h.mu.Unlock()
		return nil
	}
	if _, alive := h.workers[agentID]; alive {
		h.mu.Unlock()
		return nil
	}
	h.inflight[agentID] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.inflight, agentID)
		h.mu.Unlock()
	}()

	var ref *domain.AgentRef
	for i := range snap.Metadata.Agents {
		if snap.Metadata.Agents[i].AgentID == agentID {
			ref = &snap.Metadata.Agents[i]
			break
		}
	}
	if ref == nil {
		return apperror.InvalidParams(fmt.Sprintf("agent %q is not on this conversation's roster", agentID))
	}

	var class *agentregistry.Class
	if ref.AgentClass != "" {
		c, err := h.registry.Get(ref.AgentClass)
		if err != nil {
			return err
		}
		class = c
	}

	worker, err := h.buildWorker(conversationID, agentID, class)
	if err != nil {
		return err
	}

	if err := worker.Start(h.workerCtx); err != nil {
		return fmt.Errorf("starting worker %s: %w", agentID, err)
	}

	workerClass := "in-process"
	if class != nil && class.Image != "" {
		workerClass = "container"
	}
	agentClass := ""
	if class != nil {
		agentClass = class.ID
	}
	if err := h.intents.upsert(ctx, intentRow{
		AgentID:        agentID,
		AgentClass:     agentClass,
		ConversationID: conversationID,
		DesiredState:   desiredRunning,
		WorkerClass:    workerClass,
	}); err != nil {
		h.logger.Error("failed to persist runner intent", zap.String("agent_id", agentID), zap.Error(err))
	}

	h.mu.Lock()
	h.workers[agentID] = worker
	if h.byConv[conversationID] == nil {
		h.byConv[conversationID] = make(map[string]bool)
	}
	h.byConv[conversationID][agentID] = true
	h.mu.Unlock()

	h.logger.Info("worker ensured", zap.Int64("conversation_id", conversationID), zap.String("agent_id", agentID), zap.String("worker_class", workerClass))
	return nil
}

func (h *Host) buildWorker(conversationID int64, agentID string, class *agentregistry.Class) (Worker, error) {
	if class != nil && class.Image != "" {
		if h.docker == nil {
			return nil, apperror.InvalidRequest(fmt.Sprintf("agent class %q requires a container launch but Docker is disabled", class.ID))
		}
		return newContainerWorker(h.docker, conversationID, agentID, class, h.logger), nil
	}

	if h.factory == nil {
		return nil, apperror.InvalidRequest(fmt.Sprintf("no agent factory configured for in-process agent %q", agentID))
	}
	agent, err := h.factory(conversationID, agentID, class)
	if err != nil {
		return nil, err
	}
	exec := turnloop.New(h.orch, h.eb, agent, turnloop.Config{ConversationID: conversationID, AgentID: agentID}, h.logger)
	return newInProcessWorker(agentID, exec), nil
}

// List returns the live workers for a conversation; if none are currently
// running but the Runner Registry still has rows (a startup race), it
// returns the registered intent instead.
func (h *Host) List(ctx context.Context, conversationID int64) ([]string, error) {
	h.mu.Lock()
	var live []string
	for agentID := range h.byConv[conversationID] {
		live = append(live, agentID)
	}
	h.mu.Unlock()
	if len(live) > 0 {
		return live, nil
	}

	rows, err := h.intents.listByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.AgentID)
	}
	return ids, nil
}

// Stop stops the named workers (or all workers on the conversation if
// agentIDs is empty) and removes their Runner Registry rows.
func (h *Host) Stop(ctx context.Context, conversationID int64, agentIDs []string) error {
	targets := agentIDs
	if len(targets) == 0 {
		h.mu.Lock()
		for agentID := range h.byConv[conversationID] {
			targets = append(targets, agentID)
		}
		h.mu.Unlock()
	}

	for _, agentID := range targets {
		h.mu.Lock()
		worker, ok := h.workers[agentID]
		h.mu.Unlock()
		if !ok {
			continue
		}
		if err := worker.Stop(ctx); err != nil {
			h.logger.Warn("worker stop returned an error", zap.String("agent_id", agentID), zap.Error(err))
		}

		h.mu.Lock()
		delete(h.workers, agentID)
		if set, ok := h.byConv[conversationID]; ok {
			delete(set, agentID)
			if len(set) == 0 {
				delete(h.byConv, conversationID)
			}
		}
		h.mu.Unlock()

		if err := h.intents.remove(ctx, agentID); err != nil {
			h.logger.Error("failed to remove runner intent", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	return nil
}

// StopAll stops every live worker across every conversation.
func (h *Host) StopAll(ctx context.Context) error {
	h.mu.Lock()
	convIDs := make([]int64, 0, len(h.byConv))
	for id := range h.byConv {
		convIDs = append(convIDs, id)
	}
	h.mu.Unlock()

	for _, id := range convIDs {
		if err := h.Stop(ctx, id, nil); err != nil {
			return err
		}
	}
	return nil
}

// WatchCompletions subscribes across all conversations and stops a
// conversation's workers automatically once it observes a
// finality=conversation event, per SPEC_FULL.md §4.4's automatic
// termination requirement. Run this once for the Host's lifetime.
func (h *Host) WatchCompletions(ctx context.Context) error {
	sub, err := h.eb.SubscribeAll(ctx, bus.Filter{}, false)
	if err != nil {
		return err
	}
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				if msg.Event == nil || msg.Event.Finality != string(domain.FinalityConversation) {
					continue
				}
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := h.Stop(stopCtx, msg.Event.ConversationID, nil); err != nil {
					h.logger.Error("failed to stop workers on conversation completion", zap.Int64("conversation_id", msg.Event.ConversationID), zap.Error(err))
				}
				cancel()
			}
		}
	}()
	return nil
}
