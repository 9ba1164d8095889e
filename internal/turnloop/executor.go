// Package turnloop implements the single-turn state machine each agent
// worker drives: IDLE, watching the bus for guidance addressed to it, until
// it claims a turn, runs the agent exactly once, and returns to IDLE.
//
// Named distinctly from the reference implementation's Docker-task capacity
// executor (an unrelated concept) to avoid confusion between the two.
package turnloop

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/banterop/conductor/internal/bus"
	"github.com/banterop/conductor/internal/collaborators"
	"github.com/banterop/conductor/internal/domain"
	"github.com/banterop/conductor/internal/orchestrator"
	"github.com/banterop/conductor/internal/platform/logging"
)

// RecoveryMode controls what happens when an agent's HandleTurn returns
// without posting a closing event, or errors. An exceeded deadline
// force-closes a still-open turn in either mode.
type RecoveryMode string

const (
	// RecoveryRestart force-closes the open turn with a system event so a
	// new guidance round can begin. Default per SPEC_FULL.md §9.
	RecoveryRestart RecoveryMode = "restart"
	// RecoveryResume re-enters IDLE without forcing closure, leaving the
	// turn open for a retry.
	RecoveryResume RecoveryMode = "resume"
)

// state is the executor's own bookkeeping state, distinct from the turn's
// open/closed state in the event log.
type state int

const (
	stateIdle state = iota
	stateClaim
	stateExecuting
	stateAborted
)

// defaultMinDeadline floors any guidance deadline so a worker always gets a
// reasonable window to act even if the orchestrator supplied a tiny one.
const defaultMinDeadline = 5 * time.Second

// Config configures one Executor instance.
type Config struct {
	ConversationID int64
	AgentID        string
	RecoveryMode   RecoveryMode
	SinceSeq       *int64
	// MinDeadline overrides defaultMinDeadline; tests use a short floor so
	// deadline-exceeded behavior doesn't require waiting out 5 real seconds.
	MinDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.RecoveryMode == "" {
		c.RecoveryMode = RecoveryRestart
	}
	if c.MinDeadline <= 0 {
		c.MinDeadline = defaultMinDeadline
	}
	return c
}

// Executor drives one agent's turn-taking loop against the orchestrator and
// subscription bus.
type Executor struct {
	orch   *orchestrator.Orchestrator
	eb     bus.EventBus
	agent  collaborators.Agent
	cfg    Config
	logger *logging.Logger

	state       state
	claimedTurn int
	claimedSeq  float64
}

// New constructs an Executor for one agent within one conversation.
func New(orch *orchestrator.Orchestrator, eb bus.EventBus, agent collaborators.Agent, cfg Config, log *logging.Logger) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		orch:   orch,
		eb:     eb,
		agent:  agent,
		cfg:    cfg,
		state:  stateIdle,
		logger: log.WithComponent("turnloop").WithConversation(cfg.ConversationID).WithAgent(cfg.AgentID),
	}
}

// Run subscribes to the bus and drives the state machine until ctx is
// cancelled or the conversation closes.
func (e *Executor) Run(ctx context.Context) error {
	sub, err := e.eb.Subscribe(ctx, e.cfg.ConversationID, bus.Filter{}, true, e.cfg.SinceSeq)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	e.logger.Info("turn loop started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("turn loop stopped")
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			if msg.Lag {
				e.logger.Warn("subscription lagged, guidance may have been missed")
				continue
			}
			if msg.Event != nil && msg.Event.Finality == string(domain.FinalityConversation) {
				e.logger.Info("conversation closed, exiting turn loop")
				return nil
			}
			if msg.Guidance == nil {
				continue
			}
			e.handleGuidance(ctx, *msg.Guidance)
		}
	}
}

func (e *Executor) handleGuidance(ctx context.Context, g bus.GuidanceEnvelope) {
	if g.NextAgentID != e.cfg.AgentID {
		e.state = stateIdle
		return
	}
	if e.state == stateExecuting && g.Turn == e.claimedTurn && g.Seq == e.claimedSeq {
		return // duplicate guidance for an already-claimed (turn, seq)
	}

	e.state = stateClaim
	e.claimedTurn = g.Turn
	e.claimedSeq = g.Seq
	e.state = stateExecuting

	deadlineMs := g.DeadlineMs
	deadline := time.Now().Add(time.Duration(deadlineMs) * time.Millisecond)
	if floor := time.Now().Add(e.cfg.MinDeadline); deadline.Before(floor) {
		deadline = floor
	}

	snap, err := e.orch.GetConversationWithMetadata(ctx, e.cfg.ConversationID)
	if err != nil {
		e.logger.Error("failed to snapshot conversation for turn", zap.Error(err))
		e.state = stateIdle
		return
	}

	turnCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	tc := collaborators.TurnContext{
		Snapshot:  snap,
		Transport: &executorTransport{executor: e},
		AgentID:   e.cfg.AgentID,
		Deadline:  deadline,
	}

	runErr := e.agent.HandleTurn(turnCtx, tc)

	stillOpen := e.turnStillOpen(ctx)
	if runErr != nil {
		e.logger.Error("agent turn errored", zap.Error(runErr))
	}
	if errors.Is(turnCtx.Err(), context.DeadlineExceeded) && stillOpen {
		e.logger.Warn("turn deadline exceeded, force-closing")
		e.forceClose(ctx, "turn_timeout")
	} else if (runErr != nil || stillOpen) && e.cfg.RecoveryMode == RecoveryRestart && stillOpen {
		e.forceClose(ctx, "turn_aborted")
	}

	e.state = stateIdle
}

func (e *Executor) turnStillOpen(ctx context.Context) bool {
	snap, err := e.orch.GetConversationWithMetadata(ctx, e.cfg.ConversationID)
	if err != nil {
		return false
	}
	last, ok := snap.LastNonSystem()
	if !ok {
		return true
	}
	return last.Turn == e.claimedTurn && last.Finality == domain.FinalityNone
}

func (e *Executor) forceClose(ctx context.Context, kind string) {
	if _, err := e.orch.ForceCloseTurn(ctx, e.cfg.ConversationID, kind); err != nil {
		e.logger.Error("failed to force-close turn", zap.Error(err))
	}
}

// executorTransport is the Transport handle given to the agent for exactly
// one turn; it forwards posts to the orchestrator under the executor's
// identity.
type executorTransport struct {
	executor *Executor
}

func (t *executorTransport) PostMessage(ctx context.Context, payload []byte, finality domain.Finality) error {
	turn := t.executor.claimedTurn
	_, err := t.executor.orch.SendMessage(ctx, t.executor.cfg.ConversationID, t.executor.cfg.AgentID, json.RawMessage(payload), finality, &turn, "")
	return err
}

func (t *executorTransport) PostTrace(ctx context.Context, payload []byte) error {
	turn := t.executor.claimedTurn
	_, err := t.executor.orch.SendTrace(ctx, t.executor.cfg.ConversationID, t.executor.cfg.AgentID, json.RawMessage(payload), &turn, "")
	return err
}

var _ collaborators.Transport = (*executorTransport)(nil)
