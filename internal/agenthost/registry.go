package agenthost

import (
	"context"
	"database/sql"
	"time"
)

// desiredState is the durable intent recorded for one agent worker.
type desiredState string

const (
	desiredRunning desiredState = "running"
	desiredStopped desiredState = "stopped"
)

// intentRow mirrors one row of the runner_intents table: the Runner
// Registry's durable record of which agent workers should be running for
// which conversation, surviving process restarts.
type intentRow struct {
	AgentID        string
	AgentClass     string
	ConversationID int64
	DesiredState   desiredState
	WorkerClass    string
	ContainerID    string
}

// intentStore is a thin repository over the runner_intents table created by
// eventstore's migration v3. It lives alongside the rest of the Agent Host
// rather than inside eventstore because it is domain state the Host owns,
// not part of the append-only conversation log.
type intentStore struct {
	db *sql.DB
}

func newIntentStore(db *sql.DB) *intentStore {
	return &intentStore{db: db}
}

func (s *intentStore) upsert(ctx context.Context, row intentRow) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runner_intents (agent_id, agent_class, conversation_id, desired_state, worker_class, container_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			agent_class = excluded.agent_class,
			conversation_id = excluded.conversation_id,
			desired_state = excluded.desired_state,
			worker_class = excluded.worker_class,
			container_id = excluded.container_id,
			updated_at = excluded.updated_at
	`, row.AgentID, row.AgentClass, row.ConversationID, string(row.DesiredState), row.WorkerClass, row.ContainerID, now, now)
	return err
}

func (s *intentStore) remove(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runner_intents WHERE agent_id = ?`, agentID)
	return err
}

func (s *intentStore) listByConversation(ctx context.Context, conversationID int64) ([]intentRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, agent_class, conversation_id, desired_state, worker_class, container_id
		FROM runner_intents WHERE conversation_id = ?
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIntentRows(rows)
}

// listRunning returns every row with desired_state='running', grouped
// implicitly by conversation_id; used at startup to drive resumption.
func (s *intentStore) listRunning(ctx context.Context) ([]intentRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, agent_class, conversation_id, desired_state, worker_class, container_id
		FROM runner_intents WHERE desired_state = ?
	`, string(desiredRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIntentRows(rows)
}

func scanIntentRows(rows *sql.Rows) ([]intentRow, error) {
	var out []intentRow
	for rows.Next() {
		var r intentRow
		var state string
		if err := rows.Scan(&r.AgentID, &r.AgentClass, &r.ConversationID, &state, &r.WorkerClass, &r.ContainerID); err != nil {
			return nil, err
		}
		r.DesiredState = desiredState(state)
		out = append(out, r)
	}
	return out, rows.Err()
}
