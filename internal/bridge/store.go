package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// pairRow is the persisted row for one pair, mirroring bridge_pairs.
type pairRow struct {
	PairID         string
	ConversationID int64
	Epoch          int
	LeaseID        string
	LeaseGen       int
	LeaseExpiresAt sql.NullTime
}

// pairStore is the SQLite-backed repository for bridge_pairs/bridge_tasks,
// grounded on the teacher's Event Store migration table conventions
// (internal/eventstore/migrate.go, version 4 entries).
type pairStore struct {
	db *sql.DB
}

func newPairStore(db *sql.DB) *pairStore { return &pairStore{db: db} }

// getByID loads a pair row, or returns sql.ErrNoRows.
func (s *pairStore) getByID(ctx context.Context, pairID string) (pairRow, error) {
	var row pairRow
	err := s.db.QueryRowContext(ctx, `
		SELECT pair_id, conversation_id, epoch, lease_id, lease_gen, lease_expires_at
		FROM bridge_pairs WHERE pair_id = ?`, pairID).
		Scan(&row.PairID, &row.ConversationID, &row.Epoch, &row.LeaseID, &row.LeaseGen, &row.LeaseExpiresAt)
	return row, err
}

// insert creates a new pair row at epoch 1.
func (s *pairStore) insert(ctx context.Context, pairID string, conversationID int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridge_pairs (pair_id, conversation_id, epoch, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)`, pairID, conversationID, now, now)
	return err
}

// advanceEpoch bumps a pair's epoch and returns the new value.
func (s *pairStore) advanceEpoch(ctx context.Context, pairID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var epoch int
	if err := tx.QueryRowContext(ctx, `SELECT epoch FROM bridge_pairs WHERE pair_id = ?`, pairID).Scan(&epoch); err != nil {
		return 0, err
	}
	epoch++
	if _, err := tx.ExecContext(ctx, `UPDATE bridge_pairs SET epoch = ?, updated_at = ? WHERE pair_id = ?`,
		epoch, time.Now().UTC(), pairID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return epoch, nil
}

// setLease persists the currently granted lease, or clears it when leaseID
// is empty.
func (s *pairStore) setLease(ctx context.Context, pairID, leaseID string, leaseGen int, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bridge_pairs SET lease_id = ?, lease_gen = ?, lease_expires_at = ?, updated_at = ?
		WHERE pair_id = ?`, leaseID, leaseGen, expiresAt, time.Now().UTC(), pairID)
	return err
}

// insertTask records a new task row for (pairID, epoch, role).
func (s *pairStore) insertTask(ctx context.Context, taskID, pairID, state string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridge_tasks (task_id, pair_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		taskID, pairID, state, now, now)
	return err
}

// updateTaskState updates the persisted state column for a task row.
func (s *pairStore) updateTaskState(ctx context.Context, taskID, state string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bridge_tasks SET state = ?, updated_at = ? WHERE task_id = ?`,
		state, time.Now().UTC(), taskID)
	return err
}

// listEpochs returns the distinct epoch numbers recorded for pairID in
// bridge_tasks (init/resp rows share an epoch), newest first or oldest
// first per desc.
func (s *pairStore) listEpochs(ctx context.Context, pairID string, desc bool, limit int) ([]int, error) {
	order := "ASC"
	if desc {
		order = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT DISTINCT CAST(substr(task_id, instr(task_id, '#') + 1) AS INTEGER) AS epoch
		FROM bridge_tasks WHERE pair_id = ? ORDER BY epoch %s`, order)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, pairID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var epoch int
		if err := rows.Scan(&epoch); err != nil {
			return nil, err
		}
		out = append(out, epoch)
	}
	return out, rows.Err()
}

// deletePair removes a pair and its task rows (bridge_tasks cascades),
// used by a hard room reset to detach the pair id from its conversation
// entirely; the next ensurePair call starts a brand-new conversation.
func (s *pairStore) deletePair(ctx context.Context, pairID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bridge_pairs WHERE pair_id = ?`, pairID)
	return err
}

var errPairNotFound = errors.New("bridge: pair not found")

func wrapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errPairNotFound
	}
	if err != nil {
		return fmt.Errorf("bridge store: %w", err)
	}
	return nil
}
