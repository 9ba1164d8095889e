package eventstore

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward step in the schema history, applied exactly once
// and guarded by PRAGMA user_version.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				conversation_id INTEGER PRIMARY KEY AUTOINCREMENT,
				status TEXT NOT NULL,
				metadata_json TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at)`,
			`CREATE TABLE IF NOT EXISTS conversation_events (
				conversation_id INTEGER NOT NULL,
				seq INTEGER NOT NULL,
				turn INTEGER NOT NULL,
				event INTEGER NOT NULL,
				type TEXT NOT NULL,
				payload_json TEXT NOT NULL,
				finality TEXT NOT NULL,
				agent_id TEXT NOT NULL,
				ts DATETIME NOT NULL,
				PRIMARY KEY (conversation_id, seq),
				FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversation_events_turn ON conversation_events(conversation_id, turn)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS idempotency_keys (
				conversation_id INTEGER NOT NULL,
				client_request_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (conversation_id, client_request_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_idempotency_created_at ON idempotency_keys(created_at)`,
		},
	},
	{
		version: 3,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS runner_intents (
				agent_id TEXT PRIMARY KEY,
				agent_class TEXT NOT NULL,
				conversation_id INTEGER,
				desired_state TEXT NOT NULL,
				worker_class TEXT NOT NULL,
				container_id TEXT DEFAULT '',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
		},
	},
	{
		version: 4,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS bridge_pairs (
				pair_id TEXT PRIMARY KEY,
				conversation_id INTEGER NOT NULL,
				epoch INTEGER NOT NULL DEFAULT 1,
				lease_id TEXT DEFAULT '',
				lease_gen INTEGER NOT NULL DEFAULT 0,
				lease_expires_at DATETIME,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS bridge_tasks (
				task_id TEXT PRIMARY KEY,
				pair_id TEXT NOT NULL,
				state TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY (pair_id) REFERENCES bridge_pairs(pair_id) ON DELETE CASCADE
			)`,
		},
	},
	{
		// idempotencyTable (internal/orchestrator/idempotency.go) keeps the
		// (conversation_id, client_request_id) -> AppendResult map entirely
		// in memory, matching spec.md §9's own idempotency-storage guidance
		// ("a simple map with TTL; background sweeper every 5 minutes").
		// The v2 idempotency_keys table predates that decision and was never
		// read or written; drop it rather than carry dead schema forward.
		version: 5,
		stmts: []string{
			`DROP TABLE IF EXISTS idempotency_keys`,
		},
	},
}

// migrate brings the database up to the latest schema version, applying any
// migrations whose version exceeds the database's current PRAGMA
// user_version inside a single transaction each.
func (s *Store) migrate(ctx context.Context) error {
	var current int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("applying migration %d: %w", m.version, err)
		}
		s.logger.Info("applied schema migration")
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := bumpUserVersion(ctx, tx, m.version); err != nil {
		return err
	}
	return tx.Commit()
}

// bumpUserVersion sets PRAGMA user_version. SQLite does not accept bound
// parameters in PRAGMA statements, so the value is interpolated directly;
// it always originates from the migrations slice above, never user input.
func bumpUserVersion(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, version))
	return err
}
