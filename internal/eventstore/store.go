// Package eventstore implements the durable, ordered conversation event log
// (SPEC_FULL.md C1) over an embedded SQLite database.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/banterop/conductor/internal/domain"
	"github.com/banterop/conductor/internal/platform/apperror"
	"github.com/banterop/conductor/internal/platform/logging"
)

// Store is the durable, ordered event log plus conversation header table.
// All writes must happen inside the Orchestrator's per-conversation lock;
// Store itself does not serialize concurrent appends to the same
// conversation, matching SPEC_FULL.md §5 ("writers go through the
// Orchestrator").
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open creates (or reuses) the SQLite database at path and applies any
// pending migrations.
func Open(path string, maxOpenConns int, log *logging.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if maxOpenConns <= 0 {
		maxOpenConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)

	s := &Store{db: db, logger: log.WithComponent("eventstore")}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateConversation inserts a new conversation header row and returns its
// identity.
func (s *Store) CreateConversation(ctx context.Context, meta domain.ConversationMetadata) (int64, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, apperror.Internal(fmt.Errorf("marshal conversation metadata: %w", err))
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(status, metadata_json, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		string(meta.Status), string(metaJSON), meta.CreatedAt, meta.UpdatedAt)
	if err != nil {
		return 0, apperror.Fatal(fmt.Errorf("insert conversation: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperror.Fatal(fmt.Errorf("read conversation id: %w", err))
	}
	return id, nil
}

// GetConversationMetadata returns the current header row for a conversation.
func (s *Store) GetConversationMetadata(ctx context.Context, conversationID int64) (domain.ConversationMetadata, error) {
	var metaJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT metadata_json FROM conversations WHERE conversation_id = ?`, conversationID).Scan(&metaJSON)
	if err == sql.ErrNoRows {
		return domain.ConversationMetadata{}, apperror.NotFound(fmt.Sprintf("conversation %d not found", conversationID))
	}
	if err != nil {
		return domain.ConversationMetadata{}, apperror.Fatal(err)
	}
	var meta domain.ConversationMetadata
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return domain.ConversationMetadata{}, apperror.Internal(fmt.Errorf("unmarshal conversation metadata: %w", err))
	}
	return meta, nil
}

// UpdateConversationMetadata replaces the header row's metadata (used to
// flip status=completed and bump updated_at).
func (s *Store) UpdateConversationMetadata(ctx context.Context, conversationID int64, meta domain.ConversationMetadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return apperror.Internal(fmt.Errorf("marshal conversation metadata: %w", err))
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, metadata_json = ?, updated_at = ? WHERE conversation_id = ?`,
		string(meta.Status), string(metaJSON), meta.UpdatedAt, conversationID)
	if err != nil {
		return apperror.Fatal(fmt.Errorf("update conversation: %w", err))
	}
	return nil
}

// ListConversations returns conversation ids/metadata matching the given
// filters, newest updated_at first.
type ListFilter struct {
	Status     domain.ConversationStatus
	ScenarioID string
	Since      time.Time
	Limit      int
	Offset     int
}

// ConversationRow pairs a conversation id with its metadata for listing.
type ConversationRow struct {
	ConversationID int64
	Metadata       domain.ConversationMetadata
}

func (s *Store) ListConversations(ctx context.Context, filter ListFilter) ([]ConversationRow, error) {
	query := `SELECT conversation_id, metadata_json FROM conversations WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND updated_at >= ?`
		args = append(args, filter.Since)
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperror.Fatal(err)
	}
	defer rows.Close()

	var out []ConversationRow
	for rows.Next() {
		var id int64
		var metaJSON string
		if err := rows.Scan(&id, &metaJSON); err != nil {
			return nil, apperror.Fatal(err)
		}
		var meta domain.ConversationMetadata
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, apperror.Internal(err)
		}
		if filter.ScenarioID != "" && meta.ScenarioID != filter.ScenarioID {
			continue
		}
		out = append(out, ConversationRow{ConversationID: id, Metadata: meta})
	}
	return out, rows.Err()
}

// AppendInput carries the fields needed to allocate and persist one event.
type AppendInput struct {
	ConversationID int64
	Turn           int
	EventOrdinal   int
	Type           domain.EventType
	Payload        json.RawMessage
	Finality       domain.Finality
	AgentID        string
	Ts             time.Time
}

// Append allocates seq = head+1 for the conversation and persists the event
// atomically. Callers must hold the conversation's serialization lock.
func (s *Store) Append(ctx context.Context, in AppendInput) (domain.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, apperror.Fatal(err)
	}
	defer tx.Rollback()

	var head sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM conversation_events WHERE conversation_id = ?`, in.ConversationID).Scan(&head); err != nil {
		return domain.Event{}, apperror.Fatal(err)
	}
	seq := int64(1)
	if head.Valid {
		seq = head.Int64 + 1
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_events(conversation_id, seq, turn, event, type, payload_json, finality, agent_id, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ConversationID, seq, in.Turn, in.EventOrdinal, string(in.Type), string(in.Payload), string(in.Finality), in.AgentID, in.Ts); err != nil {
		return domain.Event{}, apperror.Fatal(fmt.Errorf("insert event: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return domain.Event{}, apperror.Fatal(err)
	}

	ev := domain.Event{
		ConversationID: in.ConversationID,
		Seq:            seq,
		Turn:           in.Turn,
		EventOrdinal:   in.EventOrdinal,
		Type:           in.Type,
		Payload:        in.Payload,
		Finality:       in.Finality,
		AgentID:        in.AgentID,
		Ts:             in.Ts,
	}
	s.logger.Debug("appended event",
		zap.Int64("conversation_id", in.ConversationID), zap.Int64("seq", seq))
	return ev, nil
}

// GetHead returns the highest seq committed for a conversation, or 0.
func (s *Store) GetHead(ctx context.Context, conversationID int64) (int64, error) {
	var head sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM conversation_events WHERE conversation_id = ?`, conversationID).Scan(&head); err != nil {
		return 0, apperror.Fatal(err)
	}
	if !head.Valid {
		return 0, nil
	}
	return head.Int64, nil
}

// GetEventsSince returns events with seq > sinceSeqExclusive, ordered by seq.
func (s *Store) GetEventsSince(ctx context.Context, conversationID int64, sinceSeqExclusive int64) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, turn, event, type, payload_json, finality, agent_id, ts
		 FROM conversation_events WHERE conversation_id = ? AND seq > ? ORDER BY seq ASC`,
		conversationID, sinceSeqExclusive)
	if err != nil {
		return nil, apperror.Fatal(err)
	}
	defer rows.Close()
	return scanEvents(rows, conversationID)
}

// GetEventsPage returns up to limit events with seq > afterSeq.
func (s *Store) GetEventsPage(ctx context.Context, conversationID int64, afterSeq int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, turn, event, type, payload_json, finality, agent_id, ts
		 FROM conversation_events WHERE conversation_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		conversationID, afterSeq, limit)
	if err != nil {
		return nil, apperror.Fatal(err)
	}
	defer rows.Close()
	return scanEvents(rows, conversationID)
}

// GetConversationSnapshot returns a self-consistent view of the
// conversation's status, metadata, full event log, and last-closed seq.
func (s *Store) GetConversationSnapshot(ctx context.Context, conversationID int64) (domain.ConversationSnapshot, error) {
	meta, err := s.GetConversationMetadata(ctx, conversationID)
	if err != nil {
		return domain.ConversationSnapshot{}, err
	}
	events, err := s.GetEventsSince(ctx, conversationID, 0)
	if err != nil {
		return domain.ConversationSnapshot{}, err
	}
	var lastClosed int64
	for _, ev := range events {
		if ev.Finality == domain.FinalityTurn || ev.Finality == domain.FinalityConversation {
			lastClosed = ev.Seq
		}
	}
	return domain.ConversationSnapshot{
		ConversationID: conversationID,
		Metadata:       meta,
		Events:         events,
		LastClosedSeq:  lastClosed,
	}, nil
}

func scanEvents(rows *sql.Rows, conversationID int64) ([]domain.Event, error) {
	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var typ, finality, payload string
		if err := rows.Scan(&ev.Seq, &ev.Turn, &ev.EventOrdinal, &typ, &payload, &finality, &ev.AgentID, &ev.Ts); err != nil {
			return nil, apperror.Fatal(err)
		}
		ev.ConversationID = conversationID
		ev.Type = domain.EventType(typ)
		ev.Finality = domain.Finality(finality)
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DB exposes the underlying handle for collaborators that share the same
// database file (runner registry, pair/lease tables).
func (s *Store) DB() *sql.DB { return s.db }
