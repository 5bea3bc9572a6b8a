package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/remote-agent-terminal/agent-sessions/internal/codec"
	"github.com/remote-agent-terminal/agent-sessions/internal/model"
)

// EventRepository persists every agent update so streams can be replayed
// past what the in-memory buffer retains. Payloads are stored as CBOR,
// zstd-compressed when large.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Create stores u. The (session, seq) pair must be unique.
func (r *EventRepository) Create(ctx context.Context, u *model.AgentUpdate) error {
	payload, enc, err := codec.Encode(u.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode update payload: %w", err)
	}

	query := `
		INSERT INTO agent_updates (session_id, seq, turn_id, kind, encoding, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		u.SessionID,
		int64(u.Seq),
		nullString(u.TurnID),
		u.Kind,
		enc,
		payload,
		u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store update %d: %w", u.Seq, err)
	}

	return nil
}

// List returns up to limit updates of the session with Seq >= from, in
// sequence order. A limit <= 0 returns everything.
func (r *EventRepository) List(ctx context.Context, sessionID string, from uint64, limit int) ([]model.AgentUpdate, error) {
	query := `
		SELECT session_id, seq, turn_id, kind, encoding, payload, created_at
		FROM agent_updates
		WHERE session_id = ? AND seq >= ?
		ORDER BY seq
	`
	args := []any{sessionID, int64(from)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list updates: %w", err)
	}
	defer rows.Close()

	updates := []model.AgentUpdate{}
	for rows.Next() {
		var (
			u       model.AgentUpdate
			seq     int64
			turnID  sql.NullString
			enc     codec.Encoding
			payload []byte
		)
		if err := rows.Scan(&u.SessionID, &seq, &turnID, &u.Kind, &enc, &payload, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan update: %w", err)
		}
		u.Seq = uint64(seq)
		u.TurnID = turnID.String
		if err := codec.Decode(payload, enc, &u.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode update %d: %w", seq, err)
		}
		updates = append(updates, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating updates: %w", err)
	}

	return updates, nil
}

// MaxSequence returns the highest stored sequence number of the session, or
// 0 if it has none.
func (r *EventRepository) MaxSequence(ctx context.Context, sessionID string) (uint64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM agent_updates WHERE session_id = ?`, sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get max sequence: %w", err)
	}
	return uint64(seq), nil
}
