package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/remote-agent-terminal/agent-sessions/internal/model"
)

// MessageRepository provides data access for conversation history.
type MessageRepository struct {
	db *sql.DB
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create appends msg to its session's history and sets msg.Seq to the next
// per-session sequence number.
func (r *MessageRepository) Create(ctx context.Context, msg *model.Message) error {
	metadataJSON, err := model.MetadataToJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}

	query := `
		INSERT INTO messages (id, session_id, seq, role, content, metadata, created_at)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?
		FROM messages WHERE session_id = ?
		RETURNING seq
	`

	err = r.db.QueryRowContext(ctx, query,
		msg.ID,
		msg.SessionID,
		msg.Role,
		msg.Content,
		nullString(metadataJSON),
		msg.CreatedAt,
		msg.SessionID,
	).Scan(&msg.Seq)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	return nil
}

// ListBySession returns the session's messages in insertion order.
func (r *MessageRepository) ListBySession(ctx context.Context, sessionID string) ([]*model.Message, error) {
	query := `
		SELECT id, session_id, seq, role, content, metadata, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY seq
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []*model.Message{}
	for rows.Next() {
		msg := &model.Message{}
		var metadataJSON sql.NullString
		if err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&msg.Seq,
			&msg.Role,
			&msg.Content,
			&metadataJSON,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if metadataJSON.Valid {
			if msg.Metadata, err = model.MetadataFromJSON(metadataJSON.String); err != nil {
				return nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// CountBySession returns the number of messages in the session's history.
func (r *MessageRepository) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
