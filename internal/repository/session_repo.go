package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/agent-sessions/internal/model"
)

// SessionRepository provides data access for sessions.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, status, display, vnc_port, metadata, created_at, updated_at`

// Create inserts a new session into the database.
func (r *SessionRepository) Create(ctx context.Context, session *model.Session) error {
	metadataJSON, err := model.MetadataToJSON(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		session.ID,
		session.Status,
		session.Display,
		session.VNCPort,
		nullString(metadataJSON),
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.Session, error) {
	session := &model.Session{}
	var display, vncPort sql.NullInt64
	var metadataJSON sql.NullString

	if err := row.Scan(
		&session.ID,
		&session.Status,
		&display,
		&vncPort,
		&metadataJSON,
		&session.CreatedAt,
		&session.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if display.Valid {
		d := int(display.Int64)
		session.Display = &d
	}
	if vncPort.Valid {
		p := int(vncPort.Int64)
		session.VNCPort = &p
	}
	if metadataJSON.Valid {
		m, err := model.MetadataFromJSON(metadataJSON.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse metadata: %w", err)
		}
		session.Metadata = m
	}

	return session, nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// List retrieves sessions, newest first. Terminated sessions are included
// only when includeTerminated is set.
func (r *SessionRepository) List(ctx context.Context, includeTerminated bool) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if !includeTerminated {
		query += ` WHERE status != ?`
		args = append(args, model.SessionStatusTerminated)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*model.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// UpdateStatus updates the status of a session. Terminated is final: a
// terminated session is never moved to another status, and
// ErrSessionTerminated is returned instead.
func (r *SessionRepository) UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error {
	query := `
		UPDATE sessions
		SET status = ?, updated_at = ?
		WHERE id = ? AND (status != ? OR ? = ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		status, time.Now().UTC(), id,
		model.SessionStatusTerminated, status, model.SessionStatusTerminated,
	)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	return r.checkUpdated(ctx, result, id)
}

// UpdateToken records the display token held by the session's worker. Nil
// values clear it.
func (r *SessionRepository) UpdateToken(ctx context.Context, id string, display, vncPort *int) error {
	query := `
		UPDATE sessions
		SET display = ?, vnc_port = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, display, vncPort, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session token: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

func (r *SessionRepository) checkUpdated(ctx context.Context, result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	exists, err := r.Exists(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		return model.ErrSessionTerminated
	}
	return model.ErrSessionNotFound
}

// Exists checks if a session exists.
func (r *SessionRepository) Exists(ctx context.Context, id string) (bool, error) {
	query := `SELECT 1 FROM sessions WHERE id = ? LIMIT 1`

	var exists int
	err := r.db.QueryRowContext(ctx, query, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}

	return true, nil
}

// CountByStatus returns the number of sessions in each status.
func (r *SessionRepository) CountByStatus(ctx context.Context) (map[model.SessionStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.SessionStatus]int)
	for rows.Next() {
		var status model.SessionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan session count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session counts: %w", err)
	}
	return counts, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
