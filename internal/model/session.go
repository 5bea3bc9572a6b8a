package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionStatus represents the status of an agent session.
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusIdle       SessionStatus = "idle"
	SessionStatusTerminated SessionStatus = "terminated"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusActive, SessionStatusProcessing, SessionStatusIdle, SessionStatusTerminated:
		return true
	}
	return false
}

// Session is an isolated conversation context with at most one live worker.
type Session struct {
	ID        string         `json:"id"`
	Status    SessionStatus  `json:"status"`
	Display   *int           `json:"display,omitempty"`
	VNCPort   *int           `json:"vncPort,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// IsTerminated reports whether the session has been deleted.
func (s *Session) IsTerminated() bool {
	return s.Status == SessionStatusTerminated
}

// Age returns how long ago the session was created.
func (s *Session) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// CreateSessionRequest represents a request to create a new session.
type CreateSessionRequest struct {
	Metadata map[string]any `json:"metadata"`
}

// MetadataToJSON converts a metadata map to a JSON string for storage.
func MetadataToJSON(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

// MetadataFromJSON parses a stored JSON string into a metadata map.
func MetadataFromJSON(data string) (map[string]any, error) {
	if data == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}
