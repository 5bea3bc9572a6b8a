package model

import (
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is an append-only entry in a session's conversation history.
// Seq orders messages within a session when timestamps tie.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Seq       int64          `json:"seq"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// SendMessageRequest represents a request to send a user message to a session.
type SendMessageRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// Validate checks the content against the size limit. A limit <= 0 disables the check.
func (r *SendMessageRequest) Validate(maxSize int) error {
	if strings.TrimSpace(r.Content) == "" {
		return ErrContentRequired
	}
	if maxSize > 0 && len(r.Content) > maxSize {
		return ErrContentTooLarge
	}
	return nil
}
