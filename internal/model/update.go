package model

import (
	"fmt"
	"time"
)

// UpdateKind identifies the variant of an AgentUpdate.
type UpdateKind string

const (
	KindThinking   UpdateKind = "thinking"
	KindToolUse    UpdateKind = "tool_use"
	KindToolResult UpdateKind = "tool_result"
	KindScreenshot UpdateKind = "screenshot"
	KindError      UpdateKind = "error"
	KindComplete   UpdateKind = "complete"
)

// Terminal reports whether the kind ends a processing turn.
func (k UpdateKind) Terminal() bool {
	return k == KindComplete || k == KindError
}

// AgentUpdate is one sequenced unit of an agent's execution progress.
type AgentUpdate struct {
	SessionID string        `json:"sessionId"`
	Seq       uint64        `json:"seq"`
	TurnID    string        `json:"turnId,omitempty"`
	Kind      UpdateKind    `json:"kind"`
	Payload   UpdatePayload `json:"payload"`
	CreatedAt time.Time     `json:"createdAt"`
}

// UpdatePayload carries the kind-specific body of an AgentUpdate. Exactly the
// field matching the kind is expected to be set; Text is allowed on every kind.
type UpdatePayload struct {
	Text       string         `json:"text,omitempty"`
	Tool       *ToolCall      `json:"tool,omitempty"`
	Result     *ToolResult    `json:"result,omitempty"`
	Screenshot *Screenshot    `json:"screenshot,omitempty"`
	Error      *UpdateError   `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ToolCall describes a tool invocation requested by the agent.
type ToolCall struct {
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	ToolID  string `json:"toolId,omitempty"`
	Output  string `json:"output"`
	IsError bool   `json:"isError,omitempty"`
}

// Screenshot is a captured frame of the worker's display.
type Screenshot struct {
	MediaType string `json:"mediaType"`
	Data      []byte `json:"data"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// UpdateError describes a failed turn.
type UpdateError struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Cancelled   bool   `json:"cancelled,omitempty"`
}

// Validate checks that the payload matches the kind.
func (u *AgentUpdate) Validate() error {
	switch u.Kind {
	case KindThinking, KindComplete:
		return nil
	case KindToolUse:
		if u.Payload.Tool == nil || u.Payload.Tool.Name == "" {
			return fmt.Errorf("%w: tool_use requires a tool name", ErrInvalidUpdate)
		}
	case KindToolResult:
		if u.Payload.Result == nil {
			return fmt.Errorf("%w: tool_result requires a result", ErrInvalidUpdate)
		}
	case KindScreenshot:
		if u.Payload.Screenshot == nil || len(u.Payload.Screenshot.Data) == 0 {
			return fmt.Errorf("%w: screenshot requires image data", ErrInvalidUpdate)
		}
	case KindError:
		if u.Payload.Error == nil {
			return fmt.Errorf("%w: error requires an error body", ErrInvalidUpdate)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownUpdateKind, u.Kind)
	}
	return nil
}

// Summary returns a short human-readable line for the update, used by
// recordings and logs.
func (u *AgentUpdate) Summary() string {
	switch u.Kind {
	case KindThinking, KindComplete:
		return u.Payload.Text
	case KindToolUse:
		if u.Payload.Tool != nil {
			return fmt.Sprintf("tool %s %v", u.Payload.Tool.Name, u.Payload.Tool.Input)
		}
	case KindToolResult:
		if u.Payload.Result != nil {
			return u.Payload.Result.Output
		}
	case KindScreenshot:
		if s := u.Payload.Screenshot; s != nil {
			return fmt.Sprintf("screenshot %s %d bytes", s.MediaType, len(s.Data))
		}
	case KindError:
		if u.Payload.Error != nil {
			return u.Payload.Error.Message
		}
	}
	return u.Payload.Text
}
