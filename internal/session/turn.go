package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remote-agent-terminal/agent-sessions/internal/model"
	"github.com/remote-agent-terminal/agent-sessions/internal/worker"
)

// TurnHandle is the caller's view of one in-flight turn started by
// SendMessage. It can be waited on, inspected and cancelled.
type TurnHandle struct {
	ID        string `json:"turnId"`
	SessionID string `json:"sessionId"`
	WorkerID  string `json:"workerId,omitempty"`
	// Spawned reports whether a new worker was spawned for the turn.
	Spawned     bool           `json:"spawned"`
	UserMessage *model.Message `json:"userMessage,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`

	turn *worker.Turn
	seq  *sequencer
	done chan struct{}

	mu        sync.Mutex
	updates   int
	lastSeq   uint64
	assistant *model.Message
	err       error
}

func newTurnHandle(sessionID string) *TurnHandle {
	return &TurnHandle{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		done:      make(chan struct{}),
	}
}

func (h *TurnHandle) start(t *worker.Turn, userMsg *model.Message, spawned bool) {
	h.turn = t
	h.WorkerID = t.WorkerID()
	h.UserMessage = userMsg
	h.Spawned = spawned
	h.StartedAt = time.Now().UTC()
}

func (h *TurnHandle) observe(u model.AgentUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates++
	h.lastSeq = u.Seq
}

func (h *TurnHandle) finish(assistant *model.Message, err error) {
	h.mu.Lock()
	h.assistant = assistant
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Done is closed once every update of the turn has been persisted and the
// assistant message, if any, saved.
func (h *TurnHandle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns how the turn ended, or worker.OutcomePending.
func (h *TurnHandle) Outcome() worker.Outcome {
	return h.turn.Outcome()
}

// Progress returns the number of updates persisted so far and the sequence
// number of the latest one.
func (h *TurnHandle) Progress() (updates int, lastSeq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updates, h.lastSeq
}

// Wait blocks until the turn ends and returns the assistant message. A turn
// ending in ERROR returns an error wrapping model.ErrTurnFailed, a cancelled
// one model.ErrTurnCancelled, and a persistence failure the storage error.
func (h *TurnHandle) Wait(ctx context.Context) (*model.Message, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.assistant, h.err
}

// TurnError carries the ERROR update that ended a failed turn.
type TurnError struct {
	Update model.AgentUpdate
}

func (e *TurnError) Error() string {
	if e.Update.Payload.Error != nil {
		return fmt.Sprintf("%s: %s", model.ErrTurnFailed, e.Update.Payload.Error.Message)
	}
	return model.ErrTurnFailed.Error()
}

func (e *TurnError) Unwrap() error { return model.ErrTurnFailed }

// Recoverable reports whether the session's worker survived the failure.
func (e *TurnError) Recoverable() bool {
	return e.Update.Payload.Error != nil && e.Update.Payload.Error.Recoverable
}

func turnError(last model.AgentUpdate) error {
	return &TurnError{Update: last}
}
