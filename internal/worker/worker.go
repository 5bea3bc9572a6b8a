// Package worker supervises the per-session agent workers: their state
// machine, the turns they process and the admission-controlled pool that
// owns them.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/remote-agent-terminal/agent-sessions/internal/display"
	"github.com/remote-agent-terminal/agent-sessions/internal/driver"
	"github.com/remote-agent-terminal/agent-sessions/internal/model"
)

// State is the lifecycle state of a Worker.
type State string

const (
	StateSpawning   State = "spawning"
	StateReady      State = "ready"
	StateProcessing State = "processing"
	StateError      State = "error"
	StateTerminated State = "terminated"
)

// Live reports whether a worker in this state can serve the session.
func (s State) Live() bool {
	return s == StateReady || s == StateProcessing
}

// Sequencer hands out the next per-session sequence number.
type Sequencer interface {
	Next() uint64
}

// Worker wraps one agent instance for one session. All state transitions
// are made by the owning Pool or by the Worker's own turns.
type Worker struct {
	id        string
	sessionID string
	agent     driver.Agent
	createdAt time.Time
	log       *slog.Logger

	mu           sync.Mutex
	state        State
	token        display.Token
	hasToken     bool
	lastActivity time.Time
	turn         *Turn
	stopping     bool

	releaseOnce sync.Once
	release     func(display.Token) error
}

func newWorker(sessionID string, release func(display.Token) error) *Worker {
	id := uuid.New().String()
	now := time.Now()
	return &Worker{
		id:           id,
		sessionID:    sessionID,
		createdAt:    now,
		lastActivity: now,
		state:        StateSpawning,
		release:      release,
		log:          slog.With("sessionID", sessionID, "workerID", id),
	}
}

// start moves a SPAWNING worker to READY, or to ERROR when the agent
// cannot be created or started. The token is released on failure.
func (w *Worker) start(ctx context.Context, factory driver.Factory, token display.Token) error {
	w.mu.Lock()
	w.token = token
	w.hasToken = true
	w.mu.Unlock()

	agent, err := factory(w.sessionID)
	if err == nil {
		err = agent.Start(ctx, w.sessionID, token)
		if err != nil {
			_ = agent.Close()
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.state = StateError
		w.releaseTokenLocked()
		return err
	}
	w.agent = agent
	w.state = StateReady
	w.lastActivity = time.Now()
	return nil
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// SessionID returns the owning session id.
func (w *Worker) SessionID() string { return w.sessionID }

// CreatedAt returns when the worker was created.
func (w *Worker) CreatedAt() time.Time { return w.createdAt }

// State returns the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Token returns the worker's resource token. ok is false once released.
func (w *Worker) Token() (display.Token, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.token, w.hasToken
}

// LastActivity returns when the worker last started or finished a turn.
func (w *Worker) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

// CurrentTurn returns the in-flight turn, or nil.
func (w *Worker) CurrentTurn() *Turn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.turn
}

// Process starts a turn for req. The returned Turn must be driven by
// ranging over Updates; another Process call is rejected with
// model.ErrWorkerBusy until that turn has finished.
func (w *Worker) Process(ctx context.Context, req driver.Request, seq Sequencer) (*Turn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopping {
		return nil, model.ErrWorkerTerminated
	}
	switch w.state {
	case StateReady:
	case StateProcessing, StateSpawning:
		return nil, model.ErrWorkerBusy
	case StateError:
		return nil, model.ErrWorkerFailed
	case StateTerminated:
		return nil, model.ErrWorkerTerminated
	default:
		return nil, fmt.Errorf("unexpected worker state %q", w.state)
	}

	if req.TurnID == "" {
		req.TurnID = uuid.New().String()
	}
	req.SessionID = w.sessionID
	req.Display = w.token

	t := newTurn(ctx, w, req, seq)
	w.turn = t
	w.state = StateProcessing
	w.lastActivity = time.Now()
	w.log.Debug("Turn started", "turnID", req.TurnID)
	return t, nil
}

// finishTurn records the end of t. It is a no-op for the worker state once
// the worker has been terminated.
func (w *Worker) finishTurn(t *Turn, outcome Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.turn == t {
		w.turn = nil
	}
	w.lastActivity = time.Now()
	if w.state != StateProcessing {
		return
	}
	if outcome == OutcomeUnrecoverable {
		w.state = StateError
		w.log.Warn("Worker failed", "turnID", t.ID())
		return
	}
	w.state = StateReady
}

// shutdown moves the worker to TERMINATED. An in-flight turn is cancelled
// and given grace to wind down before it is killed; termination completes
// either way. The token is released exactly once.
func (w *Worker) shutdown(grace time.Duration) {
	w.mu.Lock()
	if w.state == StateTerminated {
		w.mu.Unlock()
		return
	}
	w.stopping = true
	t := w.turn
	w.mu.Unlock()

	if t != nil {
		t.cancelWithGrace(grace)
		timer := time.NewTimer(grace)
		select {
		case <-t.Done():
		case <-timer.C:
			w.log.Warn("Turn did not stop within grace period, reclaiming worker", "turnID", t.ID(), "grace", grace)
		}
		timer.Stop()
	}

	w.mu.Lock()
	w.state = StateTerminated
	w.turn = nil
	agent := w.agent
	w.agent = nil
	w.releaseTokenLocked()
	w.mu.Unlock()

	if agent != nil {
		if err := agent.Close(); err != nil {
			w.log.Warn("Agent close failed", "error", err)
		}
	}
}

func (w *Worker) releaseTokenLocked() {
	if !w.hasToken {
		return
	}
	token := w.token
	w.hasToken = false
	w.releaseOnce.Do(func() {
		if err := w.release(token); err != nil {
			w.log.Error("Token release failed", "display", token.Name(), "error", err)
		}
	})
}
