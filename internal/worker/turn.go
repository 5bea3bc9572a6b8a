package worker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remote-agent-terminal/agent-sessions/internal/driver"
	"github.com/remote-agent-terminal/agent-sessions/internal/model"
)

// Outcome is how a turn ended.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeComplete
	OutcomeFailed
	OutcomeUnrecoverable
	OutcomeCancelled
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeComplete:
		return "complete"
	case OutcomeFailed:
		return "failed"
	case OutcomeUnrecoverable:
		return "unrecoverable"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeAbandoned:
		return "abandoned"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

type stepResult struct {
	step driver.Step
	err  error
}

// Turn is one in-flight call of the agent. Its Updates sequence may be
// ranged over once; it ends with exactly one COMPLETE or ERROR update
// unless the consumer stops early.
type Turn struct {
	worker *Worker
	agent  driver.Agent
	req    driver.Request
	seq    Sequencer

	ctx    context.Context
	cancel context.CancelFunc

	started  atomic.Bool
	stopped  chan struct{} // consumer no longer reads steps
	killed   chan struct{}
	killOnce sync.Once
	done     chan struct{}

	mu         sync.Mutex
	outcome    Outcome
	last       model.AgentUpdate
	graceTimer *time.Timer
}

func newTurn(ctx context.Context, w *Worker, req driver.Request, seq Sequencer) *Turn {
	// The turn outlives the request that started it; only Cancel stops it.
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Turn{
		worker:  w,
		agent:   w.agent,
		req:     req,
		seq:     seq,
		ctx:     tctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
		killed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the turn id.
func (t *Turn) ID() string { return t.req.TurnID }

// SessionID returns the session the turn belongs to.
func (t *Turn) SessionID() string { return t.req.SessionID }

// WorkerID returns the id of the worker running the turn.
func (t *Turn) WorkerID() string { return t.worker.id }

// Input returns the user input of the turn.
func (t *Turn) Input() string { return t.req.Input }

// Done is closed once the turn has ended and the worker state is updated.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Outcome returns how the turn ended, or OutcomePending.
func (t *Turn) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Last returns the last update yielded by the turn.
func (t *Turn) Last() model.AgentUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Cancel asks the agent to stop. If the turn has not ended within grace,
// it is killed: its sequence ends with a cancelled ERROR update regardless
// of whether the agent ever returns.
func (t *Turn) Cancel(grace time.Duration) {
	t.cancelWithGrace(grace)
}

func (t *Turn) cancelWithGrace(grace time.Duration) {
	t.cancel()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.graceTimer == nil {
		t.graceTimer = time.AfterFunc(grace, t.kill)
	}
}

func (t *Turn) kill() {
	t.killOnce.Do(func() { close(t.killed) })
}

// Updates returns the lazy sequence of sequenced updates for the turn. The
// agent starts when iteration starts. Only the first iteration yields
// anything; the sequence is not restartable.
func (t *Turn) Updates() iter.Seq[model.AgentUpdate] {
	return func(yield func(model.AgentUpdate) bool) {
		if !t.started.CompareAndSwap(false, true) {
			return
		}
		t.finish(t.run(yield))
	}
}

func (t *Turn) run(yield func(model.AgentUpdate) bool) Outcome {
	defer close(t.stopped)

	steps := make(chan stepResult)
	go t.produce(steps)

	for {
		select {
		case <-t.killed:
			return t.emitCancelled(yield, "turn killed after grace period")

		case <-t.ctx.Done():
			t.drain(steps)
			return t.emitCancelled(yield, "turn cancelled")

		case r, ok := <-steps:
			if !ok {
				t.emit(yield, model.KindComplete, model.UpdatePayload{})
				return OutcomeComplete
			}
			if r.err != nil {
				return t.emitFailure(yield, r.err)
			}

			u := model.AgentUpdate{Kind: r.step.Kind, Payload: r.step.Payload}
			if err := u.Validate(); err != nil {
				return t.emitFailure(yield, fmt.Errorf("agent yielded invalid step: %w", err))
			}

			switch r.step.Kind {
			case model.KindComplete:
				t.emit(yield, r.step.Kind, r.step.Payload)
				return OutcomeComplete
			case model.KindError:
				outcome := OutcomeFailed
				if !r.step.Payload.Error.Recoverable {
					outcome = OutcomeUnrecoverable
				}
				t.emit(yield, r.step.Kind, r.step.Payload)
				return outcome
			default:
				if !t.emit(yield, r.step.Kind, r.step.Payload) {
					return OutcomeAbandoned
				}
			}
		}
	}
}

// drain discards steps until the agent returns or the turn is killed.
func (t *Turn) drain(steps <-chan stepResult) {
	for {
		select {
		case _, ok := <-steps:
			if !ok {
				return
			}
		case <-t.killed:
			return
		}
	}
}

func (t *Turn) produce(out chan<- stepResult) {
	defer close(out)
	defer func() {
		if r := recover(); r != nil {
			t.send(out, stepResult{err: fmt.Errorf("%w: agent panicked: %v", driver.ErrUnrecoverable, r)})
		}
	}()

	for step, err := range t.agent.Run(t.ctx, t.req) {
		if !t.send(out, stepResult{step: step, err: err}) || err != nil {
			return
		}
	}
}

func (t *Turn) send(out chan<- stepResult, r stepResult) bool {
	select {
	case out <- r:
		return true
	case <-t.stopped:
		return false
	}
}

func (t *Turn) emitFailure(yield func(model.AgentUpdate) bool, err error) Outcome {
	if errors.Is(err, driver.ErrUnrecoverable) {
		t.emit(yield, model.KindError, model.UpdatePayload{Error: &model.UpdateError{Message: err.Error()}})
		return OutcomeUnrecoverable
	}
	if t.ctx.Err() != nil {
		return t.emitCancelled(yield, "turn cancelled")
	}
	t.emit(yield, model.KindError, model.UpdatePayload{Error: &model.UpdateError{Message: err.Error(), Recoverable: true}})
	return OutcomeFailed
}

func (t *Turn) emitCancelled(yield func(model.AgentUpdate) bool, msg string) Outcome {
	t.emit(yield, model.KindError, model.UpdatePayload{Error: &model.UpdateError{Message: msg, Recoverable: true, Cancelled: true}})
	return OutcomeCancelled
}

// emit stamps the next sequence number and yields the update.
func (t *Turn) emit(yield func(model.AgentUpdate) bool, kind model.UpdateKind, payload model.UpdatePayload) bool {
	u := model.AgentUpdate{
		SessionID: t.req.SessionID,
		Seq:       t.seq.Next(),
		TurnID:    t.req.TurnID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	t.mu.Lock()
	t.last = u
	t.mu.Unlock()
	return yield(u)
}

func (t *Turn) finish(outcome Outcome) {
	t.mu.Lock()
	t.outcome = outcome
	if t.graceTimer != nil {
		t.graceTimer.Stop()
	}
	t.mu.Unlock()

	t.cancel()
	t.worker.finishTurn(t, outcome)
	close(t.done)
}
