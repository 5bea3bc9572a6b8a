// Package driver defines the step-generator collaborator that a worker
// drives for each turn, along with the built-in agent implementations.
package driver

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/remote-agent-terminal/agent-sessions/internal/display"
	"github.com/remote-agent-terminal/agent-sessions/internal/model"
)

// ErrUnrecoverable marks an agent failure after which the worker cannot be
// reused, e.g. the agent lost its display. Wrap it with fmt.Errorf("%w").
var ErrUnrecoverable = errors.New("unrecoverable agent failure")

// Step is one unsequenced unit of progress yielded by an agent.
type Step struct {
	Kind    model.UpdateKind
	Payload model.UpdatePayload
}

// Request is the input of a single turn.
type Request struct {
	SessionID string          `json:"sessionId"`
	TurnID    string          `json:"turnId"`
	History   []model.Message `json:"history"`
	Input     string          `json:"input"`
	Display   display.Token   `json:"display"`
}

// Agent produces the steps of a turn. Run returns a finite, non-restartable
// sequence; a non-nil error ends the turn as failed. Implementations should
// stop promptly once ctx is cancelled.
type Agent interface {
	Start(ctx context.Context, sessionID string, token display.Token) error
	Run(ctx context.Context, req Request) iter.Seq2[Step, error]
	Close() error
}

// Factory creates the agent for a new worker.
type Factory func(sessionID string) (Agent, error)

// AgentFunc adapts a plain step function to the Agent interface.
type AgentFunc func(ctx context.Context, req Request) iter.Seq2[Step, error]

func (f AgentFunc) Start(context.Context, string, display.Token) error { return nil }

func (f AgentFunc) Run(ctx context.Context, req Request) iter.Seq2[Step, error] {
	return f(ctx, req)
}

func (f AgentFunc) Close() error { return nil }

// Options selects and configures an agent implementation.
type Options struct {
	// Kind is "mock" or "command".
	Kind string
	// Command is the executable for the command agent, with optional arguments.
	Command string
	// StepDelay paces the mock agent.
	StepDelay time.Duration
}

// NewFactory returns the factory for opts.Kind.
func NewFactory(opts Options) (Factory, error) {
	switch opts.Kind {
	case "", "mock":
		return NewMockFactory(opts.StepDelay), nil
	case "command":
		fields := strings.Fields(opts.Command)
		if len(fields) == 0 {
			return nil, errors.New("command agent requires a command")
		}
		return NewCommandFactory(fields[0], fields[1:]...), nil
	default:
		return nil, fmt.Errorf("unknown agent kind %q", opts.Kind)
	}
}
