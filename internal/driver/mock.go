package driver

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/remote-agent-terminal/agent-sessions/internal/display"
	"github.com/remote-agent-terminal/agent-sessions/internal/model"
)

// MockAgent simulates an agent for demos and tests without an external
// process. It picks a tool from keywords in the input:
//
//   - calculate, math or an arithmetic operator: calculator
//   - file, list, directory, ls: bash
//   - weather, temperature: web_search
//   - screenshot: a screenshot of the worker display
//
// The keywords "fail" and "crash" make the turn fail recoverably and
// unrecoverably after the first step.
type MockAgent struct {
	delay     time.Duration
	sessionID string
	token     display.Token
}

// NewMockFactory returns a Factory producing MockAgents that pause delay
// between steps.
func NewMockFactory(delay time.Duration) Factory {
	return func(sessionID string) (Agent, error) {
		return &MockAgent{delay: delay, sessionID: sessionID}, nil
	}
}

// Start records the display the agent works on.
func (m *MockAgent) Start(ctx context.Context, sessionID string, token display.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.sessionID = sessionID
	m.token = token
	slog.Debug("Mock agent started", "sessionID", sessionID, "display", token.Name())
	return nil
}

// Close is a no-op.
func (m *MockAgent) Close() error {
	return nil
}

// Run yields the scripted steps for req.Input.
func (m *MockAgent) Run(ctx context.Context, req Request) iter.Seq2[Step, error] {
	return func(yield func(Step, error) bool) {
		input := strings.ToLower(req.Input)

		if !m.emit(ctx, yield, Step{Kind: model.KindThinking, Payload: model.UpdatePayload{Text: "Analyzing your request..."}}) {
			return
		}

		switch {
		case strings.Contains(input, "crash"):
			yield(Step{}, fmt.Errorf("%w: display %s lost", ErrUnrecoverable, m.token.Name()))
			return
		case strings.Contains(input, "fail"):
			yield(Step{}, errors.New("mock agent failure"))
			return
		}

		for _, step := range m.toolSteps(input, req.Input) {
			if !m.emit(ctx, yield, step) {
				return
			}
		}

		if strings.Contains(input, "screenshot") {
			shot := Step{Kind: model.KindScreenshot, Payload: model.UpdatePayload{Screenshot: &model.Screenshot{
				MediaType: "image/png",
				Data:      placeholderPNG,
				Width:     1,
				Height:    1,
			}}}
			if !m.emit(ctx, yield, shot) {
				return
			}
		}

		if !m.emit(ctx, yield, Step{Kind: model.KindThinking, Payload: model.UpdatePayload{Text: m.reply(req)}}) {
			return
		}
		m.emit(ctx, yield, Step{Kind: model.KindComplete, Payload: model.UpdatePayload{Text: "Processing completed successfully"}})
	}
}

func (m *MockAgent) toolSteps(input, raw string) []Step {
	var tool model.ToolCall
	var output string

	switch {
	case containsAny(input, "calculate", "math", "+", "-", "*", "/", "="):
		tool = model.ToolCall{ID: "calc-1", Name: "calculator", Input: map[string]any{"expression": raw}}
		output = "Calculation completed successfully"
	case containsAny(input, "file", "list", "directory", "ls"):
		tool = model.ToolCall{ID: "bash-1", Name: "bash", Input: map[string]any{"command": "ls -la"}}
		output = "Command executed: Found 15 files in directory"
	case containsAny(input, "weather", "temperature"):
		tool = model.ToolCall{ID: "search-1", Name: "web_search", Input: map[string]any{"query": raw}}
		output = "Retrieved weather data successfully"
	default:
		return nil
	}

	return []Step{
		{Kind: model.KindToolUse, Payload: model.UpdatePayload{Text: "Using " + tool.Name + " tool", Tool: &tool}},
		{Kind: model.KindToolResult, Payload: model.UpdatePayload{Result: &model.ToolResult{ToolID: tool.ID, Output: output}}},
	}
}

func (m *MockAgent) reply(req Request) string {
	turns := 1
	for _, msg := range req.History {
		if msg.Role == model.RoleUser {
			turns++
		}
	}
	return fmt.Sprintf("Mock reply #%d on display %s: I received %q.", turns, m.token.Name(), req.Input)
}

// emit pauses, then yields step. It reports false once the turn should stop.
func (m *MockAgent) emit(ctx context.Context, yield func(Step, error) bool, step Step) bool {
	if err := m.pause(ctx); err != nil {
		yield(Step{}, err)
		return false
	}
	return yield(step, nil)
}

func (m *MockAgent) pause(ctx context.Context) error {
	if m.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// 1x1 transparent PNG.
var placeholderPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}
