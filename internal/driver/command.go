package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/remote-agent-terminal/agent-sessions/internal/display"
)

const (
	// maxLineSize bounds one output line; screenshots arrive base64 encoded.
	maxLineSize = 16 << 20

	// exitUnrecoverable is the exit status an agent uses to report that it
	// cannot continue on this worker.
	exitUnrecoverable = 70

	// stderrTail is how much stderr is kept for error messages.
	stderrTail = 2048
)

// CommandAgent runs an external executable once per turn. The request is
// written to its stdin as JSON and each stdout line is parsed into a step.
type CommandAgent struct {
	path string
	args []string

	sessionID string
	token     display.Token
}

// NewCommandFactory returns a Factory producing CommandAgents for path.
func NewCommandFactory(path string, args ...string) Factory {
	return func(sessionID string) (Agent, error) {
		return &CommandAgent{path: path, args: args, sessionID: sessionID}, nil
	}
}

// Start checks that the executable can be found.
func (a *CommandAgent) Start(ctx context.Context, sessionID string, token display.Token) error {
	if _, err := exec.LookPath(a.path); err != nil {
		return fmt.Errorf("agent command %q: %w", a.path, err)
	}
	a.sessionID = sessionID
	a.token = token
	return ctx.Err()
}

// Close is a no-op; processes do not outlive their turn.
func (a *CommandAgent) Close() error {
	return nil
}

// Run starts the process and yields its parsed output.
func (a *CommandAgent) Run(ctx context.Context, req Request) iter.Seq2[Step, error] {
	return func(yield func(Step, error) bool) {
		input, err := json.Marshal(req)
		if err != nil {
			yield(Step{}, fmt.Errorf("encode request: %w", err))
			return
		}

		cmd := exec.CommandContext(ctx, a.path, a.args...)
		cmd.Env = append(os.Environ(),
			"DISPLAY="+a.token.Name(),
			"VNC_PORT="+strconv.Itoa(a.token.Port),
			"AGENT_SESSION_ID="+a.sessionID,
			"AGENT_TURN_ID="+req.TurnID,
		)
		cmd.Stdin = bytes.NewReader(input)
		cmd.WaitDelay = 2 * time.Second
		stderr := &tailBuffer{limit: stderrTail}
		cmd.Stderr = stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(Step{}, fmt.Errorf("stdout pipe: %w", err))
			return
		}
		if err := cmd.Start(); err != nil {
			yield(Step{}, fmt.Errorf("%w: start agent: %w", ErrUnrecoverable, err))
			return
		}
		slog.Debug("Agent process started", "sessionID", a.sessionID, "turnID", req.TurnID, "pid", cmd.Process.Pid)

		stopped, waited := false, false
		defer func() {
			if stopped {
				_ = cmd.Process.Kill()
			}
			if !waited {
				_ = cmd.Wait()
			}
		}()

		parser := NewParser()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			step, ok := parser.ParseLine(scanner.Bytes())
			if !ok {
				continue
			}
			if !yield(step, nil) {
				stopped = true
				return
			}
		}
		if err := scanner.Err(); err != nil {
			stopped = true
			yield(Step{}, fmt.Errorf("read agent output: %w", err))
			return
		}

		waited = true
		if err := cmd.Wait(); err != nil {
			yield(Step{}, a.exitError(ctx, err, stderr.String()))
		}
	}
}

func (a *CommandAgent) exitError(ctx context.Context, err error, stderr string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	msg := strings.TrimSpace(stderr)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == exitUnrecoverable {
		return fmt.Errorf("%w: agent exited: %s", ErrUnrecoverable, msg)
	}
	if msg != "" {
		return fmt.Errorf("agent exited: %w: %s", err, msg)
	}
	return fmt.Errorf("agent exited: %w", err)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
