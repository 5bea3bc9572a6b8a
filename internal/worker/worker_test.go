package worker

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/agent-sessions/internal/display"
	"github.com/remote-agent-terminal/agent-sessions/internal/driver"
	"github.com/remote-agent-terminal/agent-sessions/internal/model"
)

func startWorker(t *testing.T, factory driver.Factory, releases *atomic.Int32) *Worker {
	t.Helper()
	w := newWorker("s1", func(display.Token) error {
		releases.Add(1)
		return nil
	})
	require.NoError(t, w.start(context.Background(), factory, display.Token{Display: 7, Port: 5907}))
	require.Equal(t, StateReady, w.State())
	return w
}

func TestWorker_SyntheticComplete(t *testing.T) {
	var releases atomic.Int32
	w := startWorker(t, stepsAgent([]driver.Step{thinking("a"), thinking("b")}, nil), &releases)

	turn, err := w.Process(context.Background(), driver.Request{Input: "hi"}, &counter{})
	require.NoError(t, err)

	got := drain(turn)
	require.Len(t, got, 3)
	for i, u := range got {
		assert.Equal(t, uint64(i+1), u.Seq, "sequence numbers are gapless")
		assert.Equal(t, "s1", u.SessionID)
		assert.Equal(t, turn.ID(), u.TurnID)
	}
	assert.Equal(t, model.KindComplete, got[2].Kind)
	assert.Equal(t, OutcomeComplete, turn.Outcome())
	assert.Equal(t, StateReady, w.State())
}

func TestWorker_ExplicitCompleteStopsTurn(t *testing.T) {
	var releases atomic.Int32
	w := startWorker(t, stepsAgent([]driver.Step{
		thinking("a"),
		{Kind: model.KindComplete, Payload: model.UpdatePayload{Text: "done"}},
		thinking("never delivered"),
	}, nil), &releases)

	turn, err := w.Process(context.Background(), driver.Request{}, &counter{})
	require.NoError(t, err)

	got := drain(turn)
	require.Len(t, got, 2)
	assert.Equal(t, "done", got[1].Payload.Text)
}

func TestWorker_UpdatesNotRestartable(t *testing.T) {
	var releases atomic.Int32
	w := startWorker(t, stepsAgent([]driver.Step{thinking("a")}, nil), &releases)

	turn, err := w.Process(context.Background(), driver.Request{}, &counter{})
	require.NoError(t, err)

	assert.Len(t, drain(turn), 2)
	assert.Empty(t, drain(turn), "a second iteration yields nothing")
}

func TestWorker_InvalidStepBecomesError(t *testing.T) {
	var releases atomic.Int32
	w := startWorker(t, stepsAgent([]driver.Step{{Kind: model.KindToolUse}}, nil), &releases)

	turn, err := w.Process(context.Background(), driver.Request{}, &counter{})
	require.NoError(t, err)

	got := drain(turn)
	require.Len(t, got, 1)
	assert.Equal(t, model.KindError, got[0].Kind)
	assert.Equal(t, StateReady, w.State())
}

func TestWorker_AgentPanicIsUnrecoverable(t *testing.T) {
	var releases atomic.Int32
	factory := func(string) (driver.Agent, error) {
		return driver.AgentFunc(func(ctx context.Context, req driver.Request) iter.Seq2[driver.Step, error] {
			return func(yield func(driver.Step, error) bool) {
				panic("agent bug")
			}
		}), nil
	}
	w := startWorker(t, factory, &releases)

	turn, err := w.Process(context.Background(), driver.Request{}, &counter{})
	require.NoError(t, err)

	got := drain(turn)
	require.Len(t, got, 1)
	assert.Equal(t, model.KindError, got[0].Kind)
	assert.False(t, got[0].Payload.Error.Recoverable)
	assert.Equal(t, StateError, w.State())

	_, err = w.Process(context.Background(), driver.Request{}, &counter{})
	assert.ErrorIs(t, err, model.ErrWorkerFailed)
}

func TestWorker_AbandonedTurnReturnsToReady(t *testing.T) {
	var releases atomic.Int32
	w := startWorker(t, stepsAgent([]driver.Step{thinking("a"), thinking("b"), thinking("c")}, nil), &releases)

	turn, err := w.Process(context.Background(), driver.Request{}, &counter{})
	require.NoError(t, err)

	for range turn.Updates() {
		break
	}
	<-turn.Done()
	assert.Equal(t, OutcomeAbandoned, turn.Outcome())
	assert.Equal(t, StateReady, w.State())
}

func TestWorker_CancelTurn(t *testing.T) {
	var releases atomic.Int32
	w := startWorker(t, driver.NewMockFactory(time.Hour), &releases)

	turn, err := w.Process(context.Background(), driver.Request{Input: "hello"}, &counter{})
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		turn.Cancel(time.Second)
	}()

	got := drain(turn)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, model.KindError, last.Kind)
	assert.True(t, last.Payload.Error.Cancelled)
	assert.Equal(t, OutcomeCancelled, turn.Outcome())
	assert.Equal(t, StateReady, w.State(), "a cancelled turn leaves the worker usable")
}

func TestWorker_ShutdownReleasesTokenOnce(t *testing.T) {
	var releases atomic.Int32
	w := startWorker(t, driver.NewMockFactory(0), &releases)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.shutdown(10 * time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, StateTerminated, w.State())
	assert.Equal(t, int32(1), releases.Load())

	_, err := w.Process(context.Background(), driver.Request{}, &counter{})
	assert.ErrorIs(t, err, model.ErrWorkerTerminated)
}

func TestWorker_StartFailureReleasesToken(t *testing.T) {
	var releases atomic.Int32
	w := newWorker("s1", func(display.Token) error {
		releases.Add(1)
		return nil
	})
	err := w.start(context.Background(), driver.NewCommandFactory("/nonexistent/agent"), display.Token{Display: 1})
	require.Error(t, err)
	assert.Equal(t, StateError, w.State())
	assert.Equal(t, int32(1), releases.Load())

	w.shutdown(time.Millisecond)
	assert.Equal(t, int32(1), releases.Load())
}

func TestKeyedMutex_CleansUp(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	var inside atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a")
			defer unlock()
			if inside.Add(1) != 1 {
				t.Error("two holders inside the same key")
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, k.len())
}
