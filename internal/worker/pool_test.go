package worker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/agent-sessions/internal/display"
	"github.com/remote-agent-terminal/agent-sessions/internal/driver"
	"github.com/remote-agent-terminal/agent-sessions/internal/model"
	"github.com/remote-agent-terminal/agent-sessions/internal/retry"
)

type counter struct{ n atomic.Uint64 }

func (c *counter) Next() uint64 { return c.n.Add(1) }

var fastRetry = retry.Config{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2}

func testConfig(max int) Config {
	return Config{
		MaxWorkers:   max,
		IdleTimeout:  time.Minute,
		ReapInterval: time.Minute,
		CancelGrace:  50 * time.Millisecond,
		SpawnRetry:   fastRetry,
	}
}

func setupTestPool(t *testing.T, max int, factory driver.Factory) (*Pool, *display.Allocator) {
	t.Helper()
	if factory == nil {
		factory = driver.NewMockFactory(0)
	}
	alloc := display.NewAllocator(1, 200, 5900)
	p := NewPool(testConfig(max), factory, alloc)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p, alloc
}

func stepsAgent(steps []driver.Step, final error) driver.Factory {
	return func(string) (driver.Agent, error) {
		return driver.AgentFunc(func(ctx context.Context, req driver.Request) iter.Seq2[driver.Step, error] {
			return func(yield func(driver.Step, error) bool) {
				for _, s := range steps {
					if !yield(s, nil) {
						return
					}
				}
				if final != nil {
					yield(driver.Step{}, final)
				}
			}
		}), nil
	}
}

// stubbornAgent blocks until release is closed and ignores cancellation.
func stubbornAgent(started chan<- struct{}, release <-chan struct{}) driver.Factory {
	return func(string) (driver.Agent, error) {
		return driver.AgentFunc(func(ctx context.Context, req driver.Request) iter.Seq2[driver.Step, error] {
			return func(yield func(driver.Step, error) bool) {
				if !yield(driver.Step{Kind: model.KindThinking, Payload: model.UpdatePayload{Text: "working"}}, nil) {
					return
				}
				started <- struct{}{}
				<-release
			}
		}), nil
	}
}

func drain(turn *Turn) []model.AgentUpdate {
	var out []model.AgentUpdate
	for u := range turn.Updates() {
		out = append(out, u)
	}
	return out
}

func thinking(text string) driver.Step {
	return driver.Step{Kind: model.KindThinking, Payload: model.UpdatePayload{Text: text}}
}

func TestPool_SpawnOrGetConcurrentSameSession(t *testing.T) {
	p, alloc := setupTestPool(t, 10, nil)

	const callers = 32
	var (
		wg      sync.WaitGroup
		created atomic.Int32
		workers = make([]*Worker, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, c, err := p.SpawnOrGet(context.Background(), "s1")
			require.NoError(t, err)
			if c {
				created.Add(1)
			}
			workers[i] = w
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load(), "exactly one caller must spawn")
	for _, w := range workers {
		assert.Same(t, workers[0], w)
	}
	assert.Equal(t, 1, alloc.InUse())
	assert.Equal(t, StateReady, workers[0].State())
}

func TestPool_CapacityExceeded(t *testing.T) {
	p, alloc := setupTestPool(t, 2, nil)
	ctx := context.Background()

	_, _, err := p.SpawnOrGet(ctx, "a")
	require.NoError(t, err)
	_, _, err = p.SpawnOrGet(ctx, "b")
	require.NoError(t, err)

	before := p.HealthSnapshot()
	_, _, err = p.SpawnOrGet(ctx, "c")
	require.ErrorIs(t, err, model.ErrCapacityExceeded)

	after := p.HealthSnapshot()
	assert.Equal(t, before.TotalWorkers, after.TotalWorkers)
	assert.NotContains(t, after.Workers, "c")
	assert.Equal(t, 2, alloc.InUse())

	require.NoError(t, p.Terminate(ctx, "a"))
	_, created, err := p.SpawnOrGet(ctx, "c")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestPool_AllocatorExhaustedSurfacesCapacity(t *testing.T) {
	alloc := display.NewAllocator(1, 1, 5900)
	p := NewPool(testConfig(10), driver.NewMockFactory(0), alloc)
	defer p.Close(context.Background())

	_, _, err := p.SpawnOrGet(context.Background(), "a")
	require.NoError(t, err)

	_, _, err = p.SpawnOrGet(context.Background(), "b")
	require.ErrorIs(t, err, model.ErrCapacityExceeded)
	require.ErrorIs(t, err, display.ErrExhausted)
	assert.Equal(t, 1, p.HealthSnapshot().TotalWorkers)

	// The failed spawn gave its slot back.
	require.NoError(t, p.Terminate(context.Background(), "a"))
	_, _, err = p.SpawnOrGet(context.Background(), "b")
	require.NoError(t, err)
}

func TestPool_SpawnFailureRetriesThenSurfaces(t *testing.T) {
	var attempts atomic.Int32
	factory := func(string) (driver.Agent, error) {
		attempts.Add(1)
		return nil, errors.New("agent binary missing")
	}
	p, alloc := setupTestPool(t, 5, factory)

	_, _, err := p.SpawnOrGet(context.Background(), "s1")
	require.ErrorIs(t, err, model.ErrSpawnFailure)
	assert.Equal(t, int32(fastRetry.MaxAttempts), attempts.Load())
	assert.Equal(t, 0, alloc.InUse(), "failed spawns must release their tokens")
	assert.Equal(t, 0, p.HealthSnapshot().TotalWorkers)
}

func TestPool_SpawnFailureUnrecoverableNotRetried(t *testing.T) {
	var attempts atomic.Int32
	factory := func(string) (driver.Agent, error) {
		attempts.Add(1)
		return nil, fmt.Errorf("%w: no display server", driver.ErrUnrecoverable)
	}
	p, _ := setupTestPool(t, 5, factory)

	_, _, err := p.SpawnOrGet(context.Background(), "s1")
	require.ErrorIs(t, err, model.ErrSpawnFailure)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestPool_TerminateIdempotent(t *testing.T) {
	p, alloc := setupTestPool(t, 5, nil)
	ctx := context.Background()

	w, _, err := p.SpawnOrGet(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, p.Terminate(ctx, "s1"))
	require.NoError(t, p.Terminate(ctx, "s1"))
	require.NoError(t, p.Terminate(ctx, "never-existed"))

	assert.Equal(t, StateTerminated, w.State())
	assert.Equal(t, 0, alloc.InUse())
	_, held := w.Token()
	assert.False(t, held)
	_, ok := p.Get("s1")
	assert.False(t, ok)
}

func TestPool_TerminateWhileProcessingReclaimsAfterGrace(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)

	p, alloc := setupTestPool(t, 5, stubbornAgent(started, release))
	ctx := context.Background()

	turn, _, err := p.Begin(ctx, "s1", driver.Request{Input: "go"}, &counter{})
	require.NoError(t, err)

	updates := make(chan []model.AgentUpdate, 1)
	go func() { updates <- drain(turn) }()
	<-started

	w, _ := p.Get("s1")
	require.Equal(t, StateProcessing, w.State())

	begin := time.Now()
	require.NoError(t, p.Terminate(ctx, "s1"))
	assert.Less(t, time.Since(begin), time.Second)

	assert.Equal(t, StateTerminated, w.State())
	assert.Equal(t, 0, alloc.InUse())

	got := <-updates
	require.Len(t, got, 2)
	last := got[len(got)-1]
	assert.Equal(t, model.KindError, last.Kind)
	assert.True(t, last.Payload.Error.Cancelled)
	assert.Equal(t, OutcomeCancelled, turn.Outcome())
}

func TestPool_BeginRejectsConcurrentTurn(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	p, _ := setupTestPool(t, 5, stubbornAgent(started, release))

	turn, _, err := p.Begin(context.Background(), "s1", driver.Request{}, &counter{})
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		drain(turn)
		close(done)
	}()
	<-started

	_, _, err = p.Begin(context.Background(), "s1", driver.Request{}, &counter{})
	require.ErrorIs(t, err, model.ErrWorkerBusy)

	close(release)
	<-done
	w, _ := p.Get("s1")
	assert.Equal(t, StateReady, w.State())
}

func TestPool_UnrecoverableFailureRespawns(t *testing.T) {
	p, alloc := setupTestPool(t, 5, stepsAgent(
		[]driver.Step{thinking("step one")},
		fmt.Errorf("%w: display lost", driver.ErrUnrecoverable),
	))
	ctx := context.Background()
	seq := &counter{}

	turn, created, err := p.Begin(ctx, "s1", driver.Request{Input: "x"}, seq)
	require.NoError(t, err)
	require.True(t, created)
	first := turn.WorkerID()

	got := drain(turn)
	require.Len(t, got, 2)
	assert.Equal(t, model.KindError, got[1].Kind)
	assert.False(t, got[1].Payload.Error.Recoverable)

	w, _ := p.Get("s1")
	assert.Equal(t, StateError, w.State())

	turn, created, err = p.Begin(ctx, "s1", driver.Request{Input: "y"}, seq)
	require.NoError(t, err)
	assert.True(t, created, "a failed worker is replaced by a fresh spawn")
	assert.NotEqual(t, first, turn.WorkerID())
	drain(turn)
	assert.Equal(t, 1, alloc.InUse())
}

func TestPool_RecoverableFailureKeepsWorker(t *testing.T) {
	p, _ := setupTestPool(t, 5, stepsAgent([]driver.Step{thinking("a")}, errors.New("tool crashed")))
	ctx := context.Background()
	seq := &counter{}

	turn, _, err := p.Begin(ctx, "s1", driver.Request{}, seq)
	require.NoError(t, err)
	got := drain(turn)

	errorCount := 0
	for _, u := range got {
		if u.Kind == model.KindError {
			errorCount++
		}
	}
	assert.Equal(t, 1, errorCount)
	assert.Equal(t, model.KindError, got[len(got)-1].Kind)
	assert.True(t, got[len(got)-1].Payload.Error.Recoverable)

	turn2, created, err := p.Begin(ctx, "s1", driver.Request{}, seq)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, turn.WorkerID(), turn2.WorkerID())
	drain(turn2)
}

func TestPool_ReapIdle(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)

	busyFactory := stubbornAgent(started, release)
	mock := driver.NewMockFactory(0)
	factory := func(sessionID string) (driver.Agent, error) {
		if sessionID == "busy" {
			return busyFactory(sessionID)
		}
		return mock(sessionID)
	}
	p, alloc := setupTestPool(t, 5, factory)
	ctx := context.Background()

	_, _, err := p.SpawnOrGet(ctx, "idle")
	require.NoError(t, err)
	turn, _, err := p.Begin(ctx, "busy", driver.Request{}, &counter{})
	require.NoError(t, err)
	go drain(turn)
	<-started

	time.Sleep(5 * time.Millisecond)
	reaped := p.ReapIdle(time.Millisecond)

	assert.Equal(t, 1, reaped)
	_, ok := p.Get("idle")
	assert.False(t, ok)
	busy, ok := p.Get("busy")
	require.True(t, ok, "processing workers are never reaped")
	assert.Equal(t, StateProcessing, busy.State())
	assert.Equal(t, 1, alloc.InUse())
}

func TestPool_AdmissionRefusesSpawn(t *testing.T) {
	var exits []ExitReason
	p, alloc := setupTestPool(t, 5, nil)
	p.OnExit(func(sessionID string, reason ExitReason) { exits = append(exits, reason) })
	ctx := context.Background()

	var closed atomic.Bool
	p.Admit(func(ctx context.Context, sessionID string) error {
		if closed.Load() {
			return model.ErrSessionTerminated
		}
		return nil
	})

	_, _, err := p.SpawnOrGet(ctx, "s1")
	require.NoError(t, err)

	closed.Store(true)
	require.NoError(t, p.Terminate(ctx, "s1"))

	_, _, err = p.SpawnOrGet(ctx, "s1")
	require.ErrorIs(t, err, model.ErrSessionTerminated)
	_, _, err = p.Begin(ctx, "s1", driver.Request{SessionID: "s1", Input: "hi"}, &counter{})
	require.ErrorIs(t, err, model.ErrSessionTerminated)

	assert.Equal(t, []ExitReason{ExitTerminated}, exits)
	assert.Equal(t, 0, alloc.InUse(), "a refused spawn reserves nothing")
	assert.Equal(t, 0, p.HealthSnapshot().TotalWorkers)
}

func TestPool_HealthSnapshot(t *testing.T) {
	p, _ := setupTestPool(t, 3, nil)
	w, _, err := p.SpawnOrGet(context.Background(), "s1")
	require.NoError(t, err)

	h := p.HealthSnapshot()
	assert.Equal(t, 1, h.TotalWorkers)
	assert.Equal(t, 3, h.MaxWorkers)
	wh, ok := h.Workers["s1"]
	require.True(t, ok)
	assert.Equal(t, w.ID(), wh.WorkerID)
	assert.Equal(t, StateReady, wh.State)
	require.NotNil(t, wh.Display)
	require.NotNil(t, wh.VNCPort)
	assert.Equal(t, 5900+*wh.Display, *wh.VNCPort)
}

// For any number of distinct sessions spawned concurrently, exactly
// min(sessions, ceiling) succeed and the rest fail with CapacityExceeded.
func TestPoolAdmissionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent spawns respect the ceiling", prop.ForAll(
		func(ceiling, sessions int) bool {
			alloc := display.NewAllocator(1, 100, 5900)
			p := NewPool(testConfig(ceiling), driver.NewMockFactory(0), alloc)
			defer p.Close(context.Background())

			var (
				wg       sync.WaitGroup
				ok, full atomic.Int32
			)
			for i := 0; i < sessions; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, _, err := p.SpawnOrGet(context.Background(), fmt.Sprintf("s%d", i))
					switch {
					case err == nil:
						ok.Add(1)
					case errors.Is(err, model.ErrCapacityExceeded):
						full.Add(1)
					}
				}(i)
			}
			wg.Wait()

			want := min(sessions, ceiling)
			return int(ok.Load()) == want &&
				int(full.Load()) == sessions-want &&
				p.HealthSnapshot().TotalWorkers == want &&
				alloc.InUse() == want
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 24),
	))

	properties.TestingRun(t)
}
