package session

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/agent-sessions/internal/db"
	"github.com/remote-agent-terminal/agent-sessions/internal/display"
	"github.com/remote-agent-terminal/agent-sessions/internal/driver"
	"github.com/remote-agent-terminal/agent-sessions/internal/model"
	"github.com/remote-agent-terminal/agent-sessions/internal/recording"
	"github.com/remote-agent-terminal/agent-sessions/internal/repository"
	"github.com/remote-agent-terminal/agent-sessions/internal/retry"
	"github.com/remote-agent-terminal/agent-sessions/internal/worker"
	"github.com/remote-agent-terminal/agent-sessions/internal/ws"
)

type testEnv struct {
	manager   *Manager
	pool      *worker.Pool
	allocator *display.Allocator
	database  *sql.DB
	dir       string
}

func newManager(t *testing.T, database *sql.DB, dir string, maxWorkers int, factory driver.Factory) *testEnv {
	t.Helper()
	alloc := display.NewAllocator(1, 10, 5900)
	pool := worker.NewPool(worker.Config{
		MaxWorkers:   maxWorkers,
		IdleTimeout:  time.Minute,
		ReapInterval: time.Minute,
		CancelGrace:  100 * time.Millisecond,
		SpawnRetry:   retry.Config{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2},
	}, factory, alloc)

	recorder, err := recording.NewManager(dir)
	require.NoError(t, err)

	m := NewManager(Deps{
		Sessions:    repository.NewSessionRepository(database),
		Messages:    repository.NewMessageRepository(database),
		Events:      repository.NewEventRepository(database),
		Pool:        pool,
		Broadcaster: ws.NewBroadcaster(ws.Config{ReplayCapacity: 64, QueueSize: 64}),
		Recorder:    recorder,
	}, Config{MaxMessageSize: 1024})

	return &testEnv{manager: m, pool: pool, allocator: alloc, database: database, dir: dir}
}

func setupTestManager(t *testing.T, maxWorkers int, factory driver.Factory) (*testEnv, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "session-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	// Create a fresh test database (bypasses singleton)
	database, err := db.NewTestDB()
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	if factory == nil {
		factory = driver.NewMockFactory(0)
	}
	env := newManager(t, database, tempDir, maxWorkers, factory)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.manager.Close(ctx)
		database.Close()
		os.RemoveAll(tempDir)
	}
	return env, cleanup
}

func send(t *testing.T, m *Manager, id, content string) (*model.Message, error) {
	t.Helper()
	h, err := m.SendMessage(context.Background(), id, &model.SendMessageRequest{Content: content})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Wait(ctx)
}

func TestManager_CapacityScenario(t *testing.T) {
	env, cleanup := setupTestManager(t, 2, nil)
	defer cleanup()
	ctx := context.Background()
	m := env.manager

	a, err := m.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)
	b, err := m.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)

	_, err = m.Create(ctx, &model.CreateSessionRequest{})
	require.ErrorIs(t, err, model.ErrCapacityExceeded)

	listed, err := m.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, listed, 2, "a rejected create stores nothing")
	assert.Equal(t, 2, m.WorkerHealth().TotalWorkers)

	require.NoError(t, m.Delete(ctx, a.ID))

	c, err := m.Create(ctx, &model.CreateSessionRequest{Metadata: map[string]any{"name": "c"}})
	require.NoError(t, err)
	assert.Equal(t, "c", c.Metadata["name"])
	require.NotNil(t, c.Display)

	health := m.WorkerHealth()
	assert.Equal(t, 2, health.TotalWorkers)
	assert.Contains(t, health.Workers, b.ID)
	assert.Contains(t, health.Workers, c.ID)
	assert.NotContains(t, health.Workers, a.ID)
}

func TestManager_HistoryScenario(t *testing.T) {
	env, cleanup := setupTestManager(t, 4, nil)
	defer cleanup()
	ctx := context.Background()
	m := env.manager

	s, err := m.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)
	other, err := m.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, content := range []string{"noise one", "noise two"} {
			h, err := m.SendMessage(ctx, other.ID, &model.SendMessageRequest{Content: content})
			if !assert.NoError(t, err) {
				return
			}
			_, err = h.Wait(ctx)
			assert.NoError(t, err)
		}
	}()

	first, err := send(t, m, s.ID, "hello")
	require.NoError(t, err)
	second, err := send(t, m, s.ID, "again")
	require.NoError(t, err)
	wg.Wait()

	history, err := m.History(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)

	assert.Equal(t, model.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, model.RoleAssistant, history[1].Role)
	assert.Equal(t, first.ID, history[1].ID)
	assert.Equal(t, model.RoleUser, history[2].Role)
	assert.Equal(t, "again", history[2].Content)
	assert.Equal(t, model.RoleAssistant, history[3].Role)
	assert.Equal(t, second.ID, history[3].ID)
	for _, msg := range history {
		assert.Equal(t, s.ID, msg.SessionID)
	}

	assert.Contains(t, second.Content, "Mock reply #2")
	assert.Contains(t, second.Content, "Processing completed successfully")
	assert.NotEmpty(t, second.Metadata["turnId"])
	assert.NotEmpty(t, second.Metadata["workerId"])

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusActive, got.Status)

	_, err = m.History(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestManager_CrashThenRespawn(t *testing.T) {
	env, cleanup := setupTestManager(t, 2, nil)
	defer cleanup()
	ctx := context.Background()
	m := env.manager

	s, err := m.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)
	firstWorker := m.WorkerHealth().Workers[s.ID].WorkerID

	h, err := m.SendMessage(ctx, s.ID, &model.SendMessageRequest{Content: "please crash"})
	require.NoError(t, err)
	_, err = h.Wait(ctx)
	require.ErrorIs(t, err, model.ErrTurnFailed)
	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.False(t, te.Recoverable())

	events, err := m.Events(ctx, s.ID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	errorCount := 0
	for _, u := range events {
		if u.Kind == model.KindError {
			errorCount++
		}
	}
	assert.Equal(t, 1, errorCount)
	assert.Equal(t, model.KindError, events[len(events)-1].Kind)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusIdle, got.Status)

	h, err = m.SendMessage(ctx, s.ID, &model.SendMessageRequest{Content: "hello"})
	require.NoError(t, err)
	assert.True(t, h.Spawned)
	assert.NotEqual(t, firstWorker, h.WorkerID)
	msg, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAssistant, msg.Role)

	after, err := m.Events(ctx, s.ID, 0, 0)
	require.NoError(t, err)
	for i, u := range after {
		assert.Equal(t, uint64(i+1), u.Seq, "numbering continues across respawns")
	}

	history, err := m.History(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3, "the failed turn saves no assistant message")
}

func TestManager_RecoverableFailureKeepsWorker(t *testing.T) {
	env, cleanup := setupTestManager(t, 2, nil)
	defer cleanup()
	ctx := context.Background()
	m := env.manager

	s, err := m.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)

	_, err = send(t, m, s.ID, "this will fail")
	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Recoverable())

	h, err := m.SendMessage(ctx, s.ID, &model.SendMessageRequest{Content: "hello"})
	require.NoError(t, err)
	assert.False(t, h.Spawned)
	_, err = h.Wait(ctx)
	require.NoError(t, err)
}

func TestManager_DeleteIsIdempotent(t *testing.T) {
	env, cleanup := setupTestManager(t, 2, nil)
	defer cleanup()
	ctx := context.Background()
	m := env.manager

	s, err := m.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, env.allocator.InUse())

	require.NoError(t, m.Delete(ctx, s.ID))
	require.NoError(t, m.Delete(ctx, s.ID))
	assert.Equal(t, 0, env.allocator.InUse())

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusTerminated, got.Status)
	assert.Nil(t, got.Display)

	_, err = m.SendMessage(ctx, s.ID, &model.SendMessageRequest{Content: "hello"})
	assert.ErrorIs(t, err, model.ErrSessionTerminated)
	_, _, err = m.Attach(ctx, s.ID, nil)
	assert.ErrorIs(t, err, model.ErrSessionTerminated)

	_, _, err = env.pool.SpawnOrGet(ctx, s.ID)
	assert.ErrorIs(t, err, model.ErrSessionTerminated, "no worker is spawned for a deleted session")
	assert.Equal(t, 0, env.allocator.InUse())

	assert.ErrorIs(t, m.Delete(ctx, "nope"), model.ErrSessionNotFound)

	live, err := m.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestManager_DeleteDuringTurn(t *testing.T) {
	env, cleanup := setupTestManager(t, 2, driver.NewMockFactory(20*time.Millisecond))
	defer cleanup()
	ctx := context.Background()
	m := env.manager

	for i := 0; i < 5; i++ {
		s, err := m.Create(ctx, &model.CreateSessionRequest{})
		require.NoError(t, err)

		var (
			wg sync.WaitGroup
			h  *TurnHandle
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			var err error
			h, err = m.SendMessage(ctx, s.ID, &model.SendMessageRequest{Content: "calculate 2+2"})
			if err != nil {
				assert.ErrorIs(t, err, model.ErrSessionTerminated)
			}
		}()
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			assert.NoError(t, m.Delete(ctx, s.ID))
		}()
		wg.Wait()

		if h != nil {
			select {
			case <-h.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("turn did not finish after delete")
			}
		}
		require.NoError(t, m.Delete(ctx, s.ID))

		_, ok := env.pool.Get(s.ID)
		assert.False(t, ok, "worker removed")
		assert.Equal(t, 0, env.allocator.InUse(), "token released")

		got, err := m.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusTerminated, got.Status)
	}
}

func TestManager_AttachRacingDelete(t *testing.T) {
	env, cleanup := setupTestManager(t, 2, nil)
	defer cleanup()
	ctx := context.Background()
	m := env.manager

	for i := 0; i < 20; i++ {
		s, err := m.Create(ctx, &model.CreateSessionRequest{})
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			sub       *ws.Subscriber
			attachErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, _, attachErr = m.Attach(ctx, s.ID, nil)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Delete(ctx, s.ID))
		}()
		wg.Wait()

		if attachErr != nil {
			assert.ErrorIs(t, attachErr, model.ErrSessionTerminated)
		} else {
			// Attached before the delete: the stream must end.
			select {
			case _, ok := <-drain(sub):
				assert.False(t, ok)
			case <-time.After(time.Second):
				t.Fatalf("stream of deleted session %s left open", s.ID)
			}
		}

		assert.Nil(t, m.broadcaster.Get(s.ID), "no hub survives the delete")
		m.mu.Lock()
		_, ok := m.sequencers[s.ID]
		m.mu.Unlock()
		assert.False(t, ok, "no sequencer survives the delete")
	}
}

// drain discards events and reports when the stream closes.
func drain(sub *ws.Subscriber) <-chan ws.Event {
	out := make(chan ws.Event)
	go func() {
		for range sub.Events() {
		}
		close(out)
	}()
	return out
}

func TestManager_BusySessionRejectsSecondSend(t *testing.T) {
	env, cleanup := setupTestManager(t, 2, driver.NewMockFactory(50*time.Millisecond))
	defer cleanup()
	ctx := context.Background()
	m := env.manager

	s, err := m.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)

	h, err := m.SendMessage(ctx, s.ID, &model.SendMessageRequest{Content: "hello"})
	require.NoError(t, err)

	_, err = m.SendMessage(ctx, s.ID, &model.SendMessageRequest{Content: "too soon"})
	assert.ErrorIs(t, err, model.ErrWorkerBusy)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusProcessing, got.Status)

	_, err = h.Wait(ctx)
	require.NoError(t, err)

	history, err := m.History(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2, "the rejected send left nothing behind")
}

func TestManager_CancelTurn(t *testing.T) {
	env, cleanup := setupTestManager(t, 2, driver.NewMockFactory(time.Hour))
	defer cleanup()
	ctx := context.Background()
	m := env.manager

	s, err := m.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)

	_, err = m.CancelTurn(ctx, s.ID)
	assert.ErrorIs(t, err, model.ErrNoActiveTurn)

	h, err := m.SendMessage(ctx, s.ID, &model.SendMessageRequest{Content: "hello"})
	require.NoError(t, err)

	cancelled, err := m.CancelTurn(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, h.ID, cancelled.ID)

	_, err = h.Wait(ctx)
	require.ErrorIs(t, err, model.ErrTurnCancelled)
	assert.Equal(t, worker.OutcomeCancelled, h.Outcome())

	events, err := m.Events(ctx, s.ID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Payload.Error.Cancelled)

	_, ok := m.Turn(s.ID)
	assert.False(t, ok)
	w, ok := env.pool.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, worker.StateReady, w.State())
}

func TestManager_StreamSeesTurnInOrder(t *testing.T) {
	env, cleanup := setupTestManager(t, 2, nil)
	defer cleanup()
	ctx := context.Background()
	m := env.manager

	s, err := m.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)

	sub, status, err := m.Attach(ctx, s.ID, nil)
	require.NoError(t, err)
	defer m.Detach(sub)
	assert.Equal(t, model.SessionStatusActive, status)

	_, err = send(t, m, s.ID, "calculate 6*7")
	require.NoError(t, err)

	var kinds []model.UpdateKind
	var last uint64
	timeout := time.After(5 * time.Second)
	for len(kinds) == 0 || kinds[len(kinds)-1] != model.KindComplete {
		select {
		case ev := <-sub.Events():
			require.Nil(t, ev.Gap)
			assert.Greater(t, ev.Update.Seq, last)
			last = ev.Update.Seq
			kinds = append(kinds, ev.Update.Kind)
		case <-timeout:
			t.Fatalf("stream incomplete: %v", kinds)
		}
	}
	assert.Equal(t, []model.UpdateKind{
		model.KindThinking, model.KindToolUse, model.KindToolResult, model.KindThinking, model.KindComplete,
	}, kinds)

	// A late subscriber replays the whole turn.
	late, _, err := m.Attach(ctx, s.ID, nil)
	require.NoError(t, err)
	defer m.Detach(late)
	assert.Equal(t, len(kinds), late.Replayed())
}

// readTurn reads sub until a terminal update arrives.
func readTurn(t *testing.T, sub *ws.Subscriber) []ws.Event {
	t.Helper()
	var events []ws.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			events = append(events, ev)
			if ev.Update != nil && ev.Update.Kind.Terminal() {
				return events
			}
		case <-timeout:
			t.Fatalf("turn incomplete after %d events", len(events))
		}
	}
}

func persistedSeqs(t *testing.T, m *Manager, id string) []uint64 {
	t.Helper()
	events, err := m.Events(context.Background(), id, 1, 0)
	require.NoError(t, err)
	seqs := make([]uint64, len(events))
	for i, u := range events {
		seqs[i] = u.Seq
	}
	return seqs
}

func assertGapless(t *testing.T, seqs []uint64) {
	t.Helper()
	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq, "sequence %v", seqs)
	}
}

func TestManager_StoreFailureKeepsSequenceGapless(t *testing.T) {
	env, cleanup := setupTestManager(t, 2, nil)
	defer cleanup()
	ctx := context.Background()
	m := env.manager

	s, err := m.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)
	sub, _, err := m.Attach(ctx, s.ID, nil)
	require.NoError(t, err)
	defer m.Detach(sub)

	_, err = env.database.Exec(`CREATE TRIGGER reject_update BEFORE INSERT ON agent_updates
		WHEN NEW.seq = 2 AND NEW.kind != 'error'
		BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	_, err = send(t, m, s.ID, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to persist update")

	first := readTurn(t, sub)
	require.Len(t, first, 2)
	failure := first[1].Update
	assert.Equal(t, uint64(2), failure.Seq)
	assert.Equal(t, model.KindError, failure.Kind)
	assert.True(t, failure.Payload.Error.Recoverable)
	assert.Contains(t, failure.Payload.Error.Message, "disk full")

	_, err = env.database.Exec(`DROP TRIGGER reject_update`)
	require.NoError(t, err)

	_, err = send(t, m, s.ID, "again")
	require.NoError(t, err)

	var streamed []uint64
	for _, ev := range append(first, readTurn(t, sub)...) {
		require.Nil(t, ev.Gap)
		streamed = append(streamed, ev.Update.Seq)
	}
	assertGapless(t, streamed)
	assert.Equal(t, streamed, persistedSeqs(t, m, s.ID))
}

func TestManager_UnstorableFailureHandsNumberBack(t *testing.T) {
	env, cleanup := setupTestManager(t, 2, nil)
	defer cleanup()
	ctx := context.Background()
	m := env.manager

	s, err := m.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)

	_, err = env.database.Exec(`CREATE TRIGGER reject_update BEFORE INSERT ON agent_updates
		WHEN NEW.seq >= 2
		BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	_, err = send(t, m, s.ID, "hello")
	require.Error(t, err)
	assert.Equal(t, []uint64{1}, persistedSeqs(t, m, s.ID))

	_, err = env.database.Exec(`DROP TRIGGER reject_update`)
	require.NoError(t, err)

	_, err = send(t, m, s.ID, "again")
	require.NoError(t, err)

	seqs := persistedSeqs(t, m, s.ID)
	require.Greater(t, len(seqs), 1)
	assertGapless(t, seqs)
}

func TestManager_SequenceSurvivesRestart(t *testing.T) {
	env, cleanup := setupTestManager(t, 2, nil)
	defer cleanup()
	ctx := context.Background()

	s, err := env.manager.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)
	_, err = send(t, env.manager, s.ID, "hello")
	require.NoError(t, err)

	before, err := env.manager.Events(ctx, s.ID, 0, 0)
	require.NoError(t, err)
	require.NoError(t, env.manager.Close(ctx))

	restarted := newManager(t, env.database, env.dir, 2, driver.NewMockFactory(0))
	defer restarted.manager.Close(ctx)

	from := uint64(1)
	sub, _, err := restarted.manager.Attach(ctx, s.ID, &from)
	require.NoError(t, err)
	ev := <-sub.Events()
	require.NotNil(t, ev.Gap, "updates from before the restart are announced as a gap")
	assert.Equal(t, uint64(len(before)), ev.Gap.To)
	restarted.manager.Detach(sub)

	_, err = send(t, restarted.manager, s.ID, "again")
	require.NoError(t, err)

	after, err := restarted.manager.Events(ctx, s.ID, 0, 0)
	require.NoError(t, err)
	require.Greater(t, len(after), len(before))
	for i, u := range after {
		assert.Equal(t, uint64(i+1), u.Seq)
	}
}

func TestManager_IdleWorkerMarksSessionIdle(t *testing.T) {
	env, cleanup := setupTestManager(t, 2, nil)
	defer cleanup()
	ctx := context.Background()
	m := env.manager

	s, err := m.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)
	require.NotNil(t, s.Display)

	assert.Equal(t, 1, env.pool.ReapIdle(0))

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusIdle, got.Status)
	assert.Nil(t, got.Display)
	_, err = m.Display(ctx, s.ID)
	assert.ErrorIs(t, err, model.ErrNoWorker)

	h, err := m.SendMessage(ctx, s.ID, &model.SendMessageRequest{Content: "wake up"})
	require.NoError(t, err)
	assert.True(t, h.Spawned)
	_, err = h.Wait(ctx)
	require.NoError(t, err)

	got, err = m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusActive, got.Status)
	require.NotNil(t, got.Display)

	token, err := m.Display(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, *got.Display, token.Display)
}

func TestManager_ValidatesContent(t *testing.T) {
	env, cleanup := setupTestManager(t, 2, nil)
	defer cleanup()
	ctx := context.Background()
	m := env.manager

	s, err := m.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)

	_, err = m.SendMessage(ctx, s.ID, &model.SendMessageRequest{Content: "   "})
	assert.ErrorIs(t, err, model.ErrContentRequired)
	_, err = m.SendMessage(ctx, s.ID, &model.SendMessageRequest{Content: strings.Repeat("x", 2048)})
	assert.ErrorIs(t, err, model.ErrContentTooLarge)
	_, err = m.SendMessage(ctx, "nope", &model.SendMessageRequest{Content: "hi"})
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestManager_RecordingAndHealth(t *testing.T) {
	env, cleanup := setupTestManager(t, 2, nil)
	defer cleanup()
	ctx := context.Background()
	m := env.manager

	s, err := m.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)
	_, err = send(t, m, s.ID, "hello")
	require.NoError(t, err)

	path, err := m.RecordingPath(ctx, s.ID)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	_, events, err := recording.Parse(strings.NewReader(string(data)))
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "i", events[0].EventType)
	assert.Contains(t, events[len(events)-1].Data, "[complete]")

	report, err := m.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalWorkers)
	assert.Equal(t, 2, report.MaxWorkers)
	assert.Equal(t, 1, report.Sessions[model.SessionStatusActive])
	assert.Equal(t, 0, report.ActiveTurns)
}

func TestManager_CloseRejectsNewWork(t *testing.T) {
	env, cleanup := setupTestManager(t, 2, driver.NewMockFactory(time.Hour))
	defer cleanup()
	ctx := context.Background()
	m := env.manager

	s, err := m.Create(ctx, &model.CreateSessionRequest{})
	require.NoError(t, err)
	h, err := m.SendMessage(ctx, s.ID, &model.SendMessageRequest{Content: "hello"})
	require.NoError(t, err)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Close(closeCtx))

	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, model.ErrTurnCancelled)
	assert.Equal(t, 0, env.allocator.InUse())

	_, err = m.Create(ctx, &model.CreateSessionRequest{})
	assert.ErrorIs(t, err, model.ErrShuttingDown)
}
