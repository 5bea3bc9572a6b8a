package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/remote-agent-terminal/agent-sessions/internal/display"
	"github.com/remote-agent-terminal/agent-sessions/internal/driver"
	"github.com/remote-agent-terminal/agent-sessions/internal/model"
	"github.com/remote-agent-terminal/agent-sessions/internal/recording"
	"github.com/remote-agent-terminal/agent-sessions/internal/repository"
	"github.com/remote-agent-terminal/agent-sessions/internal/worker"
	"github.com/remote-agent-terminal/agent-sessions/internal/ws"
)

// Config holds configuration for the session manager.
type Config struct {
	// MaxMessageSize bounds user message content in bytes; <= 0 disables it.
	MaxMessageSize int
}

// Deps are the collaborators of the Manager.
type Deps struct {
	Sessions    *repository.SessionRepository
	Messages    *repository.MessageRepository
	Events      *repository.EventRepository
	Pool        *worker.Pool
	Broadcaster *ws.Broadcaster
	Recorder    *recording.Manager // optional
}

// Manager is the façade over sessions: it persists sessions and messages,
// drives turns on the worker pool, and persists and publishes every update
// the turns produce.
type Manager struct {
	cfg         Config
	sessions    *repository.SessionRepository
	messages    *repository.MessageRepository
	events      *repository.EventRepository
	pool        *worker.Pool
	broadcaster *ws.Broadcaster
	recorder    *recording.Manager

	mu         sync.Mutex
	sequencers map[string]*sequencer
	active     map[string]*TurnHandle

	drivers sync.WaitGroup
	closing atomic.Bool
}

// NewManager creates a new session manager and registers it for worker exit
// notifications.
func NewManager(deps Deps, cfg Config) *Manager {
	m := &Manager{
		cfg:         cfg,
		sessions:    deps.Sessions,
		messages:    deps.Messages,
		events:      deps.Events,
		pool:        deps.Pool,
		broadcaster: deps.Broadcaster,
		recorder:    deps.Recorder,
		sequencers:  make(map[string]*sequencer),
		active:      make(map[string]*TurnHandle),
	}
	m.pool.OnExit(m.handleWorkerExit)
	m.pool.Admit(m.admit)
	return m
}

// admit refuses workers for terminated sessions. A session that is not
// stored yet is being created.
func (m *Manager) admit(ctx context.Context, sessionID string) error {
	session, err := m.sessions.GetByID(ctx, sessionID)
	if errors.Is(err, model.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if session.IsTerminated() {
		return model.ErrSessionTerminated
	}
	return nil
}

// sequencer hands out a session's update sequence numbers.
type sequencer struct {
	n atomic.Uint64
}

func (s *sequencer) Next() uint64 { return s.n.Add(1) }

// rewind hands out to+1 next. Only the session's single turn driver calls
// it, after its turn has stopped drawing numbers.
func (s *sequencer) rewind(to uint64) { s.n.Store(to) }

// sequencerFor returns the session's sequencer, seeding it and the
// session's broadcast hub from the highest persisted sequence number.
func (m *Manager) sequencerFor(ctx context.Context, sessionID string) (*sequencer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sequencers[sessionID]; ok {
		return s, nil
	}
	latest, err := m.events.MaxSequence(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s := &sequencer{}
	s.n.Store(latest)
	m.sequencers[sessionID] = s
	m.broadcaster.Seed(sessionID, latest)
	return s, nil
}

// Create creates a session and spawns its worker. When the worker ceiling
// is reached it fails with model.ErrCapacityExceeded and nothing is stored.
func (m *Manager) Create(ctx context.Context, req *model.CreateSessionRequest) (*model.Session, error) {
	if m.closing.Load() {
		return nil, model.ErrShuttingDown
	}

	sessionID := uuid.New().String()
	w, _, err := m.pool.SpawnOrGet(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &model.Session{
		ID:        sessionID,
		Status:    model.SessionStatusActive,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if token, ok := w.Token(); ok {
		session.Display, session.VNCPort = &token.Display, &token.Port
	}

	if err := m.sessions.Create(ctx, session); err != nil {
		// Rollback: the worker would otherwise hold a slot for a session nobody knows.
		m.pool.Terminate(ctx, sessionID)
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	if _, err := m.sequencerFor(ctx, sessionID); err != nil {
		slog.Warn("Failed to seed session sequencer", "sessionID", sessionID, "error", err)
	}

	slog.Info("Session created", "sessionID", sessionID, "workerID", w.ID())
	return session, nil
}

// Get retrieves a session by ID.
func (m *Manager) Get(ctx context.Context, id string) (*model.Session, error) {
	return m.sessions.GetByID(ctx, id)
}

// List retrieves sessions, newest first.
func (m *Manager) List(ctx context.Context, includeTerminated bool) ([]*model.Session, error) {
	return m.sessions.List(ctx, includeTerminated)
}

// Delete terminates the session's worker and marks the session TERMINATED.
// It is idempotent and safe to call while a turn is in flight: the turn is
// cancelled and the worker reclaimed within the cancel grace period.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, err := m.sessions.GetByID(ctx, id); err != nil {
		return err
	}

	// Terminated first: from here on admit refuses to spawn for the session.
	if err := m.sessions.UpdateStatus(ctx, id, model.SessionStatusTerminated); err != nil {
		return fmt.Errorf("failed to mark session terminated: %w", err)
	}
	if err := m.pool.Terminate(ctx, id); err != nil {
		return fmt.Errorf("failed to terminate worker: %w", err)
	}
	if err := m.sessions.UpdateToken(ctx, id, nil, nil); err != nil {
		slog.Warn("Failed to clear session token", "sessionID", id, "error", err)
	}

	m.forget(id)
	if err := m.recorder.Close(id); err != nil {
		slog.Warn("Failed to close recording", "sessionID", id, "error", err)
	}

	slog.Info("Session deleted", "sessionID", id)
	return nil
}

// forget drops the session's hub and sequencer. Streams still attached are
// closed.
func (m *Manager) forget(id string) {
	m.broadcaster.Remove(id)
	m.mu.Lock()
	delete(m.sequencers, id)
	m.mu.Unlock()
}

// History returns the session's messages in order.
func (m *Manager) History(ctx context.Context, id string) ([]*model.Message, error) {
	if _, err := m.sessions.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return m.messages.ListBySession(ctx, id)
}

// Events returns up to limit persisted updates of the session starting at
// sequence from.
func (m *Manager) Events(ctx context.Context, id string, from uint64, limit int) ([]model.AgentUpdate, error) {
	if _, err := m.sessions.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return m.events.List(ctx, id, from, limit)
}

// SendMessage persists the user message and starts a turn on the session's
// worker, spawning one if needed. It returns once the turn has started; the
// handle reports the assistant message when the turn completes.
func (m *Manager) SendMessage(ctx context.Context, id string, req *model.SendMessageRequest) (*TurnHandle, error) {
	if m.closing.Load() {
		return nil, model.ErrShuttingDown
	}
	if err := req.Validate(m.cfg.MaxMessageSize); err != nil {
		return nil, err
	}

	session, err := m.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.IsTerminated() {
		return nil, model.ErrSessionTerminated
	}

	h, err := m.reserve(id)
	if err != nil {
		return nil, err
	}
	started := false
	defer func() {
		if !started {
			m.release(h)
		}
	}()

	seq, err := m.sequencerFor(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := m.messages.ListBySession(ctx, id)
	if err != nil {
		return nil, err
	}

	userMsg := &model.Message{
		ID:        uuid.New().String(),
		SessionID: id,
		Role:      model.RoleUser,
		Content:   req.Content,
		Metadata:  req.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.messages.Create(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}
	if err := m.recorder.RecordInput(id, req.Content); err != nil {
		slog.Warn("Failed to record input", "sessionID", id, "error", err)
	}

	turn, created, err := m.pool.Begin(ctx, id, driver.Request{
		TurnID:  h.ID,
		History: derefMessages(history),
		Input:   req.Content,
	}, seq)
	if err != nil {
		if errors.Is(err, model.ErrSessionTerminated) {
			// Deleted since the check above.
			m.forget(id)
		}
		return nil, err
	}
	if created {
		m.recordToken(ctx, id)
	}
	if err := m.sessions.UpdateStatus(ctx, id, model.SessionStatusProcessing); err != nil {
		slog.Warn("Failed to mark session processing", "sessionID", id, "error", err)
	}

	m.mu.Lock()
	h.start(turn, userMsg, created)
	h.seq = seq
	m.mu.Unlock()
	started = true
	m.drivers.Add(1)
	go m.drive(h)

	slog.Info("Turn started", "sessionID", id, "turnID", h.ID, "workerID", h.WorkerID, "spawned", created)
	return h, nil
}

// reserve claims the session's single turn slot before anything is
// persisted, so a concurrent send is rejected without leaving a message
// behind.
func (m *Manager) reserve(id string) (*TurnHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.active[id]; busy {
		return nil, model.ErrWorkerBusy
	}
	h := newTurnHandle(id)
	m.active[id] = h
	return h, nil
}

func (m *Manager) release(h *TurnHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[h.SessionID] == h {
		delete(m.active, h.SessionID)
	}
}

// drive runs the turn to completion: every update is persisted, published
// and recorded in order; COMPLETE produces the assistant message.
func (m *Manager) drive(h *TurnHandle) {
	defer m.drivers.Done()

	ctx := context.Background()
	log := slog.With("sessionID", h.SessionID, "turnID", h.ID)

	var (
		texts      []string
		persistErr error
		failedSeq  uint64
	)
	for u := range h.turn.Updates() {
		if err := m.events.Create(ctx, &u); err != nil {
			persistErr = fmt.Errorf("failed to persist update: %w", err)
			failedSeq = u.Seq
			log.Error("Persisting update failed, abandoning turn", "seq", u.Seq, "error", err)
			break
		}
		m.publish(log, u)
		h.observe(u)

		switch u.Kind {
		case model.KindThinking, model.KindComplete:
			if u.Payload.Text != "" {
				texts = append(texts, u.Payload.Text)
			}
		}
	}

	if persistErr != nil {
		// The turn has stopped drawing numbers; hand the unpersisted one
		// out again so the session's sequence stays gapless.
		h.seq.rewind(failedSeq - 1)
		m.abandon(ctx, log, h, persistErr)
	}

	outcome := h.turn.Outcome()
	var assistant *model.Message
	err := persistErr
	if err == nil {
		switch outcome {
		case worker.OutcomeComplete:
			assistant, err = m.saveAssistant(ctx, h, texts)
		case worker.OutcomeCancelled:
			err = model.ErrTurnCancelled
		default:
			err = turnError(h.turn.Last())
		}
	}

	status := model.SessionStatusActive
	if outcome == worker.OutcomeUnrecoverable {
		status = model.SessionStatusIdle
	}
	if serr := m.sessions.UpdateStatus(ctx, h.SessionID, status); serr != nil && !errors.Is(serr, model.ErrSessionTerminated) {
		log.Warn("Failed to update session status", "status", status, "error", serr)
	}

	log.Info("Turn finished", "outcome", outcome, "error", err)
	m.release(h)
	h.finish(assistant, err)
}

// publish fans u out to subscribers and appends it to the recording.
func (m *Manager) publish(log *slog.Logger, u model.AgentUpdate) {
	m.broadcaster.Publish(u)
	if err := m.recorder.RecordUpdate(&u); err != nil {
		log.Warn("Failed to record update", "seq", u.Seq, "error", err)
	}
}

// abandon ends a turn whose updates could not be stored with a terminal
// ERROR update. If that cannot be stored either, its number is handed back.
func (m *Manager) abandon(ctx context.Context, log *slog.Logger, h *TurnHandle, cause error) {
	u := model.AgentUpdate{
		SessionID: h.SessionID,
		Seq:       h.seq.Next(),
		TurnID:    h.ID,
		Kind:      model.KindError,
		Payload: model.UpdatePayload{Error: &model.UpdateError{
			Message:     cause.Error(),
			Recoverable: true,
		}},
		CreatedAt: time.Now().UTC(),
	}
	if err := m.events.Create(ctx, &u); err != nil {
		h.seq.rewind(u.Seq - 1)
		log.Error("Failed to store turn failure", "seq", u.Seq, "error", err)
		return
	}
	m.publish(log, u)
	h.observe(u)
}

func (m *Manager) saveAssistant(ctx context.Context, h *TurnHandle, texts []string) (*model.Message, error) {
	msg := &model.Message{
		ID:        uuid.New().String(),
		SessionID: h.SessionID,
		Role:      model.RoleAssistant,
		Content:   strings.Join(texts, "\n"),
		Metadata: map[string]any{
			"workerId": h.WorkerID,
			"turnId":   h.ID,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := m.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist assistant message: %w", err)
	}
	return msg, nil
}

// Turn returns the session's in-flight turn, if any.
func (m *Manager) Turn(id string) (*TurnHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.active[id]
	if !ok || h.turn == nil {
		return nil, false
	}
	return h, true
}

// CancelTurn cancels the session's in-flight turn. The turn ends with a
// cancelled ERROR update; if the agent ignores the cancellation it is killed
// after the pool's cancel grace period.
func (m *Manager) CancelTurn(ctx context.Context, id string) (*TurnHandle, error) {
	if _, err := m.sessions.GetByID(ctx, id); err != nil {
		return nil, err
	}
	h, ok := m.Turn(id)
	if !ok {
		return nil, model.ErrNoActiveTurn
	}
	h.turn.Cancel(m.pool.Config().CancelGrace)
	slog.Info("Turn cancel requested", "sessionID", id, "turnID", h.ID)
	return h, nil
}

// Attach subscribes to the session's live updates. See ws.Hub.Subscribe
// for the meaning of from.
func (m *Manager) Attach(ctx context.Context, id string, from *uint64) (*ws.Subscriber, model.SessionStatus, error) {
	session, err := m.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if session.IsTerminated() {
		return nil, "", model.ErrSessionTerminated
	}
	if _, err := m.sequencerFor(ctx, id); err != nil {
		return nil, "", err
	}
	sub := m.broadcaster.Subscribe(id, from)

	// A concurrent Delete may have removed the hub before Subscribe
	// recreated it; such a stream would never end.
	session, err = m.sessions.GetByID(ctx, id)
	if err == nil && session.IsTerminated() {
		err = model.ErrSessionTerminated
	}
	if err != nil {
		m.broadcaster.Unsubscribe(sub)
		if errors.Is(err, model.ErrSessionTerminated) {
			m.forget(id)
		}
		return nil, "", err
	}
	return sub, session.Status, nil
}

// Detach releases a stream subscriber.
func (m *Manager) Detach(sub *ws.Subscriber) {
	m.broadcaster.Unsubscribe(sub)
}

// Display returns the token held by the session's live worker.
func (m *Manager) Display(ctx context.Context, id string) (display.Token, error) {
	if _, err := m.sessions.GetByID(ctx, id); err != nil {
		return display.Token{}, err
	}
	if w, ok := m.pool.Get(id); ok {
		if token, ok := w.Token(); ok {
			return token, nil
		}
	}
	return display.Token{}, model.ErrNoWorker
}

// RecordingPath returns the session's recording file.
func (m *Manager) RecordingPath(ctx context.Context, id string) (string, error) {
	if _, err := m.sessions.GetByID(ctx, id); err != nil {
		return "", err
	}
	if m.recorder == nil {
		return "", recording.ErrNoRecording
	}
	return m.recorder.Stat(id)
}

// HealthReport combines the pool, broadcaster and session views.
type HealthReport struct {
	worker.Health
	Sessions    map[model.SessionStatus]int `json:"sessions"`
	ActiveTurns int                         `json:"activeTurns"`
	Broadcast   ws.Stats                    `json:"broadcast"`
}

// WorkerHealth returns the pool's health snapshot.
func (m *Manager) WorkerHealth() worker.Health {
	return m.pool.HealthSnapshot()
}

// Health returns a detailed health report.
func (m *Manager) Health(ctx context.Context) (*HealthReport, error) {
	counts, err := m.sessions.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	active := len(m.active)
	m.mu.Unlock()

	return &HealthReport{
		Health:      m.pool.HealthSnapshot(),
		Sessions:    counts,
		ActiveTurns: active,
		Broadcast:   m.broadcaster.Stats(),
	}, nil
}

// handleWorkerExit keeps the session row in step with its worker: a session
// whose worker left the pool is IDLE and holds no token.
func (m *Manager) handleWorkerExit(sessionID string, reason worker.ExitReason) {
	ctx := context.Background()
	if err := m.sessions.UpdateToken(ctx, sessionID, nil, nil); err != nil && !errors.Is(err, model.ErrSessionNotFound) {
		slog.Warn("Failed to clear session token", "sessionID", sessionID, "error", err)
	}
	if reason == worker.ExitShutdown {
		return
	}
	err := m.sessions.UpdateStatus(ctx, sessionID, model.SessionStatusIdle)
	if err != nil && !errors.Is(err, model.ErrSessionTerminated) && !errors.Is(err, model.ErrSessionNotFound) {
		slog.Warn("Failed to mark session idle", "sessionID", sessionID, "error", err)
	}
}

func (m *Manager) recordToken(ctx context.Context, id string) {
	w, ok := m.pool.Get(id)
	if !ok {
		return
	}
	if token, ok := w.Token(); ok {
		if err := m.sessions.UpdateToken(ctx, id, &token.Display, &token.Port); err != nil {
			slog.Warn("Failed to record session token", "sessionID", id, "error", err)
		}
	}
}

// Close stops accepting work, terminates every worker and waits for the
// in-flight turns to be persisted.
func (m *Manager) Close(ctx context.Context) error {
	m.closing.Store(true)
	m.pool.Close(ctx)

	done := make(chan struct{})
	go func() {
		m.drivers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for turns: %w", ctx.Err())
	}

	m.broadcaster.Close()
	return errors.Join(err, m.recorder.CloseAll())
}

func derefMessages(msgs []*model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = *msg
	}
	return out
}
