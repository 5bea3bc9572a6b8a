package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/remote-agent-terminal/agent-sessions/internal/display"
	"github.com/remote-agent-terminal/agent-sessions/internal/driver"
	"github.com/remote-agent-terminal/agent-sessions/internal/model"
	"github.com/remote-agent-terminal/agent-sessions/internal/retry"
)

// ExitReason says why a worker left the pool.
type ExitReason string

const (
	ExitTerminated ExitReason = "terminated"
	ExitIdle       ExitReason = "idle"
	ExitFailed     ExitReason = "failed"
	ExitShutdown   ExitReason = "shutdown"
)

// Config holds configuration for the worker pool.
type Config struct {
	MaxWorkers   int
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	CancelGrace  time.Duration
	SpawnRetry   retry.Config
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:   100,
		IdleTimeout:  300 * time.Second,
		ReapInterval: 30 * time.Second,
		CancelGrace:  5 * time.Second,
		SpawnRetry:   retry.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}
	if c.SpawnRetry.MaxAttempts <= 0 {
		c.SpawnRetry = d.SpawnRetry
	}
	return c
}

// Pool is the sole owner of workers. It enforces the global ceiling on live
// workers and serializes spawn, terminate and reap per session id while
// different sessions proceed in parallel.
type Pool struct {
	cfg       Config
	factory   driver.Factory
	allocator *display.Allocator
	locks     *keyedMutex

	mu      sync.RWMutex
	workers map[string]*Worker
	slots   int // live workers plus spawns in flight
	admit   func(ctx context.Context, sessionID string) error
	onExit  func(sessionID string, reason ExitReason)
}

// NewPool creates a new Pool. Tokens come from allocator and agents from
// factory.
func NewPool(cfg Config, factory driver.Factory, allocator *display.Allocator) *Pool {
	return &Pool{
		cfg:       cfg.withDefaults(),
		factory:   factory,
		allocator: allocator,
		locks:     newKeyedMutex(),
		workers:   make(map[string]*Worker),
	}
}

// OnExit registers a callback invoked after a worker leaves the pool. It is
// called with the session serialized, so it must not call back into the pool
// for the same session.
func (p *Pool) OnExit(fn func(sessionID string, reason ExitReason)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExit = fn
}

// Admit registers a check run with the session serialized before a worker
// is spawned for it. A non-nil error refuses the spawn. Closing a session
// before terminating its worker therefore guarantees no worker outlives it.
func (p *Pool) Admit(fn func(ctx context.Context, sessionID string) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.admit = fn
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// SpawnOrGet returns the live worker for the session, spawning one if there
// is none. created reports whether a new worker was spawned. Fails with
// model.ErrCapacityExceeded when the ceiling is reached, without changing
// pool state.
func (p *Pool) SpawnOrGet(ctx context.Context, sessionID string) (w *Worker, created bool, err error) {
	unlock := p.locks.Lock(sessionID)
	defer unlock()
	return p.spawnOrGetLocked(ctx, sessionID)
}

// Begin resolves or spawns the session's worker and starts a turn on it in
// one step, so the reaper cannot reclaim the worker in between.
func (p *Pool) Begin(ctx context.Context, sessionID string, req driver.Request, seq Sequencer) (*Turn, bool, error) {
	unlock := p.locks.Lock(sessionID)
	defer unlock()

	w, created, err := p.spawnOrGetLocked(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	t, err := w.Process(ctx, req, seq)
	if err != nil {
		return nil, created, err
	}
	return t, created, nil
}

func (p *Pool) spawnOrGetLocked(ctx context.Context, sessionID string) (*Worker, bool, error) {
	p.mu.RLock()
	existing := p.workers[sessionID]
	admit := p.admit
	p.mu.RUnlock()

	if existing != nil {
		switch existing.State() {
		case StateReady, StateProcessing:
			return existing, false, nil
		default:
			// A failed worker is replaced by a fresh one.
			p.terminateLocked(existing, ExitFailed)
		}
	}

	if admit != nil {
		if err := admit(ctx, sessionID); err != nil {
			return nil, false, err
		}
	}

	if !p.reserveSlot() {
		return nil, false, fmt.Errorf("%w: %d workers live", model.ErrCapacityExceeded, p.cfg.MaxWorkers)
	}

	var w *Worker
	err := retry.Do(ctx, p.cfg.SpawnRetry, "spawn worker", func(ctx context.Context) error {
		var spawnErr error
		w, spawnErr = p.spawnOnce(ctx, sessionID)
		return spawnErr
	})
	if err != nil {
		p.releaseSlot()
		slog.Warn("Worker spawn failed", "sessionID", sessionID, "error", err)
		if errors.Is(err, display.ErrExhausted) {
			return nil, false, fmt.Errorf("%w: %w", model.ErrCapacityExceeded, err)
		}
		return nil, false, fmt.Errorf("%w: %w", model.ErrSpawnFailure, err)
	}

	tok, _ := w.Token()
	slog.Info("Worker spawned", "sessionID", sessionID, "workerID", w.ID(), "display", tok.Name())
	return w, true, nil
}

// spawnOnce makes one SPAWNING -> READY attempt. The worker is visible in
// health snapshots while spawning and removed again if the attempt fails.
func (p *Pool) spawnOnce(ctx context.Context, sessionID string) (*Worker, error) {
	w := newWorker(sessionID, p.allocator.Release)

	p.mu.Lock()
	p.workers[sessionID] = w
	p.mu.Unlock()

	token, err := p.allocator.Allocate()
	if err == nil {
		err = w.start(ctx, p.factory, token)
	} else {
		w.mu.Lock()
		w.state = StateError
		w.mu.Unlock()
	}
	if err != nil {
		p.mu.Lock()
		if p.workers[sessionID] == w {
			delete(p.workers, sessionID)
		}
		p.mu.Unlock()
		if errors.Is(err, driver.ErrUnrecoverable) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	return w, nil
}

func (p *Pool) reserveSlot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slots >= p.cfg.MaxWorkers {
		return false
	}
	p.slots++
	return true
}

func (p *Pool) releaseSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots--
}

// Get returns the session's worker, if any.
func (p *Pool) Get(sessionID string) (*Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[sessionID]
	return w, ok
}

// Terminate stops and removes the session's worker. It is a no-op when the
// session has none. An in-flight turn is cancelled and reclaimed after the
// configured grace period.
func (p *Pool) Terminate(ctx context.Context, sessionID string) error {
	unlock := p.locks.Lock(sessionID)
	defer unlock()

	if w, ok := p.Get(sessionID); ok {
		p.terminateLocked(w, ExitTerminated)
	}
	return nil
}

func (p *Pool) terminateLocked(w *Worker, reason ExitReason) {
	w.shutdown(p.cfg.CancelGrace)

	p.mu.Lock()
	removed := false
	if p.workers[w.sessionID] == w {
		delete(p.workers, w.sessionID)
		p.slots--
		removed = true
	}
	onExit := p.onExit
	p.mu.Unlock()

	if !removed {
		return
	}
	slog.Info("Worker terminated", "sessionID", w.sessionID, "workerID", w.id, "reason", reason)
	if onExit != nil {
		onExit(w.sessionID, reason)
	}
}

// ReapIdle terminates every worker that is not processing and has been
// inactive for longer than timeout. It returns the number reaped.
func (p *Pool) ReapIdle(timeout time.Duration) int {
	p.mu.RLock()
	candidates := make([]string, 0, len(p.workers))
	for id := range p.workers {
		candidates = append(candidates, id)
	}
	p.mu.RUnlock()

	reaped := 0
	for _, sessionID := range candidates {
		if p.reapOne(sessionID, timeout) {
			reaped++
		}
	}
	return reaped
}

func (p *Pool) reapOne(sessionID string, timeout time.Duration) bool {
	unlock := p.locks.Lock(sessionID)
	defer unlock()

	w, ok := p.Get(sessionID)
	if !ok {
		return false
	}
	switch w.State() {
	case StateProcessing, StateSpawning:
		return false
	}
	if time.Since(w.LastActivity()) <= timeout {
		return false
	}
	p.terminateLocked(w, ExitIdle)
	return true
}

// Run reaps idle workers every ReapInterval until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.ReapIdle(p.cfg.IdleTimeout); n > 0 {
				slog.Info("Reaped idle workers", "count", n)
			}
		}
	}
}

// Close terminates every worker.
func (p *Pool) Close(ctx context.Context) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := p.locks.Lock(id)
			defer unlock()
			if w, ok := p.Get(id); ok {
				p.terminateLocked(w, ExitShutdown)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Pool close interrupted", "error", ctx.Err())
	}
}

// WorkerHealth describes one worker in a health snapshot.
type WorkerHealth struct {
	WorkerID     string    `json:"workerId"`
	SessionID    string    `json:"sessionId"`
	State        State     `json:"state"`
	Display      *int      `json:"display,omitempty"`
	VNCPort      *int      `json:"vncPort,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	Age          string    `json:"age"`
	TurnID       string    `json:"turnId,omitempty"`
}

// Health is a point-in-time view of the pool.
type Health struct {
	TotalWorkers   int                     `json:"totalWorkers"`
	MaxWorkers     int                     `json:"maxWorkers"`
	TokensInUse    int                     `json:"tokensInUse"`
	TokensCapacity int                     `json:"tokensCapacity"`
	Workers        map[string]WorkerHealth `json:"workers"`
}

// HealthSnapshot returns the state of every worker keyed by session id. It
// never waits on spawn or terminate; the view may be slightly stale.
func (p *Pool) HealthSnapshot() Health {
	p.mu.RLock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.RUnlock()

	h := Health{
		TotalWorkers:   len(workers),
		MaxWorkers:     p.cfg.MaxWorkers,
		TokensInUse:    p.allocator.InUse(),
		TokensCapacity: p.allocator.Capacity(),
		Workers:        make(map[string]WorkerHealth, len(workers)),
	}
	for _, w := range workers {
		w.mu.Lock()
		wh := WorkerHealth{
			WorkerID:     w.id,
			SessionID:    w.sessionID,
			State:        w.state,
			CreatedAt:    w.createdAt,
			LastActivity: w.lastActivity,
			Age:          time.Since(w.createdAt).Round(time.Second).String(),
		}
		if w.hasToken {
			d, port := w.token.Display, w.token.Port
			wh.Display, wh.VNCPort = &d, &port
		}
		if w.turn != nil {
			wh.TurnID = w.turn.ID()
		}
		w.mu.Unlock()
		h.Workers[w.sessionID] = wh
	}
	return h
}
