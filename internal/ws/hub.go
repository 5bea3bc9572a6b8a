package ws

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/remote-agent-terminal/agent-sessions/internal/buffer"
	"github.com/remote-agent-terminal/agent-sessions/internal/model"
)

// GapReason says why a subscriber missed a range of updates.
type GapReason string

const (
	// GapEvicted means the requested updates are no longer in the replay buffer.
	GapEvicted GapReason = "evicted"
	// GapDropped means the subscriber's queue was full when they were published.
	GapDropped GapReason = "dropped"
	// GapSkipped means the numbers were never published to the hub.
	GapSkipped GapReason = "skipped"
)

// Gap announces that updates From..To (inclusive) will not be delivered.
// They can be read back from the event store.
type Gap struct {
	From   uint64    `json:"from"`
	To     uint64    `json:"to"`
	Reason GapReason `json:"reason"`
}

// Event is one item on a subscriber's queue: an update or a gap marker.
type Event struct {
	Update *model.AgentUpdate
	Gap    *Gap
}

// Subscriber is a live attachment to one session's updates. Events are
// delivered in strictly increasing sequence order without duplicates; any
// hole in the sequence is announced by a Gap event first.
type Subscriber struct {
	id        string
	sessionID string
	hub       *Hub
	events    chan Event
	replayed  int
	latest    uint64

	// guarded by hub.mu
	cursor  uint64
	pending *Gap
	closed  bool

	dropped atomic.Uint64
}

// ID returns the subscriber id.
func (s *Subscriber) ID() string { return s.id }

// SessionID returns the session the subscriber is attached to.
func (s *Subscriber) SessionID() string { return s.sessionID }

// Events returns the delivery queue. It is closed on unsubscribe or when the
// session's hub is closed.
func (s *Subscriber) Events() <-chan Event { return s.events }

// Replayed returns how many events were queued from the replay buffer on attach.
func (s *Subscriber) Replayed() int { return s.replayed }

// LatestAtAttach returns the newest sequence number known when the
// subscriber attached.
func (s *Subscriber) LatestAtAttach() uint64 { return s.latest }

// Dropped returns how many updates were dropped for this subscriber.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Cursor returns the last sequence number queued or accounted for by a gap.
func (s *Subscriber) Cursor() uint64 {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.cursor
}

// Hub fans out one session's updates to its subscribers. Publishing never
// blocks on a subscriber: a full queue drops the update for that
// subscriber only.
type Hub struct {
	sessionID     string
	queueSize     int
	replay        *buffer.ReplayBuffer
	globalDropped *atomic.Uint64

	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
	latest      uint64
	closed      bool

	dropped   atomic.Uint64
	published atomic.Uint64
}

func newHub(sessionID string, replayCapacity, queueSize int, globalDropped *atomic.Uint64) *Hub {
	return &Hub{
		sessionID:     sessionID,
		queueSize:     queueSize,
		replay:        buffer.NewReplayBuffer(replayCapacity),
		globalDropped: globalDropped,
		subscribers:   make(map[*Subscriber]struct{}),
	}
}

// SessionID returns the session ID for this hub.
func (h *Hub) SessionID() string {
	return h.sessionID
}

// Replay returns the hub's replay buffer.
func (h *Hub) Replay() *buffer.ReplayBuffer {
	return h.replay
}

// seed records the newest sequence number persisted before this hub existed,
// so replay requests for older updates are reported as gaps.
func (h *Hub) seed(latest uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if latest > h.latest {
		h.latest = latest
	}
}

// Publish appends u to the replay buffer and queues it for every subscriber.
func (h *Hub) Publish(u model.AgentUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.replay.Append(u)
	if u.Seq > h.latest {
		h.latest = u.Seq
	}
	h.published.Add(1)

	for s := range h.subscribers {
		h.deliverLocked(s, u)
	}
}

func (h *Hub) deliverLocked(s *Subscriber, u model.AgentUpdate) {
	if u.Seq <= s.cursor {
		return
	}
	if s.cursor > 0 && u.Seq > s.cursor+1 {
		if s.pending != nil {
			s.pending.To = u.Seq - 1
		} else {
			s.pending = &Gap{From: s.cursor + 1, To: u.Seq - 1, Reason: GapSkipped}
		}
		s.cursor = u.Seq - 1
	}

	// Only the hub sends on the queue and it holds h.mu, so free space can
	// only grow between this check and the sends below.
	need := 1
	if s.pending != nil {
		need = 2
	}
	if cap(s.events)-len(s.events) < need {
		if s.pending == nil {
			s.pending = &Gap{From: u.Seq, To: u.Seq, Reason: GapDropped}
			slog.Warn("Subscriber queue full, dropping updates",
				"sessionID", h.sessionID, "subscriberID", s.id, "seq", u.Seq)
		} else {
			s.pending.To = u.Seq
		}
		s.cursor = u.Seq
		s.dropped.Add(1)
		h.dropped.Add(1)
		h.globalDropped.Add(1)
		return
	}

	if s.pending != nil {
		s.events <- Event{Gap: s.pending}
		s.pending = nil
	}
	s.events <- Event{Update: &u}
	s.cursor = u.Seq
}

// Subscribe attaches a subscriber. With from == nil every retained update
// is replayed; otherwise replay starts at sequence from, preceded by a Gap
// if that point is no longer retained. Replay is queued before the
// subscriber is registered, so no live update can overtake it.
func (h *Hub) Subscribe(from *uint64) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	var (
		replay []model.AgentUpdate
		gap    *Gap
	)
	if from == nil {
		replay = h.replay.ReadAll()
	} else {
		start := max(*from, 1)
		var missed bool
		replay, missed = h.replay.SnapshotFrom(start)
		switch {
		case missed:
			gap = &Gap{From: start, To: replay[0].Seq - 1, Reason: GapEvicted}
		case len(replay) == 0 && start <= h.latest:
			gap = &Gap{From: start, To: h.latest, Reason: GapEvicted}
		}
	}

	n := len(replay)
	if gap != nil {
		n++
	}
	s := &Subscriber{
		id:        uuid.New().String(),
		sessionID: h.sessionID,
		hub:       h,
		events:    make(chan Event, n+1+h.queueSize), // +1 leaves room for a gap marker
		replayed:  n,
		latest:    h.latest,
	}

	if gap != nil {
		s.events <- Event{Gap: gap}
		s.cursor = gap.To
	}
	if from != nil && len(replay) == 0 && gap == nil {
		// Nothing older than from is wanted, live or replayed.
		s.cursor = max(*from, 1) - 1
	}
	for i := range replay {
		s.events <- Event{Update: &replay[i]}
		s.cursor = replay[i].Seq
	}

	if h.closed {
		s.closed = true
		close(s.events)
		return s
	}
	h.subscribers[s] = struct{}{}
	return s
}

// Unsubscribe detaches s and closes its queue. It is idempotent.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(s)
}

func (h *Hub) unsubscribeLocked(s *Subscriber) {
	if s.closed {
		return
	}
	s.closed = true
	delete(h.subscribers, s)
	close(s.events)
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Latest returns the newest sequence number published or seeded.
func (h *Hub) Latest() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Close detaches every subscriber and stops accepting updates.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for s := range h.subscribers {
		h.unsubscribeLocked(s)
	}
	h.replay.Clear()
}

// Config configures the Broadcaster.
type Config struct {
	// ReplayCapacity is the number of updates retained per session.
	ReplayCapacity int
	// QueueSize is the live queue length of each subscriber.
	QueueSize int
}

// DefaultConfig returns the default broadcaster configuration.
func DefaultConfig() Config {
	return Config{ReplayCapacity: 256, QueueSize: 64}
}

// Broadcaster manages one Hub per session.
type Broadcaster struct {
	cfg     Config
	hubs    map[string]*Hub
	mu      sync.RWMutex
	dropped atomic.Uint64
}

// NewBroadcaster creates a new Broadcaster.
func NewBroadcaster(cfg Config) *Broadcaster {
	d := DefaultConfig()
	if cfg.ReplayCapacity <= 0 {
		cfg.ReplayCapacity = d.ReplayCapacity
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	return &Broadcaster{
		cfg:  cfg,
		hubs: make(map[string]*Hub),
	}
}

// GetOrCreate returns an existing hub or creates a new one for the session.
func (b *Broadcaster) GetOrCreate(sessionID string) *Hub {
	b.mu.RLock()
	hub, ok := b.hubs[sessionID]
	b.mu.RUnlock()
	if ok {
		return hub
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if hub, ok := b.hubs[sessionID]; ok {
		return hub
	}
	hub = newHub(sessionID, b.cfg.ReplayCapacity, b.cfg.QueueSize, &b.dropped)
	b.hubs[sessionID] = hub
	return hub
}

// Get returns the hub for the session, or nil if not found.
func (b *Broadcaster) Get(sessionID string) *Hub {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hubs[sessionID]
}

// Seed tells the session's hub the newest sequence number already persisted.
func (b *Broadcaster) Seed(sessionID string, latest uint64) {
	b.GetOrCreate(sessionID).seed(latest)
}

// Publish delivers u to the subscribers of u.SessionID. Updates for a
// session without a hub (never seeded, or removed) are discarded.
func (b *Broadcaster) Publish(u model.AgentUpdate) {
	if hub := b.Get(u.SessionID); hub != nil {
		hub.Publish(u)
	}
}

// Subscribe attaches a subscriber to the session. See Hub.Subscribe.
func (b *Broadcaster) Subscribe(sessionID string, from *uint64) *Subscriber {
	return b.GetOrCreate(sessionID).Subscribe(from)
}

// Unsubscribe detaches s. It is idempotent.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	s.hub.Unsubscribe(s)
}

// Remove closes and forgets the hub for the session.
func (b *Broadcaster) Remove(sessionID string) {
	b.mu.Lock()
	hub, ok := b.hubs[sessionID]
	delete(b.hubs, sessionID)
	b.mu.Unlock()

	if ok {
		hub.Close()
	}
}

// Close closes all hubs.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	hubs := b.hubs
	b.hubs = make(map[string]*Hub)
	b.mu.Unlock()

	for _, hub := range hubs {
		hub.Close()
	}
}

// HubStats describes one session's fan-out.
type HubStats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Buffered    int    `json:"buffered"`
	Latest      uint64 `json:"latest"`
}

// Stats is a broadcaster-wide summary.
type Stats struct {
	Sessions    int                 `json:"sessions"`
	Subscribers int                 `json:"subscribers"`
	Dropped     uint64              `json:"dropped"`
	Hubs        map[string]HubStats `json:"hubs,omitempty"`
}

// Stats returns drop counters and subscriber counts for every hub.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	hubs := make([]*Hub, 0, len(b.hubs))
	for _, h := range b.hubs {
		hubs = append(hubs, h)
	}
	b.mu.RUnlock()

	st := Stats{
		Sessions: len(hubs),
		Dropped:  b.dropped.Load(),
		Hubs:     make(map[string]HubStats, len(hubs)),
	}
	for _, h := range hubs {
		hs := h.stats()
		st.Subscribers += hs.Subscribers
		st.Hubs[h.sessionID] = hs
	}
	return st
}

// SessionStats returns the stats of one session's hub.
func (b *Broadcaster) SessionStats(sessionID string) (HubStats, bool) {
	h := b.Get(sessionID)
	if h == nil {
		return HubStats{}, false
	}
	return h.stats(), true
}

func (h *Hub) stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{
		Subscribers: len(h.subscribers),
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
		Buffered:    h.replay.Len(),
		Latest:      h.latest,
	}
}
