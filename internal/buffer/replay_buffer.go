// Package buffer provides the bounded per-session replay buffer used to let
// late subscribers catch up on recent agent updates.
package buffer

import (
	"sync"

	"github.com/remote-agent-terminal/agent-sessions/internal/model"
)

// ReplayBuffer is a thread-safe fixed-capacity ring of the most recent
// updates for one session. When full, the oldest update is evicted to make
// room for the new one.
//
// Updates must be appended in increasing sequence order.
type ReplayBuffer struct {
	items    []model.AgentUpdate
	head     int // index of the oldest retained update
	size     int
	capacity int
	evicted  uint64
	mu       sync.RWMutex
}

// NewReplayBuffer creates a new ReplayBuffer with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &ReplayBuffer{
		items:    make([]model.AgentUpdate, capacity),
		capacity: capacity,
	}
}

// Append adds an update, evicting the oldest one when the buffer is full.
func (rb *ReplayBuffer) Append(u model.AgentUpdate) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size < rb.capacity {
		rb.items[(rb.head+rb.size)%rb.capacity] = u
		rb.size++
		return
	}

	rb.items[rb.head] = u
	rb.head = (rb.head + 1) % rb.capacity
	rb.evicted++
}

// SnapshotFrom returns the retained updates with Seq >= seq, oldest first.
// missed is true when seq predates the oldest retained update, meaning the
// result starts later than requested and the caller must treat the
// difference as a gap.
func (rb *ReplayBuffer) SnapshotFrom(seq uint64) (updates []model.AgentUpdate, missed bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return nil, false
	}

	oldest := rb.items[rb.head].Seq
	if seq < oldest {
		return rb.copyLocked(0), true
	}

	// Sequence numbers are strictly increasing, so binary search the ring.
	lo, hi := 0, rb.size
	for lo < hi {
		mid := (lo + hi) / 2
		if rb.items[(rb.head+mid)%rb.capacity].Seq < seq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return rb.copyLocked(lo), false
}

// ReadAll returns a copy of every retained update, oldest first.
func (rb *ReplayBuffer) ReadAll() []model.AgentUpdate {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.copyLocked(0)
}

func (rb *ReplayBuffer) copyLocked(offset int) []model.AgentUpdate {
	n := rb.size - offset
	if n <= 0 {
		return nil
	}
	result := make([]model.AgentUpdate, n)
	for i := 0; i < n; i++ {
		result[i] = rb.items[(rb.head+offset+i)%rb.capacity]
	}
	return result
}

// Oldest returns the sequence number of the oldest retained update.
func (rb *ReplayBuffer) Oldest() (uint64, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return 0, false
	}
	return rb.items[rb.head].Seq, true
}

// Latest returns the sequence number of the newest retained update.
func (rb *ReplayBuffer) Latest() (uint64, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return 0, false
	}
	return rb.items[(rb.head+rb.size-1)%rb.capacity].Seq, true
}

// Evicted returns how many updates have been dropped to make room.
func (rb *ReplayBuffer) Evicted() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.evicted
}

// Clear removes all updates from the buffer.
func (rb *ReplayBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	clear(rb.items)
	rb.head = 0
	rb.size = 0
}

// Len returns the current number of retained updates.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *ReplayBuffer) Cap() int {
	return rb.capacity
}
