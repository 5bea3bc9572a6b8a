// Package ws fans agent updates out to live session subscribers and serves
// them over WebSocket.
//
// Each session has a Hub holding a bounded replay buffer and the attached
// subscribers. Publishing never blocks: a subscriber whose queue is full
// misses updates and later receives a gap marker naming the missed range.
// A subscriber attaching with a starting sequence number first receives the
// retained updates from that point, preceded by a gap marker when some of
// them were already evicted. A jump in the live sequence is announced the
// same way.
//
// Stream frames, in order: session_state, replayed updates and gaps,
// replay_done, then live updates and gaps.
package ws
