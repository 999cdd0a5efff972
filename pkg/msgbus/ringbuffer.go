// Package msgbus implements the engine's bounded MPSC message queues:
// one carrying WAL-txn-committed notifications for the apply worker,
// the other carrying serialized writer commands for callers that
// cannot directly acquire a writer. Both are built on the same
// power-of-two ring buffer with published/consumed sequence counters,
// in the spirit of an LMAX-Disruptor single-writer ring.
package msgbus

import "sync"

// Claim-cursor sentinels of the producer protocol. RingBuffer.Claim
// takes the buffer's mutex, so it returns a cursor or Full and never
// returns RetryLater.
const (
	// Full means the ring has no free slot; the producer must fall
	// back to whatever signal-preserving mechanism the caller defines
	// (for WAL notifications, bumping unpublishedWalTxnCount so a
	// periodic rescan catches the missed txn).
	Full int64 = -1
	// RetryLater means a transient contention was detected; the
	// producer should retry the claim shortly.
	RetryLater int64 = -2
)

// RingBuffer is a fixed-capacity circular buffer of T. Every operation
// takes the buffer's mutex, so several producers may claim slots
// concurrently. Capacity must be a power of two.
type RingBuffer[T any] struct {
	mu       sync.Mutex
	buf      []T
	mask     int64
	pubSeq   int64 // next sequence to be claimed
	doneSeq  int64 // highest sequence published and done
	consumed int64 // next sequence to hand to Poll
}

// New creates a ring buffer of the given power-of-two capacity.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("msgbus: capacity must be a power of two")
	}
	return &RingBuffer[T]{
		buf:  make([]T, capacity),
		mask: int64(capacity - 1),
	}
}

// Claim reserves the next slot and returns its cursor, or Full if the
// ring is saturated (the consumer hasn't drained fast enough).
func (r *RingBuffer[T]) Claim() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := r.mask + 1
	if r.pubSeq-r.consumed >= capacity {
		return Full
	}
	cursor := r.pubSeq
	r.pubSeq++
	return cursor
}

// Write stores value at the given claimed cursor. Callers claim, then
// Write, then Done — never skip a step, or the consumer may observe a
// half-published slot.
func (r *RingBuffer[T]) Write(cursor int64, value T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[cursor&r.mask] = value
}

// Done releases a claimed-and-written slot to the consumer.
func (r *RingBuffer[T]) Done(cursor int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cursor == r.doneSeq {
		r.doneSeq++
	}
}

// Poll drains every entry published (Done called) since the last
// Poll, in order.
func (r *RingBuffer[T]) Poll() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.consumed >= r.doneSeq {
		return nil
	}
	out := make([]T, 0, r.doneSeq-r.consumed)
	for r.consumed < r.doneSeq {
		out = append(out, r.buf[r.consumed&r.mask])
		r.consumed++
	}
	return out
}

// Len reports how many published entries are waiting to be polled.
func (r *RingBuffer[T]) Len() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doneSeq - r.consumed
}
