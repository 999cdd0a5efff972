// Package sequencer tracks, per table, the highest transaction number
// accepted (seqTxn) versus the highest applied to physical storage
// (writerTxn), and lets callers block until a given txn has been
// applied without ever blocking the writer thread itself.
package sequencer

import (
	"context"
	"sync"
	"time"

	"github.com/bobboyms/tsengine/pkg/errors"
)

const (
	backoffInitial = 10 * time.Millisecond
	backoffCap     = 250 * time.Millisecond
)

// Tracker holds one table's sequencer state.
type Tracker struct {
	mu         sync.Mutex
	cond       *sync.Cond
	seqTxn     int64
	writerTxn  int64
	suspended  bool
	tableName  string
}

// NewTracker creates a tracker at txn 0.
func NewTracker(tableName string) *Tracker {
	t := &Tracker{tableName: tableName}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// NextTxn reserves and returns the next sequence number, bumping
// seqTxn. The WAL writer calls it after a record's append and sync
// succeed and reports the result as that commit's sequence number.
func (t *Tracker) NextTxn() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seqTxn++
	return t.seqTxn
}

// SeqTxn returns the highest txn accepted so far.
func (t *Tracker) SeqTxn() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seqTxn
}

// WriterTxn returns the highest txn applied to physical storage.
func (t *Tracker) WriterTxn() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writerTxn
}

// SetWriterTxn advances the applied-txn marker and wakes any
// AwaitTxn callers that may now be satisfied.
func (t *Tracker) SetWriterTxn(txn int64) {
	t.mu.Lock()
	if txn > t.writerTxn {
		t.writerTxn = txn
	}
	t.mu.Unlock()
	t.cond.Broadcast()
}

// Restore seeds the tracker's counters from durable state at startup:
// seqTxn from the WAL segment header's committed-txn marker, writerTxn
// from the table's applied-txn watermark file. Counters only ever move
// forward.
func (t *Tracker) Restore(seqTxn, writerTxn int64) {
	t.mu.Lock()
	if seqTxn > t.seqTxn {
		t.seqTxn = seqTxn
	}
	if writerTxn > t.writerTxn {
		t.writerTxn = writerTxn
	}
	t.mu.Unlock()
	t.cond.Broadcast()
}

// Suspend marks the table as suspended: further writes and AwaitTxn
// calls fail fast until Resume is called.
func (t *Tracker) Suspend() {
	t.mu.Lock()
	t.suspended = true
	t.mu.Unlock()
	t.cond.Broadcast()
}

// Resume clears a suspension.
func (t *Tracker) Resume() {
	t.mu.Lock()
	t.suspended = false
	t.mu.Unlock()
}

// IsSuspended reports the current suspension state.
func (t *Tracker) IsSuspended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspended
}

// AwaitTxn polls with exponential backoff (10ms -> 250ms cap) until
// writerTxn reaches txn, the table is suspended, ctx is canceled, or
// timeout elapses — whichever comes first. A suspended table and an
// elapsed timeout both fail fast rather than retry further.
func (t *Tracker) AwaitTxn(ctx context.Context, txn int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	backoff := backoffInitial

	for {
		t.mu.Lock()
		suspended := t.suspended
		observed := t.writerTxn
		satisfied := observed >= txn
		t.mu.Unlock()

		if satisfied {
			return nil
		}
		if suspended {
			return &errors.TableSuspendedError{Table: t.tableName}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			return &errors.TxnAwaitTimeoutError{Table: t.tableName, WantTxn: uint64(txn), ObservedTxn: uint64(observed)}
		}

		sleep := backoff
		if remaining := time.Until(deadline); remaining < sleep {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// Registry is the per-engine map from table token name to its
// Tracker, created lazily on first use by registerTable.
type Registry struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
}

// NewRegistry creates an empty sequencer registry.
func NewRegistry() *Registry {
	return &Registry{trackers: make(map[string]*Tracker)}
}

// RegisterTable installs a fresh tracker for tableName if absent, and
// returns it either way.
func (r *Registry) RegisterTable(tableName string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[tableName]
	if !ok {
		t = NewTracker(tableName)
		r.trackers[tableName] = t
	}
	return t
}

// DropTable removes tableName's tracker.
func (r *Registry) DropTable(tableName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trackers, tableName)
}

// Get returns tableName's tracker, if registered.
func (r *Registry) Get(tableName string) (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[tableName]
	return t, ok
}
