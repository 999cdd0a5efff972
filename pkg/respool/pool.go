// Package respool implements the generic ResourcePool: a mapping from
// a table token to a fixed-size array of resource slots, each tracked
// by a small state machine. Acquisition never blocks — a pool at
// capacity fails fast with ENTRY_UNAVAILABLE so callers can choose
// their own retry policy.
package respool

import (
	"sync"

	"github.com/bobboyms/tsengine/pkg/errors"
	"github.com/bobboyms/tsengine/pkg/tabletoken"
)

// Resource is any handle a pool manages: a table writer, a reader
// snapshot, a metadata view.
type Resource interface {
	// Close releases the underlying handle for good, called only when
	// the pool itself is torn down or a slot is evicted.
	Close() error
}

// Factory constructs a fresh resource for token. Pools call this at
// most maxPerToken times concurrently per token.
type Factory[T Resource] func(token tabletoken.Token) (T, error)

// Supervisor is an optional hook invoked around acquire/release,
// primarily for test harnesses asserting leak-freedom.
type Supervisor[T Resource] interface {
	OnAcquire(token tabletoken.Token, res T)
	OnRelease(token tabletoken.Token, res T)
}

type slotState int

const (
	slotUnallocated slotState = iota
	slotAvailable
	slotCheckedOut
	slotLocked
)

type slot[T Resource] struct {
	state    slotState
	resource T
	hasRes   bool
}

type tokenEntry[T Resource] struct {
	slots  []slot[T]
	locked bool // set by Lock; Get refuses while held
}

// Pool is a generic, non-blocking resource pool keyed by table token.
type Pool[T Resource] struct {
	mu          sync.Mutex
	name        string
	maxPerToken int
	factory     Factory[T]
	supervisor  Supervisor[T]
	entries     map[tabletoken.Token]*tokenEntry[T]
}

// New creates a pool that allows up to maxPerToken concurrently
// checked-out resources per token.
func New[T Resource](name string, maxPerToken int, factory Factory[T]) *Pool[T] {
	return &Pool[T]{
		name:        name,
		maxPerToken: maxPerToken,
		factory:     factory,
		entries:     make(map[tabletoken.Token]*tokenEntry[T]),
	}
}

// SetSupervisor installs a hook invoked on every Get/Release.
func (p *Pool[T]) SetSupervisor(s Supervisor[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.supervisor = s
}

func (p *Pool[T]) entryFor(token tabletoken.Token) *tokenEntry[T] {
	e, ok := p.entries[token]
	if !ok {
		e = &tokenEntry[T]{slots: make([]slot[T], p.maxPerToken)}
		p.entries[token] = e
	}
	return e
}

// Get scans for an AVAILABLE slot, marks it CHECKED_OUT, and returns
// its resource. If no slot is available and the token is at capacity,
// it fails with errors.EntryUnavailable — the caller decides whether
// and how to retry, the pool never blocks.
func (p *Pool[T]) Get(token tabletoken.Token, reason string) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero T
	e := p.entryFor(token)
	if e.locked {
		return zero, errors.EntryUnavailable(token.Name, reason)
	}

	for i := range e.slots {
		if e.slots[i].state == slotAvailable {
			e.slots[i].state = slotCheckedOut
			if p.supervisor != nil {
				p.supervisor.OnAcquire(token, e.slots[i].resource)
			}
			return e.slots[i].resource, nil
		}
	}

	for i := range e.slots {
		if e.slots[i].state == slotUnallocated {
			res, err := p.factory(token)
			if err != nil {
				return zero, err
			}
			e.slots[i].state = slotCheckedOut
			e.slots[i].resource = res
			e.slots[i].hasRes = true
			if p.supervisor != nil {
				p.supervisor.OnAcquire(token, res)
			}
			return res, nil
		}
	}

	return zero, errors.EntryUnavailable(token.Name, reason)
}

// Release transitions a CHECKED_OUT slot back to AVAILABLE.
func (p *Pool[T]) Release(token tabletoken.Token, res T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[token]
	if !ok {
		return
	}
	for i := range e.slots {
		if e.slots[i].hasRes && e.slots[i].state == slotCheckedOut && sameResource(e.slots[i].resource, res) {
			e.slots[i].state = slotAvailable
			if p.supervisor != nil {
				p.supervisor.OnRelease(token, res)
			}
			return
		}
	}
}

// sameResource compares two resources by identity where possible.
// Resource implementations used with this pool are always pointer
// types, so == compares the underlying pointer.
func sameResource[T Resource](a, b T) bool {
	return any(a) == any(b)
}

// Lock atomically transitions every one of the token's slots from
// AVAILABLE to LOCKED, used by DDL to guarantee exclusive access
// during a mutation. If any slot is CHECKED_OUT, the lock attempt
// fails and whatever it had already flipped to LOCKED is reverted;
// reason explains which kind of busy slot blocked it.
func (p *Pool[T]) Lock(token tabletoken.Token, reason string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entryFor(token)
	locked := make([]int, 0, len(e.slots))
	for i := range e.slots {
		switch e.slots[i].state {
		case slotAvailable:
			e.slots[i].state = slotLocked
			locked = append(locked, i)
		case slotUnallocated:
			// nothing to lock yet; the entry-level flag keeps Get from
			// allocating it while we hold the lock
		case slotCheckedOut:
			for _, j := range locked {
				e.slots[j].state = slotAvailable
			}
			return reason, errors.EntryUnavailable(token.Name, reason)
		case slotLocked:
			// already locked by this same call path; tolerate idempotent re-lock
		}
	}
	e.locked = true
	return "", nil
}

// Unlock transitions every LOCKED slot for token back to AVAILABLE.
func (p *Pool[T]) Unlock(token tabletoken.Token) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[token]
	if !ok {
		return
	}
	for i := range e.slots {
		if e.slots[i].state == slotLocked {
			e.slots[i].state = slotAvailable
		}
	}
	e.locked = false
}

// ReleaseInactive closes every allocated resource that is AVAILABLE at
// the time of the call, across all tokens. The pool records no
// per-slot idle time, so a resource released just before the sweep is
// closed as well; the maintenance worker calls this on every tick.
// It reports whether it freed any slot, which the maintenance job
// surfaces as "useful work done".
func (p *Pool[T]) ReleaseInactive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	freedAny := false
	for _, e := range p.entries {
		for i := range e.slots {
			if e.slots[i].state == slotAvailable && e.slots[i].hasRes {
				_ = e.slots[i].resource.Close()
				e.slots[i].hasRes = false
				e.slots[i].state = slotUnallocated
				freedAny = true
			}
		}
	}
	return freedAny
}

// ReleaseAll forcibly closes every resource for token regardless of
// state, used on engine shutdown and table drop.
func (p *Pool[T]) ReleaseAll(token tabletoken.Token) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[token]
	if !ok {
		return
	}
	for i := range e.slots {
		if e.slots[i].hasRes {
			_ = e.slots[i].resource.Close()
		}
	}
	delete(p.entries, token)
}

// GetBusyCount reports how many slots are currently CHECKED_OUT for
// token.
func (p *Pool[T]) GetBusyCount(token tabletoken.Token) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[token]
	if !ok {
		return 0
	}
	n := 0
	for i := range e.slots {
		if e.slots[i].state == slotCheckedOut {
			n++
		}
	}
	return n
}
