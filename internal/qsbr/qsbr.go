// Package qsbr implements quiescent-state-based reclamation for retired
// shard tables (spec §4.5): readers announce the current global epoch
// before a lock-free scan, and a retired table is only destroyed once every
// announced epoch has advanced past its retire epoch.
//
// The teacher's corpus models a "thread_cache" keyed by OS thread identity,
// which Go does not expose for goroutines. qsbr instead hands out session
// slots through a buffered channel acting as a free list — the same
// channel-as-pool idiom the examples corpus uses for mutual exclusion
// (xkeylock's size-1 channel per key) and bounded concurrency (torua's
// worker pools), generalized here to a bounded pool of epoch-announcement
// cells. See DESIGN.md for the full rationale.
//
// © 2025 qdict authors. MIT License.
package qsbr

import (
	"math"
	"sync"
	"sync/atomic"
)

// cacheLinePad sizes each slot to a full cache line so concurrently
// announcing readers never false-share.
const cacheLinePad = 64

// slot is a single reader's epoch announcement cell. epoch == 0 means the
// slot is not currently announcing (inactive).
type slot struct {
	epoch atomic.Uint64
	_     [cacheLinePad - 8]byte
}

// retired is one entry on the retired-table list.
type retired struct {
	destroy     func()
	retireEpoch uint64
}

// QSBR is one epoch-reclamation domain, owned by a single dictionary
// instance.
type QSBR struct {
	globalEpoch atomic.Uint64

	slots []slot
	free  chan int32 // free list of slot indices, buffered to maxSessions

	retireMu sync.Mutex
	list     []retired
}

// New constructs a QSBR domain with maxSessions reader slots. A maxSessions
// of 0 disables session slots entirely: every lock-free read attempt then
// fails to check out a slot and callers fall back to the shard lock, which
// is always correct, only slower.
func New(maxSessions int) *QSBR {
	q := &QSBR{
		slots: make([]slot, maxSessions),
		free:  make(chan int32, maxSessions),
	}
	// Epoch 0 is reserved as the "slot inactive" sentinel (see slot's doc
	// comment and minActiveEpoch), so the global epoch must start at 1 —
	// otherwise a reader that enters before the first Retire call would
	// announce epoch 0 and be indistinguishable from an inactive slot.
	q.globalEpoch.Store(1)
	for i := 0; i < maxSessions; i++ {
		q.free <- int32(i)
	}
	return q
}

// Session is a checked-out reader slot. Callers obtain one via Checkout,
// must call Enter before dereferencing any QSBR-protected pointer, and must
// call Release exactly once when done (typically deferred).
type Session struct {
	q   *QSBR
	idx int32
}

// Checkout attempts to reserve a session slot without blocking. ok is false
// when every slot is currently in use (or maxSessions == 0); the caller
// must fall back to taking the shard lock for its read, per spec §4.5's
// reader protocol step 1.
func (q *QSBR) Checkout() (sess Session, ok bool) {
	select {
	case idx := <-q.free:
		return Session{q: q, idx: idx}, true
	default:
		return Session{}, false
	}
}

// Enter publishes the current global epoch into the session's slot with
// release semantics, pinning every table a shard currently owns against
// destruction until the next Enter or Release. The reader may dereference
// shard table pointers only after this call returns.
func (s Session) Enter() {
	s.q.slots[s.idx].epoch.Store(s.q.globalEpoch.Load())
}

// Release returns the session slot to the free list, announcing epoch 0
// (inactive) first so the retire scan can no longer be pinned by it.
func (s Session) Release() {
	s.q.slots[s.idx].epoch.Store(0)
	s.q.free <- s.idx
}

// Retire schedules table for destruction once every active reader's
// announced epoch has advanced past the epoch recorded at retire time. If
// no readers are currently pinning anything (a quiescent retire, or a
// domain with zero session slots), destroy runs immediately.
func (q *QSBR) Retire(destroy func()) {
	q.retireMu.Lock()
	defer q.retireMu.Unlock()

	epoch := q.globalEpoch.Add(1)
	q.list = append(q.list, retired{destroy: destroy, retireEpoch: epoch})
	q.reclaimLocked()
}

// Quiesce forces a reclamation pass without retiring anything new. Useful
// after a burst of readers has released their sessions, and at shutdown to
// drain every pending retirement (teardown quiescence from spec §9: release
// all session slots, then destroy what remains).
func (q *QSBR) Quiesce() {
	q.retireMu.Lock()
	defer q.retireMu.Unlock()
	q.reclaimLocked()
}

func (q *QSBR) reclaimLocked() {
	minActive := q.minActiveEpoch()
	kept := q.list[:0]
	for _, r := range q.list {
		if r.retireEpoch < minActive {
			r.destroy()
			continue
		}
		kept = append(kept, r)
	}
	q.list = kept
}

func (q *QSBR) minActiveEpoch() uint64 {
	min := uint64(math.MaxUint64)
	for i := range q.slots {
		e := q.slots[i].epoch.Load()
		if e != 0 && e < min {
			min = e
		}
	}
	return min
}

// PendingRetirements reports the number of tables still awaiting
// reclamation; used by tests asserting the retired list drains to empty.
func (q *QSBR) PendingRetirements() int {
	q.retireMu.Lock()
	defer q.retireMu.Unlock()
	return len(q.list)
}
