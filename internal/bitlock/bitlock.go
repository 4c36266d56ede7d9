// Package bitlock implements the word-packed bit-lock schemes of spec §4.4:
// a flat bitset with stride-spaced lock bits, and a 64x64 "matrix" scheme
// that derives a (row, col) coordinate from a secondary hash mix. Both
// schemes share the same acquire/release state machine (spin, then either
// unbounded yield or a paired monitor wait), grounded in the teacher's use
// of atomic counters for lock-free hot paths (arena-cache's shard stats)
// generalized here to full lock state.
//
// © 2025 qdict authors. MIT License.
package bitlock

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// ContentionMode selects what happens after the bounded spin fast path
// fails to acquire a bit.
type ContentionMode int

const (
	// SpinOnly keeps retrying with a bounded secondary spin count, then
	// falls back to an unbounded runtime.Gosched() loop.
	SpinOnly ContentionMode = iota
	// SpinThenMonitor parks on a condition variable paired with the lock
	// word after the fast path is exhausted.
	SpinThenMonitor
)

// Config tunes the acquire protocol. Zero value is invalid; use
// DefaultConfig.
type Config struct {
	SpinIters     int
	SlowPathIters int
	Mode          ContentionMode
}

// DefaultConfig matches spec §4.7's defaults (spin_iters=128,
// slow_path_iters=4096, contention_mode=SpinThenMonitor).
func DefaultConfig() Config {
	return Config{SpinIters: 128, SlowPathIters: 4096, Mode: SpinThenMonitor}
}

// wordLock bundles a 64-bit occupancy word with the waiter bookkeeping
// needed for the SpinThenMonitor slow path. Release must AND-NOT its bit
// and pulse the monitor only when a waiter is actually parked, so the
// common uncontended case never touches the mutex.
type wordLock struct {
	state   atomic.Uint64
	waiters atomic.Int32
	mu      sync.Mutex
	cond    *sync.Cond
}

func newWordLock() *wordLock {
	wl := &wordLock{}
	wl.cond = sync.NewCond(&wl.mu)
	return wl
}

// tryAcquireBit performs a non-blocking acquire attempt: it gives up as soon
// as the bit is seen set, and retries its CAS only while the bit stays clear
// and other bits of the word change underneath it. It reports whether the
// bit was previously clear (acquired).
func (wl *wordLock) tryAcquireBit(bit uint) bool {
	mask := uint64(1) << bit
	for {
		old := wl.state.Load()
		if old&mask != 0 {
			return false
		}
		if wl.state.CompareAndSwap(old, old|mask) {
			return true
		}
	}
}

func (wl *wordLock) releaseBit(bit uint) {
	mask := uint64(1) << bit
	for {
		old := wl.state.Load()
		newState := old &^ mask
		if wl.state.CompareAndSwap(old, newState) {
			break
		}
	}
	if wl.waiters.Load() > 0 {
		wl.mu.Lock()
		wl.cond.Broadcast()
		wl.mu.Unlock()
	}
}

func (wl *wordLock) bitSet(bit uint) bool {
	return wl.state.Load()&(uint64(1)<<bit) != 0
}

// acquireBlocking runs the full protocol from spec §4.4 for a single lock
// bit: bounded spin, then either an unbounded yield loop (SpinOnly) or a
// waiter-counted monitor park (SpinThenMonitor).
func (wl *wordLock) acquireBlocking(bit uint, cfg Config) {
	for i := 0; i < cfg.SpinIters; i++ {
		if wl.tryAcquireBit(bit) {
			return
		}
		runtime.Gosched()
	}

	switch cfg.Mode {
	case SpinOnly:
		for i := 0; i < cfg.SlowPathIters; i++ {
			if wl.tryAcquireBit(bit) {
				return
			}
			runtime.Gosched()
		}
		for {
			if wl.tryAcquireBit(bit) {
				return
			}
			runtime.Gosched()
		}
	default: // SpinThenMonitor
		wl.waiters.Add(1)
		defer wl.waiters.Add(-1)
		wl.mu.Lock()
		for wl.bitSet(bit) {
			if wl.tryAcquireBit(bit) {
				wl.mu.Unlock()
				return
			}
			wl.cond.Wait()
		}
		// Bit observed clear inside the critical section; one more
		// attempt before giving up the monitor lock.
		for !wl.tryAcquireBit(bit) {
			wl.cond.Wait()
		}
		wl.mu.Unlock()
	}
}

// Scheme identifies which lock-index layout a Locks value uses.
type Scheme int

const (
	Bitset Scheme = iota
	Matrix2D
)

// stride is the word spacing (in 64-bit words) a flat Bitset array would put
// between consecutive shard lock bits: 8 words = 512 bits, one cache line
// apart on a 64-byte-line architecture. Locks does not index by it; the
// Bitset scheme gives each shard its own wordLock instead (see bitsetWords).
const stride = 8

// Locks is the bit-lock array for a dictionary's shards. It exposes one
// logical lock per shard index regardless of which underlying scheme was
// selected at construction.
type Locks struct {
	scheme Scheme
	cfg    Config
	n      int

	// Bitset scheme: one dedicated wordLock per shard (bit 0 always used),
	// each independently allocated and reached through a pointer rather
	// than packed into a shared flat array, so no two shards share a lock
	// word. wordLock carries no cache-line padding, so two shards' words
	// may still land on the same cache line.
	bitsetWords []*wordLock

	// Matrix2D scheme: 64 rows, each a wordLock whose low 64 bits are the
	// column occupancy for that row. A shard's (row, col) coordinate is
	// derived once at construction from a secondary mix of its index.
	matrixRows  []*wordLock
	shardRow    []uint8
	shardCol    []uint8
}

// New constructs a lock array sized for n shards using the given scheme.
func New(n int, scheme Scheme, cfg Config) *Locks {
	l := &Locks{scheme: scheme, cfg: cfg, n: n}
	switch scheme {
	case Matrix2D:
		l.matrixRows = make([]*wordLock, 64)
		for i := range l.matrixRows {
			l.matrixRows[i] = newWordLock()
		}
		l.shardRow = make([]uint8, n)
		l.shardCol = make([]uint8, n)
		for i := 0; i < n; i++ {
			row, col := secondaryMix(uint64(i))
			l.shardRow[i] = row
			l.shardCol[i] = col
		}
	default:
		l.bitsetWords = make([]*wordLock, n)
		for i := range l.bitsetWords {
			l.bitsetWords[i] = newWordLock()
		}
	}
	return l
}

// secondaryMix derives a (row, col) pair in [0,64)x[0,64) from a shard
// index using a splitmix-style avalanche distinct from the primary key
// hash, so row/col collisions are not correlated with shard adjacency.
func secondaryMix(x uint64) (row, col uint8) {
	x += 0x9E3779B97F4A7C15
	x ^= x >> 30
	x *= 0xBF58476D1CE4E5B9
	x ^= x >> 27
	x *= 0x94D049BB133111EB
	x ^= x >> 31
	return uint8(x & 63), uint8((x >> 6) & 63)
}

// TryAcquire performs a single non-blocking attempt to take shard i's lock.
func (l *Locks) TryAcquire(shard int) bool {
	switch l.scheme {
	case Matrix2D:
		row := l.matrixRows[l.shardRow[shard]]
		return row.tryAcquireBit(uint(l.shardCol[shard]))
	default:
		return l.bitsetWords[shard].tryAcquireBit(0)
	}
}

// Acquire blocks until shard i's lock is held, running the full spin/park
// protocol of spec §4.4.
func (l *Locks) Acquire(shard int) {
	switch l.scheme {
	case Matrix2D:
		row := l.matrixRows[l.shardRow[shard]]
		row.acquireBlocking(uint(l.shardCol[shard]), l.cfg)
	default:
		l.bitsetWords[shard].acquireBlocking(0, l.cfg)
	}
}

// Release gives up shard i's lock. Release order for Matrix2D is column
// then (implicitly) row, since the row word's only role is to host the
// column bit — there is no separate row-level hold to release.
func (l *Locks) Release(shard int) {
	switch l.scheme {
	case Matrix2D:
		row := l.matrixRows[l.shardRow[shard]]
		row.releaseBit(uint(l.shardCol[shard]))
	default:
		l.bitsetWords[shard].releaseBit(0)
	}
}

// Held reports whether shard i's lock bit is currently set. It is intended
// for tests and invariant checks, not for making acquire decisions.
func (l *Locks) Held(shard int) bool {
	switch l.scheme {
	case Matrix2D:
		row := l.matrixRows[l.shardRow[shard]]
		return row.bitSet(uint(l.shardCol[shard]))
	default:
		return l.bitsetWords[shard].bitSet(0)
	}
}
