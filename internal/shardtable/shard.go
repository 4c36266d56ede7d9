// shard.go wires a Table generation to the atomic pointer a dictionary
// shard publishes on resize, and implements the *-locked operations of
// spec §4.3. Every exported *Locked method assumes the caller already holds
// the shard's bit-lock (directly, or via the flat-combining drain path);
// none of them take a lock themselves.
package shardtable

import (
	"sync/atomic"

	"github.com/archonlabs/qdict/internal/fixedkv"
)

// Config carries the probing and resize tunables a Shard needs, sourced
// from the dictionary façade's Config (spec §4.7's option table).
type Config struct {
	GroupWidth     uint64
	MaxProbeGroups uint64
	MaxLoadFactor  float64
	TombstoneRatio float64
}

// Retirer schedules the destruction of a table generation once QSBR
// determines no reader can still be observing it. The dictionary façade
// supplies this, backed by internal/qsbr.
type Retirer interface {
	Retire(destroy func())
}

// ResizeObserver is notified of resize/rehash events for ambient logging
// and metrics; both methods may be nil-safe no-ops.
type ResizeObserver interface {
	OnResize(oldCapacity, newCapacity uint64)
	OnRehash(capacity uint64)
}

// Shard owns one partition's current table generation and the hash
// function used to rehash it on resize.
type Shard[K comparable, V any] struct {
	table   atomic.Pointer[Table[K, V]]
	cfg     Config
	retire  Retirer
	observe ResizeObserver
	hashFn  func(*K) uint64
}

// NewShard allocates a shard with an initial table of the given capacity
// (already normalized to a power of two, >= 4, by the façade).
func NewShard[K comparable, V any](initialCapacity uint64, cfg Config, retire Retirer, observe ResizeObserver, hashFn func(*K) uint64) *Shard[K, V] {
	s := &Shard[K, V]{cfg: cfg, retire: retire, observe: observe, hashFn: hashFn}
	s.table.Store(newTable[K, V](initialCapacity, cfg.GroupWidth, cfg.MaxProbeGroups))
	return s
}

// Load returns the shard's current table generation with acquire
// semantics. Callers performing a lock-free read must hold an active QSBR
// session for the duration of any access through the returned pointer.
func (s *Shard[K, V]) Load() *Table[K, V] {
	return s.table.Load()
}

// Get performs the lock-free read path: probe the current table generation
// for key and return its value if occupied.
func (s *Shard[K, V]) Get(hash uint64, key *K) (V, bool) {
	t := s.table.Load()
	r := t.findSlot(hash, key)
	if !r.found {
		var zero V
		return zero, false
	}
	return t.entries[r.index].Value, true
}

// TryAddLocked inserts key/value iff key is absent, returning false if it
// already exists.
func (s *Shard[K, V]) TryAddLocked(hash uint64, key K, value V) bool {
	t := s.table.Load()
	r := t.findSlot(hash, &key)
	if r.found {
		return false
	}
	if r.noFreeSlot {
		t = s.growAndRetry(t)
		r = t.findSlot(hash, &key)
	}
	s.applyInsert(t, r, hash, key, value)
	s.maybeResize(t)
	return true
}

// GetOrAddLocked returns the existing value for key, or inserts a value
// produced by exactly one of value/factory (factory takes precedence when
// non-nil) and returns the freshly inserted value.
func (s *Shard[K, V]) GetOrAddLocked(hash uint64, key K, value V, factory func(K) V) V {
	t := s.table.Load()
	r := t.findSlot(hash, &key)
	if r.found {
		return t.entries[r.index].Value
	}
	if r.noFreeSlot {
		t = s.growAndRetry(t)
		r = t.findSlot(hash, &key)
	}
	v := value
	if factory != nil {
		v = factory(key)
	}
	s.applyInsert(t, r, hash, key, v)
	s.maybeResize(t)
	return v
}

// AddOrUpdateLocked applies updateFactory to the existing value if key is
// present, else inserts addValue or addFactory(key); it returns the
// post-operation value. Per spec §9's chosen policy, a factory is invoked
// only after a slot has been secured — if the table reports no free slot,
// the shard grows first and re-probes before calling any factory.
func (s *Shard[K, V]) AddOrUpdateLocked(hash uint64, key K, addValue V, addFactory func(K) V, updateFactory func(V) V) V {
	t := s.table.Load()
	r := t.findSlot(hash, &key)
	if r.found {
		updated := t.entries[r.index].Value
		if updateFactory != nil {
			updated = updateFactory(updated)
		}
		t.entries[r.index].Value = updated
		return updated
	}
	if r.noFreeSlot {
		t = s.growAndRetry(t)
		r = t.findSlot(hash, &key)
	}
	v := addValue
	if addFactory != nil {
		v = addFactory(key)
	}
	s.applyInsert(t, r, hash, key, v)
	s.maybeResize(t)
	return v
}

// TryUpdateLocked replaces the value bytewise iff the existing value equals
// comparison. It never triggers a resize (tombstone/load counts are
// unaffected by an in-place value replace).
func (s *Shard[K, V]) TryUpdateLocked(hash uint64, key K, newValue, comparison V) bool {
	t := s.table.Load()
	r := t.findSlot(hash, &key)
	if !r.found {
		return false
	}
	existing := t.entries[r.index].Value
	if !fixedkv.Equal(&existing, &comparison) {
		return false
	}
	t.entries[r.index].Value = newValue
	return true
}

// TryRemoveLocked deletes key if present, returning its value.
func (s *Shard[K, V]) TryRemoveLocked(hash uint64, key K) (V, bool) {
	t := s.table.Load()
	r := t.findSlot(hash, &key)
	if !r.found {
		var zero V
		return zero, false
	}
	v := t.entries[r.index].Value
	var zeroEntry Entry[K, V]
	t.entries[r.index] = zeroEntry
	t.tombstoneBounceBack(r.index)
	t.count.Add(-1)
	s.maybeResize(t)
	return v, true
}

// Count sums the current table's occupied-slot counter.
func (s *Shard[K, V]) Count() int64 { return s.table.Load().Count() }

// Capacity returns the current table's slot count.
func (s *Shard[K, V]) Capacity() int64 { return int64(s.table.Load().Capacity()) }

// Tombstones returns the current table's deleted-slot count, the raw input
// to the tombstone ratio a snapshot reports per shard.
func (s *Shard[K, V]) Tombstones() int64 { return s.table.Load().Tombstones() }

func (s *Shard[K, V]) applyInsert(t *Table[K, V], r findResult, hash uint64, key K, value V) {
	h2 := fixedkv.H2(hash)
	if r.usedTombstone {
		t.tombstones.Add(-1)
	}
	t.insertAt(r.index, key, value, h2)
	t.count.Add(1)
}

// growAndRetry resizes unconditionally (used when findSlot reports no free
// slot on the current generation — an invariant violation on a table
// otherwise below its load factor, or simply a fully-probed table) and
// returns the fresh generation.
func (s *Shard[K, V]) growAndRetry(old *Table[K, V]) *Table[K, V] {
	s.resize(old, old.capacity*2)
	return s.table.Load()
}

// maybeResize implements spec §4.3's Maybe-resize: double capacity once the
// load factor is exceeded, else rehash in place once the tombstone ratio is
// exceeded.
func (s *Shard[K, V]) maybeResize(t *Table[K, V]) {
	count := t.count.Load()
	cap := int64(t.capacity)
	if float64(count)/float64(cap) > s.cfg.MaxLoadFactor {
		s.resize(t, t.capacity*2)
		return
	}
	tomb := t.tombstones.Load()
	if float64(tomb)/float64(cap) > s.cfg.TombstoneRatio {
		s.resize(t, t.capacity)
	}
}

// resize allocates a fresh table of newCapacity, rehashes every live entry
// of old into it, publishes the new generation with release semantics, and
// retires old through QSBR (or destroys it immediately when QSBR has no
// session slots at all, since there is then nothing to reclaim from).
func (s *Shard[K, V]) resize(old *Table[K, V], newCapacity uint64) {
	items := old.snapshotOccupied(s.hashFn)

	fresh := newTable[K, V](newCapacity, s.cfg.GroupWidth, s.cfg.MaxProbeGroups)
	for _, it := range items {
		r := fresh.findSlot(it.hash, &it.key)
		// Capacity is strictly >= live count, so this can never collide
		// with itself; a noFreeSlot here indicates a bug in sizing, not a
		// recoverable condition.
		if r.noFreeSlot {
			panic("qdict: resize target has no free slot for a key that fit in the smaller table")
		}
		fresh.insertAt(r.index, it.key, it.value, fixedkv.H2(it.hash))
	}
	fresh.count.Store(int64(len(items)))

	s.table.Store(fresh)

	if newCapacity != old.capacity && s.observe != nil {
		s.observe.OnResize(old.capacity, newCapacity)
	} else if s.observe != nil {
		s.observe.OnRehash(newCapacity)
	}

	s.retire.Retire(func() {
		// Go's garbage collector reclaims old's backing arrays once no
		// reference remains; this closure exists so QSBR's bookkeeping
		// (and tests asserting the retired list drains) has a concrete
		// action tied to the table's last reachable reference.
		_ = old
	})
}
