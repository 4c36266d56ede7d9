// Package shardtable implements the per-shard open-addressed backing store
// of spec §4.3: a parallel control-byte array and entry array, probed in
// power-of-two-aligned groups via internal/ctrlgroup, with resize and
// in-place rehash driven by load-factor and tombstone-ratio thresholds.
//
// © 2025 qdict authors. MIT License.
package shardtable

import (
	"sync/atomic"

	"github.com/archonlabs/qdict/internal/ctrlgroup"
	"github.com/archonlabs/qdict/internal/fixedkv"
)

// Entry is one occupied-or-not slot's payload. Its meaning (empty,
// occupied, tombstoned) is carried entirely by the parallel ctrl byte, never
// by the entry's own contents.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// ctrlStore packs control bytes four-to-a-word behind atomic.Uint32 so that
// publishing a single byte (insert/tombstone/bounce-back) can use
// release-consistent CAS without serializing unrelated neighbor bytes, and
// bulk group reads can be composed from plain atomic loads — giving the
// scanner in internal/ctrlgroup a WordAt source that satisfies Go's memory
// model instead of relying on an unsynchronized []byte read.
type ctrlStore struct {
	words []atomic.Uint32
}

func newCtrlStore(capacity uint64) *ctrlStore {
	n := (capacity + 3) / 4
	words := make([]atomic.Uint32, n)
	for i := range words {
		words[i].Store(0x80808080) // every lane starts EMPTY
	}
	return &ctrlStore{words: words}
}

func (c *ctrlStore) loadByte(i int) uint8 {
	w := c.words[i>>2].Load()
	shift := uint((i & 3) * 8)
	return uint8(w >> shift)
}

// storeByteRelease publishes a single control byte. Readers that load the
// containing word (directly, or via wordAt for a group scan) observe this
// write no earlier than the CAS succeeds, which is the release boundary
// spec §5 requires between an entry's field stores and its ctrl byte
// becoming visible.
func (c *ctrlStore) storeByteRelease(i int, v uint8) {
	shift := uint((i & 3) * 8)
	mask := uint32(0xFF) << shift
	for {
		old := c.words[i>>2].Load()
		next := (old &^ mask) | (uint32(v) << shift)
		if c.words[i>>2].CompareAndSwap(old, next) {
			return
		}
	}
}

// wordAt returns the 8 control bytes starting at byteBase, packed
// little-endian. byteBase must be a multiple of 4; every call site in this
// package aligns groups on group_width boundaries, and group_width is
// always a multiple of 4 for the fast-path widths (8, 16).
func (c *ctrlStore) wordAt(byteBase int) uint64 {
	w0 := c.words[byteBase>>2].Load()
	w1 := c.words[byteBase>>2+1].Load()
	return uint64(w0) | uint64(w1)<<32
}

// Table is one generation of a shard's backing store: a power-of-two
// capacity, its parallel ctrl/entry arrays, and the probing parameters
// fixed at construction (group width and probe bound never change across a
// table's lifetime — only across a resize, which allocates a fresh Table).
type Table[K comparable, V any] struct {
	ctrl       *ctrlStore
	entries    []Entry[K, V]
	capacity   uint64
	mask       uint64
	groupWidth uint64
	groupCount uint64
	maxProbe   uint64

	count      atomic.Int64
	tombstones atomic.Int64
}

// newTable allocates an all-EMPTY table of the given capacity (already
// rounded to a power of two by the caller). maxProbeGroups of 0 (spec
// §4.7's "total_groups" default) is resolved here to the table's own group
// count, since that bound is itself capacity-dependent and must be
// recomputed on every resize rather than fixed once at construction.
func newTable[K comparable, V any](capacity, groupWidth, maxProbeGroups uint64) *Table[K, V] {
	groupCount := capacity / groupWidth
	if maxProbeGroups == 0 {
		maxProbeGroups = groupCount
	}
	return &Table[K, V]{
		ctrl:       newCtrlStore(capacity),
		entries:    make([]Entry[K, V], capacity),
		capacity:   capacity,
		mask:       capacity - 1,
		groupWidth: groupWidth,
		groupCount: groupCount,
		maxProbe:   maxProbeGroups,
	}
}

// Capacity returns the table's slot count.
func (t *Table[K, V]) Capacity() uint64 { return t.capacity }

// Count returns the number of occupied (non-EMPTY, non-DELETED) slots.
func (t *Table[K, V]) Count() int64 { return t.count.Load() }

// Tombstones returns the number of DELETED slots.
func (t *Table[K, V]) Tombstones() int64 { return t.tombstones.Load() }

// findResult is the outcome of probing for a key, matching spec §4.3's
// Find-slot contract.
type findResult struct {
	index         int
	found         bool
	usedTombstone bool
	noFreeSlot    bool
}

// findSlot walks up to maxProbe groups starting from the hash's initial
// group, using the SWAR group scanner for group widths of 8 or 16 and a
// portable linear scan for every other width.
func (t *Table[K, V]) findSlot(hash uint64, key *K) findResult {
	h2 := fixedkv.H2(hash)
	group := fixedkv.InitialGroup(hash, t.groupCount)
	firstDeleted := -1

	useFast := t.groupWidth == 8 || t.groupWidth == 16

	for probe := uint64(0); probe < t.maxProbe; probe++ {
		base := int(group * t.groupWidth)
		n := int(t.groupWidth)

		if useFast {
			g := ctrlgroup.Load(t.ctrl.wordAt, base, n)

			matchMask := g.MatchMask(h2)
			for {
				idx, rest, ok := ctrlgroup.NextSetBit(matchMask)
				if !ok {
					break
				}
				matchMask = rest
				abs := base + idx
				if t.ctrl.loadByte(abs) == h2 && fixedkv.Equal(key, &t.entries[abs].Key) {
					return findResult{index: abs, found: true}
				}
			}

			if firstDeleted == -1 {
				if idx, _, ok := ctrlgroup.NextSetBit(g.MatchMask(ctrlgroup.Deleted)); ok {
					firstDeleted = base + idx
				}
			}

			if emptyMask := g.EmptyMask(); emptyMask != 0 {
				idx, _, _ := ctrlgroup.NextSetBit(emptyMask)
				emptyPos := base + idx
				if firstDeleted != -1 {
					return findResult{index: firstDeleted, usedTombstone: true}
				}
				return findResult{index: emptyPos}
			}
		} else {
			found := -1
			ctrlgroup.LinearMatch(t.ctrl.loadByte, base, n, h2, func(idx int) bool {
				if fixedkv.Equal(key, &t.entries[idx].Key) {
					found = idx
					return false
				}
				return true
			})
			if found != -1 {
				return findResult{index: found, found: true}
			}

			if firstDeleted == -1 {
				ctrlgroup.LinearMatch(t.ctrl.loadByte, base, n, ctrlgroup.Deleted, func(idx int) bool {
					firstDeleted = idx
					return false
				})
			}

			if emptyIdx := ctrlgroup.LinearFirstEmpty(t.ctrl.loadByte, base, n); emptyIdx != -1 {
				if firstDeleted != -1 {
					return findResult{index: firstDeleted, usedTombstone: true}
				}
				return findResult{index: emptyIdx}
			}
		}

		group = (group + 1) % t.groupCount
	}

	if firstDeleted != -1 {
		return findResult{index: firstDeleted, usedTombstone: true}
	}
	return findResult{noFreeSlot: true}
}

// insertAt writes the entry's fields first and only then publishes the H2
// control byte with release semantics, so any reader that observes the new
// ctrl byte is guaranteed to observe the entry fields that precede it.
func (t *Table[K, V]) insertAt(index int, key K, value V, h2 uint8) {
	t.entries[index] = Entry[K, V]{Key: key, Value: value}
	t.ctrl.storeByteRelease(index, h2)
}

// tombstoneBounceBack implements spec §4.3's removal bounce-back: if the
// slot immediately after the deleted one is EMPTY, the deleted slot (and
// any run of DELETED slots immediately preceding it) becomes EMPTY too,
// shrinking future probe chains instead of leaving tombstones behind.
func (t *Table[K, V]) tombstoneBounceBack(index int) {
	next := int((uint64(index) + 1) & t.mask)
	if t.ctrl.loadByte(next) != ctrlgroup.Empty {
		t.ctrl.storeByteRelease(index, ctrlgroup.Deleted)
		t.tombstones.Add(1)
		return
	}

	t.ctrl.storeByteRelease(index, ctrlgroup.Empty)
	i := index
	for {
		prev := int((uint64(i) - 1) & t.mask)
		if t.ctrl.loadByte(prev) != ctrlgroup.Deleted {
			break
		}
		t.ctrl.storeByteRelease(prev, ctrlgroup.Empty)
		t.tombstones.Add(-1)
		i = prev
	}
}

// snapshotOccupied copies out every occupied (key, value, hash) triple. Used only
// by resize/rehash, which always run under the owning shard's lock.
func (t *Table[K, V]) snapshotOccupied(hashFn func(*K) uint64) []rehashItem[K, V] {
	items := make([]rehashItem[K, V], 0, t.count.Load())
	for i := uint64(0); i < t.capacity; i++ {
		b := t.ctrl.loadByte(int(i))
		if b == ctrlgroup.Empty || b == ctrlgroup.Deleted {
			continue
		}
		e := t.entries[i]
		items = append(items, rehashItem[K, V]{hash: hashFn(&e.Key), key: e.Key, value: e.Value})
	}
	return items
}

type rehashItem[K comparable, V any] struct {
	hash  uint64
	key   K
	value V
}
