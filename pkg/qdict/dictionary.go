// Package qdict is the public façade of a sharded, SIMD-probed, QSBR-reclaimed
// concurrent dictionary for fixed-size (POD) key/value types, generalized
// from the teacher's sharded arena cache: the same shard-per-lock,
// functional-options, zap/Prometheus ambient stack, applied to a
// swiss-table-style open-addressed map instead of a CLOCK-Pro cache.
//
// © 2025 qdict authors. MIT License.
package qdict

import (
	"errors"
	"reflect"

	"go.uber.org/zap"

	"github.com/archonlabs/qdict/internal/bitlock"
	"github.com/archonlabs/qdict/internal/combine"
	"github.com/archonlabs/qdict/internal/fixedkv"
	"github.com/archonlabs/qdict/internal/qsbr"
	"github.com/archonlabs/qdict/internal/shardtable"
)

// ErrNotPOD is returned by New when K or V fails the fixed-size, trivially
// copyable constraint qdict's hash/equality primitives require.
var ErrNotPOD = errors.New("qdict: key and value types must be fixed-size and contain no pointers")

// Dictionary is a sharded concurrent hash map over fixed-size key/value
// types. The zero value is not usable; construct with New.
type Dictionary[K comparable, V any] struct {
	shards      []*shardtable.Shard[K, V]
	queues      []*combine.Queue[K, V]
	locks       *bitlock.Locks
	qs          *qsbr.QSBR
	shardMask   uint64
	combining   bool
	logger      *zap.Logger
	metrics     metricsSink
}

// New constructs a Dictionary with the given options. It returns ErrNotPOD if
// K or V is itself a string, pointer, interface, slice, map, channel, or
// function type — qdict's hash/equality primitives read raw bytes and cannot
// safely do so across an indirection. Fields nested inside a struct or array
// type are not inspected (see isPODLayout).
func New[K comparable, V any](opts ...Option[K, V]) (*Dictionary[K, V], error) {
	cfg := defaultConfig[K, V]()
	if err := applyOptions(cfg, opts); err != nil {
		return nil, err
	}
	if !isPODLayout[K]() || !isPODLayout[V]() {
		return nil, ErrNotPOD
	}

	d := &Dictionary[K, V]{
		shardMask: uint64(cfg.shardCount - 1),
		combining: cfg.enableCombining,
		logger:    cfg.logger,
		metrics:   newMetricsSink(cfg.registry),
	}

	d.qs = qsbr.New(cfg.maxSessions)
	d.locks = bitlock.New(cfg.shardCount, cfg.lockScheme, bitlock.Config{
		SpinIters:     cfg.spinIters,
		SlowPathIters: cfg.slowPathIters,
		Mode:          cfg.contentionMode,
	})

	shardCfg := shardtable.Config{
		GroupWidth:     cfg.groupWidth,
		MaxProbeGroups: cfg.maxProbeGroups,
		MaxLoadFactor:  cfg.maxLoadFactor,
		TombstoneRatio: cfg.tombstoneRatio,
	}

	d.shards = make([]*shardtable.Shard[K, V], cfg.shardCount)
	if cfg.enableCombining {
		d.queues = make([]*combine.Queue[K, V], cfg.shardCount)
	}
	for i := 0; i < cfg.shardCount; i++ {
		idx := i
		d.shards[i] = shardtable.NewShard[K, V](cfg.initialCapacityPerShard, shardCfg, d.qs, &shardObserver[K, V]{d: d, shard: idx}, hashKeyPtr[K])
		if cfg.enableCombining {
			d.queues[i] = combine.New[K, V](cfg.combiningSlots)
		}
	}

	return d, nil
}

// isPODLayout is a best-effort structural check: qdict's POD constraint
// (spec §4.1) is ultimately a documented caller contract, since Go's type
// system has no "no indirection anywhere in this type" predicate reachable
// at compile time for an arbitrary generic T. This at least rejects the
// directly-indirect top-level kinds; nested struct fields are the caller's
// responsibility, exactly as the teacher's own unsafe-keyed arena slots
// trust their V to be copy-safe.
func isPODLayout[T any]() bool {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.String, reflect.Pointer, reflect.UnsafePointer, reflect.Interface,
		reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
		return false
	}
	return true
}

func hashKeyPtr[K comparable](k *K) uint64 {
	return fixedkv.Hash(k)
}

// shardObserver adapts a single shard's resize/rehash events to the
// dictionary's logger and metrics sink, per SPEC_FULL.md's ambient-stack
// logging rules: resize and rehash log at Debug, never on the hot path.
type shardObserver[K comparable, V any] struct {
	d     *Dictionary[K, V]
	shard int
}

func (o *shardObserver[K, V]) OnResize(oldCapacity, newCapacity uint64) {
	o.d.metrics.incResize(o.shard)
	o.d.metrics.setCapacity(o.shard, int64(newCapacity))
	o.d.logger.Debug("qdict shard resized",
		zap.Int("shard", o.shard),
		zap.Uint64("old_capacity", oldCapacity),
		zap.Uint64("new_capacity", newCapacity),
	)
}

func (o *shardObserver[K, V]) OnRehash(capacity uint64) {
	o.d.metrics.incRehash(o.shard)
	o.d.logger.Debug("qdict shard rehashed in place",
		zap.Int("shard", o.shard),
		zap.Uint64("capacity", capacity),
	)
}

func (d *Dictionary[K, V]) shardFor(hash uint64) int {
	return int(fixedkv.ShardIndex(hash, d.shardMask))
}

// TryGet looks up key without ever taking a shard lock when a QSBR session
// slot is available (spec §4.5's reader protocol); it falls back to the
// shard lock only when every session slot is currently checked out.
func (d *Dictionary[K, V]) TryGet(key K) (V, bool) {
	hash := fixedkv.Hash(&key)
	shard := d.shardFor(hash)
	s := d.shards[shard]

	if sess, ok := d.qs.Checkout(); ok {
		defer sess.Release()
		sess.Enter()
		v, found := s.Get(hash, &key)
		d.recordLookup(shard, found)
		return v, found
	}

	d.locks.Acquire(shard)
	v, found := s.Get(hash, &key)
	d.drainIfCombining(shard)
	d.locks.Release(shard)
	d.recordLookup(shard, found)
	return v, found
}

func (d *Dictionary[K, V]) recordLookup(shard int, found bool) {
	if found {
		d.metrics.incHit(shard)
	} else {
		d.metrics.incMiss(shard)
	}
}

// TryAdd inserts key/value iff key is absent, returning false if it already
// exists.
func (d *Dictionary[K, V]) TryAdd(key K, value V) bool {
	hash := fixedkv.Hash(&key)
	shard := d.shardFor(hash)
	result := d.dispatch(shard, hash, combine.OpTryAdd, key, value, value, nil, nil)
	return result.ok
}

// GetOrAdd returns the existing value for key, or inserts value and returns
// it.
func (d *Dictionary[K, V]) GetOrAdd(key K, value V) V {
	hash := fixedkv.Hash(&key)
	shard := d.shardFor(hash)
	result := d.dispatch(shard, hash, combine.OpGetOrAdd, key, value, value, nil, nil)
	return result.value
}

// GetOrAddWithFactory is GetOrAdd, but the insert value is produced by
// factory(key), invoked at most once and only after a slot has been secured
// for key (spec §9's chosen policy for resize-triggering factories).
func (d *Dictionary[K, V]) GetOrAddWithFactory(key K, factory func(K) V) V {
	hash := fixedkv.Hash(&key)
	shard := d.shardFor(hash)
	var zero V
	result := d.dispatch(shard, hash, combine.OpGetOrAdd, key, zero, zero, factory, nil)
	return result.value
}

// AddOrUpdate applies updateFactory to the existing value if key is present,
// else inserts addValue; it returns the post-operation value.
func (d *Dictionary[K, V]) AddOrUpdate(key K, addValue V, updateFactory func(V) V) V {
	hash := fixedkv.Hash(&key)
	shard := d.shardFor(hash)
	result := d.dispatch(shard, hash, combine.OpAddOrUpdate, key, addValue, addValue, nil, updateFactory)
	return result.value
}

// AddOrUpdateWithFactory is AddOrUpdate, but the insert value is produced by
// addFactory(key) rather than taken verbatim.
func (d *Dictionary[K, V]) AddOrUpdateWithFactory(key K, addFactory func(K) V, updateFactory func(V) V) V {
	hash := fixedkv.Hash(&key)
	shard := d.shardFor(hash)
	var zero V
	result := d.dispatch(shard, hash, combine.OpAddOrUpdate, key, zero, zero, addFactory, updateFactory)
	return result.value
}

// TryUpdate replaces key's value with newValue iff its current value equals
// comparison.
func (d *Dictionary[K, V]) TryUpdate(key K, newValue, comparison V) bool {
	hash := fixedkv.Hash(&key)
	shard := d.shardFor(hash)
	result := d.dispatch(shard, hash, combine.OpTryUpdate, key, newValue, comparison, nil, nil)
	return result.ok
}

// TryRemove deletes key if present, returning its value.
func (d *Dictionary[K, V]) TryRemove(key K) (V, bool) {
	hash := fixedkv.Hash(&key)
	shard := d.shardFor(hash)
	var zero V
	result := d.dispatch(shard, hash, combine.OpTryRemove, key, zero, zero, nil, nil)
	return result.value, result.ok
}

// Count returns the total number of entries across all shards.
func (d *Dictionary[K, V]) Count() int64 {
	var total int64
	for _, s := range d.shards {
		total += s.Count()
	}
	return total
}

// Capacity returns the total slot count across all shards.
func (d *Dictionary[K, V]) Capacity() int64 {
	var total int64
	for _, s := range d.shards {
		total += s.Capacity()
	}
	return total
}

// ShardStats is one shard's point-in-time occupancy, exposed for diagnostic
// surfaces such as a /debug/qdict/snapshot endpoint; cmd/qdict-inspect
// decodes this JSON shape.
type ShardStats struct {
	Index          int     `json:"index"`
	Count          int64   `json:"count"`
	Capacity       int64   `json:"capacity"`
	Tombstones     int64   `json:"tombstones"`
	TombstoneRatio float64 `json:"tombstone_ratio"`
}

// Shards returns a per-shard snapshot of occupancy and tombstone pressure.
// Each shard is read independently without taking its lock; under
// concurrent writers the returned figures are a best-effort point-in-time
// view, not a consistent whole-dictionary snapshot.
func (d *Dictionary[K, V]) Shards() []ShardStats {
	stats := make([]ShardStats, len(d.shards))
	for i, s := range d.shards {
		cap := s.Capacity()
		tomb := s.Tombstones()
		ratio := 0.0
		if cap > 0 {
			ratio = float64(tomb) / float64(cap)
		}
		stats[i] = ShardStats{Index: i, Count: s.Count(), Capacity: cap, Tombstones: tomb, TombstoneRatio: ratio}
	}
	return stats
}

type dispatchResult[V any] struct {
	value V
	ok    bool
}

// dispatch implements spec §4.6's mutator path: a non-blocking lock attempt
// first; on success the caller runs its op directly, then drains any
// pending combine requests on behalf of whoever published while it held the
// lock. On failure, if combining is enabled, the request is published to the
// shard's combine queue and the caller waits for whichever thread holds the
// lock to execute it; a full combine queue (or combining disabled) falls
// back to a blocking lock acquire.
func (d *Dictionary[K, V]) dispatch(shard int, hash uint64, op combine.OpKind, key K, value, comparison V, factory func(K) V, updateFactory func(V) V) dispatchResult[V] {
	exec := executor[K, V]{shard: d.shards[shard]}

	if d.locks.TryAcquire(shard) {
		slot := combine.Slot[K, V]{Op: op, Key: key, Value: value, Comparison: comparison, Factory: factory, UpdateFactory: updateFactory}
		d.runLocked(shard, &exec, &slot)
		if slot.Err != nil {
			panic(slot.Err)
		}
		return dispatchResult[V]{value: slot.ResultValue, ok: slot.ResultOK}
	}

	if d.combining {
		idx, ok := d.queues[shard].Publish(hash, op, key, value, comparison, factory, updateFactory)
		if ok {
			d.metrics.incCombinePublish(shard)
			v, resultOK, err := d.queues[shard].Wait(idx)
			if err != nil {
				panic(err)
			}
			return dispatchResult[V]{value: v, ok: resultOK}
		}
		d.metrics.incCombineFallback(shard)
	}

	d.locks.Acquire(shard)
	slot := combine.Slot[K, V]{Op: op, Key: key, Value: value, Comparison: comparison, Factory: factory, UpdateFactory: updateFactory}
	d.runLocked(shard, &exec, &slot)
	if slot.Err != nil {
		panic(slot.Err)
	}
	return dispatchResult[V]{value: slot.ResultValue, ok: slot.ResultOK}
}

// runLocked executes slot under the shard lock the caller already holds and
// drains any requests published by other threads while it was held, then
// unconditionally releases the lock — including when slot's own op panics,
// since combine.ExecuteRecoverably turns that into slot.Err before returning
// rather than letting it unwind through here (spec §7, §8's "shard lock bit
// is zero after every mutator returns").
func (d *Dictionary[K, V]) runLocked(shard int, exec *executor[K, V], slot *combine.Slot[K, V]) {
	defer d.locks.Release(shard)
	combine.ExecuteRecoverably[K, V](exec, slot)
	if d.combining {
		d.queues[shard].Drain(exec)
	}
}

func (d *Dictionary[K, V]) drainIfCombining(shard int) {
	if d.combining {
		exec := executor[K, V]{shard: d.shards[shard]}
		d.queues[shard].Drain(&exec)
	}
}

// executor implements combine.Executor by dispatching a slot's OpKind to the
// matching *Locked method on the shard it wraps. It is instantiated fresh
// per call (it carries no state beyond the shard pointer) so it can serve
// both the direct-caller path and the drain path identically, guaranteeing
// combining never changes an operation's outcome.
type executor[K comparable, V any] struct {
	shard *shardtable.Shard[K, V]
}

func (e *executor[K, V]) ExecuteLocked(slot *combine.Slot[K, V]) {
	hash := fixedkv.Hash(&slot.Key)
	switch slot.Op {
	case combine.OpTryAdd:
		slot.ResultOK = e.shard.TryAddLocked(hash, slot.Key, slot.Value)
		slot.ResultValue = slot.Value
	case combine.OpGetOrAdd:
		slot.ResultValue = e.shard.GetOrAddLocked(hash, slot.Key, slot.Value, slot.Factory)
		slot.ResultOK = true
	case combine.OpAddOrUpdate:
		slot.ResultValue = e.shard.AddOrUpdateLocked(hash, slot.Key, slot.Value, slot.Factory, slot.UpdateFactory)
		slot.ResultOK = true
	case combine.OpTryUpdate:
		slot.ResultOK = e.shard.TryUpdateLocked(hash, slot.Key, slot.Value, slot.Comparison)
	case combine.OpTryRemove:
		slot.ResultValue, slot.ResultOK = e.shard.TryRemoveLocked(hash, slot.Key)
	}
}
