package qdict

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/archonlabs/qdict/internal/fixedkv"
)

type testKey struct{ X uint64 }

func newTestDictionary(t *testing.T, opts ...Option[testKey, int]) *Dictionary[testKey, int] {
	t.Helper()
	d, err := New[testKey, int](opts...)
	require.NoError(t, err)
	return d
}

func TestNewRejectsNonPODTypes(t *testing.T) {
	_, err := New[string, int]()
	assert.ErrorIs(t, err, ErrNotPOD)
}

func TestTryAddTryGetTryRemove(t *testing.T) {
	d := newTestDictionary(t)

	k := testKey{X: 1}
	assert.True(t, d.TryAdd(k, 100))
	assert.False(t, d.TryAdd(k, 200), "re-adding an existing key must fail")

	v, ok := d.TryGet(k)
	require.True(t, ok)
	assert.Equal(t, 100, v)

	removed, ok := d.TryRemove(k)
	require.True(t, ok)
	assert.Equal(t, 100, removed)

	_, ok = d.TryGet(k)
	assert.False(t, ok)
}

func TestGetOrAdd(t *testing.T) {
	d := newTestDictionary(t)
	k := testKey{X: 2}

	v := d.GetOrAdd(k, 5)
	assert.Equal(t, 5, v)

	v2 := d.GetOrAdd(k, 999)
	assert.Equal(t, 5, v2, "GetOrAdd on an existing key must not overwrite it")
}

func TestGetOrAddWithFactoryCallsOnce(t *testing.T) {
	d := newTestDictionary(t)
	k := testKey{X: 3}

	calls := 0
	factory := func(testKey) int { calls++; return 42 }

	v := d.GetOrAddWithFactory(k, factory)
	assert.Equal(t, 42, v)

	v2 := d.GetOrAddWithFactory(k, factory)
	assert.Equal(t, 42, v2)
	assert.Equal(t, 1, calls)
}

func TestAddOrUpdate(t *testing.T) {
	d := newTestDictionary(t)
	k := testKey{X: 4}

	v := d.AddOrUpdate(k, 1, func(existing int) int { return existing + 1 })
	assert.Equal(t, 1, v)

	v2 := d.AddOrUpdate(k, 1, func(existing int) int { return existing + 1 })
	assert.Equal(t, 2, v2)
}

func TestTryUpdateRespectsComparison(t *testing.T) {
	d := newTestDictionary(t)
	k := testKey{X: 5}
	d.TryAdd(k, 10)

	assert.False(t, d.TryUpdate(k, 11, 999), "comparison mismatch must fail")
	assert.True(t, d.TryUpdate(k, 11, 10))

	v, _ := d.TryGet(k)
	assert.Equal(t, 11, v)
}

func TestCountAndCapacity(t *testing.T) {
	d := newTestDictionary(t, WithShardCount[testKey, int](4), WithInitialCapacityPerShard[testKey, int](8))

	assert.Equal(t, int64(0), d.Count())
	assert.Equal(t, int64(32), d.Capacity())

	for i := uint64(0); i < 10; i++ {
		d.TryAdd(testKey{X: i}, int(i))
	}
	assert.Equal(t, int64(10), d.Count())
}

func TestConcurrentMutationAcrossShards(t *testing.T) {
	d := newTestDictionary(t, WithShardCount[testKey, int](8), WithCombining[testKey, int](true))

	const goroutines = 32
	const perGoroutine = 200

	var g errgroup.Group
	for w := 0; w < goroutines; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perGoroutine; i++ {
				k := testKey{X: uint64(w*perGoroutine + i)}
				d.TryAdd(k, i)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(goroutines*perGoroutine), d.Count())
}

func TestConcurrentReadWriteSameKeySet(t *testing.T) {
	d := newTestDictionary(t, WithShardCount[testKey, int](4))

	const n = 500
	for i := 0; i < n; i++ {
		d.TryAdd(testKey{X: uint64(i)}, i)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					d.TryGet(testKey{X: uint64(n / 2)})
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		d.AddOrUpdate(testKey{X: uint64(i)}, i, func(v int) int { return v + 1 })
	}

	close(stop)
	wg.Wait()

	v, ok := d.TryGet(testKey{X: 0})
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

// TestTryUpdateConcurrentCASContention exercises spec §8 scenario 4: two
// goroutines race TryUpdate against the same key, each only ever proposing
// its own last-seen value as the comparison. No stale-comparison update may
// succeed, and the number of successful updates across both goroutines must
// exactly match the value the key ends up holding.
func TestTryUpdateConcurrentCASContention(t *testing.T) {
	d := newTestDictionary(t, WithShardCount[testKey, int](1))
	k := testKey{X: 42}
	require.True(t, d.TryAdd(k, 0))

	const attemptsPerGoroutine = 20000
	var successes atomic.Int64

	var g errgroup.Group
	for w := 0; w < 2; w++ {
		g.Go(func() error {
			for i := 0; i < attemptsPerGoroutine; i++ {
				for {
					current, ok := d.TryGet(k)
					require.True(t, ok)
					if d.TryUpdate(k, current+1, current) {
						successes.Add(1)
						break
					}
					// Lost the race against the other goroutine's update;
					// retry against the now-current value instead of
					// proposing a stale comparison again.
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	final, ok := d.TryGet(k)
	require.True(t, ok)
	assert.Equal(t, int(successes.Load()), final, "final value must equal the count of successful CAS updates")
	assert.Equal(t, int64(2*attemptsPerGoroutine), successes.Load())
}

// TestFactoryPanicOnDirectLockPathReleasesShardLock exercises spec §7's
// factory-failure contract on the path where the caller acquires the shard
// lock directly (combining disabled): a panicking factory must not leave
// the shard's bit-lock held, and the dictionary must remain fully usable
// afterward.
func TestFactoryPanicOnDirectLockPathReleasesShardLock(t *testing.T) {
	d := newTestDictionary(t, WithShardCount[testKey, int](4), WithCombining[testKey, int](false))
	k := testKey{X: 900}
	hash := fixedkv.Hash(&k)
	shard := d.shardFor(hash)

	assert.Panics(t, func() {
		d.GetOrAddWithFactory(k, func(testKey) int { panic("factory exploded") })
	})

	assert.False(t, d.locks.Held(shard), "a panicking factory must not leave the shard lock held")

	// The key must not have been partially inserted.
	_, ok := d.TryGet(k)
	assert.False(t, ok)

	// The shard must still be usable: no deadlock from the panic.
	assert.True(t, d.TryAdd(k, 7))
	v, ok := d.TryGet(k)
	require.True(t, ok)
	assert.Equal(t, 7, v)
}

// TestFactoryPanicOnCombiningPathReleasesShardLock drives a panicking
// factory through the flat-combining publish/drain path: a second goroutine
// finds the shard lock busy, publishes its request to the combine queue, and
// waits; the lock holder's Drain must recover the panic, deliver it to the
// waiter as an error (not a hang), and still leave the shard lock released.
func TestFactoryPanicOnCombiningPathReleasesShardLock(t *testing.T) {
	d := newTestDictionary(t, WithShardCount[testKey, int](4), WithCombining[testKey, int](true))
	k := testKey{X: 901}
	hash := fixedkv.Hash(&k)
	shard := d.shardFor(hash)

	d.locks.Acquire(shard)

	waiterDone := make(chan any, 1)
	go func() {
		defer func() { waiterDone <- recover() }()
		d.GetOrAddWithFactory(k, func(testKey) int { panic("combine factory exploded") })
	}()

	// Poll-drain for a bounded number of iterations so whichever slot the
	// waiter eventually publishes into gets picked up as soon as it's Ready,
	// rather than guessing how long the goroutine needs to be scheduled.
	for i := 0; i < 100000; i++ {
		d.drainIfCombining(shard)
		runtime.Gosched()
	}
	d.locks.Release(shard)

	recovered := <-waiterDone
	require.NotNil(t, recovered, "the waiter must observe the factory panic, not a silent success")

	assert.False(t, d.locks.Held(shard), "the shard lock must be released after draining a panicking factory")

	// The dictionary must remain usable: no deadlock, no stuck combine slot.
	assert.True(t, d.TryAdd(k, 11))
	v, ok := d.TryGet(k)
	require.True(t, ok)
	assert.Equal(t, 11, v)
}

func TestCombiningDisabledStillSerializesCorrectly(t *testing.T) {
	d := newTestDictionary(t, WithCombining[testKey, int](false), WithShardCount[testKey, int](2))

	var g errgroup.Group
	for w := 0; w < 16; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 100; i++ {
				d.TryAdd(testKey{X: uint64(w*100 + i)}, i)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1600), d.Count())
}
