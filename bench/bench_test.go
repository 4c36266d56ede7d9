// Package bench provides reproducible micro-benchmarks for qdict. Run via:
//
//	go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// The benchmarks intentionally use a single key/value shape so results are
// comparable across versions:
//   - Key   - 16-byte fixed record (8-byte id, 8 bytes padding)
//   - Value - 64-byte struct, large enough to matter, small enough to cache
//
// We measure:
//  1. TryAdd      - write-only workload
//  2. TryGet      - read-only workload (after warm-up)
//  3. GetParallel - highly concurrent reads (b.RunParallel)
//  4. GetOrLoad   - 90% hits, 10% misses with loader cost
//
// NOTE: unit tests live alongside each package; this file is only for
// performance.
//
// © 2025 qdict authors. MIT License.
package bench

import (
	"context"
	"math/rand"
	"runtime"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/archonlabs/qdict/examples/asyncload"
	"github.com/archonlabs/qdict/pkg/qdict"
)

type key struct {
	ID uint64
	_  [8]byte
}

type value64 struct {
	_ [64]byte
}

const (
	shards = 16
	keys   = 1 << 20 // 1M keys for dataset
)

func newTestDict() *qdict.Dictionary[key, value64] {
	d, err := qdict.New[key, value64](
		qdict.WithShardCount[key, value64](shards),
		qdict.WithInitialCapacityPerShard[key, value64](keys/shards),
	)
	if err != nil {
		panic(err)
	}
	return d
}

func keyHash(k key) string { return strconv.FormatUint(k.ID, 16) }

// global dataset reused across benches to avoid reallocating large slices.
var ds = func() []key {
	arr := make([]key, keys)
	for i := range arr {
		arr[i] = key{ID: rand.Uint64()}
	}
	return arr
}()

func BenchmarkTryAdd(b *testing.B) {
	d := newTestDict()
	val := value64{}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(keys-1)]
		d.TryAdd(k, val)
	}
}

func BenchmarkTryGet(b *testing.B) {
	d := newTestDict()
	val := value64{}
	for _, k := range ds {
		d.TryAdd(k, val)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(keys-1)]
		d.TryGet(k)
	}
}

func BenchmarkGetParallel(b *testing.B) {
	d := newTestDict()
	val := value64{}
	for _, k := range ds {
		d.TryAdd(k, val)
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		idx := rand.Intn(keys)
		for pb.Next() {
			idx = (idx + 1) & (keys - 1)
			d.TryGet(ds[idx])
		}
	})
}

func BenchmarkGetOrLoad(b *testing.B) {
	d := newTestDict()
	val := value64{}
	// Preload 90% of keys to simulate mixed hit/miss.
	for i, k := range ds {
		if i%10 != 0 {
			d.TryAdd(k, val)
		}
	}
	loader := asyncload.New[key, value64](d, keyHash)
	var loaderCnt atomic.Uint64
	loadFn := func(ctx context.Context, k key) (value64, error) {
		loaderCnt.Add(1)
		return val, nil
	}
	b.ReportAllocs()
	b.ResetTimer()
	ctx := context.Background()
	for i := 0; i < b.N; i++ {
		k := ds[i&(keys-1)]
		loader.GetOrLoad(ctx, k, loadFn)
	}
	b.ReportMetric(float64(loaderCnt.Load())/float64(b.N)*100, "miss-%")
}

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())
}
