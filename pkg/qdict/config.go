package qdict

// config.go defines the internal configuration object and the functional
// options New accepts, following the teacher's config.go pattern: a hidden
// struct, sensible defaults, and Option[K,V] callbacks that only capture
// values, never allocate heavy state themselves.
//
// © 2025 qdict authors. MIT License.

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/archonlabs/qdict/internal/bitlock"
	"github.com/archonlabs/qdict/internal/unsafeconv"
)

// Option configures a Dictionary at construction time. It is generic because
// some options close over the concrete K/V types (none currently do, but the
// teacher's WeightFn/EjectCallback precedent keeps this generic for forward
// compatibility).
type Option[K comparable, V any] func(*config[K, V])

// config bundles every knob spec §4.7 exposes. All fields are immutable once
// the Dictionary is constructed.
type config[K comparable, V any] struct {
	shardCount              int
	initialCapacityPerShard uint64
	maxLoadFactor           float64
	tombstoneRatio          float64
	groupWidth              uint64
	maxProbeGroups          uint64

	spinIters       int
	slowPathIters   int
	contentionMode  bitlock.ContentionMode
	lockScheme      bitlock.Scheme

	maxSessions int

	enableCombining bool
	combiningSlots  int

	logger   *zap.Logger
	registry *prometheus.Registry
}

// defaultConfig matches spec §4.7's option table exactly. maxProbeGroups
// defaults to 0, a sentinel newTable resolves to "every group in the table"
// (capacity/groupWidth) at each construction/resize, since the spec's
// "total_groups" default is itself capacity-dependent and cannot be a fixed
// literal here.
func defaultConfig[K comparable, V any]() *config[K, V] {
	return &config[K, V]{
		shardCount:              256,
		initialCapacityPerShard: 1024,
		maxLoadFactor:           0.75,
		tombstoneRatio:          0.20,
		groupWidth:              16,
		maxProbeGroups:          0,
		spinIters:               128,
		slowPathIters:           4096,
		contentionMode:          bitlock.SpinThenMonitor,
		lockScheme:              bitlock.Bitset,
		maxSessions:             256,
		enableCombining:         false,
		combiningSlots:          64,
		logger:                  zap.NewNop(),
		registry:                nil,
	}
}

// WithShardCount sets the number of independent shards, rounded up to the
// next power of two by applyOptions.
func WithShardCount[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) { c.shardCount = n }
}

// WithInitialCapacityPerShard sets each shard's starting table size, rounded
// up to a power of two (minimum 4) by applyOptions.
func WithInitialCapacityPerShard[K comparable, V any](n uint64) Option[K, V] {
	return func(c *config[K, V]) { c.initialCapacityPerShard = n }
}

// WithMaxLoadFactor sets the occupied/capacity ratio that triggers a
// capacity-doubling resize.
func WithMaxLoadFactor[K comparable, V any](f float64) Option[K, V] {
	return func(c *config[K, V]) { c.maxLoadFactor = f }
}

// WithTombstoneRatio sets the deleted/capacity ratio that triggers an
// in-place rehash (same capacity, tombstones purged).
func WithTombstoneRatio[K comparable, V any](f float64) Option[K, V] {
	return func(c *config[K, V]) { c.tombstoneRatio = f }
}

// WithGroupWidth selects the control-byte group width. applyOptions rounds it
// down to a power of two and caps it at the initial capacity; a resulting
// width of 8 or 16 uses the SWAR scanner, any other width the portable
// linear scan.
func WithGroupWidth[K comparable, V any](w uint64) Option[K, V] {
	return func(c *config[K, V]) { c.groupWidth = w }
}

// WithMaxProbeGroups bounds how many groups Find-slot visits before
// reporting no free slot (forcing a resize). 0 (the default) means "every
// group in the table", resolved fresh at each table generation.
func WithMaxProbeGroups[K comparable, V any](n uint64) Option[K, V] {
	return func(c *config[K, V]) { c.maxProbeGroups = n }
}

// WithSpinIters sets the bounded fast-path spin count before a lock acquire
// escalates to its slow path.
func WithSpinIters[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) { c.spinIters = n }
}

// WithSlowPathIters sets the bounded secondary spin count used by the
// SpinOnly contention mode.
func WithSlowPathIters[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) { c.slowPathIters = n }
}

// WithContentionMode selects what a blocked lock acquire does after its fast
// spin: SpinOnly or SpinThenMonitor.
func WithContentionMode[K comparable, V any](m bitlock.ContentionMode) Option[K, V] {
	return func(c *config[K, V]) { c.contentionMode = m }
}

// WithLockScheme selects the shard lock layout: Bitset (one word per shard)
// or Matrix2D (64x64 grid keyed by a secondary hash mix).
func WithLockScheme[K comparable, V any](s bitlock.Scheme) Option[K, V] {
	return func(c *config[K, V]) { c.lockScheme = s }
}

// WithMaxSessions sets the number of QSBR reader session slots. A value of 0
// disables the lock-free read path entirely; every Get then takes the shard
// lock.
func WithMaxSessions[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) { c.maxSessions = n }
}

// WithCombining enables or disables flat combining for contended shards.
// Disabling it makes every blocked mutator wait directly on the shard lock.
func WithCombining[K comparable, V any](enabled bool) Option[K, V] {
	return func(c *config[K, V]) { c.enableCombining = enabled }
}

// WithCombiningSlots sets the per-shard combine queue's slot count, rounded
// up to the next power of two by applyOptions when combining is enabled.
func WithCombiningSlots[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) { c.combiningSlots = n }
}

// WithLogger plugs an external zap.Logger. Qdict never logs on the hot path;
// only shard resize and in-place rehash events are emitted, at Debug level.
// Falling back to the shard lock when QSBR session slots or combine slots
// are exhausted is not logged.
func WithLogger[K comparable, V any](l *zap.Logger) Option[K, V] {
	return func(c *config[K, V]) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection. Passing nil disables
// metrics (the default); the hot path then never pays for a label lookup.
func WithMetrics[K comparable, V any](reg *prometheus.Registry) Option[K, V] {
	return func(c *config[K, V]) { c.registry = reg }
}

// applyOptions copies user-supplied options into cfg, then normalizes every
// knob spec §4.7 documents as "rounded" rather than rejected: shard_count and
// initial_capacity_per_shard round up to a power of two, group_width rounds
// down (capped to the rounded capacity), and combining_slots rounds up when
// combining is enabled. Only genuinely unrecoverable inputs (zero/negative
// counts, out-of-range ratios) return an error.
func applyOptions[K comparable, V any](cfg *config[K, V], opts []Option[K, V]) error {
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.shardCount <= 0 {
		return errInvalidShardCount
	}
	cfg.shardCount = int(unsafeconv.NextPowerOfTwo(uint64(cfg.shardCount)))

	if cfg.initialCapacityPerShard == 0 {
		return errInvalidCapacity
	}
	cfg.initialCapacityPerShard = unsafeconv.NextPowerOfTwo(cfg.initialCapacityPerShard)
	if cfg.initialCapacityPerShard < 4 {
		cfg.initialCapacityPerShard = 4
	}

	if cfg.groupWidth == 0 {
		return errInvalidGroupWidth
	}
	cfg.groupWidth = unsafeconv.PrevPowerOfTwo(cfg.groupWidth)
	if cfg.groupWidth > cfg.initialCapacityPerShard {
		cfg.groupWidth = cfg.initialCapacityPerShard
	}

	if cfg.maxLoadFactor <= 0 || cfg.maxLoadFactor >= 1 {
		return errInvalidLoadFactor
	}
	if cfg.tombstoneRatio <= 0 || cfg.tombstoneRatio >= 1 {
		return errInvalidTombstoneRatio
	}
	if cfg.enableCombining {
		cfg.combiningSlots = int(unsafeconv.NextPowerOfTwo(uint64(cfg.combiningSlots)))
	}
	return nil
}

var (
	errInvalidShardCount     = errors.New("qdict: shard count must be greater than zero")
	errInvalidCapacity       = errors.New("qdict: initial capacity per shard must be greater than zero")
	errInvalidGroupWidth     = errors.New("qdict: group width must be greater than zero")
	errInvalidLoadFactor     = errors.New("qdict: max load factor must be in (0, 1)")
	errInvalidTombstoneRatio = errors.New("qdict: tombstone ratio must be in (0, 1)")
)
