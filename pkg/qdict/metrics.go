package qdict

// metrics.go mirrors the teacher's thin Prometheus abstraction: a shard-level
// metricsSink interface with a no-op implementation used until the caller
// opts in via WithMetrics, and a Prometheus-backed implementation that
// resolves the shard label once per call via WithLabelValues.
//
// ┌──────────────────────────────┬──────┬────────┐
// │ Metric                       │ Type │ Labels │
// ├───────────────────────────────┼──────┼────────┤
// │ qdict_hits_total              │ Ctr  │ shard  │
// │ qdict_misses_total            │ Ctr  │ shard  │
// │ qdict_resizes_total           │ Ctr  │ shard  │
// │ qdict_rehashes_total          │ Ctr  │ shard  │
// │ qdict_combine_publishes_total │ Ctr  │ shard  │
// │ qdict_combine_fallbacks_total │ Ctr  │ shard  │
// │ qdict_capacity                │ Gge  │ shard  │
// └──────────────────────────────┴──────┴────────┘
//
// © 2025 qdict authors. MIT License.

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSink is the internal interface abstracting Prometheus vs noop. Not
// exported: callers only ever configure it through WithMetrics.
type metricsSink interface {
	incHit(shard int)
	incMiss(shard int)
	incResize(shard int)
	incRehash(shard int)
	incCombinePublish(shard int)
	incCombineFallback(shard int)
	setCapacity(shard int, value int64)
}

type noopMetrics struct{}

func (noopMetrics) incHit(int)              {}
func (noopMetrics) incMiss(int)             {}
func (noopMetrics) incResize(int)           {}
func (noopMetrics) incRehash(int)           {}
func (noopMetrics) incCombinePublish(int)   {}
func (noopMetrics) incCombineFallback(int)  {}
func (noopMetrics) setCapacity(int, int64)  {}

type promMetrics struct {
	hits              *prometheus.CounterVec
	misses            *prometheus.CounterVec
	resizes           *prometheus.CounterVec
	rehashes          *prometheus.CounterVec
	combinePublishes  *prometheus.CounterVec
	combineFallbacks  *prometheus.CounterVec
	capacity          *prometheus.GaugeVec
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	label := []string{"shard"}
	pm := &promMetrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qdict", Name: "hits_total", Help: "Number of Get hits.",
		}, label),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qdict", Name: "misses_total", Help: "Number of Get misses.",
		}, label),
		resizes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qdict", Name: "resizes_total", Help: "Number of capacity-doubling resizes.",
		}, label),
		rehashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qdict", Name: "rehashes_total", Help: "Number of in-place tombstone rehashes.",
		}, label),
		combinePublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qdict", Name: "combine_publishes_total", Help: "Number of requests published to a combine queue.",
		}, label),
		combineFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qdict", Name: "combine_fallbacks_total", Help: "Number of times a full combine queue forced a blocking acquire.",
		}, label),
		capacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qdict", Name: "capacity", Help: "Current slot count of a shard's table.",
		}, label),
	}
	reg.MustRegister(pm.hits, pm.misses, pm.resizes, pm.rehashes, pm.combinePublishes, pm.combineFallbacks, pm.capacity)
	return pm
}

func (m *promMetrics) incHit(shard int)             { m.hits.WithLabelValues(strconv.Itoa(shard)).Inc() }
func (m *promMetrics) incMiss(shard int)            { m.misses.WithLabelValues(strconv.Itoa(shard)).Inc() }
func (m *promMetrics) incResize(shard int)          { m.resizes.WithLabelValues(strconv.Itoa(shard)).Inc() }
func (m *promMetrics) incRehash(shard int)          { m.rehashes.WithLabelValues(strconv.Itoa(shard)).Inc() }
func (m *promMetrics) incCombinePublish(shard int)  { m.combinePublishes.WithLabelValues(strconv.Itoa(shard)).Inc() }
func (m *promMetrics) incCombineFallback(shard int) { m.combineFallbacks.WithLabelValues(strconv.Itoa(shard)).Inc() }
func (m *promMetrics) setCapacity(shard int, value int64) {
	m.capacity.WithLabelValues(strconv.Itoa(shard)).Set(float64(value))
}

// newMetricsSink picks the implementation based on whether the caller opted
// in via WithMetrics.
func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}
