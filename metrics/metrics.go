// Package metrics defines the Prometheus collectors shared by the cache
// engine and the seckill pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flashsale"

type Metrics struct {
	CacheLookups     *prometheus.CounterVec
	CacheLoads       *prometheus.CounterVec
	CacheLockWaits   *prometheus.CounterVec
	CacheRebuilds    *prometheus.CounterVec
	AdmissionResults *prometheus.CounterVec
	AdmissionLatency prometheus.Histogram
	ConsumerMessages *prometheus.CounterVec
	ConsumerLatency  prometheus.Histogram
	ConsumerBacklog  prometheus.Counter
	// RebuildPools reports the rebuild pool of every watched cache at
	// scrape time.
	RebuildPools *PoolCollector
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is convenient in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by strategy and result (hit, miss, tombstone, stale, absent).",
		}, []string{"cache", "strategy", "result"}),
		CacheLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "loads_total",
			Help:      "Loader invocations by outcome (found, absent, error).",
		}, []string{"cache", "outcome"}),
		CacheLockWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lock_waits_total",
			Help:      "Times a caller found the rebuild lock held.",
		}, []string{"cache"}),
		CacheRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "async_rebuilds_total",
			Help:      "Logical-expiry rebuilds by outcome (submitted, rejected, failed).",
		}, []string{"cache", "outcome"}),
		AdmissionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "seckill",
			Name:      "admissions_total",
			Help:      "Admission verdicts (admitted, no_stock, duplicate, error).",
		}, []string{"result"}),
		AdmissionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "seckill",
			Name:      "admission_seconds",
			Help:      "Latency of the synchronous purchase path.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		ConsumerMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "seckill",
			Name:      "consumer_messages_total",
			Help:      "Order intents handled by the consumer by outcome (persisted, dropped, rejected, failed, dead_lettered).",
		}, []string{"outcome"}),
		ConsumerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "seckill",
			Name:      "consumer_persist_seconds",
			Help:      "Time to persist one order intent.",
			Buckets:   prometheus.DefBuckets,
		}),
		ConsumerBacklog: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "seckill",
			Name:      "consumer_backlog_drains_total",
			Help:      "Pending-list recovery passes started by the consumer.",
		}),
		RebuildPools: newPoolCollector(),
	}
	if reg != nil {
		reg.MustRegister(
			m.CacheLookups, m.CacheLoads, m.CacheLockWaits, m.CacheRebuilds,
			m.AdmissionResults, m.AdmissionLatency,
			m.ConsumerMessages, m.ConsumerLatency, m.ConsumerBacklog,
			m.RebuildPools,
		)
	}
	return m
}

func (m *Metrics) Lookup(cache, strategy, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(cache, strategy, result).Inc()
}

func (m *Metrics) Load(cache, outcome string) {
	if m == nil {
		return
	}
	m.CacheLoads.WithLabelValues(cache, outcome).Inc()
}

func (m *Metrics) LockWait(cache string) {
	if m == nil {
		return
	}
	m.CacheLockWaits.WithLabelValues(cache).Inc()
}

func (m *Metrics) Rebuild(cache, outcome string) {
	if m == nil {
		return
	}
	m.CacheRebuilds.WithLabelValues(cache, outcome).Inc()
}

func (m *Metrics) Admission(result string, seconds float64) {
	if m == nil {
		return
	}
	m.AdmissionResults.WithLabelValues(result).Inc()
	m.AdmissionLatency.Observe(seconds)
}

func (m *Metrics) Consumed(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ConsumerMessages.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		m.ConsumerLatency.Observe(seconds)
	}
}

func (m *Metrics) BacklogDrain() {
	if m == nil {
		return
	}
	m.ConsumerBacklog.Inc()
}

// PoolStats is a snapshot of a worker pool.
type PoolStats struct {
	Active int
	Queued int
}

// PoolCollector gauges the active and queued tasks of each watched pool.
type PoolCollector struct {
	desc  *prometheus.Desc
	mu    sync.RWMutex
	pools map[string]func() PoolStats
}

func newPoolCollector() *PoolCollector {
	return &PoolCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "rebuild_pool_tasks"),
			"Logical-expiry rebuild tasks by state (active, queued).",
			[]string{"cache", "state"}, nil,
		),
		pools: make(map[string]func() PoolStats),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for cache, stats := range c.pools {
		s := stats()
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(s.Active), cache, "active")
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(s.Queued), cache, "queued")
	}
}

// WatchPool reports stats under cache until UnwatchPool. A later call for the
// same cache replaces the earlier one.
func (m *Metrics) WatchPool(cache string, stats func() PoolStats) {
	if m == nil {
		return
	}
	m.RebuildPools.mu.Lock()
	defer m.RebuildPools.mu.Unlock()
	m.RebuildPools.pools[cache] = stats
}

func (m *Metrics) UnwatchPool(cache string) {
	if m == nil {
		return
	}
	m.RebuildPools.mu.Lock()
	defer m.RebuildPools.mu.Unlock()
	delete(m.RebuildPools.pools, cache)
}
