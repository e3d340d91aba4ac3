// ABOUTME: Metrics Collector for cache effectiveness and delivery outcomes
// ABOUTME: Lock-free counters with a derived hit ratio, health flag and Prometheus export

package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultErrorThreshold is the number of cache errors tolerated before the
// collector reports unhealthy.
const DefaultErrorThreshold = 100

// Collector counts cache lookups and delivery outcomes for the process lifetime.
// All methods are safe for concurrent use.
type Collector struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	cacheErrors atomic.Uint64
	delivered   atomic.Uint64
	dropped     atomic.Uint64

	errorThreshold uint64
}

// NewCollector creates a collector. A non-positive threshold uses DefaultErrorThreshold.
func NewCollector(errorThreshold int) *Collector {
	if errorThreshold <= 0 {
		errorThreshold = DefaultErrorThreshold
	}
	return &Collector{errorThreshold: uint64(errorThreshold)}
}

// Hit records a cache hit.
func (c *Collector) Hit() { c.hits.Add(1) }

// Miss records a cache miss.
func (c *Collector) Miss() { c.misses.Add(1) }

// CacheError records a cache inconsistency.
func (c *Collector) CacheError() { c.cacheErrors.Add(1) }

// Delivered records a frame enqueued to a connection.
func (c *Collector) Delivered() { c.delivered.Add(1) }

// Dropped records a frame that could not be enqueued.
func (c *Collector) Dropped() { c.dropped.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Hits        uint64
	Misses      uint64
	CacheErrors uint64
	Delivered   uint64
	Dropped     uint64
}

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		CacheErrors: c.cacheErrors.Load(),
		Delivered:   c.delivered.Load(),
		Dropped:     c.dropped.Load(),
	}
}

// HitRatio returns hits/(hits+misses) as a percentage in [0, 100].
// It is 0 when there have been no lookups. Callers round for display.
func (c *Collector) HitRatio() float64 {
	return hitRatio(c.hits.Load(), c.misses.Load())
}

func hitRatio(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// Healthy reports whether cache errors are within the threshold.
func (c *Collector) Healthy() bool {
	return c.cacheErrors.Load() <= c.errorThreshold
}

// Status is the health report served to operators.
type Status struct {
	Healthy bool          `json:"healthy"`
	Metrics StatusMetrics `json:"metrics"`
}

// StatusMetrics is the counter section of Status.
type StatusMetrics struct {
	Hits               uint64  `json:"hits"`
	Misses             uint64  `json:"misses"`
	HitRatioPercentage float64 `json:"hit_ratio_percentage"`
}

// Status builds the operator health report. Hits, misses and the ratio are
// read once so the three agree with each other.
func (c *Collector) Status() Status {
	hits, misses := c.hits.Load(), c.misses.Load()
	return Status{
		Healthy: c.Healthy(),
		Metrics: StatusMetrics{
			Hits:               hits,
			Misses:             misses,
			HitRatioPercentage: hitRatio(hits, misses),
		},
	}
}

// Register exposes the collector's counters to Prometheus. The values are
// read on scrape, so there is no second set of counters to keep in sync.
func (c *Collector) Register(reg prometheus.Registerer) {
	factory := promauto.With(reg)

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "huddle_cache_hits_total",
		Help: "Total number of message cache hits",
	}, func() float64 { return float64(c.hits.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "huddle_cache_misses_total",
		Help: "Total number of message cache misses",
	}, func() float64 { return float64(c.misses.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "huddle_cache_errors_total",
		Help: "Total number of message cache inconsistencies",
	}, func() float64 { return float64(c.cacheErrors.Load()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "huddle_cache_hit_ratio",
		Help: "Message cache hit ratio as a percentage",
	}, c.HitRatio)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "huddle_cache_healthy",
		Help: "1 when cache errors are within the configured threshold",
	}, func() float64 {
		if c.Healthy() {
			return 1
		}
		return 0
	})

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "huddle_delivery_sent_total",
		Help: "Total number of frames enqueued to connections",
	}, func() float64 { return float64(c.delivered.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "huddle_delivery_dropped_total",
		Help: "Total number of frames dropped because a connection was full or closed",
	}, func() float64 { return float64(c.dropped.Load()) })
}
