package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the cache tiers.
type Metrics struct {
	layerHitsTotal *prometheus.CounterVec
	evictionsTotal prometheus.Counter
	droppedTotal   prometheus.Counter
	sweptTotal     prometheus.Counter
	l1Size         prometheus.Gauge
	l2ErrorsTotal  *prometheus.CounterVec
	breakerState   prometheus.Gauge
}

var (
	cacheMetricsInstance *Metrics
	cacheMetricsOnce     sync.Once
)

func getCacheMetrics() *Metrics {
	cacheMetricsOnce.Do(func() {
		cacheMetricsInstance = newCacheMetrics()
	})
	return cacheMetricsInstance
}

// GetMetrics returns the singleton cache metrics instance.
func GetMetrics() *Metrics {
	return getCacheMetrics()
}

// MustRegister registers the collectors with a custom registry. promauto
// only registers with the default registry, while /metrics is served from
// the service's own registry.
func (m *Metrics) MustRegister(registry prometheus.Registerer) {
	registry.MustRegister(
		m.layerHitsTotal,
		m.evictionsTotal,
		m.droppedTotal,
		m.sweptTotal,
		m.l1Size,
		m.l2ErrorsTotal,
		m.breakerState,
	)
}

// Init pre-creates label combinations so they are exported at zero.
func (m *Metrics) Init() {
	for _, layer := range []string{LayerL1.String(), LayerL2.String()} {
		m.layerHitsTotal.WithLabelValues(layer)
	}
	for _, op := range []string{"get", "set", "delete", "exists", "scan"} {
		m.l2ErrorsTotal.WithLabelValues(op)
	}
}

func newCacheMetrics() *Metrics {
	return &Metrics{
		layerHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avacache",
				Subsystem: "cache",
				Name:      "layer_hits_total",
				Help:      "Total number of cache hits by serving layer",
			},
			[]string{"layer"},
		),
		evictionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "avacache",
				Subsystem: "cache",
				Name:      "l1_evictions_total",
				Help:      "Total number of LRU evictions from L1",
			},
		),
		droppedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "avacache",
				Subsystem: "cache",
				Name:      "l1_dropped_total",
				Help:      "Total number of L1 inserts dropped because every entry was pinned",
			},
		),
		sweptTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "avacache",
				Subsystem: "cache",
				Name:      "l1_swept_total",
				Help:      "Total number of expired L1 entries removed by the sweep",
			},
		),
		l1Size: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avacache",
				Subsystem: "cache",
				Name:      "l1_entries",
				Help:      "Current number of entries in L1",
			},
		),
		l2ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avacache",
				Subsystem: "cache",
				Name:      "l2_errors_total",
				Help:      "Total number of failed L2 calls",
			},
			[]string{"operation"},
		),
		breakerState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avacache",
				Subsystem: "cache",
				Name:      "l2_breaker_state",
				Help:      "L2 circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),
	}
}
