package monitoring

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	hits     prometheus.Counter
	misses   prometheus.Counter
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	hitRatio prometheus.Gauge
	alerts   *prometheus.CounterVec
}

// newMetrics builds the collectors and registers them with reg when it is
// non-nil. Unregistered collectors still work, they are just not exported.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avacache",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache gets that found a live entry",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avacache",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache gets that found nothing",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avacache",
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Total number of backing-store errors",
		}, []string{"operation"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "avacache",
			Subsystem: "cache",
			Name:      "operation_duration_seconds",
			Help:      "Duration of cache operations",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"operation"}),
		hitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "avacache",
			Subsystem: "cache",
			Name:      "hit_ratio",
			Help:      "Hit ratio at the last snapshot",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avacache",
			Subsystem: "monitoring",
			Name:      "alerts_total",
			Help:      "Total number of alerts raised",
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.errors, m.duration, m.hitRatio, m.alerts)
	}
	return m
}
