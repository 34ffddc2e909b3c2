package lock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avacache",
			Subsystem: "lock",
			Name:      "operations_total",
			Help:      "Total number of lock operations by outcome",
		},
		[]string{"operation", "result"},
	)

	lockOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "avacache",
			Subsystem: "lock",
			Name:      "operation_duration_seconds",
			Help:      "Duration of lock operations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// MustRegister registers the lock collectors with a custom registry.
func MustRegister(registry prometheus.Registerer) {
	registry.MustRegister(lockOperationsTotal, lockOperationDuration)
}

func observeOperation(op string, ok bool, err error, d time.Duration) {
	result := "false"
	switch {
	case err != nil:
		result = "error"
	case ok:
		result = "true"
	}
	lockOperationsTotal.WithLabelValues(op, result).Inc()
	lockOperationDuration.WithLabelValues(op).Observe(d.Seconds())
}
