// Package monitoring aggregates cache hit/miss counters, response-time
// samples and error counts, and raises alerts when thresholds are breached.
//
// Counters only ever increase. Response times are kept in a bounded ring,
// so the average reflects recent traffic. Alerts are level-triggered: a
// breached threshold fires on every evaluation until it recovers.
package monitoring

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

// DefaultWindowSize is the number of response-time samples kept.
const DefaultWindowSize = 1000

// Thresholds holds the alerting limits.
type Thresholds struct {
	// HitRatio is the floor below which an alert fires (0..1, 0 disables).
	HitRatio float64
	// ResponseTime is the ceiling on average response time in milliseconds (0 disables).
	ResponseTime float64
	// ErrorRate is the ceiling on errors per operation (0..1, 0 disables).
	ErrorRate float64
}

// Config configures the service.
type Config struct {
	Thresholds Thresholds
	// MinSamples is the number of gets required before hitRatio is evaluated.
	MinSamples int
	WindowSize int
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Hits            uint64  `json:"hits"`
	Misses          uint64  `json:"misses"`
	Errors          uint64  `json:"errors"`
	Sets            uint64  `json:"sets"`
	Deletes         uint64  `json:"deletes"`
	HitRatio        float64 `json:"hitRatio"`
	AvgResponseTime float64 `json:"avgResponseTime"`
	ErrorRate       float64 `json:"errorRate"`
	Samples         int     `json:"samples"`
}

// Service implements the cache and lock recorders.
type Service struct {
	logger   observability.Logger
	metrics  *metrics
	alerters []Alerter

	hits    atomic.Uint64
	misses  atomic.Uint64
	errors  atomic.Uint64
	sets    atomic.Uint64
	deletes atomic.Uint64

	mu         sync.Mutex
	window     []time.Duration
	next       int
	filled     bool
	thresholds Thresholds
	minSamples int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithAlerters sets where alerts are delivered.
func WithAlerters(alerters ...Alerter) Option {
	return func(s *Service) {
		s.alerters = append(s.alerters, alerters...)
	}
}

// WithRegisterer registers the Prometheus collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) {
		s.metrics = newMetrics(reg)
	}
}

// New creates a monitoring service.
func New(cfg Config, opts ...Option) *Service {
	size := cfg.WindowSize
	if size <= 0 {
		size = DefaultWindowSize
	}

	s := &Service{
		logger:     observability.NopLogger(),
		window:     make([]time.Duration, size),
		thresholds: cfg.Thresholds,
		minSamples: cfg.MinSamples,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(nil)
	}
	return s
}

// RecordHit records a get that found a live entry.
func (s *Service) RecordHit(d time.Duration) {
	s.hits.Add(1)
	s.metrics.hits.Inc()
	s.observe("get", d)
}

// RecordMiss records a get that found nothing.
func (s *Service) RecordMiss(d time.Duration) {
	s.misses.Add(1)
	s.metrics.misses.Inc()
	s.observe("get", d)
}

// RecordSet records a completed set.
func (s *Service) RecordSet(d time.Duration) {
	s.sets.Add(1)
	s.observe("set", d)
}

// RecordDelete records a completed delete.
func (s *Service) RecordDelete(d time.Duration) {
	s.deletes.Add(1)
	s.observe("delete", d)
}

// RecordError records a failed backing-store call for op. The surrounding
// operation still records its own hit/miss/set sample.
func (s *Service) RecordError(op string, _ time.Duration) {
	s.errors.Add(1)
	s.metrics.errors.WithLabelValues(op).Inc()
}

func (s *Service) observe(op string, d time.Duration) {
	s.metrics.duration.WithLabelValues(op).Observe(d.Seconds())

	s.mu.Lock()
	s.window[s.next] = d
	s.next++
	if s.next == len(s.window) {
		s.next = 0
		s.filled = true
	}
	s.mu.Unlock()
}

// Snapshot returns the current counters and derived ratios.
func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Errors:  s.errors.Load(),
		Sets:    s.sets.Load(),
		Deletes: s.deletes.Load(),
	}

	if gets := snap.Hits + snap.Misses; gets > 0 {
		snap.HitRatio = float64(snap.Hits) / float64(gets)
	}
	if ops := snap.Hits + snap.Misses + snap.Sets + snap.Deletes; ops > 0 {
		snap.ErrorRate = float64(snap.Errors) / float64(ops)
	}

	s.mu.Lock()
	n := s.next
	if s.filled {
		n = len(s.window)
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		total += s.window[i]
	}
	s.mu.Unlock()

	snap.Samples = n
	if n > 0 {
		snap.AvgResponseTime = float64(total) / float64(n) / float64(time.Millisecond)
	}

	s.metrics.hitRatio.Set(snap.HitRatio)
	return snap
}

// Thresholds returns the active thresholds.
func (s *Service) Thresholds() Thresholds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thresholds
}

// SetThresholds replaces the thresholds, e.g. after a config reload.
func (s *Service) SetThresholds(t Thresholds) {
	s.mu.Lock()
	s.thresholds = t
	s.mu.Unlock()

	s.logger.Info("monitoring thresholds updated",
		observability.Float64("hitRatio", t.HitRatio),
		observability.Float64("responseTime", t.ResponseTime),
		observability.Float64("errorRate", t.ErrorRate))
}

// Evaluate checks the snapshot against the thresholds and returns every
// breach. It does not deliver alerts.
func (s *Service) Evaluate() []Alert {
	snap := s.Snapshot()

	s.mu.Lock()
	t := s.thresholds
	minSamples := s.minSamples
	s.mu.Unlock()

	now := time.Now()
	var alerts []Alert

	if t.HitRatio > 0 && snap.Hits+snap.Misses >= uint64(minSamples) && snap.HitRatio < t.HitRatio {
		alerts = append(alerts, Alert{
			Kind: AlertHitRatio, Value: snap.HitRatio, Threshold: t.HitRatio, At: now, Snapshot: snap,
		})
	}
	if t.ResponseTime > 0 && snap.Samples > 0 && snap.AvgResponseTime > t.ResponseTime {
		alerts = append(alerts, Alert{
			Kind: AlertResponseTime, Value: snap.AvgResponseTime, Threshold: t.ResponseTime, At: now, Snapshot: snap,
		})
	}
	if t.ErrorRate > 0 && snap.ErrorRate > t.ErrorRate {
		alerts = append(alerts, Alert{
			Kind: AlertErrorRate, Value: snap.ErrorRate, Threshold: t.ErrorRate, At: now, Snapshot: snap,
		})
	}

	return alerts
}

// Check evaluates the thresholds and delivers each alert to every alerter.
// It is the body of the periodic monitoring task.
func (s *Service) Check(ctx context.Context) error {
	alerts := s.Evaluate()
	for _, a := range alerts {
		s.metrics.alerts.WithLabelValues(string(a.Kind)).Inc()
		for _, alerter := range s.alerters {
			if err := alerter.Alert(ctx, a); err != nil {
				s.logger.Error("alert delivery failed",
					observability.String("kind", string(a.Kind)),
					observability.Error(err))
			}
		}
	}
	return nil
}
