// Package warming runs named strategies that pre-populate the cache.
package warming

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

const tracerName = "avacache/warming"

// ErrUnknownStrategy is returned when a named strategy is not registered.
var ErrUnknownStrategy = errors.New("unknown warming strategy")

// Strategy populates the cache. It is run on demand or on schedule.
type Strategy func(ctx context.Context) error

// Outcome is the result of running one strategy.
type Outcome struct {
	Strategy string        `json:"strategy"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
	Panicked bool          `json:"panicked,omitempty"`
}

// OK reports whether the strategy completed without error.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Scheduler is a registry of named strategies.
type Scheduler struct {
	logger observability.Logger

	mu         sync.RWMutex
	strategies map[string]Strategy
}

// New creates an empty scheduler.
func New(logger observability.Logger) *Scheduler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Scheduler{
		logger:     logger,
		strategies: make(map[string]Strategy),
	}
}

// RegisterStrategy adds fn under name, replacing any previous strategy
// with the same name.
func (s *Scheduler) RegisterStrategy(name string, fn Strategy) error {
	if name == "" {
		return errors.New("strategy name is required")
	}
	if fn == nil {
		return fmt.Errorf("strategy %q has no function", name)
	}

	s.mu.Lock()
	_, replaced := s.strategies[name]
	s.strategies[name] = fn
	s.mu.Unlock()

	s.logger.Info("warming strategy registered",
		observability.String("strategy", name),
		observability.Bool("replaced", replaced))
	return nil
}

// Strategies returns the registered names in order.
func (s *Scheduler) Strategies() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.strategies))
	for name := range s.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WarmCache runs the named strategy, or every strategy in name order when
// name is empty. A failing or panicking strategy is logged and recorded in
// its Outcome without stopping the others.
func (s *Scheduler) WarmCache(ctx context.Context, name string) ([]Outcome, error) {
	if name == "" {
		return s.run(ctx, s.Strategies()), nil
	}

	s.mu.RLock()
	_, ok := s.strategies[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return s.run(ctx, []string{name}), nil
}

// RunScheduled is the body of the recurring warming task. It runs names,
// or every strategy when names is empty. Unknown names are logged and
// skipped. Failures are only logged.
func (s *Scheduler) RunScheduled(ctx context.Context, names []string) error {
	if len(names) == 0 {
		names = s.Strategies()
	}

	known := make([]string, 0, len(names))
	s.mu.RLock()
	for _, n := range names {
		if _, ok := s.strategies[n]; ok {
			known = append(known, n)
		} else {
			s.logger.Warn("scheduled warming strategy not registered",
				observability.String("strategy", n))
		}
	}
	s.mu.RUnlock()

	outcomes := s.run(ctx, known)
	failed := 0
	for _, o := range outcomes {
		if !o.OK() {
			failed++
		}
	}
	s.logger.Info("scheduled warming completed",
		observability.Int("strategies", len(outcomes)),
		observability.Int("failed", failed))
	return nil
}

func (s *Scheduler) run(ctx context.Context, names []string) []Outcome {
	outcomes := make([]Outcome, 0, len(names))
	for _, name := range names {
		s.mu.RLock()
		fn, ok := s.strategies[name]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		outcomes = append(outcomes, s.runOne(ctx, name, fn))
	}
	return outcomes
}

func (s *Scheduler) runOne(ctx context.Context, name string, fn Strategy) (out Outcome) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "warming.Strategy",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("warming.strategy", name)),
	)
	defer span.End()

	out.Strategy = name
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("strategy %s panicked: %v", name, r)
			out.Panicked = true
		}
		out.Duration = time.Since(start)

		if out.Err != nil {
			span.SetStatus(codes.Error, out.Err.Error())
			s.logger.WithContext(ctx).Error("warming strategy failed",
				observability.String("strategy", name),
				observability.Duration("duration", out.Duration),
				observability.Error(out.Err))
			return
		}
		s.logger.WithContext(ctx).Info("warming strategy completed",
			observability.String("strategy", name),
			observability.Duration("duration", out.Duration))
	}()

	out.Err = fn(ctx)
	return out
}
