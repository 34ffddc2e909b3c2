// Package lock provides token-owned mutual-exclusion locks.
//
// A resource is either free or held by exactly one token. Acquire is a
// single atomic conditional write and never blocks. Release and Extend only
// act when the caller presents the token issued at acquisition, so a caller
// whose lock expired and was re-acquired elsewhere cannot release the new
// holder's lock.
//
// Lock operations fail closed: a backend error or timeout is reported as
// "not acquired" or "not released", never as success.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avacache/internal/keyspace"
	"github.com/vyrodovalexey/avacache/internal/observability"
	"github.com/vyrodovalexey/avacache/internal/retry"
)

const (
	tracerName = "avacache/lock"

	// DefaultOperationTimeout bounds each backend call.
	DefaultOperationTimeout = 500 * time.Millisecond
)

var (
	// ErrInvalidTTL is returned for non-positive lock TTLs.
	ErrInvalidTTL = errors.New("lock ttl must be positive")

	// ErrInvalidResource is returned for empty or oversized resource names.
	ErrInvalidResource = errors.New("invalid lock resource")

	errNotAcquired = errors.New("lock held")
)

// Lock is a held lock. Key is the resource name and is what Release and
// Extend expect back.
type Lock struct {
	Key        string    `json:"key"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Result is the outcome of an acquire.
type Result struct {
	Acquired bool  `json:"acquired"`
	Lock     *Lock `json:"lock,omitempty"`
}

// Recorder receives backend failures.
type Recorder interface {
	RecordError(op string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordError(string, time.Duration) {}

// backend performs the atomic primitives on namespaced keys.
type backend interface {
	name() string
	acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	release(ctx context.Context, key, token string) (bool, error)
	extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// sweeper is implemented by backends that do not expire records on their own.
type sweeper interface {
	sweep() int
}

// Manager issues and checks lock tokens.
type Manager struct {
	codec    *keyspace.Codec
	backend  backend
	timeout  time.Duration
	logger   observability.Logger
	recorder Recorder
	now      func() time.Time
	newToken func() string
	poll     *retry.Config
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRecorder sets where backend failures are counted.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithTimeout bounds each backend call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithPollBackoff sets the backoff used by AcquireWithWait.
func WithPollBackoff(initial, maxBackoff time.Duration) Option {
	return func(m *Manager) {
		m.poll.InitialBackoff = initial
		m.poll.MaxBackoff = maxBackoff
	}
}

func newManager(codec *keyspace.Codec, b backend, opts ...Option) *Manager {
	m := &Manager{
		codec:    codec,
		backend:  b,
		timeout:  DefaultOperationTimeout,
		logger:   observability.NopLogger(),
		recorder: nopRecorder{},
		now:      time.Now,
		newToken: uuid.NewString,
		poll: &retry.Config{
			MaxRetries:     math.MaxInt32,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     250 * time.Millisecond,
			JitterFactor:   0.2,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire takes the lock on resource for ttl if it is free. It returns
// immediately either way. Only invalid input is returned as an error.
func (m *Manager) Acquire(ctx context.Context, resource string, ttl time.Duration) (Result, error) {
	if err := m.validate(resource, ttl); err != nil {
		return Result{}, err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "lock.Acquire",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("lock.resource", resource),
			attribute.String("lock.backend", m.backend.name()),
			attribute.Int64("lock.ttl_ms", ttl.Milliseconds()),
		),
	)
	defer span.End()

	start := m.now()
	token := m.newToken()

	ok, err := m.call(ctx, func(ctx context.Context) (bool, error) {
		return m.backend.acquire(ctx, m.codec.LockKey(resource), token, ttl)
	})
	observeOperation("acquire", ok, err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		m.recorder.RecordError("lock_acquire", time.Since(start))
		m.logger.WithContext(ctx).Warn("lock acquire failed, treating as not acquired",
			observability.String("resource", resource),
			observability.Error(err))
		return Result{}, nil
	}

	span.SetAttributes(attribute.Bool("lock.acquired", ok))
	if !ok {
		return Result{}, nil
	}

	return Result{
		Acquired: true,
		Lock: &Lock{
			Key:        resource,
			Token:      token,
			AcquiredAt: start,
			ExpiresAt:  start.Add(ttl),
		},
	}, nil
}

// AcquireWithWait polls Acquire with exponential backoff until the lock is
// taken, wait elapses or ctx is done. An elapsed wait is reported as not
// acquired, a cancelled ctx as its error.
func (m *Manager) AcquireWithWait(ctx context.Context, resource string, ttl, wait time.Duration) (Result, error) {
	if err := m.validate(resource, ttl); err != nil {
		return Result{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var res Result
	err := retry.Do(waitCtx, m.poll, func() error {
		var acquireErr error
		res, acquireErr = m.Acquire(waitCtx, resource, ttl)
		if acquireErr != nil {
			return acquireErr
		}
		if !res.Acquired {
			return errNotAcquired
		}
		return nil
	}, &retry.Options{
		ShouldRetry: func(err error) bool { return errors.Is(err, errNotAcquired) },
	})

	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		return Result{}, ctx.Err()
	case errors.Is(err, errNotAcquired), errors.Is(err, context.DeadlineExceeded):
		return Result{}, nil
	default:
		return Result{}, err
	}
}

// Release frees the lock on key if token still owns it. A mismatched or
// expired token returns false and changes nothing.
func (m *Manager) Release(ctx context.Context, key, token string) (bool, error) {
	if err := m.codec.Validate(key); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidResource, err)
	}
	if token == "" {
		return false, nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "lock.Release",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("lock.resource", key)),
	)
	defer span.End()

	start := m.now()
	ok, err := m.call(ctx, func(ctx context.Context) (bool, error) {
		return m.backend.release(ctx, m.codec.LockKey(key), token)
	})
	observeOperation("release", ok, err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		m.recorder.RecordError("lock_release", time.Since(start))
		m.logger.WithContext(ctx).Warn("lock release failed",
			observability.String("resource", key),
			observability.Error(err))
		return false, nil
	}

	span.SetAttributes(attribute.Bool("lock.released", ok))
	return ok, nil
}

// Extend resets the TTL of the lock on key to ttl if token still owns it.
func (m *Manager) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := m.validate(key, ttl); err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "lock.Extend",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("lock.resource", key)),
	)
	defer span.End()

	start := m.now()
	ok, err := m.call(ctx, func(ctx context.Context) (bool, error) {
		return m.backend.extend(ctx, m.codec.LockKey(key), token, ttl)
	})
	observeOperation("extend", ok, err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		m.recorder.RecordError("lock_extend", time.Since(start))
		m.logger.WithContext(ctx).Warn("lock extend failed",
			observability.String("resource", key),
			observability.Error(err))
		return false, nil
	}
	return ok, nil
}

// Sweep removes expired locks from backends that keep them in process and
// returns how many were dropped. Redis expires lock keys natively.
func (m *Manager) Sweep(_ context.Context) int {
	sw, ok := m.backend.(sweeper)
	if !ok {
		return 0
	}
	removed := sw.sweep()
	if removed > 0 {
		m.logger.Debug("expired locks swept",
			observability.String("backend", m.backend.name()),
			observability.Int("removed", removed))
	}
	return removed
}

// Timeout returns the bound applied to each backend call.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

func (m *Manager) validate(resource string, ttl time.Duration) error {
	if err := m.codec.Validate(resource); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidResource, err)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	return nil
}

func (m *Manager) call(ctx context.Context, fn func(ctx context.Context) (bool, error)) (bool, error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	return fn(ctx)
}
