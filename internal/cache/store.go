package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/keyspace"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

// cacheTracerName is the OpenTelemetry tracer name for cache operations.
const cacheTracerName = "avacache/cache"

// Store is the two-tier cache.
type Store struct {
	codec    *keyspace.Codec
	l1       *memoryLayer
	l1TTL    time.Duration
	l2       *redisLayer
	l2TTL    time.Duration
	recorder Recorder
	logger   observability.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithRecorder sets the monitoring recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Store) {
		if r != nil {
			s.recorder = r
		}
	}
}

// New creates a store from cfg. client may be nil only when L2 is disabled.
// With both tiers disabled the store accepts every call and always misses.
func New(cfg *config.CacheConfig, codec *keyspace.Codec, client redis.UniversalClient, opts ...Option) (*Store, error) {
	if cfg == nil || codec == nil {
		return nil, errors.New("cache config and codec are required")
	}

	s := &Store{
		codec:    codec,
		recorder: nopRecorder{},
		logger:   observability.NopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.L1.Enabled {
		s.l1 = newMemoryLayer(cfg.L1.MaxSize)
		s.l1TTL = cfg.L1.TTL.Duration()
	}
	if cfg.L2.Enabled {
		if client == nil {
			return nil, fmt.Errorf("%w: l2 enabled without a redis client", ErrL2Unavailable)
		}
		s.l2TTL = cfg.L2.TTL.Duration()
		s.l2 = newRedisLayer(client, cfg.L2.OperationTimeout.Duration(), cfg.L2.TTL.Duration(),
			breakerSettings{failures: cfg.L2.BreakerFailures, timeout: cfg.L2.BreakerTimeout.Duration()},
			s.logger)
	}

	s.logger.Info("cache store initialized",
		observability.Bool("l1", s.l1 != nil),
		observability.Int("l1MaxSize", cfg.L1.MaxSize),
		observability.Duration("l1TTL", s.l1TTL),
		observability.Bool("l2", s.l2 != nil),
		observability.Duration("l2TTL", cfg.L2.TTL.Duration()))

	return s, nil
}

// Codec returns the key codec.
func (s *Store) Codec() *keyspace.Codec {
	return s.codec
}

// Get returns the live value for key. It never fails: backing-store errors
// are logged, counted and reported as a miss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	e, ok := s.Lookup(ctx, key)
	return e.Value, ok
}

// Lookup is Get with entry metadata, including the layer that served it.
func (s *Store) Lookup(ctx context.Context, key string) (Entry, bool) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cache.key", key)),
	)
	defer span.End()

	start := s.now()

	if err := s.codec.Validate(key); err != nil {
		s.recorder.RecordMiss(time.Since(start))
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return Entry{}, false
	}

	if e, ok := s.lookupL1(key, start); ok {
		s.hit(span, LayerL1, start)
		return e, true
	}

	e, ok := s.lookupL2(ctx, key, start)
	if !ok {
		s.recorder.RecordMiss(time.Since(start))
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return Entry{}, false
	}

	s.hit(span, LayerL2, start)
	return e, true
}

func (s *Store) hit(span trace.Span, layer Layer, start time.Time) {
	s.recorder.RecordHit(time.Since(start))
	getCacheMetrics().layerHitsTotal.WithLabelValues(layer.String()).Inc()
	span.SetAttributes(
		attribute.Bool("cache.hit", true),
		attribute.String("cache.layer", layer.String()),
	)
}

func (s *Store) lookupL1(key string, now time.Time) (Entry, bool) {
	if s.l1 == nil {
		return Entry{}, false
	}
	me, ok := s.l1.get(key, now)
	if !ok {
		return Entry{}, false
	}

	e := Entry{
		Key:       key,
		Value:     me.value,
		CreatedAt: me.createdAt,
		ExpiresAt: me.expiresAt,
		Layer:     LayerL1,
	}
	if !me.expiresAt.IsZero() {
		e.TTL = me.expiresAt.Sub(now)
	}
	return e, true
}

// lookupL2 reads from L2 and promotes a hit into L1 with the remaining TTL.
func (s *Store) lookupL2(ctx context.Context, key string, now time.Time) (Entry, bool) {
	if s.l2 == nil {
		return Entry{}, false
	}

	value, ttl, found, err := s.l2.get(ctx, s.codec.CacheKey(key))
	if err != nil {
		s.recorder.RecordError("l2_get", time.Since(now))
		s.logger.WithContext(ctx).Warn("l2 get failed, treating as miss",
			observability.String("key", key),
			observability.Error(err))
		return Entry{}, false
	}
	if !found {
		return Entry{}, false
	}

	e := Entry{Key: key, Value: value, CreatedAt: now, Layer: LayerL2}
	if ttl > 0 {
		e.TTL = ttl
		e.ExpiresAt = now.Add(ttl)
	}

	if s.l1 != nil {
		s.storeL1(key, value, now, e.ExpiresAt, false)
	}
	return e, true
}

// Set writes value to both tiers with the same expiry. A zero ttl means no
// expiry, subject to the per-tier caps. L2 failures are logged and counted
// but do not fail the call.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.set(ctx, key, value, ttl, false)
}

// SetPinned is Set with the L1 entry protected from LRU eviction.
func (s *Store) SetPinned(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.set(ctx, key, value, ttl, true)
}

func (s *Store) set(ctx context.Context, key string, value []byte, ttl time.Duration, pinned bool) error {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.Int("cache.value_size", len(value)),
			attribute.Int64("cache.ttl_ms", ttl.Milliseconds()),
			attribute.Bool("cache.pinned", pinned),
		),
	)
	defer span.End()

	if err := s.codec.Validate(key); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if ttl < 0 {
		span.SetStatus(codes.Error, ErrInvalidTTL.Error())
		return fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}

	now := s.now()
	expiresAt := expiryFor(now, ttl, s.l2TTL)

	if s.l1 != nil {
		s.storeL1(key, value, now, expiresAt, pinned)
	}

	if s.l2 != nil {
		if err := s.l2.set(ctx, s.codec.CacheKey(key), value, ttl); err != nil {
			s.recorder.RecordError("l2_set", time.Since(now))
			s.logger.WithContext(ctx).Warn("l2 set failed",
				observability.String("key", key),
				observability.Error(err))
			span.RecordError(err)
		}
	}

	s.recorder.RecordSet(time.Since(now))
	return nil
}

// storeL1 inserts into L1, never letting the L1 copy outlive expiresAt.
func (s *Store) storeL1(key string, value []byte, now, expiresAt time.Time, pinned bool) {
	if s.l1TTL > 0 {
		capped := now.Add(s.l1TTL)
		if expiresAt.IsZero() || capped.Before(expiresAt) {
			expiresAt = capped
		}
	}

	stored, evicted := s.l1.set(&memoryEntry{
		key:       key,
		value:     value,
		createdAt: now,
		expiresAt: expiresAt,
		pinned:    pinned,
	})

	m := getCacheMetrics()
	if evicted > 0 {
		m.evictionsTotal.Add(float64(evicted))
	}
	if !stored {
		m.droppedTotal.Inc()
		s.logger.Debug("l1 full of pinned entries, insert dropped",
			observability.String("key", key))
	}
	m.l1Size.Set(float64(s.l1.len()))
}

// Delete removes key from both tiers. It reports whether either tier held
// the key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Delete",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cache.key", key)),
	)
	defer span.End()

	if err := s.codec.Validate(key); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	removed := s.deleteKeys(ctx, []string{key})
	span.SetAttributes(attribute.Bool("cache.removed", removed[0]))
	return removed[0], nil
}

// DeleteMany removes each key from both tiers and returns the number of
// keys that were present in at least one tier. Invalid keys are ignored.
func (s *Store) DeleteMany(ctx context.Context, keys []string) int {
	valid := make([]string, 0, len(keys))
	for _, k := range keys {
		if s.codec.Validate(k) == nil {
			valid = append(valid, k)
		}
	}
	if len(valid) == 0 {
		return 0
	}

	n := 0
	for _, removed := range s.deleteKeys(ctx, valid) {
		if removed {
			n++
		}
	}
	return n
}

func (s *Store) deleteKeys(ctx context.Context, keys []string) []bool {
	start := s.now()
	removed := make([]bool, len(keys))

	if s.l1 != nil {
		for i, k := range keys {
			removed[i] = s.l1.delete(k)
		}
		getCacheMetrics().l1Size.Set(float64(s.l1.len()))
	}

	if s.l2 != nil {
		storeKeys := make([]string, len(keys))
		for i, k := range keys {
			storeKeys[i] = s.codec.CacheKey(k)
		}
		inL2, err := s.l2.del(ctx, storeKeys...)
		if err != nil {
			s.recorder.RecordError("l2_delete", time.Since(start))
			s.logger.WithContext(ctx).Warn("l2 delete failed",
				observability.Int("keys", len(keys)),
				observability.Error(err))
		}
		for i := range removed {
			removed[i] = removed[i] || inL2[i]
		}
	}

	for range keys {
		s.recorder.RecordDelete(time.Since(start))
	}
	return removed
}

// Exists reports whether key is live in either tier without recording a
// hit or miss or promoting it into L1.
func (s *Store) Exists(ctx context.Context, key string) bool {
	if s.codec.Validate(key) != nil {
		return false
	}
	if s.l1 != nil && s.l1.contains(key, s.now()) {
		return true
	}
	if s.l2 == nil {
		return false
	}

	ok, err := s.l2.exists(ctx, s.codec.CacheKey(key))
	if err != nil {
		s.recorder.RecordError("l2_exists", 0)
		s.logger.WithContext(ctx).Warn("l2 exists failed",
			observability.String("key", key),
			observability.Error(err))
		return false
	}
	return ok
}

// Warm loads and stores every key not already present. A failing key is
// counted and skipped, the rest of the batch continues. Cancelling ctx
// stops the batch early.
func (s *Store) Warm(ctx context.Context, keys []string, ttl time.Duration, loader Loader) WarmResult {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Warm",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int("cache.keys", len(keys))),
	)
	defer span.End()

	var res WarmResult
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		s.warmOne(ctx, key, ttl, loader, &res)
	}

	span.SetAttributes(
		attribute.Int("cache.warmed", res.Warmed),
		attribute.Int("cache.skipped", res.Skipped),
		attribute.Int("cache.failed", res.Failed),
	)
	return res
}

func (s *Store) warmOne(ctx context.Context, key string, ttl time.Duration, loader Loader, res *WarmResult) {
	if s.codec.Validate(key) != nil {
		res.Failed++
		return
	}
	if s.Exists(ctx, key) {
		res.Skipped++
		return
	}

	value, err := loader(ctx, key)
	if err != nil {
		res.Failed++
		s.logger.WithContext(ctx).Warn("warm loader failed",
			observability.String("key", key),
			observability.Error(err))
		return
	}

	if err := s.Set(ctx, key, value, ttl); err != nil {
		res.Failed++
		return
	}
	res.Warmed++
}

// Sweep removes expired L1 entries and returns how many were removed.
func (s *Store) Sweep(_ context.Context) int {
	if s.l1 == nil {
		return 0
	}

	removed := s.l1.sweep(s.now())
	m := getCacheMetrics()
	m.sweptTotal.Add(float64(removed))
	m.l1Size.Set(float64(s.l1.len()))

	if removed > 0 {
		s.logger.Debug("l1 sweep completed", observability.Int("removed", removed))
	}
	return removed
}

// PurgeLocal drops every L1 entry so the next reads go to L2. It is used
// after L2 has been rewritten underneath the process, e.g. by a restore.
func (s *Store) PurgeLocal() int {
	if s.l1 == nil {
		return 0
	}
	n := s.l1.clear()
	getCacheMetrics().l1Size.Set(0)
	return n
}

// LocalKeys returns a snapshot of the live L1 keys.
func (s *Store) LocalKeys() []string {
	if s.l1 == nil {
		return nil
	}
	return s.l1.keys(s.now())
}

// ScanKeys walks the L2 cache namespace with a Redis MATCH pattern and hands
// each page of caller keys to fn. It is O(keyspace).
func (s *Store) ScanKeys(ctx context.Context, match string, fn func(keys []string) error) error {
	if s.l2 == nil {
		return nil
	}
	start := s.now()
	err := s.l2.scan(ctx, match, func(page []string) error {
		keys := make([]string, 0, len(page))
		for _, sk := range page {
			if k, ok := s.codec.DecodeCacheKey(sk); ok {
				keys = append(keys, k)
			}
		}
		return fn(keys)
	})
	if err != nil {
		s.recorder.RecordError("l2_scan", time.Since(start))
	}
	return err
}

// Stats describes the tiers.
type Stats struct {
	L1Enabled    bool   `json:"l1Enabled"`
	L1Size       int    `json:"l1Size"`
	L2Enabled    bool   `json:"l2Enabled"`
	BreakerState string `json:"breakerState,omitempty"`
}

// Stats returns the current tier state.
func (s *Store) Stats() Stats {
	st := Stats{L1Enabled: s.l1 != nil, L2Enabled: s.l2 != nil}
	if s.l1 != nil {
		st.L1Size = s.l1.len()
	}
	if s.l2 != nil {
		st.BreakerState = s.l2.state().String()
	}
	return st
}
