// Package invalidation removes cache entries by exact key or glob pattern.
package invalidation

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

const (
	tracerName = "avacache/invalidation"

	// deleteBatch bounds how many keys go into one delete pipeline.
	deleteBatch = 500
)

var (
	// ErrEmptyRequest is returned when neither a key nor a pattern is given.
	ErrEmptyRequest = errors.New("invalidation request needs a key or a pattern")

	// ErrAmbiguousRequest is returned when both a key and a pattern are given.
	ErrAmbiguousRequest = errors.New("invalidation request must not set both key and pattern")
)

// Request is an invalidation request. Exactly one field must be set.
type Request struct {
	Key     string `json:"key,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

// Validate checks that exactly one of Key and Pattern is set.
func (r Request) Validate() error {
	switch {
	case r.Key == "" && r.Pattern == "":
		return ErrEmptyRequest
	case r.Key != "" && r.Pattern != "":
		return ErrAmbiguousRequest
	default:
		return nil
	}
}

// Engine deletes entries from both cache tiers.
type Engine struct {
	store  *cache.Store
	logger observability.Logger
}

// New creates an engine over store.
func New(store *cache.Store, logger observability.Logger) *Engine {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Engine{store: store, logger: logger}
}

// Do validates req and dispatches to Invalidate or InvalidateByPattern.
// Invalid requests are rejected before storage is touched.
func (e *Engine) Do(ctx context.Context, req Request) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if req.Key != "" {
		return e.Invalidate(ctx, req.Key)
	}
	return e.InvalidateByPattern(ctx, req.Pattern)
}

// Invalidate deletes key from both tiers and returns 1 if either held it.
func (e *Engine) Invalidate(ctx context.Context, key string) (int, error) {
	if key == "" {
		return 0, ErrEmptyRequest
	}

	removed, err := e.store.Delete(ctx, key)
	if err != nil {
		return 0, err
	}
	if removed {
		return 1, nil
	}
	return 0, nil
}

// InvalidateByPattern deletes every key whose whole name matches glob.
// '*' matches any run of characters and '?' exactly one.
//
// Keys are enumerated with SCAN over the shared tier plus a snapshot of the
// local tier, so the cost is proportional to the keyspace, not to the number
// of matches. A failed scan is logged and whatever was collected is still
// deleted.
func (e *Engine) InvalidateByPattern(ctx context.Context, glob string) (int, error) {
	if glob == "" {
		return 0, ErrEmptyRequest
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "invalidation.ByPattern",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cache.pattern", glob)),
	)
	defer span.End()

	codec := e.store.Codec()
	re := codec.Glob(glob)

	matched := make(map[string]struct{})
	for _, k := range e.store.LocalKeys() {
		if re.MatchString(k) {
			matched[k] = struct{}{}
		}
	}

	err := e.store.ScanKeys(ctx, codec.ScanPattern(glob), func(keys []string) error {
		for _, k := range keys {
			if re.MatchString(k) {
				matched[k] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		e.logger.WithContext(ctx).Warn("pattern scan failed, invalidating partial match set",
			observability.String("pattern", glob),
			observability.Error(err))
	}

	keys := make([]string, 0, len(matched))
	for k := range matched {
		keys = append(keys, k)
	}

	removed := 0
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		removed += e.store.DeleteMany(ctx, keys[start:end])
	}

	span.SetAttributes(
		attribute.Int("cache.matched", len(keys)),
		attribute.Int("cache.removed", removed),
	)
	e.logger.WithContext(ctx).Debug("pattern invalidated",
		observability.String("pattern", glob),
		observability.Int("removed", removed))

	return removed, nil
}
