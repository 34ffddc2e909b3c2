package warming

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avacache/internal/cache"
)

// DefaultBatchSize is used when a non-positive batch size is given.
const DefaultBatchSize = 100

// Warmer is the part of the cache store a strategy needs.
type Warmer interface {
	Warm(ctx context.Context, keys []string, ttl time.Duration, loader cache.Loader) cache.WarmResult
}

// KeyListStrategy warms a fixed list of keys in batches. When limiter is
// non-nil every loader call waits for a token first. The strategy fails if
// any key failed to load, after trying all of them.
func KeyListStrategy(
	store Warmer, keys []string, ttl time.Duration, loader cache.Loader, batchSize int, limiter *rate.Limiter,
) Strategy {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	load := loader
	if limiter != nil {
		load = func(ctx context.Context, key string) ([]byte, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return loader(ctx, key)
		}
	}

	return func(ctx context.Context) error {
		var total cache.WarmResult
		for start := 0; start < len(keys); start += batchSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(start+batchSize, len(keys))
			total.Add(store.Warm(ctx, keys[start:end], ttl, load))
		}

		if total.Failed > 0 {
			return fmt.Errorf("%d of %d keys failed to warm", total.Failed, len(keys))
		}
		return nil
	}
}
