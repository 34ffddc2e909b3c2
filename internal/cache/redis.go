package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

// scanCount is the COUNT hint passed to SCAN.
const scanCount = 500

// redisLayer is the L2 tier. Every call is bounded by timeout and goes
// through a circuit breaker, so a dead Redis costs one fast failure per
// call instead of one timeout.
type redisLayer struct {
	client  redis.UniversalClient
	timeout time.Duration
	maxTTL  time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
}

type breakerSettings struct {
	failures int
	timeout  time.Duration
}

func newRedisLayer(
	client redis.UniversalClient, timeout, maxTTL time.Duration, bs breakerSettings, logger observability.Logger,
) *redisLayer {
	failures := bs.failures
	if failures <= 0 {
		failures = 5
	}

	settings := gobreaker.Settings{
		Name:        "cache-l2",
		MaxRequests: 1,
		Timeout:     bs.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures) //nolint:gosec // bounded by config
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()))
			getCacheMetrics().breakerState.Set(float64(to))
		},
	}

	return &redisLayer{
		client:  client,
		timeout: timeout,
		maxTTL:  maxTTL,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// execute runs fn under the operation timeout and the breaker.
func (r *redisLayer) execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		callCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		return nil, fn(callCtx)
	})
	if err != nil {
		getCacheMetrics().l2ErrorsTotal.WithLabelValues(op).Inc()
		return fmt.Errorf("l2 %s: %w", op, err)
	}
	return nil
}

// get returns the value and its remaining TTL. A negative TTL means the key
// has no expiry.
func (r *redisLayer) get(ctx context.Context, storeKey string) (value []byte, ttl time.Duration, found bool, err error) {
	err = r.execute(ctx, "get", func(ctx context.Context) error {
		var getCmd *redis.StringCmd
		var ttlCmd *redis.DurationCmd

		_, pipeErr := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			getCmd = pipe.Get(ctx, storeKey)
			ttlCmd = pipe.PTTL(ctx, storeKey)
			return nil
		})
		if pipeErr != nil && !errors.Is(pipeErr, redis.Nil) {
			return pipeErr
		}

		value, pipeErr = getCmd.Bytes()
		if errors.Is(pipeErr, redis.Nil) {
			return nil
		}
		if pipeErr != nil {
			return pipeErr
		}

		found = true
		ttl = ttlCmd.Val()
		if ttl < 0 {
			ttl = -1
		}
		return nil
	})
	return value, ttl, found, err
}

func (r *redisLayer) set(ctx context.Context, storeKey string, value []byte, ttl time.Duration) error {
	ttl = capTTL(ttl, r.maxTTL)
	return r.execute(ctx, "set", func(ctx context.Context) error {
		return r.client.Set(ctx, storeKey, value, ttl).Err()
	})
}

func (r *redisLayer) exists(ctx context.Context, storeKey string) (bool, error) {
	var n int64
	err := r.execute(ctx, "exists", func(ctx context.Context) error {
		var cmdErr error
		n, cmdErr = r.client.Exists(ctx, storeKey).Result()
		return cmdErr
	})
	return n > 0, err
}

// del deletes each key and reports per key whether it existed.
func (r *redisLayer) del(ctx context.Context, storeKeys ...string) ([]bool, error) {
	removed := make([]bool, len(storeKeys))
	if len(storeKeys) == 0 {
		return removed, nil
	}

	err := r.execute(ctx, "delete", func(ctx context.Context) error {
		cmds := make([]*redis.IntCmd, len(storeKeys))
		_, pipeErr := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, k := range storeKeys {
				cmds[i] = pipe.Del(ctx, k)
			}
			return nil
		})
		if pipeErr != nil {
			return pipeErr
		}
		for i, cmd := range cmds {
			removed[i] = cmd.Val() > 0
		}
		return nil
	})
	return removed, err
}

// scan walks every key matching pattern and hands each page to fn.
// The operation timeout applies per page.
func (r *redisLayer) scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		var page []string
		err := r.execute(ctx, "scan", func(ctx context.Context) error {
			var cmdErr error
			page, cursor, cmdErr = r.client.Scan(ctx, cursor, pattern, scanCount).Result()
			return cmdErr
		})
		if err != nil {
			return err
		}
		if len(page) > 0 {
			if err := fn(page); err != nil {
				return err
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

func (r *redisLayer) state() gobreaker.State {
	return r.breaker.State()
}
