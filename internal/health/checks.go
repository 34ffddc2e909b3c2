package health

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCheck pings the backing store.
func RedisCheck(client redis.UniversalClient) CheckFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// BreakerCheck fails while the named breaker is open.
func BreakerCheck(state func() string) CheckFunc {
	return func(context.Context) error {
		if s := state(); s == "open" {
			return fmt.Errorf("circuit breaker %s", s)
		}
		return nil
	}
}
