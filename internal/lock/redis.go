package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avacache/internal/keyspace"
)

// releaseScript deletes the lock only if the caller owns it.
// KEYS[1] = lock key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// extendScript resets the lock TTL only if the caller owns it.
// KEYS[1] = lock key
// ARGV[1] = token
// ARGV[2] = ttl in milliseconds
var extendScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

type redisBackend struct {
	client redis.UniversalClient
}

// NewRedis creates a manager whose locks live in Redis and are shared by
// every process using the same prefix.
func NewRedis(codec *keyspace.Codec, client redis.UniversalClient, opts ...Option) *Manager {
	return newManager(codec, &redisBackend{client: client}, opts...)
}

func (b *redisBackend) name() string { return "redis" }

func (b *redisBackend) acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, token, ttl).Result()
}

func (b *redisBackend) release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, b.client, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *redisBackend) extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, b.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
