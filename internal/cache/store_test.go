package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/keyspace"
)

type countingRecorder struct {
	mu      sync.Mutex
	hits    int
	misses  int
	sets    int
	deletes int
	errors  map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{errors: make(map[string]int)}
}

func (r *countingRecorder) RecordHit(time.Duration)    { r.mu.Lock(); r.hits++; r.mu.Unlock() }
func (r *countingRecorder) RecordMiss(time.Duration)   { r.mu.Lock(); r.misses++; r.mu.Unlock() }
func (r *countingRecorder) RecordSet(time.Duration)    { r.mu.Lock(); r.sets++; r.mu.Unlock() }
func (r *countingRecorder) RecordDelete(time.Duration) { r.mu.Lock(); r.deletes++; r.mu.Unlock() }
func (r *countingRecorder) RecordError(op string, _ time.Duration) {
	r.mu.Lock()
	r.errors[op]++
	r.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// setupMiniRedis creates a miniredis server for testing.
func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func testCacheConfig() *config.CacheConfig {
	cfg := config.DefaultConfig().Cache
	cfg.L2.OperationTimeout = config.Duration(200 * time.Millisecond)
	return &cfg
}

func newTestStore(t *testing.T, cfg *config.CacheConfig, client redis.UniversalClient) (*Store, *countingRecorder) {
	t.Helper()

	rec := newCountingRecorder()
	codec := keyspace.NewCodec(cfg.KeyPrefix, cfg.MaxKeyLength)
	s, err := New(cfg, codec, client, WithRecorder(rec))
	require.NoError(t, err)
	return s, rec
}

func TestNew_RequiresClientForL2(t *testing.T) {
	t.Parallel()

	cfg := testCacheConfig()
	_, err := New(cfg, keyspace.NewCodec("p:", 0), nil)
	assert.ErrorIs(t, err, ErrL2Unavailable)

	_, err = New(nil, keyspace.NewCodec("p:", 0), nil)
	assert.Error(t, err)
}

func TestStore_GetSetDelete(t *testing.T) {
	t.Parallel()

	mr, client := setupMiniRedis(t)
	s, rec := newTestStore(t, testCacheConfig(), client)
	ctx := context.Background()

	_, ok := s.Get(ctx, "user:1")
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "user:1", []byte("alice"), 10*time.Second))
	assert.True(t, mr.Exists("avacache:c:user:1"))
	assert.Equal(t, 10*time.Second, mr.TTL("avacache:c:user:1"))

	e, ok := s.Lookup(ctx, "user:1")
	require.True(t, ok)
	assert.Equal(t, []byte("alice"), e.Value)
	assert.Equal(t, LayerL1, e.Layer)

	removed, err := s.Delete(ctx, "user:1")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, mr.Exists("avacache:c:user:1"))

	removed, err = s.Delete(ctx, "user:1")
	require.NoError(t, err)
	assert.False(t, removed, "delete is idempotent")

	_, ok = s.Get(ctx, "user:1")
	assert.False(t, ok)

	assert.Equal(t, 1, rec.hits)
	assert.Equal(t, 2, rec.misses)
	assert.Equal(t, 1, rec.sets)
	assert.Equal(t, 2, rec.deletes)
}

func TestStore_L2HitPromotesWithRemainingTTL(t *testing.T) {
	t.Parallel()

	mr, client := setupMiniRedis(t)
	s, _ := newTestStore(t, testCacheConfig(), client)
	ctx := context.Background()

	// written by another process: only in L2
	mr.Set("avacache:c:shared", "v")
	mr.SetTTL("avacache:c:shared", 30*time.Second)

	e, ok := s.Lookup(ctx, "shared")
	require.True(t, ok)
	assert.Equal(t, LayerL2, e.Layer)
	assert.Equal(t, []byte("v"), e.Value)
	assert.InDelta(t, float64(30*time.Second), float64(e.TTL), float64(time.Second))

	e, ok = s.Lookup(ctx, "shared")
	require.True(t, ok)
	assert.Equal(t, LayerL1, e.Layer)
	// the L1 copy is capped by the L1 TTL
	assert.LessOrEqual(t, e.TTL, time.Minute)
}

func TestStore_L2HitWithoutExpiry(t *testing.T) {
	t.Parallel()

	mr, client := setupMiniRedis(t)
	s, _ := newTestStore(t, testCacheConfig(), client)

	mr.Set("avacache:c:forever", "v")

	e, ok := s.Lookup(context.Background(), "forever")
	require.True(t, ok)
	assert.True(t, e.ExpiresAt.IsZero())
	assert.Zero(t, e.TTL)
}

func TestStore_TTLExpiry(t *testing.T) {
	t.Parallel()

	mr, client := setupMiniRedis(t)
	s, _ := newTestStore(t, testCacheConfig(), client)
	clock := &fakeClock{now: time.Now()}
	s.now = clock.Now
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "e2e:ttl", []byte("v1"), time.Second))
	_, ok := s.Get(ctx, "e2e:ttl")
	require.True(t, ok)

	clock.Advance(1500 * time.Millisecond)
	mr.FastForward(1500 * time.Millisecond)

	_, ok = s.Get(ctx, "e2e:ttl")
	assert.False(t, ok, "entry must be absent past its expiry")
}

func TestStore_ZeroTTLUsesTierCaps(t *testing.T) {
	t.Parallel()

	mr, client := setupMiniRedis(t)
	cfg := testCacheConfig()
	cfg.L2.TTL = 0
	s, _ := newTestStore(t, cfg, client)

	require.NoError(t, s.Set(context.Background(), "k", []byte("v"), 0))
	assert.Zero(t, mr.TTL("avacache:c:k"), "no L2 cap means no expiry")

	cfg2 := testCacheConfig()
	s2, _ := newTestStore(t, cfg2, client)
	require.NoError(t, s2.Set(context.Background(), "k2", []byte("v"), 0))
	assert.Equal(t, time.Hour, mr.TTL("avacache:c:k2"))
}

func TestStore_InvalidInput(t *testing.T) {
	t.Parallel()

	_, client := setupMiniRedis(t)
	cfg := testCacheConfig()
	cfg.MaxKeyLength = 8
	s, rec := newTestStore(t, cfg, client)
	ctx := context.Background()

	assert.ErrorIs(t, s.Set(ctx, "", []byte("v"), 0), ErrInvalidKey)
	assert.ErrorIs(t, s.Set(ctx, "much-too-long", []byte("v"), 0), ErrInvalidKey)
	assert.ErrorIs(t, s.Set(ctx, "k", []byte("v"), -time.Second), ErrInvalidTTL)

	_, err := s.Delete(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, ok := s.Get(ctx, "")
	assert.False(t, ok)
	assert.Equal(t, 1, rec.misses)
	assert.Zero(t, rec.sets)
}

func TestStore_FailsOpenWhenL2Down(t *testing.T) {
	t.Parallel()

	mr, client := setupMiniRedis(t)
	cfg := testCacheConfig()
	cfg.L2.BreakerFailures = 3
	cfg.L2.BreakerTimeout = config.Duration(time.Minute)
	s, rec := newTestStore(t, cfg, client)
	ctx := context.Background()

	mr.Close()

	// L1 still serves the value
	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok := s.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	_, ok = s.Get(ctx, "missing")
	assert.False(t, ok)

	removed, err := s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed, "L1 copy was removed")

	assert.Equal(t, 1, rec.errors["l2_set"])
	assert.Equal(t, 1, rec.errors["l2_get"])
	assert.Equal(t, 1, rec.errors["l2_delete"])
	assert.Equal(t, "open", s.Stats().BreakerState)

	// open breaker fails fast and is still a miss
	_, ok = s.Get(ctx, "missing")
	assert.False(t, ok)
	assert.Equal(t, 2, rec.errors["l2_get"])
}

func TestRedisLayer_OpenBreakerError(t *testing.T) {
	t.Parallel()

	mr, client := setupMiniRedis(t)
	cfg := testCacheConfig()
	cfg.L2.BreakerFailures = 1
	cfg.L2.BreakerTimeout = config.Duration(time.Minute)
	s, _ := newTestStore(t, cfg, client)
	mr.Close()

	_, _, _, err := s.l2.get(context.Background(), "x")
	require.Error(t, err)

	_, _, _, err = s.l2.get(context.Background(), "x")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestStore_Warm(t *testing.T) {
	t.Parallel()

	_, client := setupMiniRedis(t)
	s, _ := newTestStore(t, testCacheConfig(), client)
	ctx := context.Background()

	var calls int
	loader := func(_ context.Context, key string) ([]byte, error) {
		calls++
		if key == "bad" {
			return nil, errors.New("upstream failed")
		}
		return []byte("v:" + key), nil
	}

	res := s.Warm(ctx, []string{"a", "b"}, time.Minute, loader)
	assert.Equal(t, WarmResult{Warmed: 2}, res)

	res = s.Warm(ctx, []string{"a", "b"}, time.Minute, loader)
	assert.Equal(t, WarmResult{Skipped: 2}, res)
	assert.Equal(t, 2, calls, "present keys are not reloaded")

	res = s.Warm(ctx, []string{"bad", "c", ""}, time.Minute, loader)
	assert.Equal(t, WarmResult{Warmed: 1, Failed: 2}, res)

	v, ok := s.Get(ctx, "c")
	require.True(t, ok)
	assert.Equal(t, []byte("v:c"), v)
}

func TestStore_WarmStopsOnCancel(t *testing.T) {
	t.Parallel()

	_, client := setupMiniRedis(t)
	s, _ := newTestStore(t, testCacheConfig(), client)

	ctx, cancel := context.WithCancel(context.Background())
	res := s.Warm(ctx, []string{"a", "b", "c"}, time.Minute, func(context.Context, string) ([]byte, error) {
		cancel()
		return []byte("v"), nil
	})
	assert.Equal(t, 1, res.Warmed)
}

func TestStore_DeleteMany(t *testing.T) {
	t.Parallel()

	mr, client := setupMiniRedis(t)
	s, _ := newTestStore(t, testCacheConfig(), client)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), 0))
	mr.Set("avacache:c:remote", "3")

	assert.Equal(t, 3, s.DeleteMany(ctx, []string{"a", "b", "remote", "absent", ""}))
	assert.Empty(t, mr.Keys())
	assert.Empty(t, s.LocalKeys())
}

func TestStore_ScanKeys(t *testing.T) {
	t.Parallel()

	mr, client := setupMiniRedis(t)
	s, _ := newTestStore(t, testCacheConfig(), client)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "pat:1", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "pat:2", []byte("2"), 0))
	require.NoError(t, s.Set(ctx, "other", []byte("3"), 0))
	mr.Set("avacache:l:pat:lock", "token")

	var found []string
	err := s.ScanKeys(ctx, s.Codec().ScanPattern("pat:*"), func(keys []string) error {
		found = append(found, keys...)
		return nil
	})
	require.NoError(t, err)
	sort.Strings(found)
	assert.Equal(t, []string{"pat:1", "pat:2"}, found)

	local := s.LocalKeys()
	sort.Strings(local)
	assert.Equal(t, []string{"other", "pat:1", "pat:2"}, local)
}

func TestStore_PinnedAndSweep(t *testing.T) {
	t.Parallel()

	_, client := setupMiniRedis(t)
	cfg := testCacheConfig()
	cfg.L1.MaxSize = 1
	s, _ := newTestStore(t, cfg, client)
	clock := &fakeClock{now: time.Now()}
	s.now = clock.Now
	ctx := context.Background()

	require.NoError(t, s.SetPinned(ctx, "hot", []byte("h"), 0))
	require.NoError(t, s.Set(ctx, "cold", []byte("c"), 0))

	assert.Equal(t, []string{"hot"}, s.LocalKeys(), "all-pinned L1 drops the insert")

	e, ok := s.Lookup(ctx, "cold")
	require.True(t, ok, "L2 still holds the dropped value")
	assert.Equal(t, LayerL2, e.Layer)

	// L1 TTL is one minute
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.Sweep(ctx))
	assert.Equal(t, 0, s.Stats().L1Size)
}

func TestStore_L2Only(t *testing.T) {
	t.Parallel()

	_, client := setupMiniRedis(t)
	cfg := testCacheConfig()
	cfg.L1.Enabled = false
	s, _ := newTestStore(t, cfg, client)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	e, ok := s.Lookup(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, LayerL2, e.Layer)
	assert.Nil(t, s.LocalKeys())
	assert.Zero(t, s.Sweep(ctx))
	assert.False(t, s.Stats().L1Enabled)
}

func TestStore_L1Only(t *testing.T) {
	t.Parallel()

	cfg := testCacheConfig()
	cfg.L2.Enabled = false
	s, _ := newTestStore(t, cfg, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	_, ok := s.Get(ctx, "k")
	assert.True(t, ok)
	assert.True(t, s.Exists(ctx, "k"))
	assert.NoError(t, s.ScanKeys(ctx, "*", func([]string) error { return nil }))
	assert.Empty(t, s.Stats().BreakerState)
}

func TestStore_BothTiersDisabled(t *testing.T) {
	t.Parallel()

	cfg := testCacheConfig()
	cfg.L1.Enabled = false
	cfg.L2.Enabled = false
	s, rec := newTestStore(t, cfg, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	_, ok := s.Get(ctx, "k")
	assert.False(t, ok)

	removed, err := s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, 1, rec.misses)
}

func TestLayer_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "l1", LayerL1.String())
	assert.Equal(t, "l2", LayerL2.String())
	assert.Equal(t, "unknown", Layer(0).String())
}

func TestEntry_Expired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	assert.False(t, Entry{}.Expired(now))
	assert.False(t, Entry{ExpiresAt: now.Add(time.Second)}.Expired(now))
	assert.True(t, Entry{ExpiresAt: now}.Expired(now))
}

func TestStore_PurgeLocal(t *testing.T) {
	t.Parallel()

	mr, client := setupMiniRedis(t)
	s, _ := newTestStore(t, testCacheConfig(), client)
	ctx := context.Background()

	require.NoError(t, s.SetPinned(ctx, "k", []byte("old"), 0))
	mr.Set("avacache:c:k", "new")

	assert.Equal(t, 1, s.PurgeLocal())
	v, ok := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), v)
}
