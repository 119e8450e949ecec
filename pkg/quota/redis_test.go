package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, limits map[string]Limit) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, staticLimits(limits)), mr
}

func TestRedisCheckAndIncrement(t *testing.T) {
	store, _ := newTestRedisStore(t, map[string]Limit{
		"acme/requests": {Limit: 2, Period: ResetNone},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		granted, err := store.CheckAndIncrement(ctx, "acme", ResourceRequests, 1)
		require.NoError(t, err)
		assert.True(t, granted)
	}

	granted, err := store.CheckAndIncrement(ctx, "acme", ResourceRequests, 1)
	require.NoError(t, err)
	assert.False(t, granted)

	u, err := store.Usage(ctx, "acme", ResourceRequests)
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.Used)
	assert.Equal(t, int64(2), u.Limit)
}

func TestRedisUnconfiguredIsUnlimited(t *testing.T) {
	store, _ := newTestRedisStore(t, nil)
	ctx := context.Background()

	granted, err := store.CheckAndIncrement(ctx, "acme", ResourceTokens, 1_000_000)
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestRedisIncrementIgnoresLimit(t *testing.T) {
	store, _ := newTestRedisStore(t, map[string]Limit{
		"acme/tokens": {Limit: 10, Period: ResetNone},
	})
	ctx := context.Background()

	require.NoError(t, store.Increment(ctx, "acme", ResourceTokens, 500))

	u, err := store.Usage(ctx, "acme", ResourceTokens)
	require.NoError(t, err)
	assert.Equal(t, int64(500), u.Used)

	granted, err := store.CheckAndIncrement(ctx, "acme", ResourceTokens, 1)
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestRedisPeriodBucketKeys(t *testing.T) {
	store, mr := newTestRedisStore(t, map[string]Limit{
		"acme/requests": {Limit: 100, Period: ResetDaily},
	})
	now := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	granted, err := store.CheckAndIncrement(ctx, "acme", ResourceRequests, 1)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.True(t, mr.Exists("quota:acme:requests:20250601"))

	// next day lands in a fresh bucket; the old one ages out via TTL
	now = time.Date(2025, 6, 2, 0, 5, 0, 0, time.UTC)
	granted, err = store.CheckAndIncrement(ctx, "acme", ResourceRequests, 1)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.True(t, mr.Exists("quota:acme:requests:20250602"))

	u, err := store.Usage(ctx, "acme", ResourceRequests)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Used, "usage reads the current bucket only")

	ttl := mr.TTL("quota:acme:requests:20250602")
	assert.Greater(t, ttl, time.Duration(0), "period buckets carry a TTL")
}

func TestRedisLinearizableUnderConcurrency(t *testing.T) {
	const limit = 25
	store, _ := newTestRedisStore(t, map[string]Limit{
		"acme/requests": {Limit: limit, Period: ResetNone},
	})
	ctx := context.Background()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.CheckAndIncrement(ctx, "acme", ResourceRequests, 1)
			assert.NoError(t, err)
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), granted.Load())
}
