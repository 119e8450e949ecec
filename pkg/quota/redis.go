package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkAndIncrScript grants and counts in one atomic step. KEYS[1] is the
// bucket key; ARGV: amount, limit (-1 = unlimited), ttl seconds (0 = none).
var checkAndIncrScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
if limit >= 0 and used + amount > limit then
  return 0
end
local new = redis.call('INCRBY', KEYS[1], amount)
if new == amount and ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return 1
`)

// RedisStore keeps counters in Redis so multiple gateway nodes share one
// budget. The reset period is encoded in the key; expired buckets age out via
// TTL rather than an explicit reset.
type RedisStore struct {
	client  redis.UniversalClient
	resolve LimitResolver
	now     func() time.Time
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient, resolve LimitResolver) *RedisStore {
	return &RedisStore{client: client, resolve: resolve, now: time.Now}
}

func (s *RedisStore) key(tenantID, resource string, period ResetPeriod) string {
	return fmt.Sprintf("quota:%s:%s:%s", tenantID, resource, period.Stamp(s.now()))
}

// bucketTTL returns the expiry for the current bucket, with an hour of slack
// so late post-hoc increments still land in the right bucket.
func (s *RedisStore) bucketTTL(period ResetPeriod) int64 {
	if period == ResetNone || period == "" {
		return 0
	}
	return int64(time.Until(period.NextReset(s.now()))/time.Second) + 3600
}

// CheckAndIncrement implements Store.
func (s *RedisStore) CheckAndIncrement(ctx context.Context, tenantID, resource string, amount int64) (bool, error) {
	limit, configured := s.resolve(tenantID, resource)
	effective := int64(-1)
	if configured && !limit.Unlimited() {
		effective = limit.Limit
	}

	res, err := checkAndIncrScript.Run(ctx, s.client,
		[]string{s.key(tenantID, resource, limit.Period)},
		amount, effective, s.bucketTTL(limit.Period)).Int64()
	if err != nil {
		return false, fmt.Errorf("quota check for %s/%s: %w", tenantID, resource, err)
	}
	return res == 1, nil
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, tenantID, resource string, amount int64) error {
	limit, _ := s.resolve(tenantID, resource)

	_, err := checkAndIncrScript.Run(ctx, s.client,
		[]string{s.key(tenantID, resource, limit.Period)},
		amount, -1, s.bucketTTL(limit.Period)).Int64()
	if err != nil {
		return fmt.Errorf("quota increment for %s/%s: %w", tenantID, resource, err)
	}
	return nil
}

// Usage implements Store.
func (s *RedisStore) Usage(ctx context.Context, tenantID, resource string) (Usage, error) {
	limit, configured := s.resolve(tenantID, resource)

	used, err := s.client.Get(ctx, s.key(tenantID, resource, limit.Period)).Int64()
	if err != nil && err != redis.Nil {
		return Usage{}, fmt.Errorf("quota usage for %s/%s: %w", tenantID, resource, err)
	}

	u := Usage{Used: used, Period: limit.Period, Limit: -1}
	if configured {
		u.Limit = limit.Limit
	}
	if limit.Period != ResetNone && limit.Period != "" {
		u.NextReset = limit.Period.NextReset(s.now())
	}
	return u, nil
}
