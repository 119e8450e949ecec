package quota

import (
	"context"
	"sync"
	"time"
)

// counter is one (tenant, resource) bucket.
type counter struct {
	mu        sync.Mutex
	used      int64
	lastReset time.Time
}

// MemoryStore keeps counters in process memory with lazy period resets. Fits
// single-node deployments and tests; multi-node deployments use the Redis
// store so counters are shared.
type MemoryStore struct {
	resolve LimitResolver
	now     func() time.Time

	mu       sync.Mutex
	counters map[string]*counter
}

// NewMemoryStore creates a store resolving limits through resolve.
func NewMemoryStore(resolve LimitResolver) *MemoryStore {
	return &MemoryStore{
		resolve:  resolve,
		now:      time.Now,
		counters: make(map[string]*counter),
	}
}

func (s *MemoryStore) counterFor(tenantID, resource string) *counter {
	key := tenantID + "/" + resource
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok {
		c = &counter{}
		s.counters[key] = c
	}
	return c
}

// resetIfDue zeroes the counter when a period boundary has passed. Caller
// holds c.mu.
func (s *MemoryStore) resetIfDue(c *counter, period ResetPeriod) {
	if period == ResetNone || period == "" {
		return
	}
	bucket := period.BucketStart(s.now())
	if c.lastReset.Before(bucket) {
		c.used = 0
		c.lastReset = bucket
	}
}

// CheckAndIncrement implements Store.
func (s *MemoryStore) CheckAndIncrement(_ context.Context, tenantID, resource string, amount int64) (bool, error) {
	limit, configured := s.resolve(tenantID, resource)
	c := s.counterFor(tenantID, resource)

	c.mu.Lock()
	defer c.mu.Unlock()
	s.resetIfDue(c, limit.Period)

	if configured && !limit.Unlimited() && c.used+amount > limit.Limit {
		return false, nil
	}
	c.used += amount
	return true, nil
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, tenantID, resource string, amount int64) error {
	limit, _ := s.resolve(tenantID, resource)
	c := s.counterFor(tenantID, resource)

	c.mu.Lock()
	defer c.mu.Unlock()
	s.resetIfDue(c, limit.Period)
	c.used += amount
	return nil
}

// Usage implements Store.
func (s *MemoryStore) Usage(_ context.Context, tenantID, resource string) (Usage, error) {
	limit, configured := s.resolve(tenantID, resource)
	c := s.counterFor(tenantID, resource)

	c.mu.Lock()
	defer c.mu.Unlock()
	s.resetIfDue(c, limit.Period)

	u := Usage{Used: c.used, Period: limit.Period, Limit: -1}
	if configured {
		u.Limit = limit.Limit
	}
	if limit.Period != ResetNone && limit.Period != "" {
		u.NextReset = limit.Period.NextReset(s.now())
	}
	return u, nil
}
