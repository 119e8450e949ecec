// Package quota enforces per-tenant resource budgets and tracks provider-level
// rate-limit suspensions. CheckAndIncrement is atomic: a denied check never
// mutates the counter, and concurrent grants never exceed the limit.
package quota

import (
	"context"
	"sync"
	"time"
)

// Resource names used by the gateway.
const (
	// ResourceRequests counts inference calls
	ResourceRequests = "requests"
	// ResourceTokens counts tokens consumed
	ResourceTokens = "tokens"
)

// ResetPeriod determines when a counter returns to zero.
type ResetPeriod string

const (
	ResetHourly  ResetPeriod = "HOURLY"
	ResetDaily   ResetPeriod = "DAILY"
	ResetMonthly ResetPeriod = "MONTHLY"
	ResetNone    ResetPeriod = "NONE"
)

// IsValid checks if the period is one of the defined values.
func (p ResetPeriod) IsValid() bool {
	switch p {
	case ResetHourly, ResetDaily, ResetMonthly, ResetNone:
		return true
	default:
		return false
	}
}

// BucketStart returns the start of the period bucket containing now.
// Daily and monthly boundaries are UTC.
func (p ResetPeriod) BucketStart(now time.Time) time.Time {
	now = now.UTC()
	switch p {
	case ResetHourly:
		return now.Truncate(time.Hour)
	case ResetDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case ResetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// NextReset returns when the bucket containing now ends. For ResetNone the
// zero time is returned.
func (p ResetPeriod) NextReset(now time.Time) time.Time {
	start := p.BucketStart(now)
	switch p {
	case ResetHourly:
		return start.Add(time.Hour)
	case ResetDaily:
		return start.AddDate(0, 0, 1)
	case ResetMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return time.Time{}
	}
}

// Stamp returns the bucket identifier used in storage keys.
func (p ResetPeriod) Stamp(now time.Time) string {
	switch p {
	case ResetHourly:
		return p.BucketStart(now).Format("2006010215")
	case ResetDaily:
		return p.BucketStart(now).Format("20060102")
	case ResetMonthly:
		return p.BucketStart(now).Format("200601")
	default:
		return "all"
	}
}

// Limit is one tenant's budget for one resource. A negative Limit means
// unlimited (usage is still counted).
type Limit struct {
	Limit  int64
	Period ResetPeriod
}

// Unlimited reports whether the limit grants everything.
func (l Limit) Unlimited() bool {
	return l.Limit < 0
}

// LimitResolver maps (tenant, resource) to its configured limit. The second
// return is false when nothing is configured, which callers treat as
// unlimited.
type LimitResolver func(tenantID, resource string) (Limit, bool)

// Usage is a point-in-time view of one counter.
type Usage struct {
	Used      int64
	Limit     int64
	Period    ResetPeriod
	NextReset time.Time
}

// Store enforces quotas. Implementations must make CheckAndIncrement
// linearizable per (tenant, resource).
type Store interface {
	// CheckAndIncrement grants amount if used+amount <= limit, atomically
	// incrementing used. A denied check returns false without mutation.
	CheckAndIncrement(ctx context.Context, tenantID, resource string, amount int64) (bool, error)
	// Increment records usage unconditionally (post-hoc accounting such as
	// token consumption reported after the response).
	Increment(ctx context.Context, tenantID, resource string, amount int64) error
	// Usage returns the current counter state.
	Usage(ctx context.Context, tenantID, resource string) (Usage, error)
}

// SuspensionTracker remembers providers that reported rate limiting, for the
// duration the provider asked for. In-memory in every deployment mode; the
// signal is process-local by design.
type SuspensionTracker struct {
	mu    sync.RWMutex
	until map[string]time.Time
	now   func() time.Time
}

// NewSuspensionTracker creates an empty tracker.
func NewSuspensionTracker() *SuspensionTracker {
	return &SuspensionTracker{
		until: make(map[string]time.Time),
		now:   time.Now,
	}
}

// Suspend marks the provider out of quota for retryAfter. A non-positive
// retryAfter falls back to one minute.
func (t *SuspensionTracker) Suspend(providerID string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.until[providerID] = t.now().Add(retryAfter)
}

// HasQuota reports whether the provider is currently usable.
func (t *SuspensionTracker) HasQuota(providerID string) bool {
	t.mu.RLock()
	until, ok := t.until[providerID]
	t.mu.RUnlock()
	if !ok {
		return true
	}
	if t.now().Before(until) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.until[providerID]; ok && !t.now().Before(u) {
		delete(t.until, providerID)
	}
	return true
}

// SuspendedUntil returns the suspension deadline, if any.
func (t *SuspensionTracker) SuspendedUntil(providerID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	until, ok := t.until[providerID]
	if !ok || t.now().After(until) {
		return time.Time{}, false
	}
	return until, true
}
