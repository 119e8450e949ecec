// Package metrics tracks live provider telemetry. A rolling in-process cache
// feeds the router (P95 latency, 5-minute error rate, current load) and a set
// of prometheus collectors expose the same signals for scraping. Writes are
// append-only into fixed rings; reads take a snapshot.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// ErrorRateWindow bounds the rolling error-rate and latency lookback.
const ErrorRateWindow = 5 * time.Minute

// ringCapacity bounds per-series memory; at gateway call rates the time
// window prunes long before the ring wraps.
const ringCapacity = 512

// DefaultCapacity is the assumed max concurrency for providers that don't
// declare one. Load stays near zero until a capacity is set.
const DefaultCapacity = 100

// Provider health values as recorded by the health prober. The ordering
// mirrors the adapter health enum so statuses can be stored as plain ints.
const (
	HealthHealthy = iota
	HealthDegraded
	HealthUnhealthy
)

type point struct {
	at time.Time
	v  float64
}

// ring is a fixed-size append-only buffer of timestamped values.
type ring struct {
	buf  []point
	head int
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]point, capacity)}
}

func (r *ring) add(p point) {
	r.buf[r.head] = p
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// collect returns the values at or after cutoff, oldest first.
func (r *ring) collect(cutoff time.Time) []float64 {
	out := make([]float64, 0, r.n)
	start := r.head - r.n
	for i := 0; i < r.n; i++ {
		idx := (start + i + len(r.buf)) % len(r.buf)
		p := r.buf[idx]
		if p.at.Before(cutoff) {
			continue
		}
		out = append(out, p.v)
	}
	return out
}

// series is the telemetry for one (provider, model) pair.
type series struct {
	mu        sync.Mutex
	latencies *ring // successful call latency, milliseconds
	outcomes  *ring // 1 = failure, 0 = success
	ttft      *ring // time to first token, milliseconds
	inflight  int
}

func newSeries() *series {
	return &series{
		latencies: newRing(ringCapacity),
		outcomes:  newRing(ringCapacity),
		ttft:      newRing(ringCapacity),
	}
}

// Snapshot is a consistent read of one series.
type Snapshot struct {
	// P95 is the 95th percentile latency of recent successful calls
	P95 time.Duration
	// HasLatency is false when no latency samples exist in the window
	HasLatency bool
	// ErrorRate is failures/calls over the rolling window; 0 with no data
	ErrorRate float64
	// Samples is the number of outcome samples behind ErrorRate
	Samples int
	// Load is in-flight calls divided by the provider's capacity
	Load float64
	// InFlight is the current concurrent call count
	InFlight int
}

type seriesKey struct {
	provider string
	model    string
}

// Cache is the process-wide runtime metrics cache.
type Cache struct {
	mu       sync.RWMutex
	series   map[seriesKey]*series
	capacity map[string]int
	health   map[string]int

	collectors *Collectors
	now        func() time.Time
}

// NewCache creates a cache. collectors may be nil when prometheus export is
// not wanted (tests).
func NewCache(collectors *Collectors) *Cache {
	return &Cache{
		series:     make(map[seriesKey]*series),
		capacity:   make(map[string]int),
		health:     make(map[string]int),
		collectors: collectors,
		now:        time.Now,
	}
}

func (c *Cache) seriesFor(provider, model string) *series {
	key := seriesKey{provider, model}
	c.mu.RLock()
	s, ok := c.series[key]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.series[key]; ok {
		return s
	}
	s = newSeries()
	c.series[key] = s
	return s
}

// SetCapacity declares a provider's max concurrency for load computation.
func (c *Cache) SetCapacity(provider string, capacity int) {
	if capacity <= 0 {
		return
	}
	c.mu.Lock()
	c.capacity[provider] = capacity
	c.mu.Unlock()
}

func (c *Cache) capacityFor(provider string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.capacity[provider]; ok {
		return n
	}
	return DefaultCapacity
}

// SetHealth records the provider's last probed health status.
func (c *Cache) SetHealth(provider string, status int) {
	c.mu.Lock()
	c.health[provider] = status
	c.mu.Unlock()

	if c.collectors != nil {
		c.collectors.ProviderHealth.WithLabelValues(provider).Set(float64(status))
	}
}

// HealthFor returns the last probed health status. A provider that was never
// probed reads as healthy.
func (c *Cache) HealthFor(provider string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.health[provider]; ok {
		return s
	}
	return HealthHealthy
}

// RequestStarted marks one in-flight call.
func (c *Cache) RequestStarted(provider, model string) {
	s := c.seriesFor(provider, model)
	s.mu.Lock()
	s.inflight++
	load := float64(s.inflight) / float64(c.capacityFor(provider))
	s.mu.Unlock()

	if c.collectors != nil {
		c.collectors.ProviderLoad.WithLabelValues(provider, model).Set(load)
	}
}

// RequestFinished unmarks one in-flight call.
func (c *Cache) RequestFinished(provider, model string) {
	s := c.seriesFor(provider, model)
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	load := float64(s.inflight) / float64(c.capacityFor(provider))
	s.mu.Unlock()

	if c.collectors != nil {
		c.collectors.ProviderLoad.WithLabelValues(provider, model).Set(load)
	}
}

// RecordSuccess records one successful call.
func (c *Cache) RecordSuccess(provider, model string, latency time.Duration, tokens int) {
	now := c.now()
	s := c.seriesFor(provider, model)
	s.mu.Lock()
	s.latencies.add(point{at: now, v: float64(latency.Milliseconds())})
	s.outcomes.add(point{at: now, v: 0})
	s.mu.Unlock()

	if c.collectors != nil {
		c.collectors.RequestsTotal.WithLabelValues(provider, model, "success").Inc()
		c.collectors.RequestDuration.WithLabelValues(provider, model).Observe(latency.Seconds())
		if tokens > 0 {
			c.collectors.TokensTotal.WithLabelValues(provider, model).Add(float64(tokens))
		}
	}
}

// RecordFailure records one failed call with its error kind.
func (c *Cache) RecordFailure(provider, model string, latency time.Duration, kind string) {
	now := c.now()
	s := c.seriesFor(provider, model)
	s.mu.Lock()
	s.outcomes.add(point{at: now, v: 1})
	s.mu.Unlock()

	if c.collectors != nil {
		c.collectors.RequestsTotal.WithLabelValues(provider, model, "failure").Inc()
		c.collectors.FailuresTotal.WithLabelValues(provider, model, kind).Inc()
	}
}

// RecordTTFT records time-to-first-token for one streamed call.
func (c *Cache) RecordTTFT(provider, model string, d time.Duration) {
	s := c.seriesFor(provider, model)
	s.mu.Lock()
	s.ttft.add(point{at: c.now(), v: float64(d.Milliseconds())})
	s.mu.Unlock()

	if c.collectors != nil {
		c.collectors.TimeToFirstToken.WithLabelValues(provider, model).Observe(d.Seconds())
	}
}

// SnapshotFor returns a consistent view of one (provider, model) series. A
// pair never seen yields a zero snapshot.
func (c *Cache) SnapshotFor(provider, model string) Snapshot {
	key := seriesKey{provider, model}
	c.mu.RLock()
	s, ok := c.series[key]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}
	}

	cutoff := c.now().Add(-ErrorRateWindow)
	s.mu.Lock()
	lats := s.latencies.collect(cutoff)
	outs := s.outcomes.collect(cutoff)
	inflight := s.inflight
	s.mu.Unlock()

	snap := Snapshot{
		InFlight: inflight,
		Load:     float64(inflight) / float64(c.capacityFor(provider)),
		Samples:  len(outs),
	}
	if len(lats) > 0 {
		snap.HasLatency = true
		snap.P95 = time.Duration(percentile(lats, 0.95)) * time.Millisecond
	}
	if len(outs) > 0 {
		var failures float64
		for _, v := range outs {
			failures += v
		}
		snap.ErrorRate = failures / float64(len(outs))
	}
	return snap
}

// percentile returns the pth percentile (0 < p <= 1) of values.
func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted))*p+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
