package router

import (
	"sync"
	"time"
)

type cacheEntry struct {
	decision Decision
	storedAt time.Time
	served   int
}

// DecisionCache remembers the routing decision per request so that fallback
// follows the original ranking instead of re-scoring mid-flight. Entries are
// write-once and purged by the maintenance loop once requests settle.
type DecisionCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	now     func() time.Time
}

// NewDecisionCache creates an empty cache.
func NewDecisionCache() *DecisionCache {
	return &DecisionCache{
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// Put stores the decision under its request id. The first write wins; later
// writes for the same request are ignored and reported false.
func (c *DecisionCache) Put(d Decision) bool {
	if d.RequestID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[d.RequestID]; ok {
		return false
	}
	c.entries[d.RequestID] = &cacheEntry{decision: d, storedAt: c.now()}
	return true
}

// Get returns the stored decision for the request.
func (c *DecisionCache) Get(requestID string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[requestID]
	if !ok {
		return Decision{}, false
	}
	d := e.decision
	d.Fallbacks = append([]string(nil), e.decision.Fallbacks...)
	return d, true
}

// NextFallback hands out the next unused fallback provider for the request.
// Each fallback is returned at most once.
func (c *DecisionCache) NextFallback(requestID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[requestID]
	if !ok || e.served >= len(e.decision.Fallbacks) {
		return "", false
	}
	id := e.decision.Fallbacks[e.served]
	e.served++
	return id, true
}

// Forget drops the decision for a settled request.
func (c *DecisionCache) Forget(requestID string) {
	c.mu.Lock()
	delete(c.entries, requestID)
	c.mu.Unlock()
}

// Purge removes decisions stored longer than maxAge ago and reports how many
// were dropped.
func (c *DecisionCache) Purge(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for id, e := range c.entries {
		if e.storedAt.Before(cutoff) {
			delete(c.entries, id)
			dropped++
		}
	}
	return dropped
}

// Len reports how many decisions are cached.
func (c *DecisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
