package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/modelgrid/inferd/pkg/inferr"
)

// StateChangeHook observes breaker transitions, e.g. to emit audit events or
// update gauges. Hooks run outside the breaker lock.
type StateChangeHook func(name string, from, to State)

// Registry holds one breaker per operation key, created lazily on first use.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*breaker

	hookMu sync.RWMutex
	hooks  []StateChangeHook

	now func() time.Time
}

// NewRegistry creates a breaker registry with the given thresholds.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		logger:   slog.With("component", "breaker"),
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

// OnStateChange registers a transition hook. Call during wiring, before
// traffic.
func (r *Registry) OnStateChange(hook StateChangeHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

func (r *Registry) get(name string) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = newBreaker(r.cfg, r.now)
	r.breakers[name] = b
	return b
}

// Allow checks whether a call on the named operation may proceed. It returns
// a CircuitOpen error carrying the estimated recovery time when rejected.
// Every admitted call must be followed by exactly one RecordSuccess or
// RecordFailure.
func (r *Registry) Allow(name string) error {
	ok, retryAfter, change := r.get(name).allow()
	r.notify(name, change)
	if !ok {
		return inferr.CircuitOpen(name, retryAfter)
	}
	return nil
}

// RecordSuccess reports a successful call on the named operation.
func (r *Registry) RecordSuccess(name string) {
	r.notify(name, r.get(name).record(false))
}

// RecordFailure reports a failed call on the named operation.
func (r *Registry) RecordFailure(name string) {
	r.notify(name, r.get(name).record(true))
}

// State returns the current state of the named operation. Operations never
// seen are CLOSED.
func (r *Registry) State(name string) State {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.currentState()
}

// TripOpen forces the named breaker OPEN regardless of its window.
func (r *Registry) TripOpen(name string) {
	b := r.get(name)
	b.mu.Lock()
	change := b.transitionLocked(StateOpen)
	b.mu.Unlock()
	r.notify(name, change)
}

// Reset returns the named breaker to CLOSED with cleared counters.
func (r *Registry) Reset(name string) {
	b := r.get(name)
	b.mu.Lock()
	change := b.transitionLocked(StateClosed)
	b.resetWindowLocked()
	b.mu.Unlock()
	r.notify(name, change)
}

// Snapshot returns the state of every breaker seen so far.
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.currentState()
	}
	return out
}

func (r *Registry) notify(name string, change *stateChange) {
	if change == nil {
		return
	}
	r.logger.Warn("breaker state changed",
		"operation", name,
		"from", change.From.String(),
		"to", change.To.String())

	r.hookMu.RLock()
	hooks := make([]StateChangeHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(name, change.From, change.To)
	}
}
