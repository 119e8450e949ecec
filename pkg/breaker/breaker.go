// Package breaker provides per-operation circuit breakers with a count-based
// sliding window. A breaker rejects calls while OPEN, admits a bounded number
// of probes while HALF_OPEN, and trips from CLOSED when the window crosses
// the failure count or failure rate threshold.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	// StateClosed permits all calls
	StateClosed State = iota
	// StateOpen rejects all calls until the open duration elapses
	StateOpen
	// StateHalfOpen permits a bounded number of probe calls
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config controls breaker behavior. Zero fields fall back to defaults.
type Config struct {
	// SlidingWindowSize is the number of most recent outcomes considered
	SlidingWindowSize int `yaml:"sliding_window_size"`
	// FailureThreshold trips the breaker when this many failures are in the window
	FailureThreshold int `yaml:"failure_threshold"`
	// FailureRateThreshold trips the breaker when the window is full and the
	// failure fraction reaches this value
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
	// OpenDuration is how long the breaker stays open before admitting probes
	OpenDuration time.Duration `yaml:"open_duration"`
	// HalfOpenPermits bounds concurrent probe calls in HALF_OPEN
	HalfOpenPermits int `yaml:"half_open_permits"`
	// HalfOpenSuccessThreshold closes the breaker after this many consecutive
	// probe successes
	HalfOpenSuccessThreshold int `yaml:"half_open_success_threshold"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		SlidingWindowSize:        10,
		FailureThreshold:         5,
		FailureRateThreshold:     0.5,
		OpenDuration:             60 * time.Second,
		HalfOpenPermits:          3,
		HalfOpenSuccessThreshold: 2,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SlidingWindowSize <= 0 {
		c.SlidingWindowSize = def.SlidingWindowSize
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = def.FailureRateThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = def.OpenDuration
	}
	if c.HalfOpenPermits <= 0 {
		c.HalfOpenPermits = def.HalfOpenPermits
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = def.HalfOpenSuccessThreshold
	}
	return c
}

// breaker tracks one operation key. All fields are guarded by mu.
type breaker struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	state    State
	openedAt time.Time

	// count-based ring of recent outcomes; true marks a failure
	window   []bool
	head     int
	filled   int
	failures int

	probesInFlight int
	probeSuccesses int
}

func newBreaker(cfg Config, now func() time.Time) *breaker {
	return &breaker{
		cfg:    cfg,
		now:    now,
		window: make([]bool, cfg.SlidingWindowSize),
	}
}

// allow reports whether a call may proceed. When the breaker is open it
// returns the estimated time until probes are admitted.
func (b *breaker) allow() (ok bool, retryAfter time.Duration, transition *stateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cfg.OpenDuration {
			return false, b.cfg.OpenDuration - elapsed, nil
		}
		transition = b.transitionLocked(StateHalfOpen)
	}

	if b.state == StateHalfOpen {
		if b.probesInFlight >= b.cfg.HalfOpenPermits {
			return false, b.cfg.OpenDuration, transition
		}
		b.probesInFlight++
	}
	return true, 0, transition
}

// record applies one call outcome.
func (b *breaker) record(failure bool) *stateChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		if failure {
			return b.transitionLocked(StateOpen)
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenSuccessThreshold {
			return b.transitionLocked(StateClosed)
		}
		return nil

	case StateClosed:
		b.push(failure)
		if !failure {
			return nil
		}
		if b.failures >= b.cfg.FailureThreshold {
			return b.transitionLocked(StateOpen)
		}
		if b.filled == len(b.window) {
			rate := float64(b.failures) / float64(b.filled)
			if rate >= b.cfg.FailureRateThreshold {
				return b.transitionLocked(StateOpen)
			}
		}
		return nil

	default:
		// outcomes arriving while OPEN (calls admitted before the trip) are dropped
		return nil
	}
}

// push appends one outcome to the ring, evicting the oldest when full.
func (b *breaker) push(failure bool) {
	if b.filled == len(b.window) {
		if b.window[b.head] {
			b.failures--
		}
	} else {
		b.filled++
	}
	b.window[b.head] = failure
	if failure {
		b.failures++
	}
	b.head = (b.head + 1) % len(b.window)
}

// transitionLocked moves to next, resetting the counters the new state
// expects. Caller holds mu.
func (b *breaker) transitionLocked(next State) *stateChange {
	if b.state == next {
		return nil
	}
	change := &stateChange{From: b.state, To: next}
	b.state = next

	switch next {
	case StateOpen:
		b.openedAt = b.now()
		b.probesInFlight = 0
		b.probeSuccesses = 0
	case StateHalfOpen:
		b.probesInFlight = 0
		b.probeSuccesses = 0
	case StateClosed:
		b.resetWindowLocked()
	}
	return change
}

func (b *breaker) resetWindowLocked() {
	for i := range b.window {
		b.window[i] = false
	}
	b.head = 0
	b.filled = 0
	b.failures = 0
	b.probesInFlight = 0
	b.probeSuccesses = 0
}

func (b *breaker) currentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		return StateHalfOpen
	}
	return b.state
}

// stateChange describes one observed transition for hooks and logs.
type stateChange struct {
	From State
	To   State
}
