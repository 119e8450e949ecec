package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgrid/inferd/pkg/inferr"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRegistry(cfg Config) (*Registry, *fakeClock) {
	r := NewRegistry(cfg)
	clock := newFakeClock()
	r.now = clock.Now
	return r, clock
}

func TestClosedTripsOnFailureCount(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	for i := 0; i < 4; i++ {
		require.NoError(t, r.Allow("op"))
		r.RecordFailure("op")
	}
	assert.Equal(t, StateClosed, r.State("op"))

	require.NoError(t, r.Allow("op"))
	r.RecordFailure("op")
	assert.Equal(t, StateOpen, r.State("op"))

	err := r.Allow("op")
	require.Error(t, err)
	assert.Equal(t, inferr.KindCircuitOpen, inferr.KindOf(err))
}

func TestClosedTripsOnFailureRateOverFullWindow(t *testing.T) {
	cfg := Config{SlidingWindowSize: 10, FailureThreshold: 6, FailureRateThreshold: 0.5}
	r, _ := newTestRegistry(cfg)

	// alternate so the count threshold is never reached before the window fills
	for i := 0; i < 9; i++ {
		require.NoError(t, r.Allow("op"))
		if i%2 == 0 {
			r.RecordFailure("op")
		} else {
			r.RecordSuccess("op")
		}
	}
	assert.Equal(t, StateClosed, r.State("op"), "rate not evaluated until window is full")

	require.NoError(t, r.Allow("op"))
	r.RecordSuccess("op")
	assert.Equal(t, StateClosed, r.State("op"), "5 failures / 10 calls with threshold 0.5 trips only on failure")

	require.NoError(t, r.Allow("op"))
	r.RecordFailure("op")
	assert.Equal(t, StateOpen, r.State("op"))
}

func TestWindowEvictsOldOutcomes(t *testing.T) {
	r, _ := newTestRegistry(Config{SlidingWindowSize: 4, FailureThreshold: 4})

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Allow("op"))
		r.RecordFailure("op")
	}
	// successes push the oldest failures out of the 4-slot window
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Allow("op"))
		r.RecordSuccess("op")
	}
	require.NoError(t, r.Allow("op"))
	r.RecordFailure("op")
	assert.Equal(t, StateClosed, r.State("op"))
}

func TestOpenRejectsWithRetryAfter(t *testing.T) {
	r, clock := newTestRegistry(Config{OpenDuration: time.Minute})
	r.TripOpen("op")

	err := r.Allow("op")
	require.Error(t, err)
	var e *inferr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "1m0s", e.Details["retry_after"])

	clock.Advance(45 * time.Second)
	err = r.Allow("op")
	var e2 *inferr.Error
	require.ErrorAs(t, err, &e2)
	assert.Equal(t, "15s", e2.Details["retry_after"])
}

func TestHalfOpenAdmitsBoundedProbes(t *testing.T) {
	r, clock := newTestRegistry(Config{HalfOpenPermits: 3})
	r.TripOpen("op")
	clock.Advance(61 * time.Second)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Allow("op"), "probe %d should be admitted", i)
	}
	assert.Equal(t, StateHalfOpen, r.State("op"))

	err := r.Allow("op")
	require.Error(t, err, "fourth concurrent probe rejected")
	assert.Equal(t, inferr.KindCircuitOpen, inferr.KindOf(err))
}

func TestHalfOpenClosesAfterConsecutiveSuccesses(t *testing.T) {
	r, clock := newTestRegistry(Config{HalfOpenSuccessThreshold: 2})
	r.TripOpen("op")
	clock.Advance(61 * time.Second)

	require.NoError(t, r.Allow("op"))
	r.RecordSuccess("op")
	assert.Equal(t, StateHalfOpen, r.State("op"))

	require.NoError(t, r.Allow("op"))
	r.RecordSuccess("op")
	assert.Equal(t, StateClosed, r.State("op"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	r, clock := newTestRegistry(Config{})
	r.TripOpen("op")
	clock.Advance(61 * time.Second)

	require.NoError(t, r.Allow("op"))
	r.RecordFailure("op")
	assert.Equal(t, StateOpen, r.State("op"))

	// the open timer restarts on the probe failure
	clock.Advance(30 * time.Second)
	assert.Error(t, r.Allow("op"))
	clock.Advance(31 * time.Second)
	assert.NoError(t, r.Allow("op"))
}

func TestTripOpenAndReset(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	r.TripOpen("op")
	assert.Equal(t, StateOpen, r.State("op"))
	assert.Error(t, r.Allow("op"))

	r.Reset("op")
	assert.Equal(t, StateClosed, r.State("op"))
	assert.NoError(t, r.Allow("op"))
	r.RecordSuccess("op")
}

func TestUnknownOperationIsClosed(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	assert.Equal(t, StateClosed, r.State("never-seen"))
}

func TestStateChangeHook(t *testing.T) {
	r, clock := newTestRegistry(Config{})

	var mu sync.Mutex
	var transitions []string
	r.OnStateChange(func(name string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	})

	r.TripOpen("op")
	clock.Advance(61 * time.Second)
	require.NoError(t, r.Allow("op"))
	r.RecordSuccess("op")
	require.NoError(t, r.Allow("op"))
	r.RecordSuccess("op")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"op:CLOSED->OPEN",
		"op:OPEN->HALF_OPEN",
		"op:HALF_OPEN->CLOSED",
	}, transitions)
}

func TestHalfOpenProbeBoundUnderConcurrency(t *testing.T) {
	r, clock := newTestRegistry(Config{HalfOpenPermits: 3})
	r.TripOpen("op")
	clock.Advance(61 * time.Second)

	var admitted int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Allow("op") == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, admitted, int64(3), "never more probes than permits")
	assert.GreaterOrEqual(t, admitted, int64(1))
}

func TestSnapshot(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	require.NoError(t, r.Allow("a"))
	r.RecordSuccess("a")
	r.TripOpen("b")

	snap := r.Snapshot()
	assert.Equal(t, StateClosed, snap["a"])
	assert.Equal(t, StateOpen, snap["b"])
	assert.Len(t, snap, 2)
}
