package metrics

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotEmpty(t *testing.T) {
	c := NewCache(nil)
	snap := c.SnapshotFor("openai", "gpt-4")
	assert.False(t, snap.HasLatency)
	assert.Zero(t, snap.ErrorRate)
	assert.Zero(t, snap.Load)
	assert.Zero(t, snap.Samples)
}

func TestP95(t *testing.T) {
	c := NewCache(nil)
	for i := 1; i <= 100; i++ {
		c.RecordSuccess("openai", "gpt-4", time.Duration(i*10)*time.Millisecond, 0)
	}

	snap := c.SnapshotFor("openai", "gpt-4")
	require.True(t, snap.HasLatency)
	assert.Equal(t, 950*time.Millisecond, snap.P95)
}

func TestErrorRateWindow(t *testing.T) {
	c := NewCache(nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	// 8 old failures fall outside the 5-minute window
	for i := 0; i < 8; i++ {
		c.RecordFailure("openai", "gpt-4", 50*time.Millisecond, "UpstreamTransient")
	}
	now = now.Add(6 * time.Minute)

	for i := 0; i < 9; i++ {
		c.RecordSuccess("openai", "gpt-4", 100*time.Millisecond, 10)
	}
	c.RecordFailure("openai", "gpt-4", 100*time.Millisecond, "Timeout")

	snap := c.SnapshotFor("openai", "gpt-4")
	assert.Equal(t, 10, snap.Samples)
	assert.InDelta(t, 0.1, snap.ErrorRate, 0.0001)
}

func TestLoadTracking(t *testing.T) {
	c := NewCache(nil)
	c.SetCapacity("openai", 10)

	for i := 0; i < 4; i++ {
		c.RequestStarted("openai", "gpt-4")
	}
	snap := c.SnapshotFor("openai", "gpt-4")
	assert.Equal(t, 4, snap.InFlight)
	assert.InDelta(t, 0.4, snap.Load, 0.0001)

	c.RequestFinished("openai", "gpt-4")
	snap = c.SnapshotFor("openai", "gpt-4")
	assert.Equal(t, 3, snap.InFlight)
	assert.InDelta(t, 0.3, snap.Load, 0.0001)
}

func TestRequestFinishedNeverUnderflows(t *testing.T) {
	c := NewCache(nil)
	c.RequestFinished("openai", "gpt-4")
	assert.Equal(t, 0, c.SnapshotFor("openai", "gpt-4").InFlight)
}

func TestRingEviction(t *testing.T) {
	r := newRing(4)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		r.add(point{at: base.Add(time.Duration(i) * time.Second), v: float64(i)})
	}

	got := r.collect(time.Time{})
	assert.Equal(t, []float64{2, 3, 4, 5}, got, "ring keeps the newest 4 values in order")
}

func TestConcurrentRecording(t *testing.T) {
	c := NewCache(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			provider := fmt.Sprintf("p%d", n%3)
			c.RequestStarted(provider, "m")
			if n%5 == 0 {
				c.RecordFailure(provider, "m", time.Millisecond, "Timeout")
			} else {
				c.RecordSuccess(provider, "m", time.Millisecond, 1)
			}
			c.RequestFinished(provider, "m")
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < 3; i++ {
		snap := c.SnapshotFor(fmt.Sprintf("p%d", i), "m")
		assert.Zero(t, snap.InFlight)
		total += snap.Samples
	}
	assert.Equal(t, 50, total)
}

func TestPrometheusCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCache(NewCollectors(reg))

	c.RecordSuccess("openai", "gpt-4", 500*time.Millisecond, 42)
	c.RecordFailure("openai", "gpt-4", 100*time.Millisecond, "UpstreamTransient")
	c.RecordTTFT("openai", "gpt-4", 80*time.Millisecond)
	c.QuotaDenied("acme")
	c.SetBreakerState("openai", 1)
	c.SetSessionGauges("acme/llama3/gguf", 2, 1)
	c.BatchJobFinished("COMPLETED")

	assert.Equal(t, float64(1), testutil.ToFloat64(
		c.collectors.RequestsTotal.WithLabelValues("openai", "gpt-4", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		c.collectors.FailuresTotal.WithLabelValues("openai", "gpt-4", "UpstreamTransient")))
	assert.Equal(t, float64(42), testutil.ToFloat64(
		c.collectors.TokensTotal.WithLabelValues("openai", "gpt-4")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		c.collectors.QuotaDenials.WithLabelValues("acme")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		c.collectors.BreakerState.WithLabelValues("openai")))
	assert.Equal(t, float64(2), testutil.ToFloat64(
		c.collectors.SessionsActive.WithLabelValues("acme/llama3/gguf")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		c.collectors.BatchJobsTotal.WithLabelValues("COMPLETED")))
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, float64(9), percentile([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 0.9))
	assert.Equal(t, float64(5), percentile([]float64{5}, 0.95))
	assert.Equal(t, float64(3), percentile([]float64{3, 1, 2}, 0.95), "input order does not matter")
}
