package engine

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modelgrid/inferd/pkg/events"
	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
	"github.com/modelgrid/inferd/pkg/pipeline"
	"github.com/modelgrid/inferd/pkg/providers"
	"github.com/modelgrid/inferd/pkg/quota"
)

// streamTracker wraps the provider stream to give the engine its guarantees:
// time-to-first-token on the first chunk, exactly one settlement (success,
// failure, or cancel) carrying the audit event and telemetry, and release of
// the cancel registration. Failures after the first chunk are terminal;
// responses are not idempotent once observed.
type streamTracker struct {
	eng      *Engine
	ic       *pipeline.InferenceContext
	inner    providers.StreamIterator
	provider string
	started  time.Time
	release  func()

	mu       sync.Mutex
	sawFirst bool
	content  strings.Builder
	reported int
	done     bool
}

// Next pulls one chunk, recording first-token latency and accumulating the
// usage facts the settlement needs.
func (t *streamTracker) Next(ctx context.Context) (models.StreamChunk, error) {
	chunk, err := t.inner.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			t.settle(nil)
			return models.StreamChunk{}, io.EOF
		}
		t.settle(err)
		return models.StreamChunk{}, inferr.From(err).WithRequestID(t.ic.RequestID)
	}
	if t.observe(chunk) {
		t.settle(nil)
	}
	return chunk, nil
}

// Close releases the stream early. A close before the final chunk is the
// client walking away, which settles as a cancellation.
func (t *streamTracker) Close() error {
	err := t.inner.Close()
	t.settle(inferr.Cancelled(t.ic.RequestID))
	return err
}

// observe accumulates one chunk and reports whether it was final.
func (t *streamTracker) observe(chunk models.StreamChunk) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.sawFirst {
		t.sawFirst = true
		t.eng.rt.Metrics.RecordTTFT(t.provider, t.ic.Request.Model, t.eng.rt.now().Sub(t.started))
	}
	t.content.WriteString(chunk.Delta)
	if v := chunk.Metadata[models.MetaTokensUsed]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			t.reported = n
		}
	}
	return chunk.IsFinal
}

// settle records the stream's single terminal outcome. Later calls are
// no-ops, so drain-to-EOF after the final chunk and early Close are both
// safe.
func (t *streamTracker) settle(err error) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	text := t.content.String()
	reported := t.reported
	t.mu.Unlock()
	defer t.release()

	ctx := context.Background()
	ic := t.ic
	model := ic.Request.Model
	latency := t.eng.rt.now().Sub(t.started)
	t.eng.rt.Metrics.RequestFinished(t.provider, model)

	switch {
	case err == nil:
		tokens := t.eng.tokens.CountStream(ic.Request, text, reported)
		t.eng.rt.Breakers.RecordSuccess(t.provider)
		t.eng.rt.Metrics.RecordSuccess(t.provider, model, latency, tokens)
		if qerr := t.eng.rt.Quota.Increment(ctx, ic.Tenant.TenantID, quota.ResourceTokens, int64(tokens)); qerr != nil {
			t.eng.logger.Warn("token accounting failed",
				"request_id", ic.RequestID,
				"tenant_id", ic.Tenant.TenantID,
				"error", qerr,
			)
		}
		_ = ic.Transition(pipeline.SignalComplete)
		t.eng.publish(ic.RequestID, t.eng.rt.Events.PublishInferenceSuccess(ctx, events.InferenceSuccessPayload{
			RequestID:  ic.RequestID,
			TenantID:   ic.Tenant.TenantID,
			Model:      model,
			ProviderID: t.provider,
			TokensUsed: tokens,
			DurationMs: latency.Milliseconds(),
			Attempts:   ic.Attempt,
			Fallback:   ic.Attribute(attrFallback) == "true",
			Streaming:  true,
		}))
	case inferr.KindOf(err) == inferr.KindCancelled:
		// the provider is blameless; free its breaker slot quietly
		t.eng.rt.Breakers.RecordSuccess(t.provider)
		_ = ic.Transition(pipeline.SignalCancel)
		t.eng.publish(ic.RequestID, t.eng.rt.Events.PublishInferenceCancelled(ctx, events.InferenceCancelledPayload{
			RequestID:  ic.RequestID,
			TenantID:   ic.Tenant.TenantID,
			Model:      model,
			DurationMs: latency.Milliseconds(),
		}))
	default:
		e := inferr.From(err).WithRequestID(ic.RequestID)
		t.eng.rt.Breakers.RecordFailure(t.provider)
		t.eng.rt.Metrics.RecordFailure(t.provider, model, latency, string(e.Kind))
		ic.Err = e
		_ = ic.Transition(pipeline.SignalFail)
		t.eng.publish(ic.RequestID, t.eng.rt.Events.PublishInferenceFailed(ctx, events.InferenceFailedPayload{
			RequestID:  ic.RequestID,
			TenantID:   ic.Tenant.TenantID,
			Model:      model,
			ProviderID: t.provider,
			ErrorKind:  string(e.Kind),
			Message:    e.Message,
			Attempts:   ic.Attempt,
			DurationMs: latency.Milliseconds(),
		}))
	}
}
