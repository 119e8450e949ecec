package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/modelgrid/inferd/pkg/redact"
)

// maxPayloadBytes bounds persisted payload size. Larger payloads are replaced
// with a truncation envelope carrying only routing fields.
const maxPayloadBytes = 8000

// Sink receives audit events. Implementations must be safe for concurrent
// use.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// Publisher fans events out to its sinks. Each public method accepts one
// typed payload struct; payloads are marshaled, redacted, truncated, and
// delivered to every sink. Sink errors are logged, never propagated to the
// request path; the first error is returned for callers that want to count
// delivery problems.
type Publisher struct {
	sinks    []Sink
	redactor *redact.Redactor
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewPublisher creates a publisher over the given sinks.
func NewPublisher(sinks ...Sink) *Publisher {
	return &Publisher{
		sinks:    sinks,
		redactor: redact.New(),
		logger:   slog.With("component", "events"),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// PublishInferenceSuccess emits the single success event for one request.
func (p *Publisher) PublishInferenceSuccess(ctx context.Context, payload InferenceSuccessPayload) error {
	return p.publish(ctx, EventTypeInferenceSuccess, payload.TenantID, payload.RequestID, payload)
}

// PublishInferenceFailed emits the single failure event for one request.
func (p *Publisher) PublishInferenceFailed(ctx context.Context, payload InferenceFailedPayload) error {
	return p.publish(ctx, EventTypeInferenceFailed, payload.TenantID, payload.RequestID, payload)
}

// PublishInferenceCancelled emits the single cancellation event for one request.
func (p *Publisher) PublishInferenceCancelled(ctx context.Context, payload InferenceCancelledPayload) error {
	return p.publish(ctx, EventTypeInferenceCancelled, payload.TenantID, payload.RequestID, payload)
}

// PublishProviderRegistered emits a provider registration event.
func (p *Publisher) PublishProviderRegistered(ctx context.Context, payload ProviderLifecyclePayload) error {
	return p.publish(ctx, EventTypeProviderRegistered, "", "", payload)
}

// PublishProviderUnregistered emits a provider removal event.
func (p *Publisher) PublishProviderUnregistered(ctx context.Context, payload ProviderLifecyclePayload) error {
	return p.publish(ctx, EventTypeProviderUnregistered, "", "", payload)
}

// PublishBreakerStateChanged emits a circuit breaker transition event.
func (p *Publisher) PublishBreakerStateChanged(ctx context.Context, payload BreakerStateChangedPayload) error {
	return p.publish(ctx, EventTypeBreakerStateChanged, "", "", payload)
}

// PublishSessionEvicted emits a warm-pool eviction event.
func (p *Publisher) PublishSessionEvicted(ctx context.Context, payload SessionEvictedPayload) error {
	return p.publish(ctx, EventTypeSessionEvicted, "", "", payload)
}

func (p *Publisher) publish(ctx context.Context, eventType, tenantID, requestID string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	payloadJSON = p.redactor.MaskBytes(payloadJSON)
	payloadJSON, err = truncateIfNeeded(payloadJSON, eventType, requestID)
	if err != nil {
		return err
	}

	event := Event{
		ID:        p.newID(),
		Type:      eventType,
		TenantID:  tenantID,
		RequestID: requestID,
		At:        p.now(),
		Payload:   payloadJSON,
	}

	var firstErr error
	for _, sink := range p.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			p.logger.Warn("audit sink emit failed",
				"event_type", eventType,
				"request_id", requestID,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// truncateIfNeeded replaces oversized payloads with a minimal envelope that
// keeps the routing fields.
func truncateIfNeeded(payloadJSON []byte, eventType, requestID string) ([]byte, error) {
	if len(payloadJSON) <= maxPayloadBytes {
		return payloadJSON, nil
	}
	truncated, err := json.Marshal(map[string]any{
		"type":           eventType,
		"request_id":     requestID,
		"truncated":      true,
		"original_bytes": len(payloadJSON),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal truncation envelope: %w", err)
	}
	return truncated, nil
}
