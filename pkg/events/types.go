// Package events emits the gateway's audit events. The engine publishes
// exactly one terminal event per request (success, failed, or cancelled);
// registries and pools publish lifecycle events. Sinks are best-effort and
// never fail the request path.
package events

import (
	"encoding/json"
	"time"
)

// Audit event types.
const (
	// EventTypeInferenceSuccess marks one successfully completed request
	EventTypeInferenceSuccess = "inference.success"
	// EventTypeInferenceFailed marks one terminally failed request
	EventTypeInferenceFailed = "inference.failed"
	// EventTypeInferenceCancelled marks one externally cancelled request
	EventTypeInferenceCancelled = "inference.cancelled"

	// EventTypeProviderRegistered fires when a provider joins the registry
	EventTypeProviderRegistered = "provider.registered"
	// EventTypeProviderUnregistered fires when a provider leaves the registry
	EventTypeProviderUnregistered = "provider.unregistered"

	// EventTypeBreakerStateChanged fires on circuit breaker transitions
	EventTypeBreakerStateChanged = "breaker.state_changed"
	// EventTypeSessionEvicted fires when the warm pool closes an idle session
	EventTypeSessionEvicted = "session.evicted"
)

// Event is the envelope every sink receives. Payload is the marshaled typed
// payload, already redacted and truncated.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	TenantID  string          `json:"tenant_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

// InferenceSuccessPayload describes one completed request.
type InferenceSuccessPayload struct {
	RequestID  string `json:"request_id"`
	TenantID   string `json:"tenant_id"`
	Model      string `json:"model"`
	ProviderID string `json:"provider_id"`
	TokensUsed int    `json:"tokens_used"`
	DurationMs int64  `json:"duration_ms"`
	Attempts   int    `json:"attempts"`
	Fallback   bool   `json:"fallback,omitempty"`
	Streaming  bool   `json:"streaming,omitempty"`
}

// InferenceFailedPayload describes one terminally failed request.
type InferenceFailedPayload struct {
	RequestID  string `json:"request_id"`
	TenantID   string `json:"tenant_id"`
	Model      string `json:"model"`
	ProviderID string `json:"provider_id,omitempty"`
	ErrorKind  string `json:"error_kind"`
	Message    string `json:"message"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
}

// InferenceCancelledPayload describes one cancelled request.
type InferenceCancelledPayload struct {
	RequestID  string `json:"request_id"`
	TenantID   string `json:"tenant_id"`
	Model      string `json:"model"`
	DurationMs int64  `json:"duration_ms"`
}

// ProviderLifecyclePayload describes a provider joining or leaving.
type ProviderLifecyclePayload struct {
	ProviderID string `json:"provider_id"`
	Version    string `json:"version,omitempty"`
	PluginID   string `json:"plugin_id,omitempty"`
}

// BreakerStateChangedPayload describes one breaker transition.
type BreakerStateChangedPayload struct {
	Operation string `json:"operation"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// SessionEvictedPayload describes one idle session leaving the warm pool.
type SessionEvictedPayload struct {
	PoolKey   string `json:"pool_key"`
	SessionID string `json:"session_id"`
	IdleForMs int64  `json:"idle_for_ms"`
}
