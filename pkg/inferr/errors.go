// Package inferr defines the gateway's error taxonomy. Every failure that
// crosses a package boundary is classified into one of a closed set of kinds;
// each kind fixes whether the failure is retryable and which HTTP status it
// surfaces as. Callers match with errors.As / errors.Is.
package inferr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a gateway failure.
type Kind string

const (
	// KindValidation means the request is malformed or violates the schema
	KindValidation Kind = "ValidationError"
	// KindAuth means the tenant or credentials are missing or invalid
	KindAuth Kind = "AuthError"
	// KindModelNotFound means no manifest exists for (tenant, model)
	KindModelNotFound Kind = "ModelNotFound"
	// KindVersionNotFound means the model exists but the version does not
	KindVersionNotFound Kind = "VersionNotFound"
	// KindNoCompatibleProvider means routing produced an empty candidate set
	KindNoCompatibleProvider Kind = "NoCompatibleProvider"
	// KindQuotaExceeded means a tenant or provider quota denied the request
	KindQuotaExceeded Kind = "QuotaExceeded"
	// KindCircuitOpen means the breaker for the selected provider is open
	KindCircuitOpen Kind = "CircuitOpen"
	// KindTimeout means the effective deadline elapsed
	KindTimeout Kind = "Timeout"
	// KindUpstreamTransient means the provider failed in a retryable way
	KindUpstreamTransient Kind = "UpstreamTransient"
	// KindUpstreamPermanent means the provider failed in a non-retryable way
	KindUpstreamPermanent Kind = "UpstreamPermanent"
	// KindPolicyDenied means a policy plugin returned deny
	KindPolicyDenied Kind = "PolicyDenied"
	// KindInternal means an invariant was violated or an unclassified error escaped
	KindInternal Kind = "InternalError"
	// KindCancelled means the request was cancelled before completion
	KindCancelled Kind = "Cancelled"
)

// IsValid reports whether k is one of the defined kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindValidation, KindAuth, KindModelNotFound, KindVersionNotFound,
		KindNoCompatibleProvider, KindQuotaExceeded, KindCircuitOpen,
		KindTimeout, KindUpstreamTransient, KindUpstreamPermanent,
		KindPolicyDenied, KindInternal, KindCancelled:
		return true
	default:
		return false
	}
}

// Retryable reports whether failures of this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindCircuitOpen, KindTimeout, KindUpstreamTransient:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the status code this kind surfaces as.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindModelNotFound, KindVersionNotFound, KindNoCompatibleProvider:
		return http.StatusNotFound
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindCircuitOpen, KindUpstreamTransient:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamPermanent:
		return http.StatusBadGateway
	case KindPolicyDenied:
		return http.StatusForbidden
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Well-known detail keys.
const (
	// DetailRetryAfter carries a time.Duration string estimating when the
	// failing component will accept traffic again.
	DetailRetryAfter = "retry_after"
)

// Error is the gateway error envelope. RequestID and Details are filled in
// where known; Kind drives retry and HTTP mapping.
type Error struct {
	Kind      Kind
	Message   string
	RequestID string
	Details   map[string]string
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether this error may be retried.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// WithRequestID returns e with the request id set.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithDetail returns e with one detail key set, allocating the map lazily.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Validation reports a malformed request.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// Auth reports missing or invalid tenant credentials.
func Auth(message string) *Error {
	return New(KindAuth, message)
}

// ModelNotFound reports a missing manifest for (tenant, model).
func ModelNotFound(tenantID, modelID string) *Error {
	e := Newf(KindModelNotFound, "model %q not found for tenant %q", modelID, tenantID)
	return e.WithDetail("model", modelID).WithDetail("tenant", tenantID)
}

// VersionNotFound reports a missing version of an existing model.
func VersionNotFound(modelID, version string) *Error {
	e := Newf(KindVersionNotFound, "version %q of model %q not found", version, modelID)
	return e.WithDetail("model", modelID).WithDetail("version", version)
}

// NoCompatibleProvider reports an empty routing candidate set.
func NoCompatibleProvider(modelID string) *Error {
	return Newf(KindNoCompatibleProvider, "no compatible provider for model %q", modelID).
		WithDetail("model", modelID)
}

// QuotaExceeded reports a denied quota check.
func QuotaExceeded(tenantID, resource string) *Error {
	e := Newf(KindQuotaExceeded, "quota exceeded for tenant %q resource %q", tenantID, resource)
	return e.WithDetail("tenant", tenantID).WithDetail("resource", resource)
}

// CircuitOpen reports a rejected call on an open breaker. retryAfter is the
// estimated time until the breaker admits probes again.
func CircuitOpen(operation string, retryAfter time.Duration) *Error {
	e := Newf(KindCircuitOpen, "circuit open for %q", operation)
	return e.WithDetail("operation", operation).
		WithDetail(DetailRetryAfter, retryAfter.String())
}

// Timeout reports an elapsed effective deadline.
func Timeout(message string, cause error) *Error {
	return Wrap(KindTimeout, message, cause)
}

// Upstream classifies a provider failure by its retryable bit.
func Upstream(providerID string, retryable bool, cause error) *Error {
	kind := KindUpstreamPermanent
	if retryable {
		kind = KindUpstreamTransient
	}
	return Wrap(kind, fmt.Sprintf("provider %q failed", providerID), cause).
		WithDetail("provider", providerID)
}

// PolicyDenied reports a deny verdict from a policy plugin.
func PolicyDenied(plugin, reason string) *Error {
	return Newf(KindPolicyDenied, "denied by policy %q: %s", plugin, reason).
		WithDetail("plugin", plugin)
}

// Internal reports an invariant violation or unclassified failure.
func Internal(message string, cause error) *Error {
	return Wrap(KindInternal, message, cause)
}

// Cancelled reports an externally cancelled request.
func Cancelled(requestID string) *Error {
	e := New(KindCancelled, "request cancelled")
	e.RequestID = requestID
	return e
}

// KindOf extracts the kind from err, classifying context errors and
// defaulting everything unclassified to KindInternal. A nil err has no kind
// and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsRetryable reports whether err may be retried per its kind.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// From coerces err into an *Error, wrapping unclassified errors as internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, "deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return Wrap(KindCancelled, "context cancelled", err)
	default:
		return Wrap(KindInternal, "unclassified error", err)
	}
}

// RetryAfter extracts the DetailRetryAfter hint from err, if present.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Details == nil {
		return 0, false
	}
	raw, ok := e.Details[DetailRetryAfter]
	if !ok {
		return 0, false
	}
	d, perr := time.ParseDuration(raw)
	if perr != nil || d < 0 {
		return 0, false
	}
	return d, true
}
