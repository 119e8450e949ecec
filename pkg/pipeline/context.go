package pipeline

import (
	"time"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
	"github.com/modelgrid/inferd/pkg/providers"
)

// InferenceContext tracks one request through the pipeline. It exclusively
// owns its response, stream and error slots; at a terminal state exactly one
// of response/stream or error is set. The status moves forward only, except
// for the RETRYING detour back to RUNNING.
type InferenceContext struct {
	RequestID string
	Request   *models.InferenceRequest
	Tenant    models.TenantContext

	// Manifest is resolved during PRE_PROCESSING and read by dispatch.
	Manifest *models.ModelManifest
	// Timeout is the effective deadline budget granted to the request.
	Timeout time.Duration

	Phase   Phase
	Status  Status
	Attempt int

	Response *models.InferenceResponse
	Stream   providers.StreamIterator
	Err      *inferr.Error

	// Attributes carries plugin-to-plugin facts within one request.
	Attributes map[string]string

	StartedAt time.Time
}

// NewContext builds the per-request context in its initial state.
func NewContext(req *models.InferenceRequest, tenant models.TenantContext) *InferenceContext {
	return &InferenceContext{
		RequestID:  req.RequestID,
		Request:    req,
		Tenant:     tenant,
		Phase:      PhaseValidation,
		Status:     StatusCreated,
		Attempt:    1,
		Attributes: make(map[string]string),
		StartedAt:  time.Now(),
	}
}

// Transition applies signal to the state machine. On an illegal transition
// the context is forced to FAILED and the invariant error is returned.
func (ic *InferenceContext) Transition(signal Signal) error {
	next, err := Next(ic.Status, signal)
	if err != nil {
		ic.Status = StatusFailed
		if ic.Err == nil {
			ic.Err = inferr.Internal("request state machine violated", err)
		}
		return err
	}
	ic.Status = next
	return nil
}

// Terminal reports whether the request reached a final state.
func (ic *InferenceContext) Terminal() bool {
	return ic.Status.Terminal()
}

// SetAttribute records a plugin fact on the context.
func (ic *InferenceContext) SetAttribute(key, value string) {
	ic.Attributes[key] = value
}

// Attribute reads a plugin fact; missing keys return "".
func (ic *InferenceContext) Attribute(key string) string {
	return ic.Attributes[key]
}

// Elapsed is the wall time since the context was created.
func (ic *InferenceContext) Elapsed() time.Duration {
	return time.Since(ic.StartedAt)
}
