package pipeline

import (
	"context"

	"github.com/modelgrid/inferd/pkg/inferr"
)

// OutcomeTag discriminates plugin results.
type OutcomeTag int

const (
	// OutcomeSuccess lets the phase continue with the next plugin
	OutcomeSuccess OutcomeTag = iota
	// OutcomeRetry asks the pipeline to retry the phase after a backoff
	OutcomeRetry
	// OutcomeFail terminates the phase with an error
	OutcomeFail
)

// String returns the tag name.
func (t OutcomeTag) String() string {
	switch t {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeRetry:
		return "RETRY"
	case OutcomeFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the explicit result of one plugin execution. The pipeline
// branches on the tag; deny and retry are data, not panics or sentinel
// errors threaded through control flow.
type Outcome struct {
	Tag    OutcomeTag
	Reason string
	Err    *inferr.Error
}

// Success continues the phase.
func Success() Outcome {
	return Outcome{Tag: OutcomeSuccess}
}

// Retry asks for a phase retry. Whether it is honored depends on the phase
// and the remaining attempt budget.
func Retry(reason string) Outcome {
	return Outcome{Tag: OutcomeRetry, Reason: reason}
}

// Fail terminates the phase. err is coerced into the error taxonomy; its
// kind's retryable bit decides whether the pipeline may retry the phase.
func Fail(err error) Outcome {
	return Outcome{Tag: OutcomeFail, Err: inferr.From(err)}
}

// Plugin is the surface every phase plugin shares. A plugin must additionally
// implement exactly one of the typed kinds below; the registry rejects
// anything else.
type Plugin interface {
	// ID is unique across the registry; ties in Order are broken by ID
	ID() string
	// Phase binds the plugin to one pipeline stage
	Phase() Phase
	// Order sorts plugins within a phase, ascending
	Order() int
}

// ValidationPlugin inspects the request before any work happens.
type ValidationPlugin interface {
	Plugin
	Validate(ctx context.Context, ic *InferenceContext) Outcome
}

// PolicyPlugin grants or denies resources ahead of dispatch.
type PolicyPlugin interface {
	Plugin
	Enforce(ctx context.Context, ic *InferenceContext) Outcome
}

// ExecutionPlugin performs work that produces the response or stream.
type ExecutionPlugin interface {
	Plugin
	Execute(ctx context.Context, ic *InferenceContext) Outcome
}

// ObservabilityPlugin records facts about the request without shaping it.
type ObservabilityPlugin interface {
	Plugin
	Observe(ctx context.Context, ic *InferenceContext) Outcome
}

// invoke dispatches to the plugin's typed entry point. The set of kinds is
// closed; the registry guarantees every stored plugin matches one arm.
func invoke(ctx context.Context, p Plugin, ic *InferenceContext) Outcome {
	switch v := p.(type) {
	case ValidationPlugin:
		return v.Validate(ctx, ic)
	case PolicyPlugin:
		return v.Enforce(ctx, ic)
	case ExecutionPlugin:
		return v.Execute(ctx, ic)
	case ObservabilityPlugin:
		return v.Observe(ctx, ic)
	default:
		return Fail(inferr.Internal("plugin "+p.ID()+" implements no executable kind", nil))
	}
}

// isExecutable reports whether p implements one of the typed plugin kinds.
func isExecutable(p Plugin) bool {
	switch p.(type) {
	case ValidationPlugin, PolicyPlugin, ExecutionPlugin, ObservabilityPlugin:
		return true
	default:
		return false
	}
}
