// Package pipeline executes the fixed phase sequence every inference request
// passes through: VALIDATION, PRE_PROCESSING, PROVIDER_DISPATCH,
// POST_PROCESSING. Plugins bind to one phase and run in ascending order;
// a pure state machine tracks per-request status and rejects illegal
// transitions.
package pipeline

import (
	"errors"
	"fmt"
)

// Phase is one stage of the inference pipeline.
type Phase int

const (
	// PhaseValidation checks the request before any work happens
	PhaseValidation Phase = iota
	// PhasePreProcessing resolves manifests and enforces admission policy
	PhasePreProcessing
	// PhaseProviderDispatch routes and executes the provider call
	PhaseProviderDispatch
	// PhasePostProcessing shapes the response and records outcomes
	PhasePostProcessing
)

// Phases returns the execution order.
func Phases() []Phase {
	return []Phase{PhaseValidation, PhasePreProcessing, PhaseProviderDispatch, PhasePostProcessing}
}

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseValidation:
		return "VALIDATION"
	case PhasePreProcessing:
		return "PRE_PROCESSING"
	case PhaseProviderDispatch:
		return "PROVIDER_DISPATCH"
	case PhasePostProcessing:
		return "POST_PROCESSING"
	default:
		return "UNKNOWN"
	}
}

// IsValid reports whether p is a known phase.
func (p Phase) IsValid() bool {
	return p >= PhaseValidation && p <= PhasePostProcessing
}

// Retryable reports whether failures in this phase may be retried. Only the
// provider call is replayed: the earlier phases are deterministic and
// re-running admission plugins would double-count quota.
func (p Phase) Retryable() bool {
	return p == PhaseProviderDispatch
}

// Status is the lifecycle state of one request.
type Status int

const (
	// StatusCreated is the initial state before execution starts
	StatusCreated Status = iota
	// StatusRunning means a phase is executing
	StatusRunning
	// StatusRetrying means the request is waiting out a backoff delay
	StatusRetrying
	// StatusCompleted is terminal success
	StatusCompleted
	// StatusFailed is terminal failure
	StatusFailed
	// StatusCancelled is terminal external cancellation
	StatusCancelled
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusRunning:
		return "RUNNING"
	case StatusRetrying:
		return "RETRYING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Signal drives the request state machine.
type Signal int

const (
	// SignalStart begins execution
	SignalStart Signal = iota
	// SignalRetry parks the request for a backoff delay
	SignalRetry
	// SignalResume re-enters execution after a backoff delay
	SignalResume
	// SignalComplete marks terminal success
	SignalComplete
	// SignalFail marks terminal failure
	SignalFail
	// SignalCancel marks terminal external cancellation
	SignalCancel
)

// String returns the signal name.
func (s Signal) String() string {
	switch s {
	case SignalStart:
		return "START"
	case SignalRetry:
		return "RETRY"
	case SignalResume:
		return "RESUME"
	case SignalComplete:
		return "COMPLETE"
	case SignalFail:
		return "FAIL"
	case SignalCancel:
		return "CANCEL"
	default:
		return "UNKNOWN"
	}
}

// ErrInvariant marks an illegal state transition. The caller must force the
// request to FAILED when it sees this.
var ErrInvariant = errors.New("state invariant violation")

// Next is the pure transition function. It returns the state that follows
// current on signal, or ErrInvariant when the transition is illegal.
func Next(current Status, signal Signal) (Status, error) {
	switch signal {
	case SignalStart:
		if current == StatusCreated {
			return StatusRunning, nil
		}
	case SignalRetry:
		if current == StatusRunning {
			return StatusRetrying, nil
		}
	case SignalResume:
		if current == StatusRetrying {
			return StatusRunning, nil
		}
	case SignalComplete:
		if current == StatusRunning {
			return StatusCompleted, nil
		}
	case SignalFail:
		if current == StatusRunning || current == StatusRetrying {
			return StatusFailed, nil
		}
	case SignalCancel:
		if !current.Terminal() {
			return StatusCancelled, nil
		}
	}
	return current, fmt.Errorf("%w: %s on %s", ErrInvariant, signal, current)
}
