package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 100 * time.Millisecond

	// bounds for the max.retries metadata override
	minAttemptOverride = 1
	maxAttemptOverride = 5
)

// RetryPolicy tunes phase-level retry.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = DefaultBackoffBase
	}
	return p
}

// attemptsFor resolves the attempt budget for one request: the configured
// default unless request metadata overrides it, clamped to [1,5].
func (p RetryPolicy) attemptsFor(req *models.InferenceRequest) int {
	raw := req.Meta(models.MetaMaxRetries)
	if raw == "" {
		return p.MaxAttempts
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return p.MaxAttempts
	}
	if n < minAttemptOverride {
		n = minAttemptOverride
	}
	if n > maxAttemptOverride {
		n = maxAttemptOverride
	}
	return n
}

// backoff returns the delay before the next attempt: exponential over the
// base, capped by the request's effective timeout.
func (p RetryPolicy) backoff(attempt int, limit time.Duration) time.Duration {
	d := p.BackoffBase << uint(attempt-1)
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}

// Pipeline drives inference contexts through the fixed phase sequence.
type Pipeline struct {
	registry *Registry
	retry    RetryPolicy
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewPipeline creates an executor over the plugin registry.
func NewPipeline(registry *Registry, retry RetryPolicy, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registry: registry,
		retry:    retry.withDefaults(),
		logger:   logger.With("component", "pipeline"),
		sleep:    sleepCtx,
	}
}

// Run executes all phases over ic. timeout caps retry backoff delays; the
// deadline itself is enforced by ctx. On success a context holding a
// response is signalled COMPLETED; a context left holding an open stream
// stays RUNNING and the caller owns its terminal signal once the stream
// settles. The returned error is ic.Err on every failure path.
func (pl *Pipeline) Run(ctx context.Context, ic *InferenceContext, timeout time.Duration) error {
	if err := ic.Transition(SignalStart); err != nil {
		return ic.Err
	}
	budget := pl.retry.attemptsFor(ic.Request)

	for _, phase := range Phases() {
		ic.Phase = phase
		if err := pl.runPhase(ctx, ic, phase, budget, timeout); err != nil {
			return err
		}
	}

	if ic.Stream != nil {
		return nil
	}
	if ic.Response == nil {
		ic.Err = inferr.Internal("pipeline finished without a response", nil).WithRequestID(ic.RequestID)
		_ = ic.Transition(SignalFail)
		return ic.Err
	}
	_ = ic.Transition(SignalComplete)
	return nil
}

// runPhase executes one phase, retrying it while the outcome, the phase and
// the attempt budget allow.
func (pl *Pipeline) runPhase(ctx context.Context, ic *InferenceContext, phase Phase, budget int, timeout time.Duration) error {
	for {
		outcome := pl.executePhase(ctx, ic, phase)
		if outcome.Tag == OutcomeSuccess {
			return nil
		}
		if ctx.Err() != nil {
			return pl.settle(ctx, ic)
		}
		if !pl.canRetry(phase, outcome, ic.Attempt, budget) {
			ic.Err = failureError(outcome, ic.RequestID)
			_ = ic.Transition(SignalFail)
			pl.logger.Error("phase failed",
				"request_id", ic.RequestID,
				"phase", phase.String(),
				"attempt", ic.Attempt,
				"error", ic.Err,
			)
			return ic.Err
		}
		if err := pl.delay(ctx, ic, timeout); err != nil {
			if ctx.Err() != nil {
				return pl.settle(ctx, ic)
			}
			return ic.Err
		}
	}
}

// executePhase runs the phase's plugins sequentially; the first non-success
// outcome terminates the phase.
func (pl *Pipeline) executePhase(ctx context.Context, ic *InferenceContext, phase Phase) Outcome {
	for _, p := range pl.registry.ForPhase(phase) {
		if ctx.Err() != nil {
			return Fail(ctx.Err())
		}
		outcome := invoke(ctx, p, ic)
		if outcome.Tag != OutcomeSuccess {
			pl.logger.Warn("plugin halted phase",
				"request_id", ic.RequestID,
				"phase", phase.String(),
				"plugin", p.ID(),
				"outcome", outcome.Tag.String(),
				"reason", outcome.Reason,
				"error", outcome.Err,
			)
			return outcome
		}
	}
	return Success()
}

// delay parks the context in RETRYING, sleeps the backoff and resumes.
func (pl *Pipeline) delay(ctx context.Context, ic *InferenceContext, timeout time.Duration) error {
	if err := ic.Transition(SignalRetry); err != nil {
		return err
	}
	d := pl.retry.backoff(ic.Attempt, timeout)
	pl.logger.Debug("phase retry scheduled",
		"request_id", ic.RequestID,
		"phase", ic.Phase.String(),
		"attempt", ic.Attempt,
		"delay", d,
	)
	if err := pl.sleep(ctx, d); err != nil {
		return err
	}
	ic.Attempt++
	return ic.Transition(SignalResume)
}

// canRetry decides whether a failed phase may run again: the phase must be
// retryable, the outcome must ask for retry or carry a retryable error, and
// the attempt budget must not be spent.
func (pl *Pipeline) canRetry(phase Phase, outcome Outcome, attempt, budget int) bool {
	if !phase.Retryable() || attempt >= budget {
		return false
	}
	if outcome.Tag == OutcomeRetry {
		return true
	}
	return outcome.Err != nil && outcome.Err.Kind.Retryable()
}

// settle records the terminal state for a context whose deadline expired or
// whose caller cancelled it.
func (pl *Pipeline) settle(ctx context.Context, ic *InferenceContext) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		ic.Err = inferr.Timeout("request deadline exceeded", context.Cause(ctx)).WithRequestID(ic.RequestID)
		_ = ic.Transition(SignalFail)
		return ic.Err
	}
	ic.Err = inferr.Cancelled(ic.RequestID)
	_ = ic.Transition(SignalCancel)
	return ic.Err
}

// failureError shapes the terminal error for an outcome that cannot retry.
func failureError(outcome Outcome, requestID string) *inferr.Error {
	if outcome.Err != nil {
		return outcome.Err.WithRequestID(requestID)
	}
	reason := outcome.Reason
	if reason == "" {
		reason = "no reason given"
	}
	return inferr.Newf(inferr.KindUpstreamTransient, "retry budget exhausted: %s", reason).WithRequestID(requestID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
