package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/modelgrid/inferd/pkg/batch"
	"github.com/modelgrid/inferd/pkg/events"
	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
	"github.com/modelgrid/inferd/pkg/pipeline"
	"github.com/modelgrid/inferd/pkg/providers"
)

// DefaultTimeout caps a request that brings no timeout of its own.
const DefaultTimeout = 30 * time.Second

// Options tunes the engine.
type Options struct {
	// DefaultTimeout is the budget granted to requests without one.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// TenantTimeouts tightens the budget per tenant.
	TenantTimeouts map[string]time.Duration `yaml:"tenant_timeouts"`
	// Retry tunes the dispatch retry loop.
	Retry pipeline.RetryPolicy `yaml:"retry"`
	// TokenEstimation selects the usage counting mode.
	TokenEstimation string `yaml:"token_estimation"`
	// AsyncWorkers caps concurrently executing async jobs.
	AsyncWorkers int `yaml:"async_workers"`
}

func (o Options) withDefaults() Options {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = DefaultTimeout
	}
	if o.AsyncWorkers <= 0 {
		o.AsyncWorkers = batch.DefaultAsyncWorkers
	}
	return o
}

// Engine is the inference entry point. It admits and prepares requests,
// drives them through the phase pipeline, applies the single fallback hop,
// and emits exactly one terminal audit event per request.
type Engine struct {
	opts     Options
	rt       *Runtime
	plugins  *pipeline.Registry
	pipeline *pipeline.Pipeline
	executor *batch.Executor
	cancels  *cancelRegistry
	tokens   *TokenCounter
	logger   *slog.Logger

	// rootCtx parents async and batch work, which outlives the submitting
	// HTTP request.
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New assembles the engine over the runtime and registers the builtin
// plugin chain.
func New(rt *Runtime, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	logger := rt.logger().With("component", "engine")
	tokens := NewTokenCounter(opts.TokenEstimation)

	plugins := pipeline.NewPluginRegistry(rt.logger())
	ec := &EngineContext{
		Manifests:   rt.Manifests,
		Providers:   rt.Providers,
		Router:      rt.Router,
		Quota:       rt.Quota,
		Suspensions: rt.Suspensions,
		Breakers:    rt.Breakers,
		Metrics:     rt.Metrics,
		Tokens:      tokens,
		Logger:      logger,
		Now:         rt.now,
	}
	for _, p := range builtinPlugins(ec) {
		if err := plugins.Register(p); err != nil {
			return nil, err
		}
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Engine{
		opts:       opts,
		rt:         rt,
		plugins:    plugins,
		pipeline:   pipeline.NewPipeline(plugins, opts.Retry, rt.logger()),
		executor:   batch.NewExecutor(opts.AsyncWorkers, rt.logger()),
		cancels:    newCancelRegistry(),
		tokens:     tokens,
		logger:     logger,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}, nil
}

// Plugins exposes the plugin registry so deployments can hang their own
// phase plugins around the builtin chain.
func (e *Engine) Plugins() *pipeline.Registry {
	return e.plugins
}

// Close aborts queued background work and waits for in-flight async and
// batch requests to settle.
func (e *Engine) Close() {
	e.rootCancel()
	e.executor.Drain()
}

// Infer runs one blocking inference call. Streaming requests are rejected;
// they belong on Stream.
func (e *Engine) Infer(ctx context.Context, req *models.InferenceRequest, tenant models.TenantContext) (*models.InferenceResponse, error) {
	if req == nil {
		return nil, inferr.Validation("request is required")
	}
	if req.Streaming {
		return nil, inferr.Validation("streaming requests must use the stream endpoint")
	}
	req = prepare(req)

	timeout := e.effectiveTimeout(req, tenant.TenantID)
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()
	ctx, release := e.cancels.register(ctx, req.RequestID, tenant.TenantID)
	defer release()
	defer e.rt.Router.Cache().Forget(req.RequestID)

	ic := pipeline.NewContext(req, tenant)
	ic.Timeout = timeout

	if err := e.pipeline.Run(ctx, ic, timeout); err != nil {
		if next := e.tryFallback(ctx, ic); next != nil {
			ic = next
		}
	}
	e.finalize(ctx, ic)
	if ic.Status == pipeline.StatusCompleted {
		return ic.Response, nil
	}
	return nil, ic.Err
}

// Stream runs one streaming inference call. The returned iterator settles
// the request: it records first-token latency, accumulates usage, and emits
// the terminal audit event when the stream ends, errors, or is closed.
func (e *Engine) Stream(ctx context.Context, req *models.InferenceRequest, tenant models.TenantContext) (providers.StreamIterator, error) {
	if req == nil {
		return nil, inferr.Validation("request is required")
	}
	r := *req
	r.Streaming = true
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	req = &r

	timeout := e.effectiveTimeout(req, tenant.TenantID)
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	ctx, unregister := e.cancels.register(ctx, req.RequestID, tenant.TenantID)
	release := func() {
		unregister()
		cancelTimeout()
		e.rt.Router.Cache().Forget(req.RequestID)
	}

	ic := pipeline.NewContext(req, tenant)
	ic.Timeout = timeout

	if err := e.pipeline.Run(ctx, ic, timeout); err != nil {
		if next := e.tryFallback(ctx, ic); next != nil {
			ic = next
		}
	}
	if ic.Stream == nil {
		// failed before the provider produced a single chunk
		e.finalize(ctx, ic)
		release()
		return nil, ic.Err
	}
	return &streamTracker{
		eng:      e,
		ic:       ic,
		inner:    ic.Stream,
		provider: ic.Attribute(attrProviderID),
		started:  ic.StartedAt,
		release:  release,
	}, nil
}

// SubmitAsync queues the request for background execution and returns the
// job id immediately. Progress is visible through GetJobStatus.
func (e *Engine) SubmitAsync(req *models.InferenceRequest, tenant models.TenantContext) (string, error) {
	if req == nil {
		return "", inferr.Validation("request is required")
	}
	if req.Streaming {
		return "", inferr.Validation("async requests cannot stream")
	}
	req = prepare(req)

	job := e.rt.Jobs.CreateJob(tenant.TenantID, req.RequestID, req.Model)
	e.executor.RunJob(e.rootCtx, e.rt.Jobs, job.ID, req, func(ctx context.Context, r *models.InferenceRequest) error {
		_, err := e.Infer(ctx, r, tenant)
		return err
	})
	return job.ID, nil
}

// GetJobStatus returns the tenant's async job, if it exists.
func (e *Engine) GetJobStatus(jobID string, tenant models.TenantContext) (batch.AsyncJob, bool) {
	return e.rt.Jobs.Job(jobID, tenant.TenantID)
}

// Batch runs the requests concurrently under one batch job and returns the
// batch id. maxConcurrent caps in-flight requests within the batch; one
// failed request never aborts its siblings.
func (e *Engine) Batch(reqs []*models.InferenceRequest, maxConcurrent int, tenant models.TenantContext) (string, error) {
	prepared := make([]*models.InferenceRequest, len(reqs))
	for i, req := range reqs {
		if req == nil {
			return "", inferr.Newf(inferr.KindValidation, "requests[%d] is missing", i)
		}
		if req.Streaming {
			return "", inferr.Newf(inferr.KindValidation, "requests[%d] cannot stream in a batch", i)
		}
		prepared[i] = prepare(req)
	}

	b := e.rt.Jobs.CreateBatch(tenant.TenantID, len(prepared))
	if len(prepared) > 0 {
		e.executor.RunBatch(e.rootCtx, e.rt.Jobs, b.ID, prepared, maxConcurrent, func(ctx context.Context, r *models.InferenceRequest) error {
			_, err := e.Infer(ctx, r, tenant)
			return err
		})
	}
	return b.ID, nil
}

// GetBatchStatus returns the tenant's batch job, if it exists.
func (e *Engine) GetBatchStatus(batchID string, tenant models.TenantContext) (batch.BatchJob, bool) {
	return e.rt.Jobs.Batch(batchID, tenant.TenantID)
}

// Cancel aborts an in-flight request owned by the tenant. It reports false
// when the request is unknown, already settled, or owned by another tenant.
func (e *Engine) Cancel(requestID string, tenant models.TenantContext) bool {
	return e.cancels.fire(requestID, tenant.TenantID)
}

// tryFallback reruns a failed request once against the next provider from
// the cached routing decision. The hop gets a fresh context with the attempt
// counter reset; the manifest and the original quota admission carry over.
// It returns the fresh context, or nil when no fallback applies.
func (e *Engine) tryFallback(ctx context.Context, ic *pipeline.InferenceContext) *pipeline.InferenceContext {
	if ctx.Err() != nil || ic.Err == nil || !fallbackEligible(ic.Err.Kind) {
		return nil
	}
	target, ok := e.rt.Router.Cache().NextFallback(ic.RequestID)
	if !ok {
		return nil
	}
	e.logger.Info("falling back",
		"request_id", ic.RequestID,
		"provider", target,
		"failed_kind", string(ic.Err.Kind),
	)

	fresh := pipeline.NewContext(ic.Request, ic.Tenant)
	fresh.Timeout = ic.Timeout
	fresh.Manifest = ic.Manifest
	fresh.SetAttribute(attrPinnedProvider, target)
	fresh.SetAttribute(attrFallback, "true")
	if ic.Attribute(attrQuotaAdmitted) == "true" {
		fresh.SetAttribute(attrQuotaAdmitted, "true")
	}
	_ = e.pipeline.Run(ctx, fresh, ic.Timeout)
	return fresh
}

// fallbackEligible reports whether a failure kind may be absorbed by the
// fallback hop.
func fallbackEligible(kind inferr.Kind) bool {
	switch kind {
	case inferr.KindUpstreamTransient, inferr.KindCircuitOpen, inferr.KindTimeout:
		return true
	default:
		return false
	}
}

// finalize publishes the request's single terminal audit event. A context
// still holding an open stream settles later through its tracker.
func (e *Engine) finalize(ctx context.Context, ic *pipeline.InferenceContext) {
	if ic.Stream != nil && !ic.Terminal() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	switch ic.Status {
	case pipeline.StatusCompleted:
		tokens := 0
		if ic.Response != nil {
			tokens = ic.Response.TokensUsed
		}
		e.publish(ic.RequestID, e.rt.Events.PublishInferenceSuccess(ctx, events.InferenceSuccessPayload{
			RequestID:  ic.RequestID,
			TenantID:   ic.Tenant.TenantID,
			Model:      ic.Request.Model,
			ProviderID: ic.Attribute(attrProviderID),
			TokensUsed: tokens,
			DurationMs: ic.Elapsed().Milliseconds(),
			Attempts:   ic.Attempt,
			Fallback:   ic.Attribute(attrFallback) == "true",
			Streaming:  ic.Request.Streaming,
		}))
	case pipeline.StatusCancelled:
		e.publish(ic.RequestID, e.rt.Events.PublishInferenceCancelled(ctx, events.InferenceCancelledPayload{
			RequestID:  ic.RequestID,
			TenantID:   ic.Tenant.TenantID,
			Model:      ic.Request.Model,
			DurationMs: ic.Elapsed().Milliseconds(),
		}))
	default:
		kind, message := inferr.KindInternal, "no error recorded"
		if ic.Err != nil {
			kind, message = ic.Err.Kind, ic.Err.Message
		}
		e.publish(ic.RequestID, e.rt.Events.PublishInferenceFailed(ctx, events.InferenceFailedPayload{
			RequestID:  ic.RequestID,
			TenantID:   ic.Tenant.TenantID,
			Model:      ic.Request.Model,
			ProviderID: ic.Attribute(attrProviderID),
			ErrorKind:  string(kind),
			Message:    message,
			Attempts:   ic.Attempt,
			DurationMs: ic.Elapsed().Milliseconds(),
		}))
	}
}

// publish logs a failed audit emission. Auditing is best-effort and never
// fails a served request.
func (e *Engine) publish(requestID string, err error) {
	if err != nil {
		e.logger.Warn("audit publish failed", "request_id", requestID, "error", err)
	}
}

// effectiveTimeout resolves the request's deadline budget: the server
// default, tightened by the tenant's policy and the request's own timeout.
// A request can shrink its budget, never grow it.
func (e *Engine) effectiveTimeout(req *models.InferenceRequest, tenantID string) time.Duration {
	timeout := e.opts.DefaultTimeout
	if t, ok := e.opts.TenantTimeouts[tenantID]; ok && t > 0 && t < timeout {
		timeout = t
	}
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}
	return timeout
}

// prepare fills the request id. Requests are immutable once submitted, so a
// missing id is assigned on a copy.
func prepare(req *models.InferenceRequest) *models.InferenceRequest {
	if req.RequestID != "" {
		return req
	}
	r := *req
	r.RequestID = uuid.NewString()
	return &r
}
