package engine

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/modelgrid/inferd/pkg/breaker"
	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/metrics"
	"github.com/modelgrid/inferd/pkg/models"
	"github.com/modelgrid/inferd/pkg/pipeline"
	"github.com/modelgrid/inferd/pkg/providers"
	"github.com/modelgrid/inferd/pkg/quota"
	"github.com/modelgrid/inferd/pkg/router"
)

// Context attribute keys shared between the engine and its builtin plugins.
const (
	attrProviderID     = "dispatch.provider"
	attrPinnedProvider = "dispatch.pinned"
	attrFallback       = "dispatch.fallback"
	attrQuotaAdmitted  = "quota.admitted"
)

// Builtin plugin orders. External plugins slot themselves around these.
const (
	orderValidate = 10
	orderResolve  = 10
	orderQuota    = 20
	orderDispatch = 10
	orderStamp    = 10
	orderAccount  = 20
)

// EngineContext is the read-only handle builtin plugins receive: the
// registries and clock they need, with no way back into the engine.
type EngineContext struct {
	Manifests   ManifestSource
	Providers   *providers.Registry
	Router      *router.Router
	Quota       quota.Store
	Suspensions *quota.SuspensionTracker
	Breakers    *breaker.Registry
	Metrics     *metrics.Cache
	Tokens      *TokenCounter
	Logger      *slog.Logger
	Now         func() time.Time
}

// builtinPlugins returns the engine's own phase plugins in registration
// order.
func builtinPlugins(ec *EngineContext) []pipeline.Plugin {
	return []pipeline.Plugin{
		&requestValidator{},
		&manifestResolver{ec: ec},
		&quotaGate{ec: ec},
		&providerDispatch{ec: ec},
		&responseStamper{},
		&tokenAccounting{ec: ec},
	}
}

// requestValidator rejects malformed requests before any resource is
// touched.
type requestValidator struct{}

func (requestValidator) ID() string            { return "builtin.validate" }
func (requestValidator) Phase() pipeline.Phase { return pipeline.PhaseValidation }
func (requestValidator) Order() int            { return orderValidate }

func (requestValidator) Validate(_ context.Context, ic *pipeline.InferenceContext) pipeline.Outcome {
	if err := ic.Request.Validate(); err != nil {
		return pipeline.Fail(err)
	}
	return pipeline.Success()
}

// manifestResolver loads the tenant's manifest for the requested model and
// parks it on the context for dispatch. The fallback hop arrives with the
// manifest already set and skips the lookup.
type manifestResolver struct {
	ec *EngineContext
}

func (*manifestResolver) ID() string            { return "builtin.manifest" }
func (*manifestResolver) Phase() pipeline.Phase { return pipeline.PhasePreProcessing }
func (*manifestResolver) Order() int            { return orderResolve }

func (p *manifestResolver) Enforce(ctx context.Context, ic *pipeline.InferenceContext) pipeline.Outcome {
	if ic.Manifest != nil {
		return pipeline.Success()
	}
	m, err := p.ec.Manifests.GetManifest(ctx, ic.Tenant.TenantID, ic.Request.Model)
	if err != nil {
		return pipeline.Fail(err)
	}
	ic.Manifest = m
	return pipeline.Success()
}

// quotaGate admits the request against the tenant's request quota. One
// logical request is admitted once: the fallback hop reuses the original
// admission instead of double-counting.
type quotaGate struct {
	ec *EngineContext
}

func (*quotaGate) ID() string            { return "builtin.quota" }
func (*quotaGate) Phase() pipeline.Phase { return pipeline.PhasePreProcessing }
func (*quotaGate) Order() int            { return orderQuota }

func (p *quotaGate) Enforce(ctx context.Context, ic *pipeline.InferenceContext) pipeline.Outcome {
	if ic.Attribute(attrQuotaAdmitted) == "true" {
		return pipeline.Success()
	}
	ok, err := p.ec.Quota.CheckAndIncrement(ctx, ic.Tenant.TenantID, quota.ResourceRequests, 1)
	if err != nil {
		return pipeline.Fail(inferr.Internal("quota backend unavailable", err))
	}
	if !ok {
		p.ec.Metrics.QuotaDenied(ic.Tenant.TenantID)
		return pipeline.Fail(inferr.QuotaExceeded(ic.Tenant.TenantID, quota.ResourceRequests))
	}
	ic.SetAttribute(attrQuotaAdmitted, "true")
	return pipeline.Success()
}

// providerDispatch selects a provider and performs the call. It owns the
// breaker accounting and the per-attempt telemetry samples the router feeds
// on.
type providerDispatch struct {
	ec *EngineContext
}

func (*providerDispatch) ID() string            { return "builtin.dispatch" }
func (*providerDispatch) Phase() pipeline.Phase { return pipeline.PhaseProviderDispatch }
func (*providerDispatch) Order() int            { return orderDispatch }

func (p *providerDispatch) Execute(ctx context.Context, ic *pipeline.InferenceContext) pipeline.Outcome {
	prov, outcome := p.selectProvider(ctx, ic)
	if outcome.Tag != pipeline.OutcomeSuccess {
		return outcome
	}
	id := prov.ID()
	model := ic.Request.Model

	if err := p.ec.Breakers.Allow(id); err != nil {
		return pipeline.Fail(err)
	}
	ic.SetAttribute(attrProviderID, id)
	p.ec.Metrics.RequestStarted(id, model)
	start := p.ec.Now()

	if ic.Request.Streaming {
		stream, err := prov.InferStream(ctx, ic.Request)
		if err != nil {
			p.ec.Metrics.RequestFinished(id, model)
			return p.failCall(id, model, start, err)
		}
		// the stream tracker settles the breaker and telemetry once the
		// stream ends
		ic.Stream = stream
		return pipeline.Success()
	}

	resp, err := prov.Infer(ctx, ic.Request)
	p.ec.Metrics.RequestFinished(id, model)
	if err != nil {
		return p.failCall(id, model, start, err)
	}
	p.ec.Breakers.RecordSuccess(id)
	resp.TokensUsed = p.ec.Tokens.Count(resp, ic.Request)
	p.ec.Metrics.RecordSuccess(id, model, p.ec.Now().Sub(start), resp.TokensUsed)
	ic.Response = resp
	return pipeline.Success()
}

// selectProvider resolves the provider for this attempt: the pinned fallback
// target when set, a fresh routing decision otherwise.
func (p *providerDispatch) selectProvider(ctx context.Context, ic *pipeline.InferenceContext) (providers.Provider, pipeline.Outcome) {
	if pinned := ic.Attribute(attrPinnedProvider); pinned != "" {
		prov, err := p.ec.Providers.Get(pinned)
		if err != nil {
			return nil, pipeline.Fail(err)
		}
		return prov, pipeline.Success()
	}
	decision, err := p.ec.Router.Select(ctx, router.Input{
		Manifest: ic.Manifest,
		Request:  ic.Request,
		Tenant:   ic.Tenant,
		Timeout:  ic.Timeout,
	})
	if err != nil {
		return nil, pipeline.Fail(err)
	}
	prov, err := p.ec.Providers.Get(decision.Provider)
	if err != nil {
		return nil, pipeline.Fail(err)
	}
	return prov, pipeline.Success()
}

// failCall accounts one failed provider call. A caller cancel is not the
// provider's failure, so it neither trips the breaker nor lands in the
// rolling error rate.
func (p *providerDispatch) failCall(id, model string, start time.Time, err error) pipeline.Outcome {
	e := inferr.From(err)
	if e.Kind == inferr.KindCancelled {
		p.ec.Breakers.RecordSuccess(id)
		return pipeline.Fail(e)
	}
	p.ec.Breakers.RecordFailure(id)
	p.ec.Metrics.RecordFailure(id, model, p.ec.Now().Sub(start), string(e.Kind))
	if d, ok := inferr.RetryAfter(e); ok {
		p.ec.Suspensions.Suspend(id, d)
	}
	return pipeline.Fail(e)
}

// responseStamper writes the request's routing facts into the response
// metadata.
type responseStamper struct{}

func (*responseStamper) ID() string            { return "builtin.stamp" }
func (*responseStamper) Phase() pipeline.Phase { return pipeline.PhasePostProcessing }
func (*responseStamper) Order() int            { return orderStamp }

func (*responseStamper) Observe(_ context.Context, ic *pipeline.InferenceContext) pipeline.Outcome {
	resp := ic.Response
	if resp == nil {
		// streaming: the final chunk carries the metadata
		return pipeline.Success()
	}
	if resp.Model == "" {
		resp.Model = ic.Request.Model
	}
	if id := ic.Attribute(attrProviderID); id != "" && resp.Metadata[models.MetaProviderID] == "" {
		resp.SetMeta(models.MetaProviderID, id)
	}
	resp.SetMeta(models.MetaAttempt, strconv.Itoa(ic.Attempt))
	if ic.Attribute(attrFallback) == "true" {
		resp.SetMeta(models.MetaFallback, "true")
	}
	if resp.Metadata[models.MetaFinishReason] == "" {
		resp.SetMeta(models.MetaFinishReason, string(models.FinishStop))
	}
	resp.DurationMs = ic.Elapsed().Milliseconds()
	return pipeline.Success()
}

// tokenAccounting charges consumed tokens to the tenant's token quota after
// the fact. Best-effort: accounting trouble never fails a served request.
type tokenAccounting struct {
	ec *EngineContext
}

func (*tokenAccounting) ID() string            { return "builtin.tokens" }
func (*tokenAccounting) Phase() pipeline.Phase { return pipeline.PhasePostProcessing }
func (*tokenAccounting) Order() int            { return orderAccount }

func (p *tokenAccounting) Observe(ctx context.Context, ic *pipeline.InferenceContext) pipeline.Outcome {
	if ic.Response == nil || ic.Response.TokensUsed <= 0 {
		return pipeline.Success()
	}
	err := p.ec.Quota.Increment(ctx, ic.Tenant.TenantID, quota.ResourceTokens, int64(ic.Response.TokensUsed))
	if err != nil {
		p.ec.Logger.Warn("token accounting failed",
			"request_id", ic.RequestID,
			"tenant_id", ic.Tenant.TenantID,
			"error", err,
		)
	}
	return pipeline.Success()
}
