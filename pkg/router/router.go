// Package router picks the provider that serves an inference request. It
// filters registered providers by compatibility, scores the survivors against
// live telemetry and returns a winner plus ordered fallbacks. Scoring is a
// pure function of the request, the manifest and the metrics snapshot; the
// only state the router owns is the per-request decision cache the engine
// consults when it falls back.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/modelgrid/inferd/pkg/breaker"
	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/metrics"
	"github.com/modelgrid/inferd/pkg/models"
	"github.com/modelgrid/inferd/pkg/providers"
	"github.com/modelgrid/inferd/pkg/quota"
)

// Selection strategies.
const (
	// StrategyFailover scores every candidate and merely boosts the
	// requested provider.
	StrategyFailover = "failover"
	// StrategyUserSelected pins the requested provider and fails when it
	// is not a candidate.
	StrategyUserSelected = "user_selected"
)

// DefaultTimeout bounds latency scoring when neither the request nor the
// configuration carries a deadline.
const DefaultTimeout = 30 * time.Second

// Scoring weights. Positive values favor a candidate, negative values push it
// down the ranking.
const (
	weightPreferred   = 100
	weightNativeFmt   = 50
	weightDeviceMatch = 40
	weightCUDA        = 30
	weightCPU         = 10

	weightLatencyFast = 30
	weightLatencyOK   = 15
	weightLatencySlow = -20

	weightErrLow    = 25
	weightErrMid    = 10
	weightErrHigh   = -10
	weightErrSevere = -30
	weightUnhealthy = -50

	weightCostFree = 20
	weightCostPaid = -10

	weightStreaming     = 15
	weightNoStreaming   = -50
	weightNoToolCalling = -50

	weightLoadIdle = 10
	weightLoadBusy = 5
	weightLoadHigh = -5
	weightLoadSat  = -20

	penaltyLowMemory   = -30
	penaltyNoQuota     = -100
	penaltyBreakerOpen = -100
)

// unmeasuredLatency sorts candidates without latency data after measured ones
// when scores tie.
const unmeasuredLatency = time.Duration(math.MaxInt64)

// Config tunes selection.
type Config struct {
	SelectionStrategy    string        `yaml:"selection_strategy"`
	DefaultTimeout       time.Duration `yaml:"default_timeout"`
	CostSensitiveDefault bool          `yaml:"cost_sensitive_default"`
}

func (c Config) withDefaults() Config {
	if c.SelectionStrategy == "" {
		c.SelectionStrategy = StrategyFailover
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	return c
}

// Input is everything one routing decision is computed from.
type Input struct {
	Manifest *models.ModelManifest
	Request  *models.InferenceRequest
	Tenant   models.TenantContext
	// Timeout is the effective deadline for the call; latency buckets are
	// scored against it. Zero means the configured default.
	Timeout time.Duration
}

// Decision is the routing outcome for one request.
type Decision struct {
	RequestID string   `json:"request_id"`
	Provider  string   `json:"provider"`
	Score     int      `json:"score"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// candidate is one scored provider.
type candidate struct {
	id      string
	score   int
	latency time.Duration
	reasons []string
}

// Router selects providers for inference requests.
type Router struct {
	cfg         Config
	registry    *providers.Registry
	metrics     *metrics.Cache
	breakers    *breaker.Registry
	suspensions *quota.SuspensionTracker
	cache       *DecisionCache
	logger      *slog.Logger
}

// New creates a router over the provider registry. metrics, breakers and
// suspensions may be nil; absent telemetry scores as no data.
func New(cfg Config, registry *providers.Registry, mc *metrics.Cache, breakers *breaker.Registry, suspensions *quota.SuspensionTracker, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:         cfg.withDefaults(),
		registry:    registry,
		metrics:     mc,
		breakers:    breakers,
		suspensions: suspensions,
		cache:       NewDecisionCache(),
		logger:      logger.With("component", "router"),
	}
}

// Cache exposes the decision cache for fallback lookup and maintenance.
func (r *Router) Cache() *DecisionCache {
	return r.cache
}

// Select picks a provider for the request and records the decision. The
// returned decision names the winner plus up to two ordered fallbacks.
func (r *Router) Select(ctx context.Context, in Input) (*Decision, error) {
	if in.Request == nil || in.Manifest == nil {
		return nil, inferr.Validation("routing requires a request and a manifest")
	}
	req := in.Request
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	var scored []candidate
	for _, p := range r.registry.All() {
		if !p.Supports(req.Model, in.Tenant) {
			continue
		}
		scored = append(scored, r.score(in, p, timeout))
	}
	if len(scored) == 0 {
		return nil, inferr.NoCompatibleProvider(req.Model)
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.latency != b.latency {
			return a.latency < b.latency
		}
		return a.id < b.id
	})

	if r.cfg.SelectionStrategy == StrategyUserSelected && req.PreferredProvider != "" {
		pinned, rest := splitPreferred(scored, req.PreferredProvider)
		if pinned == nil {
			return nil, inferr.NoCompatibleProvider(req.Model).
				WithDetail("preferred_provider", req.PreferredProvider)
		}
		scored = append([]candidate{*pinned}, rest...)
	}

	top := scored[0]
	d := &Decision{
		RequestID: req.RequestID,
		Provider:  top.id,
		Score:     top.score,
	}
	for _, c := range scored[1:] {
		if len(d.Fallbacks) == 2 {
			break
		}
		d.Fallbacks = append(d.Fallbacks, c.id)
	}
	r.cache.Put(*d)

	if r.logger.Enabled(ctx, slog.LevelDebug) {
		summary := make([]string, 0, len(scored))
		for _, c := range scored {
			summary = append(summary, fmt.Sprintf("%s=%d", c.id, c.score))
		}
		r.logger.Debug("request routed",
			"request_id", req.RequestID,
			"model", req.Model,
			"provider", d.Provider,
			"fallbacks", d.Fallbacks,
			"scores", strings.Join(summary, " "),
			"factors", strings.Join(top.reasons, " "),
		)
	}
	return d, nil
}

// score computes the weighted compatibility score for one provider.
func (r *Router) score(in Input, p providers.Provider, timeout time.Duration) candidate {
	caps := p.Capabilities()
	req := in.Request
	c := candidate{id: p.ID(), latency: unmeasuredLatency}

	add := func(points int, reason string) {
		c.score += points
		c.reasons = append(c.reasons, fmt.Sprintf("%s%+d", reason, points))
	}

	if req.PreferredProvider != "" && req.PreferredProvider == c.id {
		add(weightPreferred, "preferred")
	}

	for _, f := range in.Manifest.Formats() {
		if caps.SupportsFormat(f) {
			add(weightNativeFmt, "native_format")
			break
		}
	}

	if dev := preferredDevice(in); dev != "" && caps.SupportsDevice(dev) {
		add(weightDeviceMatch, "device_match")
	}
	if caps.SupportsDevice(models.DeviceCUDA) {
		add(weightCUDA, "cuda")
	}
	if caps.SupportsDevice(models.DeviceCPU) {
		add(weightCPU, "cpu")
	}

	var snap metrics.Snapshot
	if r.metrics != nil {
		snap = r.metrics.SnapshotFor(c.id, req.Model)
	}

	if snap.HasLatency {
		c.latency = snap.P95
		switch {
		case snap.P95 < 2*timeout/3:
			add(weightLatencyFast, "p95_fast")
		case snap.P95 < timeout:
			add(weightLatencyOK, "p95_ok")
		default:
			add(weightLatencySlow, "p95_slow")
		}
	}

	switch {
	case snap.ErrorRate < 0.01:
		add(weightErrLow, "err_lt1")
	case snap.ErrorRate < 0.05:
		add(weightErrMid, "err_lt5")
	case snap.ErrorRate < 0.10:
		add(weightErrHigh, "err_lt10")
	default:
		add(weightErrSevere, "err_ge10")
	}
	if r.metrics != nil && r.metrics.HealthFor(c.id) == metrics.HealthUnhealthy {
		add(weightUnhealthy, "unhealthy")
	}

	if costSensitive(req, r.cfg.CostSensitiveDefault) {
		switch caps.CostClass {
		case providers.CostFree:
			add(weightCostFree, "cost_free")
		case providers.CostPaid:
			add(weightCostPaid, "cost_paid")
		}
	}

	if req.Streaming {
		if caps.Streaming {
			add(weightStreaming, "streaming")
		} else {
			add(weightNoStreaming, "streaming_unsupported")
		}
	}
	if req.Parameters.RequiresTools() && !caps.ToolCalling {
		add(weightNoToolCalling, "tools_unsupported")
	}

	switch {
	case snap.Load < 0.3:
		add(weightLoadIdle, "load_lt30")
	case snap.Load < 0.7:
		add(weightLoadBusy, "load_lt70")
	case snap.Load < 0.9:
		add(weightLoadHigh, "load_lt90")
	default:
		add(weightLoadSat, "load_ge90")
	}

	if need := in.Manifest.Requirements.MinMemoryMB; need > 0 && caps.AvailableMemoryMB > 0 && caps.AvailableMemoryMB < need {
		add(penaltyLowMemory, "low_memory")
	}
	if r.suspensions != nil && !r.suspensions.HasQuota(c.id) {
		add(penaltyNoQuota, "quota_exhausted")
	}
	if r.breakers != nil && r.breakers.State(c.id) == breaker.StateOpen {
		add(penaltyBreakerOpen, "breaker_open")
	}
	return c
}

// preferredDevice resolves the device the request wants: an explicit hint
// wins, otherwise the manifest's resource preference.
func preferredDevice(in Input) models.DeviceType {
	if in.Request.DeviceHint != "" {
		return in.Request.DeviceHint
	}
	return in.Manifest.Requirements.PreferredDevice
}

// costSensitive resolves the cost bias flag: request metadata overrides the
// configured default.
func costSensitive(req *models.InferenceRequest, def bool) bool {
	raw := req.Meta(models.MetaCostSensitive)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// splitPreferred extracts the candidate with the given id, keeping the order
// of the rest. pinned is nil when the id is not among the candidates.
func splitPreferred(scored []candidate, id string) (pinned *candidate, rest []candidate) {
	rest = make([]candidate, 0, len(scored))
	for i := range scored {
		if scored[i].id == id && pinned == nil {
			pinned = &scored[i]
			continue
		}
		rest = append(rest, scored[i])
	}
	return pinned, rest
}
