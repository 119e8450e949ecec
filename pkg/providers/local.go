package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
	"github.com/modelgrid/inferd/pkg/runner"
)

// ManifestSource resolves model manifests for routing decisions. Implemented
// by the model repository.
type ManifestSource interface {
	GetManifest(ctx context.Context, tenantID, modelID string) (*models.ModelManifest, error)
}

// LocalConfig configures a local provider fronting one runner.
type LocalConfig struct {
	// ID is the registry id; defaults to "local".
	ID string
	// Version labels this adapter generation.
	Version string
	// RunnerID names the runner sessions are acquired from.
	RunnerID string
	// MaxConcurrent sizes the load gauge.
	MaxConcurrent int
	// AvailableMemoryMB advertises host memory for routing resource checks;
	// zero means unknown.
	AvailableMemoryMB int64
}

func (c LocalConfig) withDefaults() LocalConfig {
	if c.ID == "" {
		c.ID = "local"
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.RunnerID == "" {
		c.RunnerID = runner.RunnerLlamaCpp
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	return c
}

// LocalProvider serves models from stored artifacts through the session
// manager. Each call leases one pooled session for its full duration and
// releases it when the response (or stream) completes.
type LocalProvider struct {
	cfg       LocalConfig
	manager   *runner.Manager
	manifests ManifestSource
	logger    *slog.Logger
}

// NewLocal builds a provider over the session manager. The named runner must
// be registered with the manager before traffic arrives.
func NewLocal(cfg LocalConfig, manager *runner.Manager, manifests ManifestSource, logger *slog.Logger) *LocalProvider {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &LocalProvider{
		cfg:       cfg,
		manager:   manager,
		manifests: manifests,
		logger:    logger.With("provider", cfg.ID),
	}
}

func (p *LocalProvider) ID() string      { return p.cfg.ID }
func (p *LocalProvider) Version() string { return p.cfg.Version }

func (p *LocalProvider) Capabilities() Capabilities {
	caps := Capabilities{
		Streaming:         true,
		ToolCalling:       false,
		Multimodal:        false,
		MaxConcurrent:     p.cfg.MaxConcurrent,
		CostClass:         CostFree,
		AvailableMemoryMB: p.cfg.AvailableMemoryMB,
	}
	if r, ok := p.manager.Runner(p.cfg.RunnerID); ok {
		caps.SupportedFormats = r.SupportedFormats()
		caps.SupportedDevices = r.SupportedDevices()
	}
	return caps
}

func (p *LocalProvider) Initialize(ctx context.Context) error {
	if _, ok := p.manager.Runner(p.cfg.RunnerID); !ok {
		return inferr.Newf(inferr.KindInternal, "runner %q is not registered", p.cfg.RunnerID)
	}
	return nil
}

// Supports reports whether a local artifact exists that the runner can load.
func (p *LocalProvider) Supports(modelID string, tenant models.TenantContext) bool {
	r, ok := p.manager.Runner(p.cfg.RunnerID)
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	manifest, err := p.manifests.GetManifest(ctx, tenant.TenantID, modelID)
	if err != nil || !manifest.IsLocal() {
		return false
	}
	_, ok = runner.PickFormat(r, manifest)
	return ok
}

// lease acquires a session for the request's model.
func (p *LocalProvider) lease(ctx context.Context, req *models.InferenceRequest) (*runner.Lease, error) {
	tenant := models.TenantFrom(ctx)
	manifest, err := p.manifests.GetManifest(ctx, tenant.TenantID, req.Model)
	if err != nil {
		return nil, err
	}
	if !manifest.IsLocal() {
		return nil, inferr.NoCompatibleProvider(req.Model)
	}
	r, ok := p.manager.Runner(p.cfg.RunnerID)
	if !ok {
		return nil, inferr.Newf(inferr.KindInternal, "runner %q is not registered", p.cfg.RunnerID)
	}
	device := runner.PickDevice(r, manifest, req.DeviceHint)
	return p.manager.Acquire(ctx, tenant.TenantID, manifest, p.cfg.RunnerID, device)
}

func (p *LocalProvider) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	lease, err := p.lease(ctx, req)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	resp, err := lease.Handle().Infer(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.SetMeta(models.MetaProviderID, p.cfg.ID)
	return resp, nil
}

func (p *LocalProvider) InferStream(ctx context.Context, req *models.InferenceRequest) (StreamIterator, error) {
	lease, err := p.lease(ctx, req)
	if err != nil {
		return nil, err
	}

	stream := NewPushStream(DefaultStreamBuffer)
	go func() {
		defer lease.Release()
		err := lease.Handle().InferStream(ctx, req, func(chunk models.StreamChunk) error {
			if chunk.IsFinal {
				if chunk.Metadata == nil {
					chunk.Metadata = make(map[string]string)
				}
				chunk.Metadata[models.MetaProviderID] = p.cfg.ID
			}
			return stream.Send(ctx, chunk)
		})
		if err != nil {
			stream.Fail(inferr.From(err))
			return
		}
		stream.Done()
	}()
	return stream, nil
}

func (p *LocalProvider) Health(ctx context.Context) Health {
	if _, ok := p.manager.Runner(p.cfg.RunnerID); !ok {
		return Health{Status: Unhealthy, Details: map[string]string{"error": "runner not registered"}}
	}
	return Health{Status: Healthy, Details: map[string]string{"runner": p.cfg.RunnerID}}
}

// Shutdown is a no-op: the session manager owns pool and runner teardown.
func (p *LocalProvider) Shutdown(ctx context.Context) error {
	return nil
}
