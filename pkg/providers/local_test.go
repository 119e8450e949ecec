package providers

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
	"github.com/modelgrid/inferd/pkg/runner"
)

type memManifests map[string]*models.ModelManifest

func (m memManifests) GetManifest(ctx context.Context, tenantID, modelID string) (*models.ModelManifest, error) {
	if manifest, ok := m[tenantID+"/"+modelID]; ok {
		return manifest, nil
	}
	return nil, inferr.ModelNotFound(tenantID, modelID)
}

type echoHandle struct {
	model string
}

func (h *echoHandle) ID() string                { return "echo-1" }
func (h *echoHandle) ModelID() string           { return h.model }
func (h *echoHandle) Device() models.DeviceType { return models.DeviceCPU }

func (h *echoHandle) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	return &models.InferenceResponse{
		RequestID:  req.RequestID,
		Model:      h.model,
		Content:    "echo: " + req.Messages[len(req.Messages)-1].Content,
		TokensUsed: 3,
	}, nil
}

func (h *echoHandle) InferStream(ctx context.Context, req *models.InferenceRequest, sink runner.ChunkSink) error {
	if err := sink(models.StreamChunk{RequestID: req.RequestID, Delta: "echo"}); err != nil {
		return err
	}
	return sink(models.StreamChunk{
		RequestID: req.RequestID,
		IsFinal:   true,
		Metadata:  map[string]string{models.MetaFinishReason: string(models.FinishStop)},
	})
}

func (h *echoHandle) Healthy(ctx context.Context) bool              { return true }
func (h *echoHandle) Close(ctx context.Context, discard bool) error { return nil }

type echoRunner struct{}

func (echoRunner) ID() string { return "echo" }

func (echoRunner) SupportedFormats() []models.ModelFormat {
	return []models.ModelFormat{models.FormatGGUF}
}

func (echoRunner) SupportedDevices() []models.DeviceType {
	return []models.DeviceType{models.DeviceCPU}
}

func (echoRunner) Load(ctx context.Context, manifest *models.ModelManifest, device models.DeviceType) (runner.ModelHandle, error) {
	return &echoHandle{model: manifest.ModelID}, nil
}

func (echoRunner) Shutdown(ctx context.Context) error { return nil }

func localFixture(t *testing.T) (*LocalProvider, *runner.Manager) {
	t.Helper()
	manager := runner.NewManager(runner.PoolConfig{MaxSize: 2}, nil, nil, slog.Default())
	manager.RegisterRunner(echoRunner{})

	manifests := memManifests{
		"acme/llama3:8b": {
			ModelID:  "llama3:8b",
			TenantID: "acme",
			Artifacts: map[models.ModelFormat]models.ArtifactLocation{
				models.FormatGGUF: {URI: "file:///models/llama3.gguf"},
			},
		},
		"acme/gpt-4": {
			ModelID:    "gpt-4",
			TenantID:   "acme",
			ProviderID: "openai",
		},
	}

	p := NewLocal(LocalConfig{RunnerID: "echo"}, manager, manifests, slog.Default())
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })
	return p, manager
}

func TestLocalSupportsOnlyLoadableArtifacts(t *testing.T) {
	p, _ := localFixture(t)
	tenant := models.TenantContext{TenantID: "acme"}

	assert.True(t, p.Supports("llama3:8b", tenant))
	// Provider-tagged manifests have no artifacts to load locally.
	assert.False(t, p.Supports("gpt-4", tenant))
	assert.False(t, p.Supports("missing", tenant))
	// Unknown tenants see nothing.
	assert.False(t, p.Supports("llama3:8b", models.DefaultTenant()))
}

func TestLocalInferLeasesSession(t *testing.T) {
	p, _ := localFixture(t)
	ctx := models.WithTenant(context.Background(), models.TenantContext{TenantID: "acme"})

	req := chatReq("llama3:8b")
	resp, err := p.Infer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", resp.Content)
	assert.Equal(t, "local", resp.Metadata[models.MetaProviderID])

	// The lease was released: a second call reuses the pool without blocking.
	resp, err = p.Infer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.TokensUsed)
}

func TestLocalInferUnknownModel(t *testing.T) {
	p, _ := localFixture(t)
	ctx := models.WithTenant(context.Background(), models.TenantContext{TenantID: "acme"})

	_, err := p.Infer(ctx, chatReq("missing"))
	require.Error(t, err)
	assert.Equal(t, inferr.KindModelNotFound, inferr.KindOf(err))
}

func TestLocalInferStream(t *testing.T) {
	p, _ := localFixture(t)
	ctx := models.WithTenant(context.Background(), models.TenantContext{TenantID: "acme"})

	it, err := p.InferStream(ctx, chatReq("llama3:8b"))
	require.NoError(t, err)
	defer it.Close()

	chunk, err := it.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo", chunk.Delta)

	final, err := it.Next(ctx)
	require.NoError(t, err)
	assert.True(t, final.IsFinal)
	assert.Equal(t, "local", final.Metadata[models.MetaProviderID])

	_, err = it.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestLocalCapabilitiesReflectRunner(t *testing.T) {
	p, _ := localFixture(t)
	caps := p.Capabilities()

	assert.True(t, caps.Streaming)
	assert.Equal(t, CostFree, caps.CostClass)
	assert.Equal(t, []models.ModelFormat{models.FormatGGUF}, caps.SupportedFormats)
	assert.Equal(t, []models.DeviceType{models.DeviceCPU}, caps.SupportedDevices)
}
