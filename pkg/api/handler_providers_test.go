package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgrid/inferd/pkg/breaker"
	"github.com/modelgrid/inferd/pkg/models"
	"github.com/modelgrid/inferd/pkg/providers"
	"github.com/modelgrid/inferd/pkg/repository"
)

// stubProvider satisfies providers.Provider with fixed metadata.
type stubProvider struct {
	id string
}

func (p *stubProvider) ID() string                                 { return p.id }
func (p *stubProvider) Version() string                            { return "1.0.0" }
func (p *stubProvider) Capabilities() providers.Capabilities       { return providers.Capabilities{} }
func (p *stubProvider) Initialize(context.Context) error           { return nil }
func (p *stubProvider) Supports(string, models.TenantContext) bool { return true }
func (p *stubProvider) Shutdown(context.Context) error             { return nil }

func (p *stubProvider) Health(context.Context) providers.Health {
	return providers.Health{Status: providers.Healthy}
}

func (p *stubProvider) Infer(_ context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	return &models.InferenceResponse{RequestID: req.RequestID, Model: req.Model}, nil
}

func (p *stubProvider) InferStream(_ context.Context, req *models.InferenceRequest) (providers.StreamIterator, error) {
	return prefilledStream(req.RequestID, "ok"), nil
}

// newRegistryFixture wires a server around a real provider registry and
// breaker registry instead of the nil placeholders the base fixture uses.
func newRegistryFixture(t *testing.T, provs ...providers.Provider) (*gin.Engine, *breaker.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := providers.NewRegistry(logger)
	for _, p := range provs {
		require.NoError(t, reg.Register(p, "vendor"))
	}
	breakers := breaker.NewRegistry(breaker.Config{})
	srv := NewServer(&stubEngine{}, repository.NewMemory(), reg, breakers, nil, nil, logger, Options{})
	return srv.Router(), breakers
}

func TestListProviders(t *testing.T) {
	router, breakers := newRegistryFixture(t, &stubProvider{id: "anthropic"}, &stubProvider{id: "openai"})
	breakers.TripOpen("openai")

	rec := do(router, http.MethodGet, "/api/v1/providers", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list ProviderList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Providers, 2)

	assert.Equal(t, "anthropic", list.Providers[0].ID)
	assert.Equal(t, "vendor", list.Providers[0].PluginID)
	assert.Equal(t, providers.Healthy, list.Providers[0].Health.Status)
	assert.Empty(t, list.Providers[0].BreakerState)

	assert.Equal(t, "openai", list.Providers[1].ID)
	assert.Equal(t, "OPEN", list.Providers[1].BreakerState)
}

func TestListProvidersWithoutBreakerRegistry(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(http.MethodGet, "/api/v1/providers", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list ProviderList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Providers)
}

func TestReadinessFailsWithoutProviders(t *testing.T) {
	router, _ := newRegistryFixture(t)

	rec := do(router, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, statusUnhealthy, resp.Status)
	assert.Equal(t, "no providers registered", resp.Checks["providers"].Message)
}

func TestReadinessPassesWithProviders(t *testing.T) {
	router, _ := newRegistryFixture(t, &stubProvider{id: "openai"})

	rec := do(router, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, statusHealthy, resp.Status)
	assert.Equal(t, statusHealthy, resp.Checks["providers"].Status)
}
