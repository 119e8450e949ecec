// Package e2e boots a complete gateway in process, with scripted providers
// in place of real vendors, and drives it over HTTP.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/modelgrid/inferd/pkg/api"
	"github.com/modelgrid/inferd/pkg/batch"
	"github.com/modelgrid/inferd/pkg/breaker"
	"github.com/modelgrid/inferd/pkg/config"
	"github.com/modelgrid/inferd/pkg/engine"
	"github.com/modelgrid/inferd/pkg/events"
	"github.com/modelgrid/inferd/pkg/metrics"
	"github.com/modelgrid/inferd/pkg/models"
	"github.com/modelgrid/inferd/pkg/providers"
	"github.com/modelgrid/inferd/pkg/quota"
	"github.com/modelgrid/inferd/pkg/repository"
	"github.com/modelgrid/inferd/pkg/router"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestApp is one fully wired gateway instance listening on a loopback port.
type TestApp struct {
	Config   *config.Config
	Registry *providers.Registry
	Breakers *breaker.Registry
	Metrics  *metrics.Cache
	Audit    *events.Collector
	Repo     repository.ModelRepository
	Engine   *engine.Engine
	Runtime  *engine.Runtime
	Server   *httptest.Server
	BaseURL  string

	t *testing.T
}

type testAppConfig struct {
	cfg       *config.Config
	providers []*ScriptedProvider
	manifests []*models.ModelManifest
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig replaces the stock test configuration.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithProvider registers a scripted provider.
func WithProvider(p *ScriptedProvider) TestAppOption {
	return func(c *testAppConfig) { c.providers = append(c.providers, p) }
}

// WithModel registers a manifest for (tenant, model) before the server
// starts. The manifest claims no artifacts; scripted providers accept any
// model, so routing works on telemetry alone.
func WithModel(tenantID, modelID string) TestAppOption {
	return func(c *testAppConfig) {
		c.manifests = append(c.manifests, &models.ModelManifest{
			TenantID:   tenantID,
			ModelID:    modelID,
			ProviderID: "scripted",
		})
	}
}

// NewTestConfig returns a configuration tuned for fast, deterministic tests:
// no retries, no fallback jitter sources, memory quota backend.
func NewTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Engine.DefaultTimeout = 5 * time.Second
	cfg.Engine.AsyncWorkers = 2
	return &cfg
}

// NewTestApp wires the gateway the way main does, with the in-memory
// repository and an audit collector in place of external infrastructure.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	c := &testAppConfig{}
	for _, opt := range opts {
		opt(c)
	}
	cfg := c.cfg
	if cfg == nil {
		cfg = NewTestConfig()
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	instruments := metrics.NewCollectors(prometheus.NewRegistry())
	metricsCache := metrics.NewCache(instruments)
	audit := events.NewCollector()
	publisher := events.NewPublisher(audit)

	repo := repository.NewMemory()
	for _, m := range c.manifests {
		require.NoError(t, repo.SaveManifest(ctx, m))
	}

	breakers := breaker.NewRegistry(cfg.CircuitBreaker)
	breakers.OnStateChange(func(name string, _, to breaker.State) {
		metricsCache.SetBreakerState(name, int(to))
	})

	registry := providers.NewRegistry(logger)
	sort.Slice(c.providers, func(i, j int) bool { return c.providers[i].ID() < c.providers[j].ID() })
	for _, p := range c.providers {
		require.NoError(t, registry.Register(p, ""))
	}

	suspensions := quota.NewSuspensionTracker()
	rtr := router.New(cfg.Router, registry, metricsCache, breakers, suspensions, logger)

	rt := &engine.Runtime{
		Logger:      logger,
		Manifests:   repo,
		Providers:   registry,
		Breakers:    breakers,
		Quota:       quota.NewMemoryStore(cfg.LimitResolver()),
		Suspensions: suspensions,
		Metrics:     metricsCache,
		Events:      publisher,
		Router:      rtr,
		Jobs:        batch.NewStore(instruments),
	}
	eng, err := engine.New(rt, cfg.EngineOptions())
	require.NoError(t, err)

	costSensitive := make(map[string]bool)
	for id, tc := range cfg.Tenants {
		if tc.CostSensitive != nil {
			costSensitive[id] = *tc.CostSensitive
		}
	}
	apiServer := api.NewServer(eng, repo, registry, breakers, nil, nil, logger, api.Options{
		MultitenancyEnabled: cfg.Multitenancy.Enabled,
		MaxRequestBytes:     cfg.Server.MaxRequestBytes,
		CostSensitive:       costSensitive,
	})
	server := httptest.NewServer(apiServer.Router())

	t.Cleanup(func() {
		server.Close()
		eng.Close()
		_ = rt.Close(context.Background())
	})

	return &TestApp{
		Config:   cfg,
		Registry: registry,
		Breakers: breakers,
		Metrics:  metricsCache,
		Audit:    audit,
		Repo:     repo,
		Engine:   eng,
		Runtime:  rt,
		Server:   server,
		BaseURL:  server.URL,
		t:        t,
	}
}
