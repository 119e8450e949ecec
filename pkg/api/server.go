// Package api is the HTTP surface of the gateway. It binds requests, routes
// them into the engine, and maps the error taxonomy to status codes; all
// domain decisions stay behind the Engine and repository interfaces.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelgrid/inferd/pkg/batch"
	"github.com/modelgrid/inferd/pkg/breaker"
	"github.com/modelgrid/inferd/pkg/database"
	"github.com/modelgrid/inferd/pkg/models"
	"github.com/modelgrid/inferd/pkg/providers"
	"github.com/modelgrid/inferd/pkg/repository"
)

// Engine is the slice of the inference engine the handlers call.
type Engine interface {
	Infer(ctx context.Context, req *models.InferenceRequest, tenant models.TenantContext) (*models.InferenceResponse, error)
	Stream(ctx context.Context, req *models.InferenceRequest, tenant models.TenantContext) (providers.StreamIterator, error)
	SubmitAsync(req *models.InferenceRequest, tenant models.TenantContext) (string, error)
	GetJobStatus(jobID string, tenant models.TenantContext) (batch.AsyncJob, bool)
	Batch(reqs []*models.InferenceRequest, maxConcurrent int, tenant models.TenantContext) (string, error)
	GetBatchStatus(batchID string, tenant models.TenantContext) (batch.BatchJob, bool)
	Cancel(requestID string, tenant models.TenantContext) bool
}

// Options tunes request handling.
type Options struct {
	// MultitenancyEnabled requires the X-Tenant-ID header on every request.
	// When false, requests without the header run as the default tenant.
	MultitenancyEnabled bool
	// MaxRequestBytes caps request bodies; zero means no limit.
	MaxRequestBytes int64
	// CostSensitive carries per-tenant cost routing policy. Only tenants
	// with an explicit flag appear; the request metadata still wins.
	CostSensitive map[string]bool
}

// Server wires the HTTP routes to their collaborators.
type Server struct {
	engine   Engine
	repo     repository.ModelRepository
	registry *providers.Registry
	breakers *breaker.Registry
	db       *database.Client
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	opts     Options
}

// NewServer builds the server. db and gatherer may be nil; the readiness
// endpoint then skips the database check and /metrics is not registered.
func NewServer(engine Engine, repo repository.ModelRepository, registry *providers.Registry, breakers *breaker.Registry, db *database.Client, gatherer prometheus.Gatherer, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   engine,
		repo:     repo,
		registry: registry,
		breakers: breakers,
		db:       db,
		gatherer: gatherer,
		logger:   logger,
		opts:     opts,
	}
}

// Router assembles the gin engine with all middleware and routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery())
	r.Use(s.requestID())
	r.Use(s.accessLog())
	if s.opts.MaxRequestBytes > 0 {
		r.Use(bodyLimit(s.opts.MaxRequestBytes))
	}

	r.GET("/healthz", s.livenessHandler)
	r.GET("/readyz", s.readinessHandler)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	v1.Use(s.tenant())
	{
		v1.POST("/inference", s.inferenceHandler)
		v1.POST("/inference/stream", s.streamHandler)

		v1.POST("/jobs", s.submitJobHandler)
		v1.GET("/jobs/:id", s.getJobHandler)
		v1.POST("/batches", s.submitBatchHandler)
		v1.GET("/batches/:id", s.getBatchHandler)
		v1.DELETE("/requests/:id", s.cancelRequestHandler)

		v1.GET("/models", s.listModelsHandler)
		v1.POST("/models", s.registerModelHandler)
		v1.GET("/models/:id", s.getModelHandler)

		v1.GET("/providers", s.listProvidersHandler)
	}
	return r
}

// Serve builds an http.Server around the router. The caller owns startup
// and shutdown.
func (s *Server) Serve(addr string) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
}
