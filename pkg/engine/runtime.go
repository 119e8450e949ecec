// Package engine is the inference entry point. It admits requests, drives
// them through the pipeline, applies the single fallback hop, and owns the
// one terminal audit event every request gets.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelgrid/inferd/pkg/batch"
	"github.com/modelgrid/inferd/pkg/breaker"
	"github.com/modelgrid/inferd/pkg/events"
	"github.com/modelgrid/inferd/pkg/metrics"
	"github.com/modelgrid/inferd/pkg/models"
	"github.com/modelgrid/inferd/pkg/providers"
	"github.com/modelgrid/inferd/pkg/quota"
	"github.com/modelgrid/inferd/pkg/router"
)

// ManifestSource resolves the manifest for a tenant's model. The repository
// package implements it; a missing model surfaces as a ModelNotFound error.
type ManifestSource interface {
	GetManifest(ctx context.Context, tenantID, modelID string) (*models.ModelManifest, error)
}

// Runtime aggregates the process-wide registries, stores and caches. main
// builds exactly one and registers teardown steps in startup order; Close
// runs them in reverse.
type Runtime struct {
	Logger      *slog.Logger
	Manifests   ManifestSource
	Providers   *providers.Registry
	Breakers    *breaker.Registry
	Quota       quota.Store
	Suspensions *quota.SuspensionTracker
	Metrics     *metrics.Cache
	Events      *events.Publisher
	Router      *router.Router
	Jobs        *batch.Store
	Now         func() time.Time

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func(ctx context.Context) error
}

// OnClose registers one teardown step.
func (rt *Runtime) OnClose(name string, fn func(ctx context.Context) error) {
	rt.closers = append(rt.closers, namedCloser{name: name, close: fn})
}

// Close tears the runtime down in reverse registration order. Every step
// runs even when earlier ones fail; the first error is returned.
func (rt *Runtime) Close(ctx context.Context) error {
	var firstErr error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		c := rt.closers[i]
		if err := c.close(ctx); err != nil {
			rt.logger().Error("teardown step failed", "step", c.name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (rt *Runtime) logger() *slog.Logger {
	if rt.Logger == nil {
		return slog.Default()
	}
	return rt.Logger
}

func (rt *Runtime) now() time.Time {
	if rt.Now == nil {
		return time.Now()
	}
	return rt.Now()
}
