// Package providers defines the backend adapter contract and the registry
// the router selects from. An adapter executes one inference call (blocking
// or streaming) against one backend: a cloud vendor API or a local runner
// pool. Adapters report capabilities and health; reliability policy (retry,
// breakers, quota) lives above them in the engine.
package providers

import (
	"context"

	"github.com/modelgrid/inferd/pkg/models"
)

// CostClass is the router's cost bias input.
type CostClass string

const (
	// CostFree marks local or self-hosted backends
	CostFree CostClass = "free"
	// CostPaid marks metered cloud vendors
	CostPaid CostClass = "paid"
)

// Capabilities declares what a provider can do. The router reads these when
// scoring candidates.
type Capabilities struct {
	Streaming         bool
	ToolCalling       bool
	Multimodal        bool
	SupportedFormats  []models.ModelFormat
	SupportedDevices  []models.DeviceType
	MaxContextTokens  int
	MaxOutputTokens   int
	MaxConcurrent     int
	CostClass         CostClass
	AvailableMemoryMB int64
}

// SupportsFormat reports whether f is in the supported format list.
func (c Capabilities) SupportsFormat(f models.ModelFormat) bool {
	for _, sf := range c.SupportedFormats {
		if sf == f {
			return true
		}
	}
	return false
}

// SupportsDevice reports whether d is in the supported device list.
func (c Capabilities) SupportsDevice(d models.DeviceType) bool {
	for _, sd := range c.SupportedDevices {
		if sd == d {
			return true
		}
	}
	return false
}

// HealthStatus is the adapter's self-reported condition.
type HealthStatus int

const (
	// Healthy means the backend is fully operational
	Healthy HealthStatus = iota
	// Degraded means the backend works with reduced capacity or elevated latency
	Degraded
	// Unhealthy means the backend should not receive traffic
	Unhealthy
)

// String returns the status name.
func (s HealthStatus) String() string {
	switch s {
	case Healthy:
		return "HEALTHY"
	case Degraded:
		return "DEGRADED"
	case Unhealthy:
		return "UNHEALTHY"
	default:
		return "UNKNOWN"
	}
}

// Health is one health probe result.
type Health struct {
	Status  HealthStatus      `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

// Provider is the adapter contract every backend implements.
type Provider interface {
	// ID is the stable provider identifier used for routing and breakers
	ID() string
	// Version distinguishes multiple registered generations of one id
	Version() string
	// Capabilities reports the static feature surface
	Capabilities() Capabilities
	// Initialize prepares the adapter; called once before registration
	Initialize(ctx context.Context) error
	// Supports reports whether the provider can serve the model for the tenant
	Supports(modelID string, tenant models.TenantContext) bool
	// Infer executes one blocking call
	Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error)
	// InferStream opens one lazy, finite, non-restartable chunk stream.
	// Optional: providers without Capabilities().Streaming return an error.
	InferStream(ctx context.Context, req *models.InferenceRequest) (StreamIterator, error)
	// Health probes the backend
	Health(ctx context.Context) Health
	// Shutdown releases adapter resources
	Shutdown(ctx context.Context) error
}

// Info is a registry snapshot entry for operational surfaces.
type Info struct {
	ID           string       `json:"id"`
	Version      string       `json:"version"`
	PluginID     string       `json:"plugin_id,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	Health       Health       `json:"health"`
}
