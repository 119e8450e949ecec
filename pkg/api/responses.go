package api

import (
	"github.com/modelgrid/inferd/pkg/database"
	"github.com/modelgrid/inferd/pkg/models"
	"github.com/modelgrid/inferd/pkg/providers"
)

// JobAccepted is returned by POST /api/v1/jobs.
type JobAccepted struct {
	JobID string `json:"job_id"`
}

// BatchAccepted is returned by POST /api/v1/batches.
type BatchAccepted struct {
	BatchID string `json:"batch_id"`
}

// CancelAccepted is returned by DELETE /api/v1/requests/:id.
type CancelAccepted struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// ModelList is returned by GET /api/v1/models.
type ModelList struct {
	Models []*models.ModelManifest `json:"models"`
}

// ModelDetail is returned by GET /api/v1/models/:id.
type ModelDetail struct {
	Manifest *models.ModelManifest  `json:"manifest"`
	Versions []*models.ModelVersion `json:"versions"`
}

// ProviderStatus is one entry of GET /api/v1/providers.
type ProviderStatus struct {
	providers.Info
	BreakerState string `json:"breaker_state,omitempty"`
}

// ProviderList is returned by GET /api/v1/providers.
type ProviderList struct {
	Providers []ProviderStatus `json:"providers"`
}

// HealthResponse is returned by the liveness and readiness endpoints.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks,omitempty"`
}

// HealthCheck is one dependency's verdict inside a HealthResponse.
type HealthCheck struct {
	Status   string                 `json:"status"`
	Message  string                 `json:"message,omitempty"`
	Database *database.HealthStatus `json:"database,omitempty"`
}
