// Package repository persists model manifests and their uploaded artifact
// versions. Two implementations share one interface: Memory backs tests and
// single-node deployments, Postgres everything else. The engine consumes only
// the GetManifest half; the model management API uses the rest.
package repository

import (
	"context"
	"strings"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
)

// ModelRepository stores per-tenant model manifests and version history.
type ModelRepository interface {
	// GetManifest returns the manifest registered for (tenant, model), or a
	// ModelNotFound error when the tenant never registered the model.
	GetManifest(ctx context.Context, tenantID, modelID string) (*models.ModelManifest, error)

	// ListManifests returns the tenant's manifests ordered by model id.
	ListManifests(ctx context.Context, tenantID string) ([]*models.ModelManifest, error)

	// SaveManifest validates and upserts the manifest. CreatedAt is stamped
	// on first registration and preserved on re-registration; UpdatedAt moves
	// on every write. Both stamps are written back to the argument.
	SaveManifest(ctx context.Context, manifest *models.ModelManifest) error

	// DeleteManifest removes the manifest and its whole version history.
	DeleteManifest(ctx context.Context, tenantID, modelID string) error

	// AddVersion records an uploaded artifact version. The new row is stored
	// ACTIVE and any previously ACTIVE row for the same (model, version)
	// tuple is deprecated in the same step, so exactly one row per tuple is
	// ever ACTIVE. The manifest must already exist; its JSON is frozen onto
	// the row as ManifestSnapshot. Rows are immutable after upload apart
	// from status.
	AddVersion(ctx context.Context, version *models.ModelVersion) error

	// GetVersion returns the current row for (tenant, model, version): the
	// newest upload whose status is not DELETED. Returns ModelNotFound when
	// the model itself is unknown, VersionNotFound when the model exists but
	// the version does not.
	GetVersion(ctx context.Context, tenantID, modelID, version string) (*models.ModelVersion, error)

	// ListVersions returns the model's full upload history, newest first,
	// DELETED rows included.
	ListVersions(ctx context.Context, tenantID, modelID string) ([]*models.ModelVersion, error)

	// SetVersionStatus transitions the current row of (tenant, model,
	// version) to next. Transitions only move forward; anything else is a
	// validation error.
	SetVersionStatus(ctx context.Context, tenantID, modelID, version string, next models.VersionStatus) error
}

func validateVersion(v *models.ModelVersion) error {
	if v == nil {
		return inferr.Validation("version is required")
	}
	var problems []string
	if strings.TrimSpace(v.TenantID) == "" {
		problems = append(problems, "tenant_id is required")
	}
	if strings.TrimSpace(v.ModelID) == "" {
		problems = append(problems, "model_id is required")
	}
	if strings.TrimSpace(v.Version) == "" {
		problems = append(problems, "version is required")
	}
	if strings.TrimSpace(v.StorageURI) == "" {
		problems = append(problems, "storage_uri is required")
	}
	if len(problems) > 0 {
		return inferr.Validation(strings.Join(problems, "; "))
	}
	return nil
}

func cloneManifest(m *models.ModelManifest) *models.ModelManifest {
	if m == nil {
		return nil
	}
	out := *m
	if m.Artifacts != nil {
		out.Artifacts = make(map[models.ModelFormat]models.ArtifactLocation, len(m.Artifacts))
		for f, loc := range m.Artifacts {
			out.Artifacts[f] = loc
		}
	}
	if m.SupportedDevices != nil {
		out.SupportedDevices = append([]models.DeviceType(nil), m.SupportedDevices...)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneVersion(v *models.ModelVersion) *models.ModelVersion {
	if v == nil {
		return nil
	}
	out := *v
	if v.ManifestSnapshot != nil {
		out.ManifestSnapshot = append([]byte(nil), v.ManifestSnapshot...)
	}
	return &out
}
