package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
)

// Memory is an in-process ModelRepository for tests and single-node
// deployments. It copies on both write and read so callers never share
// mutable state with the store.
type Memory struct {
	now func() time.Time

	mu        sync.RWMutex
	manifests map[string]*models.ModelManifest
	versions  map[string][]*models.ModelVersion // upload order, oldest first
}

var _ ModelRepository = (*Memory)(nil)

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		manifests: make(map[string]*models.ModelManifest),
		versions:  make(map[string][]*models.ModelVersion),
	}
}

func manifestKey(tenantID, modelID string) string {
	return tenantID + "/" + modelID
}

func (s *Memory) GetManifest(_ context.Context, tenantID, modelID string) (*models.ModelManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[manifestKey(tenantID, modelID)]
	if !ok {
		return nil, inferr.ModelNotFound(tenantID, modelID)
	}
	return cloneManifest(m), nil
}

func (s *Memory) ListManifests(_ context.Context, tenantID string) ([]*models.ModelManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ModelManifest
	for _, m := range s.manifests {
		if m.TenantID == tenantID {
			out = append(out, cloneManifest(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

func (s *Memory) SaveManifest(_ context.Context, manifest *models.ModelManifest) error {
	if manifest == nil {
		return inferr.Validation("manifest is required")
	}
	if err := manifest.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.manifests[manifestKey(manifest.TenantID, manifest.ModelID)]; ok {
		manifest.CreatedAt = existing.CreatedAt
	} else if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = now
	}
	manifest.UpdatedAt = now
	s.manifests[manifestKey(manifest.TenantID, manifest.ModelID)] = cloneManifest(manifest)
	return nil
}

func (s *Memory) DeleteManifest(_ context.Context, tenantID, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := manifestKey(tenantID, modelID)
	if _, ok := s.manifests[key]; !ok {
		return inferr.ModelNotFound(tenantID, modelID)
	}
	delete(s.manifests, key)
	delete(s.versions, key)
	return nil
}

func (s *Memory) AddVersion(_ context.Context, version *models.ModelVersion) error {
	if err := validateVersion(version); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := manifestKey(version.TenantID, version.ModelID)
	manifest, ok := s.manifests[key]
	if !ok {
		return inferr.ModelNotFound(version.TenantID, version.ModelID)
	}
	snapshot, err := json.Marshal(manifest)
	if err != nil {
		return inferr.Internal("snapshot manifest", err)
	}
	version.Status = models.VersionActive
	version.CreatedAt = s.now()
	version.ManifestSnapshot = snapshot
	for _, prior := range s.versions[key] {
		if prior.Version == version.Version && prior.Status == models.VersionActive {
			prior.Status = models.VersionDeprecated
		}
	}
	s.versions[key] = append(s.versions[key], cloneVersion(version))
	return nil
}

// currentVersion returns the newest non-DELETED row for the tuple. Caller
// holds at least a read lock.
func (s *Memory) currentVersion(tenantID, modelID, version string) (*models.ModelVersion, error) {
	key := manifestKey(tenantID, modelID)
	rows := s.versions[key]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Version == version && rows[i].Status != models.VersionDeleted {
			return rows[i], nil
		}
	}
	if _, ok := s.manifests[key]; !ok {
		return nil, inferr.ModelNotFound(tenantID, modelID)
	}
	return nil, inferr.VersionNotFound(modelID, version)
}

func (s *Memory) GetVersion(_ context.Context, tenantID, modelID, version string) (*models.ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, err := s.currentVersion(tenantID, modelID, version)
	if err != nil {
		return nil, err
	}
	return cloneVersion(row), nil
}

func (s *Memory) ListVersions(_ context.Context, tenantID, modelID string) ([]*models.ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.versions[manifestKey(tenantID, modelID)]
	out := make([]*models.ModelVersion, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, cloneVersion(rows[i]))
	}
	return out, nil
}

func (s *Memory) SetVersionStatus(_ context.Context, tenantID, modelID, version string, next models.VersionStatus) error {
	if !next.IsValid() {
		return inferr.Newf(inferr.KindValidation, "unknown version status %q", string(next))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.currentVersion(tenantID, modelID, version)
	if err != nil {
		return err
	}
	if !row.Status.CanTransitionTo(next) {
		return inferr.Newf(inferr.KindValidation, "version %s cannot move from %s to %s",
			version, string(row.Status), string(next))
	}
	row.Status = next
	return nil
}
