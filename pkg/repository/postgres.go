package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/models"
)

const (
	manifestColumns = `tenant_id, model_id, name, version, provider_id,
		artifacts, supported_devices, requirements, metadata, created_at, updated_at`
	versionColumns = `tenant_id, model_id, version, storage_uri, format,
		checksum, size_bytes, status, manifest_snapshot, created_at`
)

// Postgres is the ModelRepository backed by PostgreSQL. Artifacts, devices,
// requirements and metadata live in JSONB columns; version uploads and status
// transitions run in transactions so the single-ACTIVE rule holds under
// concurrent writers.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ ModelRepository = (*Postgres)(nil)

// NewPostgres creates a repository on an established connection pool. The
// schema is managed by the database package's migrations.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, now: time.Now}
}

func scanManifest(row pgx.Row) (*models.ModelManifest, error) {
	var m models.ModelManifest
	err := row.Scan(&m.TenantID, &m.ModelID, &m.Name, &m.Version, &m.ProviderID,
		&m.Artifacts, &m.SupportedDevices, &m.Requirements, &m.Metadata,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanVersion(row pgx.Row) (*models.ModelVersion, error) {
	var v models.ModelVersion
	err := row.Scan(&v.TenantID, &v.ModelID, &v.Version, &v.StorageURI, &v.Format,
		&v.Checksum, &v.SizeBytes, &v.Status, &v.ManifestSnapshot, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (p *Postgres) GetManifest(ctx context.Context, tenantID, modelID string) (*models.ModelManifest, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+manifestColumns+` FROM model_manifests WHERE tenant_id = $1 AND model_id = $2`,
		tenantID, modelID)
	m, err := scanManifest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, inferr.ModelNotFound(tenantID, modelID)
	}
	if err != nil {
		return nil, inferr.Internal("load manifest", err)
	}
	return m, nil
}

func (p *Postgres) ListManifests(ctx context.Context, tenantID string) ([]*models.ModelManifest, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+manifestColumns+` FROM model_manifests WHERE tenant_id = $1 ORDER BY model_id`,
		tenantID)
	if err != nil {
		return nil, inferr.Internal("list manifests", err)
	}
	defer rows.Close()
	var out []*models.ModelManifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, inferr.Internal("scan manifest", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, inferr.Internal("list manifests", err)
	}
	return out, nil
}

func (p *Postgres) SaveManifest(ctx context.Context, manifest *models.ModelManifest) error {
	if manifest == nil {
		return inferr.Validation("manifest is required")
	}
	if err := manifest.Validate(); err != nil {
		return err
	}
	now := p.now()
	created := manifest.CreatedAt
	if created.IsZero() {
		created = now
	}
	manifest.UpdatedAt = now
	err := p.pool.QueryRow(ctx, `
		INSERT INTO model_manifests (tenant_id, model_id, name, version, provider_id,
			artifacts, supported_devices, requirements, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, model_id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			provider_id = EXCLUDED.provider_id,
			artifacts = EXCLUDED.artifacts,
			supported_devices = EXCLUDED.supported_devices,
			requirements = EXCLUDED.requirements,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at`,
		manifest.TenantID, manifest.ModelID, manifest.Name, manifest.Version, manifest.ProviderID,
		manifest.Artifacts, manifest.SupportedDevices, manifest.Requirements, manifest.Metadata,
		created, manifest.UpdatedAt).Scan(&manifest.CreatedAt)
	if err != nil {
		return inferr.Internal("save manifest", err)
	}
	return nil
}

func (p *Postgres) DeleteManifest(ctx context.Context, tenantID, modelID string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM model_manifests WHERE tenant_id = $1 AND model_id = $2`,
		tenantID, modelID)
	if err != nil {
		return inferr.Internal("delete manifest", err)
	}
	if tag.RowsAffected() == 0 {
		return inferr.ModelNotFound(tenantID, modelID)
	}
	return nil
}

func (p *Postgres) AddVersion(ctx context.Context, version *models.ModelVersion) error {
	if err := validateVersion(version); err != nil {
		return err
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		manifest, err := scanManifest(tx.QueryRow(ctx,
			`SELECT `+manifestColumns+` FROM model_manifests WHERE tenant_id = $1 AND model_id = $2 FOR SHARE`,
			version.TenantID, version.ModelID))
		if errors.Is(err, pgx.ErrNoRows) {
			return inferr.ModelNotFound(version.TenantID, version.ModelID)
		}
		if err != nil {
			return err
		}
		snapshot, err := json.Marshal(manifest)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE model_versions SET status = $4
			 WHERE tenant_id = $1 AND model_id = $2 AND version = $3 AND status = $5`,
			version.TenantID, version.ModelID, version.Version,
			models.VersionDeprecated, models.VersionActive); err != nil {
			return err
		}
		version.Status = models.VersionActive
		version.CreatedAt = p.now()
		version.ManifestSnapshot = snapshot
		_, err = tx.Exec(ctx,
			`INSERT INTO model_versions (tenant_id, model_id, version, storage_uri, format,
				checksum, size_bytes, status, manifest_snapshot, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			version.TenantID, version.ModelID, version.Version, version.StorageURI, version.Format,
			version.Checksum, version.SizeBytes, version.Status, version.ManifestSnapshot, version.CreatedAt)
		return err
	})
	if err != nil {
		return inferr.From(err)
	}
	return nil
}

func (p *Postgres) GetVersion(ctx context.Context, tenantID, modelID, version string) (*models.ModelVersion, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM model_versions
		 WHERE tenant_id = $1 AND model_id = $2 AND version = $3 AND status <> $4
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		tenantID, modelID, version, models.VersionDeleted)
	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, p.missingVersion(ctx, tenantID, modelID, version)
	}
	if err != nil {
		return nil, inferr.Internal("load version", err)
	}
	return v, nil
}

// missingVersion tells an unknown model apart from an unknown version.
func (p *Postgres) missingVersion(ctx context.Context, tenantID, modelID, version string) error {
	var one int
	err := p.pool.QueryRow(ctx,
		`SELECT 1 FROM model_manifests WHERE tenant_id = $1 AND model_id = $2`,
		tenantID, modelID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return inferr.ModelNotFound(tenantID, modelID)
	}
	if err != nil {
		return inferr.Internal("load version", err)
	}
	return inferr.VersionNotFound(modelID, version)
}

func (p *Postgres) ListVersions(ctx context.Context, tenantID, modelID string) ([]*models.ModelVersion, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM model_versions
		 WHERE tenant_id = $1 AND model_id = $2
		 ORDER BY created_at DESC, id DESC`,
		tenantID, modelID)
	if err != nil {
		return nil, inferr.Internal("list versions", err)
	}
	defer rows.Close()
	var out []*models.ModelVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, inferr.Internal("scan version", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, inferr.Internal("list versions", err)
	}
	return out, nil
}

func (p *Postgres) SetVersionStatus(ctx context.Context, tenantID, modelID, version string, next models.VersionStatus) error {
	if !next.IsValid() {
		return inferr.Newf(inferr.KindValidation, "unknown version status %q", string(next))
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var id int64
		var current models.VersionStatus
		err := tx.QueryRow(ctx,
			`SELECT id, status FROM model_versions
			 WHERE tenant_id = $1 AND model_id = $2 AND version = $3 AND status <> $4
			 ORDER BY created_at DESC, id DESC LIMIT 1
			 FOR UPDATE`,
			tenantID, modelID, version, models.VersionDeleted).Scan(&id, &current)
		if errors.Is(err, pgx.ErrNoRows) {
			return p.missingVersion(ctx, tenantID, modelID, version)
		}
		if err != nil {
			return err
		}
		if !current.CanTransitionTo(next) {
			return inferr.Newf(inferr.KindValidation, "version %s cannot move from %s to %s",
				version, string(current), string(next))
		}
		_, err = tx.Exec(ctx, `UPDATE model_versions SET status = $2 WHERE id = $1`, id, next)
		return err
	})
	if err != nil {
		return inferr.From(err)
	}
	return nil
}
