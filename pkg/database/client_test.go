package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres returns a connection string for an empty PostgreSQL. In CI it
// points at the external service container from CI_DATABASE_URL; locally it
// boots a testcontainer.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	ctx := context.Background()

	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func TestClientMigratesAndReportsHealth(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgres(t)

	client, err := NewClientFromDSN(ctx, dsn)
	require.NoError(t, err)
	defer client.Close()

	for _, table := range []string{"model_manifests", "model_versions", "audit_events"} {
		var one int
		err := client.Pool().QueryRow(ctx,
			`SELECT 1 FROM information_schema.tables WHERE table_name = $1`, table).Scan(&one)
		require.NoError(t, err, "table %s should exist after migrations", table)
	}

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.GreaterOrEqual(t, health.TotalConns, int32(1))

	// Reconnecting must tolerate the already-applied migrations.
	again, err := NewClientFromDSN(ctx, dsn)
	require.NoError(t, err)
	again.Close()
}

func TestActiveVersionUniqueIndex(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgres(t)

	client, err := NewClientFromDSN(ctx, dsn)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Pool().Exec(ctx, `
		INSERT INTO model_manifests (tenant_id, model_id, provider_id)
		VALUES ('acme', 'llama3:8b', 'openai')`)
	require.NoError(t, err)

	insert := `
		INSERT INTO model_versions (tenant_id, model_id, version, storage_uri, status)
		VALUES ('acme', 'llama3:8b', '1.0', 's3://a', $1)`
	_, err = client.Pool().Exec(ctx, insert, "ACTIVE")
	require.NoError(t, err)

	_, err = client.Pool().Exec(ctx, insert, "ACTIVE")
	assert.Error(t, err, "two ACTIVE rows for one (tenant, model, version) must be rejected")

	_, err = client.Pool().Exec(ctx, insert, "DEPRECATED")
	assert.NoError(t, err, "non-ACTIVE duplicates are history, not conflicts")
}

func TestConfigDefaultsAndDSN(t *testing.T) {
	cfg := Config{Password: "secret"}.withDefaults()
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Equal(t, int32(2), cfg.MinConns)
	assert.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t,
		"host=localhost port=5432 user=inferd password=secret dbname=inferd sslmode=disable",
		cfg.DSN())
}
