// Package database provides the migrated database client used by
// integration tests across packages.
package database

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/modelgrid/inferd/pkg/database"
	"github.com/modelgrid/inferd/test/util"
)

// NewTestClient returns a migrated database client on a schema private to
// the test. The schema keeps parallel tests from seeing each other's rows;
// it is dropped and the client closed via t.Cleanup. Skips under -short.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	baseConnStr := util.GetBaseConnectionString(t)
	schemaName := util.GenerateSchemaName(t)

	// Create the test schema on a throwaway connection.
	conn, err := pgx.Connect(ctx, baseConnStr)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	require.NoError(t, conn.Close(ctx))

	// Reconnect with search_path pinned so every pooled connection and the
	// migration runner stay inside the schema.
	client, err := database.NewClientFromDSN(ctx, util.AddSearchPathToConnString(baseConnStr, schemaName))
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		cleanConn, err := pgx.Connect(context.Background(), baseConnStr)
		if err != nil {
			t.Logf("warning: could not connect to drop schema %s: %v", schemaName, err)
			return
		}
		defer func() { _ = cleanConn.Close(context.Background()) }()
		if _, err := cleanConn.Exec(context.Background(),
			fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName)); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schemaName, err)
		}
	})

	return client
}
