// Package database provides the PostgreSQL connection pool and schema
// migrations shared by the model repository and the audit sink.
package database

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the pgx connection pool.
type Client struct {
	pool *pgxpool.Pool
}

// Pool returns the underlying connection pool for repositories and sinks.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Close releases every pooled connection.
func (c *Client) Close() {
	c.pool.Close()
}

// NewClient connects with the configured pool limits, verifies the
// connection, and applies pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	return open(ctx, poolCfg)
}

// NewClientFromDSN connects using a raw connection string. Tests use this
// with the address handed out by a database container.
func NewClientFromDSN(ctx context.Context, dsn string) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	return open(ctx, poolCfg)
}

func open(ctx context.Context, poolCfg *pgxpool.Config) (*Client, error) {
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := runMigrations(pool, poolCfg.ConnConfig.Database); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Client{pool: pool}, nil
}
