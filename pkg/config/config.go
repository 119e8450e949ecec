// Package config loads and validates the gateway configuration. A single
// YAML file feeds one typed Config; each subsystem section reuses that
// subsystem's own config struct so the file keys and the Go fields never
// drift apart.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/modelgrid/inferd/pkg/breaker"
	"github.com/modelgrid/inferd/pkg/database"
	"github.com/modelgrid/inferd/pkg/engine"
	"github.com/modelgrid/inferd/pkg/pipeline"
	"github.com/modelgrid/inferd/pkg/providers"
	"github.com/modelgrid/inferd/pkg/quota"
	"github.com/modelgrid/inferd/pkg/router"
	"github.com/modelgrid/inferd/pkg/runner"
)

// Provider adapter types accepted under providers.<id>.type.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderCerebras  = "cerebras"
	ProviderLocal     = "local"
)

// Quota store backends accepted under quota.backend.
const (
	QuotaBackendMemory = "memory"
	QuotaBackendRedis  = "redis"
)

// Config is the full gateway configuration.
type Config struct {
	Server         ServerConfig              `yaml:"server"`
	Logging        LoggingConfig             `yaml:"logging"`
	Database       database.Config           `yaml:"database"`
	Redis          RedisConfig               `yaml:"redis"`
	Engine         engine.Options            `yaml:"engine"`
	Retry          pipeline.RetryPolicy      `yaml:"retry"`
	Router         router.Config             `yaml:"router"`
	Session        SessionConfig             `yaml:"session"`
	CircuitBreaker breaker.Config            `yaml:"circuit_breaker"`
	Quota          QuotaConfig               `yaml:"quota"`
	Multitenancy   MultitenancyConfig        `yaml:"multitenancy"`
	Maintenance    engine.MaintenanceConfig  `yaml:"maintenance"`
	Providers      map[string]ProviderConfig `yaml:"providers"`
	Tenants        map[string]TenantConfig   `yaml:"tenants"`
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBytes int64         `yaml:"max_request_bytes"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig tunes the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SlogLevel maps the configured level name to a slog level. Unknown names
// fall back to info; Validate rejects them before this is consulted.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedisConfig locates the Redis instance backing the quota store when
// quota.backend is "redis".
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SessionConfig groups the runner session settings.
type SessionConfig struct {
	Pool     runner.PoolConfig     `yaml:"pool"`
	LlamaCpp runner.LlamaCppConfig `yaml:"llamacpp"`
}

// MultitenancyConfig controls tenant header handling. When disabled,
// requests without a tenant header run as the default tenant.
type MultitenancyConfig struct {
	Enabled bool `yaml:"enabled"`
}

// QuotaConfig selects the quota store backend and the stock limits granted
// to tenants without an entry of their own.
type QuotaConfig struct {
	Backend     string                 `yaml:"backend"`
	ResetPeriod QuotaResetConfig       `yaml:"reset_period"`
	Defaults    map[string]LimitConfig `yaml:"defaults"`
}

// QuotaResetConfig holds the reset period applied to limits that do not
// name one.
type QuotaResetConfig struct {
	Default quota.ResetPeriod `yaml:"default"`
}

// DefaultResetPeriod returns the fallback reset period.
func (c QuotaConfig) DefaultResetPeriod() quota.ResetPeriod {
	return c.ResetPeriod.Default
}

// LimitConfig is one resource budget. A negative limit means unlimited.
type LimitConfig struct {
	Limit  int64             `yaml:"limit"`
	Period quota.ResetPeriod `yaml:"period"`
}

// TenantConfig is per-tenant policy layered over the global settings.
type TenantConfig struct {
	Timeout       time.Duration          `yaml:"timeout"`
	Quotas        map[string]LimitConfig `yaml:"quotas"`
	CostSensitive *bool                  `yaml:"cost_sensitive"`
}

// ProviderConfig declares one provider adapter. Type selects the adapter;
// the runner and available_memory_mb fields only apply to local providers,
// api_key_env and base_url only to the cloud vendors.
type ProviderConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Type              string        `yaml:"type"`
	Version           string        `yaml:"version"`
	BaseURL           string        `yaml:"base_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Models            []string      `yaml:"models"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	Runner            string        `yaml:"runner"`
	AvailableMemoryMB int64         `yaml:"available_memory_mb"`
}

// Vendor converts the entry to a cloud adapter config. The API key is read
// from the environment variable named by api_key_env at call time.
func (p ProviderConfig) Vendor(id string) providers.VendorConfig {
	return providers.VendorConfig{
		ID:            id,
		Version:       p.Version,
		BaseURL:       p.BaseURL,
		APIKey:        os.Getenv(p.APIKeyEnv),
		Models:        p.Models,
		Timeout:       p.Timeout,
		MaxConcurrent: p.MaxConcurrent,
	}
}

// Local converts the entry to a local provider config.
func (p ProviderConfig) Local(id string) providers.LocalConfig {
	return providers.LocalConfig{
		ID:                id,
		Version:           p.Version,
		RunnerID:          p.Runner,
		MaxConcurrent:     p.MaxConcurrent,
		AvailableMemoryMB: p.AvailableMemoryMB,
	}
}

// EngineOptions assembles the engine options from the engine section, the
// top-level retry block, and per-tenant timeouts. Tenant entries win over
// timeouts listed inline under engine.tenant_timeouts.
func (c *Config) EngineOptions() engine.Options {
	opts := c.Engine
	if c.Retry.MaxAttempts > 0 {
		opts.Retry.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.BackoffBase > 0 {
		opts.Retry.BackoffBase = c.Retry.BackoffBase
	}
	if len(c.Tenants) > 0 {
		merged := make(map[string]time.Duration, len(opts.TenantTimeouts)+len(c.Tenants))
		for id, d := range opts.TenantTimeouts {
			merged[id] = d
		}
		for id, t := range c.Tenants {
			if t.Timeout > 0 {
				merged[id] = t.Timeout
			}
		}
		opts.TenantTimeouts = merged
	}
	return opts
}

// LimitResolver builds the quota resolver: a tenant's own quotas win,
// quota.defaults answer for everyone else, and a limit without a period
// inherits quota.reset_period.default. The resolver snapshots the
// configuration, so later Config mutation does not leak into a running
// store.
func (c *Config) LimitResolver() quota.LimitResolver {
	period := c.Quota.DefaultResetPeriod()
	defaults := toLimits(c.Quota.Defaults, period)
	tenants := make(map[string]map[string]quota.Limit, len(c.Tenants))
	for id, t := range c.Tenants {
		if len(t.Quotas) > 0 {
			tenants[id] = toLimits(t.Quotas, period)
		}
	}
	return func(tenantID, resource string) (quota.Limit, bool) {
		if own, ok := tenants[tenantID]; ok {
			if l, ok := own[resource]; ok {
				return l, true
			}
		}
		l, ok := defaults[resource]
		return l, ok
	}
}

// Tenant looks up per-tenant policy.
func (c *Config) Tenant(id string) (TenantConfig, bool) {
	t, ok := c.Tenants[id]
	return t, ok
}

func toLimits(in map[string]LimitConfig, fallback quota.ResetPeriod) map[string]quota.Limit {
	out := make(map[string]quota.Limit, len(in))
	for resource, lc := range in {
		p := lc.Period
		if p == "" {
			p = fallback
		}
		out[resource] = quota.Limit{Limit: lc.Limit, Period: p}
	}
	return out
}
