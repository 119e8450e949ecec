package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgrid/inferd/pkg/quota"
	"github.com/modelgrid/inferd/pkg/router"
)

const sampleYAML = `
server:
  host: 127.0.0.1
  port: 9090
logging:
  level: debug
database:
  enabled: true
  password: ${INFERD_TEST_DB_PASSWORD}
redis:
  enabled: true
  addr: redis.internal:6379
engine:
  default_timeout: 45s
  token_estimation: heuristic
retry:
  max_attempts: 4
  backoff_base: 250ms
router:
  selection_strategy: failover
  cost_sensitive_default: true
session:
  pool:
    min_size: 1
    max_size: 4
    idle_timeout: 2m
circuit_breaker:
  sliding_window_size: 20
  failure_threshold: 8
quota:
  backend: redis
  reset_period:
    default: HOURLY
  defaults:
    requests:
      limit: 1000
multitenancy:
  enabled: true
providers:
  openai:
    enabled: true
    type: openai
    api_key_env: INFERD_TEST_OPENAI_KEY
    models: ["gpt-*"]
    timeout: 60s
  workstation:
    type: local
    runner: llamacpp
    available_memory_mb: 16384
tenants:
  acme:
    timeout: 10s
    cost_sensitive: true
    quotas:
      requests:
        limit: 50
        period: DAILY
      tokens:
        limit: 100000
`

func TestParse(t *testing.T) {
	t.Setenv("INFERD_TEST_DB_PASSWORD", "hunter2")

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, "hunter2", cfg.Database.Password)
	assert.Equal(t, 45*time.Second, cfg.Engine.DefaultTimeout)
	assert.Equal(t, router.StrategyFailover, cfg.Router.SelectionStrategy)
	assert.True(t, cfg.Router.CostSensitiveDefault)
	assert.Equal(t, 4, cfg.Session.Pool.MaxSize)
	assert.Equal(t, 20, cfg.CircuitBreaker.SlidingWindowSize)
	assert.Equal(t, QuotaBackendRedis, cfg.Quota.Backend)
	assert.Equal(t, quota.ResetHourly, cfg.Quota.DefaultResetPeriod())
	assert.True(t, cfg.Multitenancy.Enabled)

	acme, ok := cfg.Tenant("acme")
	require.True(t, ok)
	require.NotNil(t, acme.CostSensitive)
	assert.True(t, *acme.CostSensitive)
}

func TestParseFillsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  port: 9999\n"))
	require.NoError(t, err)

	// Explicit values survive, everything else comes from DefaultConfig.
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, QuotaBackendMemory, cfg.Quota.Backend)
	assert.Equal(t, quota.ResetDaily, cfg.Quota.DefaultResetPeriod())
}

func TestParseRejectsBadYAML(t *testing.T) {
	_, err := Parse([]byte("server: [not a mapping"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inferd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, loadErr.File, "absent.yaml")
}

func TestValidateReportsEveryViolation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	cfg.Logging.Level = "chatty"
	cfg.Quota.Backend = "etcd"
	cfg.Providers = map[string]ProviderConfig{
		"openai": {Enabled: true, Type: ProviderOpenAI},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)

	// All four violations show up in one error.
	msg := err.Error()
	assert.Contains(t, msg, "port")
	assert.Contains(t, msg, "chatty")
	assert.Contains(t, msg, "etcd")
	assert.Contains(t, msg, "api_key_env")

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestValidateQuotaRedisBackendNeedsRedis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Quota.Backend = QuotaBackendRedis

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)

	cfg.Redis.Enabled = true
	assert.NoError(t, cfg.Validate())
}

func TestValidateProviderRules(t *testing.T) {
	tests := []struct {
		name     string
		provider ProviderConfig
		wantErr  error
	}{
		{"missing type", ProviderConfig{Enabled: true}, ErrMissingRequiredField},
		{"unknown type", ProviderConfig{Type: "bedrock"}, ErrInvalidValue},
		{"cloud without key env", ProviderConfig{Enabled: true, Type: ProviderAnthropic}, ErrMissingRequiredField},
		{"disabled cloud without key env", ProviderConfig{Type: ProviderAnthropic}, nil},
		{"local negative memory", ProviderConfig{Type: ProviderLocal, AvailableMemoryMB: -1}, ErrInvalidValue},
		{"negative timeout", ProviderConfig{Type: ProviderLocal, Timeout: -time.Second}, ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Providers = map[string]ProviderConfig{"p1": tt.provider}
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateStrategyAndEstimation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Router.SelectionStrategy = "round_robin"
	cfg.Engine.TokenEstimation = "exact"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "round_robin")
	assert.Contains(t, err.Error(), "exact")
}

func TestLimitResolver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Quota.ResetPeriod.Default = quota.ResetDaily
	cfg.Quota.Defaults = map[string]LimitConfig{
		"requests": {Limit: 1000},
		"tokens":   {Limit: 500000, Period: quota.ResetMonthly},
	}
	cfg.Tenants = map[string]TenantConfig{
		"acme": {Quotas: map[string]LimitConfig{
			"requests": {Limit: 50, Period: quota.ResetHourly},
		}},
	}

	resolve := cfg.LimitResolver()

	// Tenant entry wins over the global default.
	l, ok := resolve("acme", quota.ResourceRequests)
	require.True(t, ok)
	assert.Equal(t, int64(50), l.Limit)
	assert.Equal(t, quota.ResetHourly, l.Period)

	// Resources the tenant does not override fall back to the defaults.
	l, ok = resolve("acme", quota.ResourceTokens)
	require.True(t, ok)
	assert.Equal(t, int64(500000), l.Limit)

	// Unknown tenants get the defaults, with the fallback period applied.
	l, ok = resolve("globex", quota.ResourceRequests)
	require.True(t, ok)
	assert.Equal(t, int64(1000), l.Limit)
	assert.Equal(t, quota.ResetDaily, l.Period)

	// Unconfigured resources resolve to nothing.
	_, ok = resolve("globex", "gpu_seconds")
	assert.False(t, ok)
}

func TestEngineOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.DefaultTimeout = time.Minute
	cfg.Engine.TenantTimeouts = map[string]time.Duration{
		"acme":   30 * time.Second,
		"globex": 20 * time.Second,
	}
	cfg.Retry.MaxAttempts = 5
	cfg.Tenants = map[string]TenantConfig{
		"acme":    {Timeout: 10 * time.Second},
		"initech": {Timeout: 5 * time.Second},
		"hooli":   {},
	}

	opts := cfg.EngineOptions()

	assert.Equal(t, time.Minute, opts.DefaultTimeout)
	assert.Equal(t, 5, opts.Retry.MaxAttempts)
	// Tenant entries win over the inline engine map; tenants without a
	// timeout do not add one.
	assert.Equal(t, 10*time.Second, opts.TenantTimeouts["acme"])
	assert.Equal(t, 20*time.Second, opts.TenantTimeouts["globex"])
	assert.Equal(t, 5*time.Second, opts.TenantTimeouts["initech"])
	assert.NotContains(t, opts.TenantTimeouts, "hooli")
}

func TestProviderConversions(t *testing.T) {
	t.Setenv("INFERD_TEST_OPENAI_KEY", "sk-test")

	p := ProviderConfig{
		Type:          ProviderOpenAI,
		Version:       "2.0.0",
		BaseURL:       "https://proxy.internal/v1",
		APIKeyEnv:     "INFERD_TEST_OPENAI_KEY",
		Models:        []string{"gpt-*"},
		Timeout:       90 * time.Second,
		MaxConcurrent: 16,
	}
	vendor := p.Vendor("openai-main")
	assert.Equal(t, "openai-main", vendor.ID)
	assert.Equal(t, "sk-test", vendor.APIKey)
	assert.Equal(t, "https://proxy.internal/v1", vendor.BaseURL)
	assert.Equal(t, 16, vendor.MaxConcurrent)

	l := ProviderConfig{Type: ProviderLocal, Runner: "llamacpp", MaxConcurrent: 4, AvailableMemoryMB: 8192}
	local := l.Local("workstation")
	assert.Equal(t, "workstation", local.ID)
	assert.Equal(t, "llamacpp", local.RunnerID)
	assert.Equal(t, int64(8192), local.AvailableMemoryMB)
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", LoggingConfig{Level: "DEBUG"}.SlogLevel().String())
	assert.Equal(t, "WARN", LoggingConfig{Level: "warn"}.SlogLevel().String())
	assert.Equal(t, "INFO", LoggingConfig{Level: ""}.SlogLevel().String())
}

func TestValidationErrorFormatting(t *testing.T) {
	err := NewValidationError("providers", "openai", "api_key_env", ErrMissingRequiredField)
	assert.Equal(t, `providers "openai": field "api_key_env": missing required field`, err.Error())
	assert.True(t, errors.Is(err, ErrMissingRequiredField))

	bare := NewValidationError("server", "", "", ErrInvalidValue)
	assert.Equal(t, "server: invalid field value", bare.Error())
}
