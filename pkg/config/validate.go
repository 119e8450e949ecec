package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/modelgrid/inferd/pkg/engine"
	"github.com/modelgrid/inferd/pkg/router"
)

// Validate checks the whole configuration and reports every violation it
// finds, not just the first. The returned error matches ErrValidationFailed
// and unwraps to the individual ValidationError values.
func (c *Config) Validate() error {
	var errs []error
	fail := func(section, id, field string, err error) {
		errs = append(errs, NewValidationError(section, id, field, err))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		fail("server", "", "port", fmt.Errorf("%w: %d, want 1-65535", ErrInvalidValue, c.Server.Port))
	}
	if c.Server.MaxRequestBytes < 0 {
		fail("server", "", "max_request_bytes", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		fail("logging", "", "level", fmt.Errorf("%w: %q, want debug, info, warn or error", ErrInvalidValue, c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		fail("logging", "", "format", fmt.Errorf("%w: %q, want json or text", ErrInvalidValue, c.Logging.Format))
	}

	switch c.Engine.TokenEstimation {
	case "", engine.TokenEstimationProvider, engine.TokenEstimationHeuristic:
	default:
		fail("engine", "", "token_estimation", fmt.Errorf("%w: %q, want provider or heuristic", ErrInvalidValue, c.Engine.TokenEstimation))
	}
	if c.Engine.AsyncWorkers < 0 {
		fail("engine", "", "async_workers", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	for id, d := range c.Engine.TenantTimeouts {
		if d <= 0 {
			fail("engine", id, "tenant_timeouts", fmt.Errorf("%w: timeout must be positive", ErrInvalidValue))
		}
	}
	if c.Retry.MaxAttempts < 0 {
		fail("retry", "", "max_attempts", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if c.Retry.BackoffBase < 0 {
		fail("retry", "", "backoff_base", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}

	switch c.Router.SelectionStrategy {
	case "", router.StrategyFailover, router.StrategyUserSelected:
	default:
		fail("router", "", "selection_strategy", fmt.Errorf("%w: %q, want %s or %s", ErrInvalidValue, c.Router.SelectionStrategy, router.StrategyFailover, router.StrategyUserSelected))
	}
	if c.Router.DefaultTimeout < 0 {
		fail("router", "", "default_timeout", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}

	if c.Session.Pool.MinSize < 0 {
		fail("session", "", "pool.min_size", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if c.Session.Pool.MaxSize > 0 && c.Session.Pool.MinSize > c.Session.Pool.MaxSize {
		fail("session", "", "pool.min_size", fmt.Errorf("%w: min_size %d exceeds max_size %d", ErrInvalidValue, c.Session.Pool.MinSize, c.Session.Pool.MaxSize))
	}

	if c.CircuitBreaker.FailureRateThreshold < 0 || c.CircuitBreaker.FailureRateThreshold > 1 {
		fail("circuit_breaker", "", "failure_rate_threshold", fmt.Errorf("%w: %v, want 0-1", ErrInvalidValue, c.CircuitBreaker.FailureRateThreshold))
	}
	if p, s := c.CircuitBreaker.HalfOpenPermits, c.CircuitBreaker.HalfOpenSuccessThreshold; p > 0 && s > p {
		fail("circuit_breaker", "", "half_open_success_threshold", fmt.Errorf("%w: %d exceeds half_open_permits %d", ErrInvalidValue, s, p))
	}

	switch c.Quota.Backend {
	case "", QuotaBackendMemory:
	case QuotaBackendRedis:
		if !c.Redis.Enabled {
			fail("quota", "", "backend", fmt.Errorf("%w: redis backend needs redis.enabled", ErrMissingRequiredField))
		}
	default:
		fail("quota", "", "backend", fmt.Errorf("%w: %q, want %s or %s", ErrInvalidValue, c.Quota.Backend, QuotaBackendMemory, QuotaBackendRedis))
	}
	if p := c.Quota.DefaultResetPeriod(); p != "" && !p.IsValid() {
		fail("quota", "", "reset_period.default", fmt.Errorf("%w: %q", ErrInvalidValue, p))
	}
	for resource, l := range c.Quota.Defaults {
		if l.Period != "" && !l.Period.IsValid() {
			fail("quota", resource, "period", fmt.Errorf("%w: %q", ErrInvalidValue, l.Period))
		}
	}

	for id, p := range c.Providers {
		c.validateProvider(id, p, fail)
	}
	for id, t := range c.Tenants {
		if t.Timeout < 0 {
			fail("tenants", id, "timeout", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
		}
		for resource, l := range t.Quotas {
			if l.Period != "" && !l.Period.IsValid() {
				fail("tenants", id, "quotas."+resource+".period", fmt.Errorf("%w: %q", ErrInvalidValue, l.Period))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n%w", ErrValidationFailed, errors.Join(errs...))
	}
	return nil
}

func (c *Config) validateProvider(id string, p ProviderConfig, fail func(section, id, field string, err error)) {
	switch p.Type {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderCerebras:
		if p.Enabled && p.APIKeyEnv == "" {
			fail("providers", id, "api_key_env", fmt.Errorf("%w: %s adapters need an API key variable", ErrMissingRequiredField, p.Type))
		}
	case ProviderLocal:
		if p.AvailableMemoryMB < 0 {
			fail("providers", id, "available_memory_mb", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
		}
	case "":
		fail("providers", id, "type", ErrMissingRequiredField)
	default:
		fail("providers", id, "type", fmt.Errorf("%w: %q, want one of %s, %s, %s, %s, %s", ErrInvalidValue, p.Type, ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderCerebras, ProviderLocal))
	}
	if p.Timeout < 0 {
		fail("providers", id, "timeout", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if p.MaxConcurrent < 0 {
		fail("providers", id, "max_concurrent", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
}
