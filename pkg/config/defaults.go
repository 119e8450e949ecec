package config

import (
	"time"

	"github.com/modelgrid/inferd/pkg/quota"
)

// DefaultConfig returns the stock configuration merged under every loaded
// file. Sections whose packages fill their own zero values (engine, router,
// breaker, session pool, database) stay empty here so those packages remain
// the single source of their defaults. Boolean fields must default to false:
// the merge cannot tell an explicit false from an unset one.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			ReadTimeout: 30 * time.Second,
			// WriteTimeout stays zero: a fixed write budget would cut off
			// long-lived streaming responses.
			ShutdownTimeout: 15 * time.Second,
			MaxRequestBytes: 4 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Quota: QuotaConfig{
			Backend:     QuotaBackendMemory,
			ResetPeriod: QuotaResetConfig{Default: quota.ResetDaily},
		},
	}
}
