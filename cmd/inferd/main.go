// inferd gateway server: serves the multi-tenant inference API, manages
// provider adapters and local runner sessions, and runs the background
// maintenance sweep.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	promcollectors "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/modelgrid/inferd/pkg/api"
	"github.com/modelgrid/inferd/pkg/batch"
	"github.com/modelgrid/inferd/pkg/breaker"
	"github.com/modelgrid/inferd/pkg/config"
	"github.com/modelgrid/inferd/pkg/database"
	"github.com/modelgrid/inferd/pkg/engine"
	"github.com/modelgrid/inferd/pkg/events"
	"github.com/modelgrid/inferd/pkg/metrics"
	"github.com/modelgrid/inferd/pkg/providers"
	"github.com/modelgrid/inferd/pkg/quota"
	"github.com/modelgrid/inferd/pkg/repository"
	"github.com/modelgrid/inferd/pkg/router"
	"github.com/modelgrid/inferd/pkg/runner"
	"github.com/modelgrid/inferd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func main() {
	configPath := flag.String("config",
		getEnv("INFERD_CONFIG", config.DefaultPath),
		"Path to the configuration file")
	flag.Parse()

	// Load .env sitting next to the config file before the config is parsed,
	// so ${VAR} interpolation and api_key_env lookups see it.
	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", envPath, "error", err)
	}

	// 1. Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// 2. Logger
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("Starting inferd",
		"version", version.Full(),
		"addr", cfg.Server.Addr(),
		"multitenancy", cfg.Multitenancy.Enabled)

	ctx := context.Background()

	// 3. Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		promcollectors.NewGoCollector(),
		promcollectors.NewProcessCollector(promcollectors.ProcessCollectorOpts{}),
	)
	instruments := metrics.NewCollectors(promReg)
	metricsCache := metrics.NewCache(instruments)

	// 4. Storage: model repository and audit sinks. Without a database both
	// fall back to in-process implementations.
	sinks := []events.Sink{events.NewLogSink()}
	var repo repository.ModelRepository
	var dbClient *database.Client
	if cfg.Database.Enabled {
		dbClient, err = database.NewClient(ctx, cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		repo = repository.NewPostgres(dbClient.Pool())
		sinks = append(sinks, events.NewPostgresSink(dbClient.Pool()))
		logger.Info("Connected to PostgreSQL database")
	} else {
		repo = repository.NewMemory()
		logger.Info("Running with in-memory model repository")
	}
	publisher := events.NewPublisher(sinks...)

	// 5. Quota store
	var quotaStore quota.Store
	var redisClient *redis.Client
	switch cfg.Quota.Backend {
	case config.QuotaBackendRedis:
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		quotaStore = quota.NewRedisStore(redisClient, cfg.LimitResolver())
		logger.Info("Quota store backed by Redis", "addr", cfg.Redis.Addr)
	default:
		quotaStore = quota.NewMemoryStore(cfg.LimitResolver())
	}

	// 6. Circuit breakers, with transitions fanned out to metrics and audit
	breakers := breaker.NewRegistry(cfg.CircuitBreaker)
	breakers.OnStateChange(func(name string, from, to breaker.State) {
		metricsCache.SetBreakerState(name, int(to))
		if err := publisher.PublishBreakerStateChanged(context.Background(), events.BreakerStateChangedPayload{
			Operation: name,
			From:      from.String(),
			To:        to.String(),
		}); err != nil {
			logger.Warn("Failed to publish breaker transition", "operation", name, "error", err)
		}
	})

	// 7. Runner session manager (local model hosting)
	sessionMgr := runner.NewManager(cfg.Session.Pool, metricsCache, publisher, logger)
	sessionMgr.RegisterRunner(runner.NewLlamaCpp(cfg.Session.LlamaCpp, logger))
	sessionMgr.Start(ctx)

	// 8. Provider registry, populated from configuration in id order
	registry := providers.NewRegistry(logger)
	providerIDs := make([]string, 0, len(cfg.Providers))
	for id := range cfg.Providers {
		providerIDs = append(providerIDs, id)
	}
	sort.Strings(providerIDs)
	for _, id := range providerIDs {
		pc := cfg.Providers[id]
		if !pc.Enabled {
			logger.Info("Provider disabled, skipping", "provider_id", id)
			continue
		}
		var p providers.Provider
		switch pc.Type {
		case config.ProviderOpenAI:
			p = providers.NewOpenAI(pc.Vendor(id), logger)
		case config.ProviderAnthropic:
			p = providers.NewAnthropic(pc.Vendor(id), logger)
		case config.ProviderGemini:
			p = providers.NewGemini(pc.Vendor(id), logger)
		case config.ProviderCerebras:
			p = providers.NewCerebras(pc.Vendor(id), logger)
		case config.ProviderLocal:
			p = providers.NewLocal(pc.Local(id), sessionMgr, repo, logger)
		}
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := p.Initialize(initCtx)
		cancel()
		if err != nil {
			logger.Error("Provider initialization failed", "provider_id", id, "error", err)
			os.Exit(1)
		}
		if err := registry.Register(p, ""); err != nil {
			logger.Error("Provider registration failed", "provider_id", id, "error", err)
			os.Exit(1)
		}
	}

	// 9. Router and runtime
	suspensions := quota.NewSuspensionTracker()
	rtr := router.New(cfg.Router, registry, metricsCache, breakers, suspensions, logger)

	rt := &engine.Runtime{
		Logger:      logger,
		Manifests:   repo,
		Providers:   registry,
		Breakers:    breakers,
		Quota:       quotaStore,
		Suspensions: suspensions,
		Metrics:     metricsCache,
		Events:      publisher,
		Router:      rtr,
		Jobs:        batch.NewStore(instruments),
	}
	if dbClient != nil {
		rt.OnClose("database", func(context.Context) error {
			dbClient.Close()
			return nil
		})
	}
	if redisClient != nil {
		rt.OnClose("redis", func(context.Context) error { return redisClient.Close() })
	}
	rt.OnClose("sessions", sessionMgr.Shutdown)
	rt.OnClose("providers", registry.Shutdown)

	// 10. Engine and maintenance sweep
	eng, err := engine.New(rt, cfg.EngineOptions())
	if err != nil {
		logger.Error("Failed to assemble engine", "error", err)
		os.Exit(1)
	}
	maintenance := engine.NewMaintenance(cfg.Maintenance, rt)
	maintenance.Start()

	// 11. HTTP server
	costSensitive := make(map[string]bool)
	for id, tc := range cfg.Tenants {
		if tc.CostSensitive != nil {
			costSensitive[id] = *tc.CostSensitive
		}
	}
	apiServer := api.NewServer(eng, repo, registry, breakers, dbClient, promReg, logger, api.Options{
		MultitenancyEnabled: cfg.Multitenancy.Enabled,
		MaxRequestBytes:     cfg.Server.MaxRequestBytes,
		CostSensitive:       costSensitive,
	})
	httpServer := apiServer.Serve(cfg.Server.Addr())
	httpServer.ReadTimeout = cfg.Server.ReadTimeout
	httpServer.WriteTimeout = cfg.Server.WriteTimeout

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 12. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 13. Graceful shutdown: stop accepting requests, drain in-flight work,
	// then tear the runtime down in reverse startup order.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	maintenance.Stop()
	eng.Close()

	if err := rt.Close(shutdownCtx); err != nil {
		logger.Error("Runtime teardown reported errors", "error", err)
	}

	logger.Info("Shutdown complete")
}
