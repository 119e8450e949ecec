package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelgrid/inferd/pkg/events"
	"github.com/modelgrid/inferd/pkg/inferr"
	"github.com/modelgrid/inferd/pkg/metrics"
	"github.com/modelgrid/inferd/pkg/models"
)

// Manager owns the registered runners and every session pool, and runs the
// background idle sweep. Pools are created lazily on first acquire.
type Manager struct {
	cfg     PoolConfig
	logger  *slog.Logger
	metrics *metrics.Cache
	events  *events.Publisher

	mu      sync.Mutex
	runners map[string]Runner
	pools   map[PoolKey]*pool
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a session manager. metrics and publisher may be nil.
func NewManager(cfg PoolConfig, mc *metrics.Cache, publisher *events.Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "session_manager"),
		metrics: mc,
		events:  publisher,
		runners: make(map[string]Runner),
		pools:   make(map[PoolKey]*pool),
	}
}

// RegisterRunner makes a runner available for acquisition.
func (m *Manager) RegisterRunner(r Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[r.ID()] = r
	m.logger.Info("runner registered", "runner_id", r.ID())
}

// Runner returns a registered runner by id.
func (m *Manager) Runner(id string) (Runner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	return r, ok
}

// Runners returns the registered runners.
func (m *Manager) Runners() []Runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Runner, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, r)
	}
	return out
}

// Acquire leases a session for (tenant, model) on the named runner, loading
// a new instance on device when no idle session exists. Blocks while the
// pool is at MaxSize.
func (m *Manager) Acquire(ctx context.Context, tenantID string, manifest *models.ModelManifest, runnerID string, device models.DeviceType) (*Lease, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, inferr.New(inferr.KindInternal, "session manager is shut down")
	}
	r, ok := m.runners[runnerID]
	if !ok {
		m.mu.Unlock()
		return nil, inferr.Newf(inferr.KindNoCompatibleProvider, "runner %q is not registered", runnerID)
	}
	key := PoolKey{TenantID: tenantID, ModelID: manifest.ModelID, Runner: runnerID}
	p, ok := m.pools[key]
	if !ok {
		p = newPool(key, m.cfg, func(ctx context.Context) (ModelHandle, error) {
			return r.Load(ctx, manifest, device)
		}, m.logger, m.publishEviction, m.publishGauges)
		m.pools[key] = p
	}
	m.mu.Unlock()

	return p.acquire(ctx)
}

// Start launches the idle sweep loop. Safe to call once.
func (m *Manager) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run(ctx)

	m.logger.Info("session manager started",
		"min_size", m.cfg.MinSize,
		"max_size", m.cfg.MaxSize,
		"idle_timeout", m.cfg.IdleTimeout,
		"sweep_interval", m.cfg.SweepInterval)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepOnce()
		}
	}
}

// SweepOnce evicts idle sessions across all pools and returns the count.
func (m *Manager) SweepOnce() int {
	m.mu.Lock()
	pools := make([]*pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	evicted := 0
	for _, p := range pools {
		evicted += p.sweep()
	}
	return evicted
}

// Shutdown stops the sweep loop, closes every session in every pool, then
// shuts the runners down.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}

	m.mu.Lock()
	m.closed = true
	pools := make([]*pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	runners := make([]Runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	discard := ctx.Err() != nil
	for _, p := range pools {
		p.shutdown(ctx, discard)
	}

	var firstErr error
	for _, r := range runners {
		if err := r.Shutdown(ctx); err != nil {
			m.logger.Warn("runner shutdown failed", "runner_id", r.ID(), "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown runner %s: %w", r.ID(), err)
			}
		}
	}
	m.logger.Info("session manager stopped", "pools", len(pools))
	return firstErr
}

func (m *Manager) publishGauges(key PoolKey, active, idle int) {
	if m.metrics != nil {
		m.metrics.SetSessionGauges(key.String(), active, idle)
	}
}

func (m *Manager) publishEviction(key PoolKey, sessionID string, idleFor time.Duration) {
	if m.events == nil {
		return
	}
	_ = m.events.PublishSessionEvicted(context.Background(), events.SessionEvictedPayload{
		PoolKey:   key.String(),
		SessionID: sessionID,
		IdleForMs: idleFor.Milliseconds(),
	})
}
