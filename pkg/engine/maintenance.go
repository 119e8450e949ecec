package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelgrid/inferd/pkg/providers"
)

// Maintenance defaults.
const (
	DefaultMaintenanceInterval = time.Minute
	DefaultDecisionRetention   = 5 * time.Minute
	DefaultJobRetention        = time.Hour
	DefaultProbeTimeout        = 5 * time.Second
)

// MaintenanceConfig tunes the background sweep.
type MaintenanceConfig struct {
	// Interval between sweeps.
	Interval time.Duration `yaml:"interval"`
	// DecisionRetention bounds how long settled routing decisions linger.
	DecisionRetention time.Duration `yaml:"decision_retention"`
	// JobRetention bounds how long finished jobs stay queryable.
	JobRetention time.Duration `yaml:"job_retention"`
	// ProbeTimeout caps each provider health probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

func (c MaintenanceConfig) withDefaults() MaintenanceConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultMaintenanceInterval
	}
	if c.DecisionRetention <= 0 {
		c.DecisionRetention = DefaultDecisionRetention
	}
	if c.JobRetention <= 0 {
		c.JobRetention = DefaultJobRetention
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	return c
}

// Maintenance periodically probes provider health and evicts stale routing
// decisions and expired jobs.
type Maintenance struct {
	cfg    MaintenanceConfig
	rt     *Runtime
	logger *slog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewMaintenance builds the sweep service over the runtime.
func NewMaintenance(cfg MaintenanceConfig, rt *Runtime) *Maintenance {
	return &Maintenance{
		cfg:    cfg.withDefaults(),
		rt:     rt,
		logger: rt.logger().With("component", "maintenance"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *Maintenance) Start() {
	go m.run()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (m *Maintenance) Stop() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Maintenance) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	// seed provider health so routing has a baseline before the first tick
	m.probeHealth()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep runs one maintenance round.
func (m *Maintenance) sweep() {
	if dropped := m.rt.Router.Cache().Purge(m.cfg.DecisionRetention); dropped > 0 {
		m.logger.Debug("routing decisions purged", "count", dropped)
	}
	if m.rt.Jobs != nil {
		if dropped := m.rt.Jobs.Purge(m.cfg.JobRetention); dropped > 0 {
			m.logger.Debug("expired jobs purged", "count", dropped)
		}
	}
	m.probeHealth()
}

// probeHealth polls every registered provider and publishes the result to
// the metrics cache, where the router reads it.
func (m *Maintenance) probeHealth() {
	for _, p := range m.rt.Providers.All() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
		h := p.Health(ctx)
		cancel()
		m.rt.Metrics.SetHealth(p.ID(), int(h.Status))
		if h.Status != providers.Healthy {
			m.logger.Warn("provider reported unwell",
				"provider", p.ID(),
				"status", h.Status.String(),
				"details", h.Details,
			)
		}
	}
}
