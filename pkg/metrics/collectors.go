package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors bundles the prometheus instruments the gateway exports.
type Collectors struct {
	RequestsTotal    *prometheus.CounterVec
	FailuresTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	TimeToFirstToken *prometheus.HistogramVec
	TokensTotal      *prometheus.CounterVec
	ProviderLoad     *prometheus.GaugeVec
	ProviderHealth   *prometheus.GaugeVec
	BreakerState     *prometheus.GaugeVec
	QuotaDenials     *prometheus.CounterVec
	SessionsActive   *prometheus.GaugeVec
	SessionsIdle     *prometheus.GaugeVec
	BatchJobsTotal   *prometheus.CounterVec
}

// NewCollectors registers the gateway's instruments on reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inferd_requests_total",
			Help: "Inference calls by provider, model and outcome.",
		}, []string{"provider", "model", "outcome"}),
		FailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inferd_failures_total",
			Help: "Failed inference calls by provider, model and error kind.",
		}, []string{"provider", "model", "kind"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inferd_request_duration_seconds",
			Help:    "End-to-end provider call latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		TimeToFirstToken: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inferd_time_to_first_token_seconds",
			Help:    "Latency until the first streamed chunk.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"provider", "model"}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inferd_tokens_total",
			Help: "Tokens consumed by provider and model.",
		}, []string{"provider", "model"}),
		ProviderLoad: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inferd_provider_load",
			Help: "In-flight calls divided by provider capacity.",
		}, []string{"provider", "model"}),
		ProviderHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inferd_provider_health",
			Help: "Last probed provider health (0 healthy, 1 degraded, 2 unhealthy).",
		}, []string{"provider"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inferd_breaker_state",
			Help: "Circuit breaker state per operation (0 closed, 1 open, 2 half-open).",
		}, []string{"operation"}),
		QuotaDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inferd_quota_denials_total",
			Help: "Requests denied by tenant quota.",
		}, []string{"tenant"}),
		SessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inferd_sessions_active",
			Help: "Leased runner sessions per pool.",
		}, []string{"pool"}),
		SessionsIdle: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inferd_sessions_idle",
			Help: "Idle warm runner sessions per pool.",
		}, []string{"pool"}),
		BatchJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inferd_batch_jobs_total",
			Help: "Batch jobs by terminal status.",
		}, []string{"status"}),
	}
}

// SetBreakerState records a breaker transition on the state gauge.
func (c *Cache) SetBreakerState(operation string, state int) {
	if c.collectors != nil {
		c.collectors.BreakerState.WithLabelValues(operation).Set(float64(state))
	}
}

// QuotaDenied counts one quota rejection for the tenant.
func (c *Cache) QuotaDenied(tenant string) {
	if c.collectors != nil {
		c.collectors.QuotaDenials.WithLabelValues(tenant).Inc()
	}
}

// SetSessionGauges publishes pool occupancy.
func (c *Cache) SetSessionGauges(pool string, active, idle int) {
	if c.collectors != nil {
		c.collectors.SessionsActive.WithLabelValues(pool).Set(float64(active))
		c.collectors.SessionsIdle.WithLabelValues(pool).Set(float64(idle))
	}
}

// BatchJobFinished counts one batch job reaching a terminal status.
func (c *Cache) BatchJobFinished(status string) {
	if c.collectors != nil {
		c.collectors.BatchJobsTotal.WithLabelValues(status).Inc()
	}
}
