package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments. A nil *Metrics is a
// valid no-op so components can run without instrumentation.
type Metrics struct {
	ProviderCalls    *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	ProviderCost     *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	Resolutions      *prometheus.CounterVec
	Merges           *prometheus.CounterVec
	RoleAssignments  *prometheus.CounterVec
	Verifications    *prometheus.CounterVec
	BatchEntities    *prometheus.CounterVec
	BatchesInFlight  prometheus.Gauge
	EnrichmentLength prometheus.Histogram
}

// NewMetrics registers the instruments with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ProviderCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrich_provider_calls_total",
			Help: "Provider calls by outcome status and error category",
		}, []string{"provider", "status", "category"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enrich_provider_latency_seconds",
			Help:    "Provider call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		ProviderCost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrich_provider_cost_usd_total",
			Help: "Estimated provider spend in USD",
		}, []string{"provider"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "enrich_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		}, []string{"provider"}),
		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrich_resolutions_total",
			Help: "Entity resolution outcomes",
		}, []string{"kind", "outcome"}),
		Merges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrich_identity_merges_total",
			Help: "Identity merges by terminal status",
		}, []string{"status"}),
		RoleAssignments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrich_role_assignments_total",
			Help: "Role assignments produced by state",
		}, []string{"state"}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrich_employment_verifications_total",
			Help: "Employment verification results",
		}, []string{"status"}),
		BatchEntities: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrich_batch_entities_total",
			Help: "Batch entities processed by result",
		}, []string{"result"}),
		BatchesInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "enrich_batches_in_flight",
			Help: "Batches currently running",
		}),
		EnrichmentLength: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "enrich_entity_duration_seconds",
			Help:    "End-to-end single entity enrichment duration",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}

// ObserveProviderCall records one provider call.
func (m *Metrics) ObserveProviderCall(provider, status, category string, latency time.Duration, costUSD float64) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, status, category).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(latency.Seconds())
	if costUSD > 0 {
		m.ProviderCost.WithLabelValues(provider).Add(costUSD)
	}
}

// SetBreakerState records a breaker transition.
func (m *Metrics) SetBreakerState(provider string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(provider).Set(float64(state))
}

// IncResolution counts a resolution outcome.
func (m *Metrics) IncResolution(kind, outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(kind, outcome).Inc()
}

// IncMerge counts an identity merge attempt.
func (m *Metrics) IncMerge(status string) {
	if m == nil {
		return
	}
	m.Merges.WithLabelValues(status).Inc()
}

// IncRoleAssignment counts a produced assignment.
func (m *Metrics) IncRoleAssignment(state string) {
	if m == nil {
		return
	}
	m.RoleAssignments.WithLabelValues(state).Inc()
}

// IncVerification counts an employment verification.
func (m *Metrics) IncVerification(status string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(status).Inc()
}

// IncBatchEntity counts one batch entity result.
func (m *Metrics) IncBatchEntity(result string) {
	if m == nil {
		return
	}
	m.BatchEntities.WithLabelValues(result).Inc()
}

// BatchStarted increments the in-flight batch gauge and returns the matching
// decrement.
func (m *Metrics) BatchStarted() func() {
	if m == nil {
		return func() {}
	}
	m.BatchesInFlight.Inc()
	return m.BatchesInFlight.Dec
}

// ObserveEnrichment records one end-to-end enrichment.
func (m *Metrics) ObserveEnrichment(d time.Duration) {
	if m == nil {
		return
	}
	m.EnrichmentLength.Observe(d.Seconds())
}
