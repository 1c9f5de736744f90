package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the decision core.
type Metrics struct {
	// Trust evaluation metrics
	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	CompositeScore     prometheus.Histogram
	ScorerTimeouts     *prometheus.CounterVec

	// Access decision metrics
	DecisionsTotal *prometheus.CounterVec

	// Session metrics
	ActiveSessions     prometheus.Gauge
	SessionsDegraded   prometheus.Counter
	SessionsTerminated *prometheus.CounterVec

	// Threat metrics
	ThreatsDetected *prometheus.CounterVec
	ThreatLevel     prometheus.Gauge
	ScansTotal      *prometheus.CounterVec

	// Incident metrics
	ResponsesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics against the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EvaluationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_evaluations_total",
				Help: "Total trust evaluations performed",
			},
			[]string{"recommendation"},
		),

		EvaluationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trustplane_evaluation_duration_seconds",
				Help:    "Duration of composite trust evaluations",
				Buckets: prometheus.DefBuckets,
			},
		),

		CompositeScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trustplane_composite_score",
				Help:    "Distribution of composite trust scores",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
		),

		ScorerTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_scorer_timeouts_total",
				Help: "Scorers that missed their deadline and fell back to the neutral score",
			},
			[]string{"signal"},
		),

		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_access_decisions_total",
				Help: "Access decisions by outcome",
			},
			[]string{"outcome"}, // granted, denied
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "trustplane_active_sessions",
				Help: "Live sessions (active and degraded)",
			},
		),

		SessionsDegraded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "trustplane_sessions_degraded_total",
				Help: "Sessions moved to degraded by the continuous monitor",
			},
		),

		SessionsTerminated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_sessions_terminated_total",
				Help: "Sessions terminated by reason",
			},
			[]string{"reason"}, // trust_collapse, inactivity, lockdown, logout
		),

		ThreatsDetected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_threats_detected_total",
				Help: "Threats detected by severity",
			},
			[]string{"severity"},
		),

		ThreatLevel: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "trustplane_threat_level",
				Help: "Current threat level (0=low 1=medium 2=elevated 3=high 4=critical)",
			},
		),

		ScansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_scans_total",
				Help: "Threat scans by type",
			},
			[]string{"type"},
		),

		ResponsesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustplane_incident_responses_total",
				Help: "Incident responses by action",
			},
			[]string{"action"},
		),
	}
}

// levelValues maps threat level names onto the gauge scale.
var levelValues = map[string]float64{
	"low":      0,
	"medium":   1,
	"elevated": 2,
	"high":     3,
	"critical": 4,
}

// SetThreatLevel records the named threat level on the gauge.
func (m *Metrics) SetThreatLevel(level string) {
	if v, ok := levelValues[level]; ok {
		m.ThreatLevel.Set(v)
	}
}
