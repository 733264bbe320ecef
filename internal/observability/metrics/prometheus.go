// Package metrics provides Prometheus metrics for the adherence engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	OccurrencesMaterialized prometheus.Counter
	Transitions             *prometheus.CounterVec
	TransitionConflicts     prometheus.Counter
	AlertsRaised            prometheus.Counter
	AlertsActive            prometheus.Gauge
	EscalationsSent         prometheus.Counter
	EscalationsFailed       prometheus.Counter
	EvaluationErrors        prometheus.Counter
	TickDuration            prometheus.Histogram
	EventsProduced          prometheus.Counter
	EventsConsumed          prometheus.Counter
	OutboxPending           prometheus.Gauge
	CircuitBreakerState     *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them on reg.
// A nil reg gets a private registry so tests can build as many as they like.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		r := prometheus.NewRegistry()
		reg = r
	}

	m := &Metrics{
		OccurrencesMaterialized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_occurrences_materialized_total",
			Help: "Dose occurrences ensured by the evaluator",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adherence_transitions_total",
			Help: "Applied dose transitions by target status",
		}, []string{"status"}),
		TransitionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_transition_conflicts_total",
			Help: "Lost compare-and-swap attempts",
		}),
		AlertsRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_alerts_raised_total",
			Help: "Due-now alerts raised to the patient",
		}),
		AlertsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adherence_alerts_active",
			Help: "Alerts awaiting acknowledgment",
		}),
		EscalationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_escalations_sent_total",
			Help: "Caregiver messages delivered",
		}),
		EscalationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_escalations_failed_total",
			Help: "Caregiver messages that exhausted their retries",
		}),
		EvaluationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_evaluation_errors_total",
			Help: "Isolated failures during a tick",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "adherence_tick_duration_seconds",
			Help:    "Evaluator pass duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		}),
		EventsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_events_produced_total",
			Help: "Dose events published to the broker",
		}),
		EventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_events_consumed_total",
			Help: "Dose events consumed from the broker",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adherence_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "adherence_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.OccurrencesMaterialized,
		m.Transitions,
		m.TransitionConflicts,
		m.AlertsRaised,
		m.AlertsActive,
		m.EscalationsSent,
		m.EscalationsFailed,
		m.EvaluationErrors,
		m.TickDuration,
		m.EventsProduced,
		m.EventsConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// Handler returns the HTTP handler exposing the registry m was built on.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
