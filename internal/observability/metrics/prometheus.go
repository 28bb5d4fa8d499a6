// Package metrics provides Prometheus metrics for the prescription services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	PrescriptionsCreated   prometheus.Counter
	SubmissionsApplied     prometheus.Counter
	PrescriptionsCompleted prometheus.Counter
	SubmitConflicts        prometheus.Counter
	SweepRuns              *prometheus.CounterVec
	NotificationsEmitted   *prometheus.CounterVec
	NotificationsDelivered *prometheus.CounterVec
	RequestDuration        *prometheus.HistogramVec
	OutboxPending          prometheus.Gauge
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total prescriptions created",
		}),
		SubmissionsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_submissions_total",
			Help: "Total pharmacy submissions applied",
		}),
		PrescriptionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_completed_total",
			Help: "Total prescriptions that reached Completed",
		}),
		SubmitConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_submit_conflicts_total",
			Help: "Submits that failed after the conflict retry",
		}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_sweep_runs_total",
			Help: "Notification sweep runs by result",
		}, []string{"result"}),
		NotificationsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_emitted_total",
			Help: "Incomplete-prescription notifications emitted by result",
		}, []string{"result"}),
		NotificationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Notifications delivered by the dispatcher by result",
		}, []string{"result"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route", "status"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.PrescriptionsCreated,
		m.SubmissionsApplied,
		m.PrescriptionsCompleted,
		m.SubmitConflicts,
		m.SweepRuns,
		m.NotificationsEmitted,
		m.NotificationsDelivered,
		m.RequestDuration,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Created counts a new prescription
func (m *Metrics) Created() {
	if m != nil {
		m.PrescriptionsCreated.Inc()
	}
}

// Submitted counts an applied submission and, when it completed the
// prescription, the completion.
func (m *Metrics) Submitted(completed bool) {
	if m == nil {
		return
	}
	m.SubmissionsApplied.Inc()
	if completed {
		m.PrescriptionsCompleted.Inc()
	}
}

// Conflict counts a submit that gave up after retrying
func (m *Metrics) Conflict() {
	if m != nil {
		m.SubmitConflicts.Inc()
	}
}

// SweepRun records a sweep outcome ("ok" or "error")
func (m *Metrics) SweepRun(result string) {
	if m != nil {
		m.SweepRuns.WithLabelValues(result).Inc()
	}
}

// NotificationEmitted records an emit outcome
func (m *Metrics) NotificationEmitted(ok bool) {
	if m != nil {
		m.NotificationsEmitted.WithLabelValues(result(ok)).Inc()
	}
}

// NotificationDelivered records a dispatcher delivery outcome
func (m *Metrics) NotificationDelivered(ok bool) {
	if m != nil {
		m.NotificationsDelivered.WithLabelValues(result(ok)).Inc()
	}
}

// ObserveRequest records one HTTP request
func (m *Metrics) ObserveRequest(method, route, status string, d time.Duration) {
	if m != nil {
		m.RequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
	}
}

// SetOutboxPending sets the pending outbox gauge
func (m *Metrics) SetOutboxPending(n int64) {
	if m != nil {
		m.OutboxPending.Set(float64(n))
	}
}

// SetBreakerState records a circuit breaker state by its numeric value
func (m *Metrics) SetBreakerState(name string, state int) {
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// Handler returns the Prometheus HTTP handler for g. A nil g serves the
// default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
