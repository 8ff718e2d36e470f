// Package metrics exports saga telemetry to Prometheus.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fortressi/sagaflow"
)

// Metrics is a sagaflow.Sink that turns telemetry events into Prometheus
// series.
type Metrics struct {
	SagasStarted   *prometheus.CounterVec
	SagasFinished  *prometheus.CounterVec
	SagaDuration   *prometheus.HistogramVec
	Steps          *prometheus.CounterVec
	StepDuration   *prometheus.HistogramVec
	Compensations  *prometheus.CounterVec
	SweptInstances *prometheus.CounterVec
	gatherer       prometheus.Gatherer
}

var _ sagaflow.Sink = (*Metrics)(nil)

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		SagasStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_attempts_started_total",
			Help: "Saga attempts started, by saga type.",
		}, []string{"saga_type"}),
		SagasFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_attempts_finished_total",
			Help: "Saga attempts finished, by saga type and status.",
		}, []string{"saga_type", "status"}),
		SagaDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagaflow_attempt_duration_seconds",
			Help:    "Saga attempt duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"saga_type", "status"}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_steps_total",
			Help: "Step executions, by outcome.",
		}, []string{"saga_type", "step", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagaflow_step_duration_seconds",
			Help:    "Step action duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"saga_type", "step"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_compensations_total",
			Help: "Compensations run, by outcome.",
		}, []string{"saga_type", "step", "outcome"}),
		SweptInstances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_swept_instances_total",
			Help: "Instances handled by the sweeper, by policy.",
		}, []string{"policy"}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.SagasStarted,
		m.SagasFinished,
		m.SagaDuration,
		m.Steps,
		m.StepDuration,
		m.Compensations,
		m.SweptInstances,
	)
	return m
}

// Emit implements sagaflow.Sink.
func (m *Metrics) Emit(name []string, measurements map[string]float64, tags map[string]string) {
	sagaType := tags["saga_type"]
	seconds := measurements["duration_ms"] / 1000

	switch strings.Join(name, ".") {
	case "saga.start":
		m.SagasStarted.WithLabelValues(sagaType).Inc()
	case "saga.complete", "saga.halt", "saga.error":
		status := tags["status"]
		m.SagasFinished.WithLabelValues(sagaType, status).Inc()
		m.SagaDuration.WithLabelValues(sagaType, status).Observe(seconds)
	case "saga.step.complete":
		m.Steps.WithLabelValues(sagaType, tags["step"], "ok").Inc()
		m.StepDuration.WithLabelValues(sagaType, tags["step"]).Observe(seconds)
	case "saga.step.error":
		m.Steps.WithLabelValues(sagaType, tags["step"], "error").Inc()
		m.StepDuration.WithLabelValues(sagaType, tags["step"]).Observe(seconds)
	case "saga.compensate.complete":
		m.Compensations.WithLabelValues(sagaType, tags["step"], tags["outcome"]).Inc()
	}
}

// ObserveSweep records one sweeper pass.
func (m *Metrics) ObserveSweep(r sagaflow.SweepReport) {
	m.SweptInstances.WithLabelValues("stale").Add(float64(r.Stale))
	m.SweptInstances.WithLabelValues("archived").Add(float64(r.Archived))
	m.SweptInstances.WithLabelValues("deleted").Add(float64(r.Deleted))
	m.SweptInstances.WithLabelValues("cancelled").Add(float64(r.Cancelled))
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
