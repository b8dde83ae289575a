package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flowdesk/pkg/task"
)

// Metrics are the engine counters exposed at /metrics. It satisfies
// flow.Observer.
type Metrics struct {
	reg         *prometheus.Registry
	transitions *prometheus.CounterVec
	validation  *prometheus.CounterVec
	exceeded    *prometheus.CounterVec
	finalize    *prometheus.CounterVec
	expired     prometheus.Counter
}

// NewMetrics registers the engine counters plus Go runtime and process
// collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowdesk",
			Name:      "transitions_total",
			Help:      "Task transitions by task type and outcome.",
		}, []string{"type", "outcome"}),
		validation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowdesk",
			Name:      "validation_failures_total",
			Help:      "Rejected field values.",
		}, []string{"field"}),
		exceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowdesk",
			Name:      "retries_exceeded_total",
			Help:      "Fields whose retry budget ran out.",
		}, []string{"field"}),
		finalize: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowdesk",
			Name:      "finalize_failures_total",
			Help:      "Finalizers that failed and stopped their task.",
		}, []string{"type"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowdesk",
			Name:      "tasks_expired_total",
			Help:      "Tasks expired by lifecycle sweeps.",
		}),
	}
	reg.MustRegister(
		m.transitions, m.validation, m.exceeded, m.finalize, m.expired,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Transition(typ task.Type, outcome string) {
	m.transitions.WithLabelValues(string(typ), outcome).Inc()
}

func (m *Metrics) ValidationFailed(field string) {
	m.validation.WithLabelValues(field).Inc()
}

func (m *Metrics) RetriesExceeded(field string) {
	m.exceeded.WithLabelValues(field).Inc()
}

func (m *Metrics) FinalizeFailed(typ task.Type) {
	m.finalize.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) Expired(n int) {
	if n > 0 {
		m.expired.Add(float64(n))
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
