// Package metrics exports capability and turn counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/internal/orchestrator"
)

const namespace = "atlas"

// Metrics observes both the invocation layer and the coordinator. It owns
// its registry so tests and multiple instances do not collide.
type Metrics struct {
	registry *prometheus.Registry

	invocations   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	turns         *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	hookFaults    *prometheus.CounterVec
	turnsInFlight prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_invocations_total",
			Help:      "Capability invocations by capability, transport, status and error kind.",
		}, []string{"capability", "transport", "status", "kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capability_invocation_seconds",
			Help:      "Capability invocation latency.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"capability", "transport"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns by workflow template, final phase and error kind.",
		}, []string{"template", "phase", "kind"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_seconds",
			Help:      "Turn duration from start to terminal phase.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"template"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Workflow phase transitions.",
		}, []string{"from", "to"}),
		hookFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_faults_total",
			Help:      "Hooks that errored or panicked and were skipped.",
		}, []string{"stage"}),
		turnsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turns_in_flight",
			Help:      "Turns started and not yet finished.",
		}),
	}
	m.registry.MustRegister(
		m.invocations, m.latency, m.turns, m.turnDuration, m.transitions, m.hookFaults, m.turnsInFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveInvocation(t capability.Trace) {
	transport := string(t.Transport)
	if transport == "" {
		transport = "none"
	}
	m.invocations.WithLabelValues(t.Capability, transport, string(t.Status), string(t.Kind)).Inc()
	if t.Dispatched {
		m.latency.WithLabelValues(t.Capability, transport).Observe(t.Elapsed.Seconds())
	}
}

func (m *Metrics) Transition(_ string, from, to orchestrator.Phase) {
	if from == orchestrator.PhaseStart {
		m.turnsInFlight.Inc()
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) HookFault(f orchestrator.HookFault) {
	m.hookFaults.WithLabelValues(f.Stage).Inc()
}

func (m *Metrics) TurnFinished(o *orchestrator.Outcome) {
	m.turnsInFlight.Dec()
	template := o.Template
	if template == "" {
		template = "none"
	}
	m.turns.WithLabelValues(template, string(o.Phase), string(o.Kind)).Inc()
	m.turnDuration.WithLabelValues(template).Observe(o.FinishedAt.Sub(o.StartedAt).Seconds())
}
