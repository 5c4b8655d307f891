// Package metrics holds the Prometheus collectors of the execution core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "swarmflow"

type Metrics struct {
	EventsProcessed *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	EventErrors     *prometheus.CounterVec
	EventDuration   *prometheus.HistogramVec
	Transitions     *prometheus.CounterVec
	Allocations     *prometheus.CounterVec
	ActiveInstances *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events processed by state machine instances.",
		}, []string{"machine", "kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events rejected by an instance before queueing.",
		}, []string{"machine", "reason"}),
		EventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_errors_total",
			Help:      "Event processing errors by fatality.",
		}, []string{"machine", "fatal"}),
		EventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_seconds",
			Help:      "Time spent processing a single event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"machine"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "State transitions by target state.",
		}, []string{"machine", "to"}),
		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_allocations_total",
			Help:      "Resource allocation and release outcomes.",
		}, []string{"operation", "outcome"}),
		ActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_instances",
			Help:      "Live state machine instances.",
		}, []string{"machine"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsProcessed,
			m.EventsDropped,
			m.EventErrors,
			m.EventDuration,
			m.Transitions,
			m.Allocations,
			m.ActiveInstances,
		)
	}

	return m
}

func (m *Metrics) EventProcessed(machine, kind string, took time.Duration) {
	if m == nil {
		return
	}

	m.EventsProcessed.WithLabelValues(machine, kind).Inc()
	m.EventDuration.WithLabelValues(machine).Observe(took.Seconds())
}

func (m *Metrics) EventDropped(machine, reason string) {
	if m == nil {
		return
	}

	m.EventsDropped.WithLabelValues(machine, reason).Inc()
}

func (m *Metrics) EventError(machine string, fatal bool) {
	if m == nil {
		return
	}

	label := "false"
	if fatal {
		label = "true"
	}

	m.EventErrors.WithLabelValues(machine, label).Inc()
}

func (m *Metrics) Transition(machine, to string) {
	if m == nil {
		return
	}

	m.Transitions.WithLabelValues(machine, to).Inc()
}

func (m *Metrics) Allocation(operation, outcome string) {
	if m == nil {
		return
	}

	m.Allocations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) InstanceStarted(machine string) {
	if m == nil {
		return
	}

	m.ActiveInstances.WithLabelValues(machine).Inc()
}

func (m *Metrics) InstanceStopped(machine string) {
	if m == nil {
		return
	}

	m.ActiveInstances.WithLabelValues(machine).Dec()
}
