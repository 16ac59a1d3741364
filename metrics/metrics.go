// Package metrics exposes the control plane's Prometheus instrumentation.
// A nil *Metrics is a valid no-op so components never guard their calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "minihafsa"

// Metrics holds the collectors on a private registry, keeping the
// process's default registry out of the exposition.
type Metrics struct {
	registry *prometheus.Registry

	cyclesTotal         prometheus.Counter
	tasksCompletedTotal prometheus.Counter
	tasksFailedTotal    prometheus.Counter
	tasksInFlight       prometheus.Gauge
	dispatchDuration    *prometheus.HistogramVec
	agentsRegistered    prometheus.Gauge
	approvalsPending    prometheus.Gauge
}

// New builds and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "cycles_total",
			Help:      "Completed loop cycles.",
		}),
		tasksCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "tasks_completed_total",
			Help:      "Tasks that finished successfully.",
		}),
		tasksFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "tasks_failed_total",
			Help:      "Tasks that finished in failure.",
		}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "tasks_in_flight",
			Help:      "Tasks currently executing.",
		}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Task execution duration through the dispatcher.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent", "outcome"}),
		agentsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "agents_registered",
			Help:      "Agents currently registered.",
		}),
		approvalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "pending",
			Help:      "Approval requests awaiting a decision.",
		}),
	}

	m.registry.MustRegister(
		m.cyclesTotal,
		m.tasksCompletedTotal,
		m.tasksFailedTotal,
		m.tasksInFlight,
		m.dispatchDuration,
		m.agentsRegistered,
		m.approvalsPending,
	)
	return m
}

// Handler serves the exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) CycleCompleted() {
	if m == nil {
		return
	}
	m.cyclesTotal.Inc()
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksInFlight.Inc()
}

func (m *Metrics) TaskFinished(success bool) {
	if m == nil {
		return
	}
	m.tasksInFlight.Dec()
	if success {
		m.tasksCompletedTotal.Inc()
	} else {
		m.tasksFailedTotal.Inc()
	}
}

func (m *Metrics) ObserveDispatch(agentName string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "completed"
	}
	m.dispatchDuration.WithLabelValues(agentName, outcome).Observe(d.Seconds())
}

func (m *Metrics) SetAgentsRegistered(n int) {
	if m == nil {
		return
	}
	m.agentsRegistered.Set(float64(n))
}

func (m *Metrics) SetApprovalsPending(n int) {
	if m == nil {
		return
	}
	m.approvalsPending.Set(float64(n))
}
