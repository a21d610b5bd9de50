package accessory

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "shellbridge"

// Metrics holds the Prometheus collectors for the synchronisation engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	commands      *prometheus.CounterVec
	pollCycles    *prometheus.CounterVec
	stateChanges  *prometheus.CounterVec
	setRequests   *prometheus.CounterVec
	setDuration   prometheus.Histogram
	workflowSteps *prometheus.CounterVec
	correlations  *prometheus.CounterVec
	accessories   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "commands",
			Name:      "total",
			Help:      "Device commands executed, by operation and result.",
		}, []string{"op", "result"}),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Completed poll cycles, by outcome.",
		}, []string{"outcome"}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "state",
			Name:      "changes_total",
			Help:      "Cached state transitions, by source.",
		}, []string{"source"}),
		setRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "set",
			Name:      "requests_total",
			Help:      "Set requests, by how the caller was answered.",
		}, []string{"outcome"}),
		setDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "set",
			Name:      "command_duration_seconds",
			Help:      "Real duration of set commands, including ones answered optimistically.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),
		workflowSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "workflow",
			Name:      "steps_total",
			Help:      "Workflow steps executed, by result.",
		}, []string{"result"}),
		correlations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "correlator",
			Name:      "services_total",
			Help:      "Linked services added or removed.",
		}, []string{"action"}),
		accessories: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "accessories",
			Help:      "Registered accessories.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.commands, m.pollCycles, m.stateChanges, m.setRequests,
			m.setDuration, m.workflowSteps, m.correlations, m.accessories,
		)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) command(op string, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) pollCycle(outcome string) {
	if m == nil {
		return
	}
	m.pollCycles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) stateChange(source ChangeSource) {
	if m == nil {
		return
	}
	m.stateChanges.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) setAnswered(outcome string) {
	if m == nil {
		return
	}
	m.setRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setFinished(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.setDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) workflowStep(err error) {
	if m == nil {
		return
	}
	m.workflowSteps.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) correlation(action string) {
	if m == nil {
		return
	}
	m.correlations.WithLabelValues(action).Inc()
}

func (m *Metrics) setAccessories(n int) {
	if m == nil {
		return
	}
	m.accessories.Set(float64(n))
}
