package taskmon

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports the state of the registry in the Prometheus text format, to
// be picked up by node_exporter's textfile collector.
type Metrics struct {
	reg *prometheus.Registry

	tasks    *prometheus.GaugeVec
	running  *prometheus.GaugeVec
	restarts *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskmon",
			Name:      "tasks",
			Help:      "Number of registered tasks by status.",
		}, []string{"status"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskmon",
			Name:      "task_running",
			Help:      "Whether the task has a live process.",
		}, []string{"task"}),
		restarts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskmon",
			Name:      "task_restarts",
			Help:      "Number of automatic restarts of the task.",
		}, []string{"task"}),
	}

	m.reg.MustRegister(m.tasks, m.running, m.restarts)
	return m
}

// Observe replaces the exported values with the given tasks' state.
func (m *Metrics) Observe(tasks []*Task) {
	m.tasks.Reset()
	m.running.Reset()
	m.restarts.Reset()

	for _, status := range []Status{StatusStopped, StatusRunning, StatusFailed} {
		m.tasks.WithLabelValues(string(status)).Set(0)
	}

	for _, t := range tasks {
		m.tasks.WithLabelValues(string(t.Status)).Inc()

		running := 0.0
		if t.Status == StatusRunning {
			running = 1
		}
		m.running.WithLabelValues(t.Name).Set(running)
		m.restarts.WithLabelValues(t.Name).Set(float64(t.RestartCount))
	}
}

// WriteFile atomically writes the exported values to path.
func (m *Metrics) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return errors.Wrap(err, "failed to write metrics")
	}
	return nil
}

// Gatherer returns the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.reg
}
