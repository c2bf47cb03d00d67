package taskmon

import (
	"context"
	"time"
)

// MonitorInterval is the default interval between two passes of a Monitor.
var MonitorInterval = 5 * time.Second

// Monitor keeps tasks supervised in the background. Each pass reconciles every
// task, rotates the capture files of running tasks and restarts failed tasks
// once their restart delay is over. Restart delays never block a pass.
type Monitor struct {
	Interval time.Duration
	// MetricsFile, if not empty, is rewritten after every pass.
	MetricsFile string

	s       *Supervisor
	path    string
	metrics *Metrics
	pending map[string]time.Time // task ID -> restart time
}

// NewMonitor creates a new Monitor. If registryPath is not empty, changes to it
// trigger a pass early.
func NewMonitor(s *Supervisor, registryPath string) *Monitor {
	return &Monitor{
		Interval: MonitorInterval,
		s:        s,
		path:     registryPath,
		metrics:  NewMetrics(),
		pending:  map[string]time.Time{},
	}
}

// Run runs passes until the context is canceled. It returns nil on
// cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	var changes <-chan struct{}
	if m.path != "" {
		changes = TryWatch(ctx, m.path, m.s.j).Changes
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-changes:
			stopTimer(timer)
		case <-m.s.ctrl.Exited():
			stopTimer(timer)
		}

		timer.Reset(m.Tick(ctx))
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// Tick runs a single pass and returns the time until the next one is due.
func (m *Monitor) Tick(ctx context.Context) time.Duration {
	now := m.s.now()

	wait := m.Interval
	if wait <= 0 {
		wait = MonitorInterval
	}

	var tasks []*Task

	err := m.s.store.Update(ctx, func(reg *Registry) error {
		tasks = reg.List()
		seen := make(map[string]bool, len(tasks))

		for _, t := range tasks {
			seen[t.ID] = true
			m.s.ctrl.Reconcile(t)

			if t.Status == StatusRunning {
				m.s.ctrl.RotateLogs(t)
			}

			delay, ok := m.s.Policy.Decide(t)
			if !ok {
				delete(m.pending, t.ID)
				continue
			}

			at, scheduled := m.pending[t.ID]
			if !scheduled {
				at = now.Add(delay)
				m.pending[t.ID] = at
			}

			if now.Before(at) {
				if d := at.Sub(now); d < wait {
					wait = d
				}
				continue
			}

			delete(m.pending, t.ID)
			m.s.restart(t, delay)

			// The spawn itself may have failed.
			if next, ok := m.s.Policy.Decide(t); ok {
				m.pending[t.ID] = now.Add(next)
				if next < wait {
					wait = next
				}
			}
		}

		for id := range m.pending {
			if !seen[id] {
				delete(m.pending, id)
			}
		}

		for i, t := range tasks {
			tasks[i] = t.Clone()
		}

		return nil
	})
	if err != nil {
		warn(m.s.j, "monitor", "", err)
		return wait
	}

	if m.MetricsFile != "" {
		m.metrics.Observe(tasks)

		if err := m.metrics.WriteFile(m.MetricsFile); err != nil {
			warn(m.s.j, "metrics", "", err)
		}
	}

	return wait
}
