package taskmon

import "time"

// DefaultMaxRestarts is the number of automatic restarts a task gets after
// each manual start.
const DefaultMaxRestarts = 5

// MinRestartDelay is the shortest delay before an automatic restart.
const MinRestartDelay = 100 * time.Millisecond

// RestartBackoff is the list of delays before consecutive automatic restarts.
// The last duration is used repetitively.
var RestartBackoff = []time.Duration{time.Second}

// RestartPolicy decides when a failed task is restarted automatically.
type RestartPolicy struct {
	// MaxAttempts is the number of automatic restarts allowed since the last
	// manual start.
	MaxAttempts int
	// Backoff is indexed by the number of attempts already made. It defaults
	// to RestartBackoff.
	Backoff []time.Duration
}

// DefaultRestartPolicy returns the policy used unless configured otherwise.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxAttempts: DefaultMaxRestarts,
		Backoff:     RestartBackoff,
	}
}

// Attempts returns the number of automatic restarts made since the task was
// last started manually.
func (p RestartPolicy) Attempts(t *Task) int {
	return t.RestartCount - t.RestartBase
}

// Exhausted returns true if the task has no automatic restarts left.
func (p RestartPolicy) Exhausted(t *Task) bool {
	return p.Attempts(t) >= p.MaxAttempts
}

// Decide returns whether the task should be restarted and how long to wait
// before doing so. Only failed tasks with auto-restart enabled are restarted.
func (p RestartPolicy) Decide(t *Task) (time.Duration, bool) {
	if !t.AutoRestart || t.Status != StatusFailed || p.Exhausted(t) {
		return 0, false
	}

	return p.delay(p.Attempts(t)), true
}

func (p RestartPolicy) delay(attempt int) time.Duration {
	backoff := p.Backoff
	if len(backoff) == 0 {
		backoff = RestartBackoff
	}

	if attempt < 0 {
		attempt = 0
	}
	if attempt > len(backoff)-1 {
		attempt = len(backoff) - 1
	}

	if d := backoff[attempt]; d >= MinRestartDelay {
		return d
	}
	return MinRestartDelay
}
