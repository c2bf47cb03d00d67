package taskmon

import (
	"sort"
	"time"

	"git.unix.lgbt/diamondburned/taskmon/taskmon/exec"
)

// Status is the state of a task.
type Status string

const (
	// StatusStopped is the initial state, and the state after a clean exit or
	// a stop.
	StatusStopped Status = "stopped"
	// StatusRunning means the task has a live process.
	StatusRunning Status = "running"
	// StatusFailed means the last run could not be spawned or ended
	// abnormally. The task can still be started again.
	StatusFailed Status = "failed"
)

// ExitSignaled is the exit code recorded for a run terminated by a signal.
const ExitSignaled = exec.ExitSignaled

// Task is a supervised process with its configuration and runtime state.
type Task struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Binary      string            `json:"binary"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	Workdir     string            `json:"workdir,omitempty"`
	AutoRestart bool              `json:"auto_restart"`

	Status       Status     `json:"status"`
	PID          int        `json:"pid,omitempty"` // 0 unless running
	CreatedAt    time.Time  `json:"created_at"`
	LastStarted  *time.Time `json:"last_started,omitempty"`
	RestartCount int        `json:"restart_count"`
	// RestartBase is RestartCount at the last manual start. Automatic restarts
	// are budgeted from there.
	RestartBase  int  `json:"restart_base"`
	LastExitCode *int `json:"last_exit_code,omitempty"`

	StdoutLogPath string `json:"stdout_log_path"`
	StderrLogPath string `json:"stderr_log_path"`
}

// ShortID returns the abbreviated ID shown in listings.
func (t *Task) ShortID() string {
	if len(t.ID) > 8 {
		return t.ID[:8]
	}
	return t.ID
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	clone := *t
	clone.Args = append([]string(nil), t.Args...)

	if t.Env != nil {
		clone.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			clone.Env[k] = v
		}
	}
	if t.LastStarted != nil {
		started := *t.LastStarted
		clone.LastStarted = &started
	}
	if t.LastExitCode != nil {
		code := *t.LastExitCode
		clone.LastExitCode = &code
	}

	return &clone
}

// EnvKeys returns the task's environment variable names, sorted.
func (t *Task) EnvKeys() []string {
	keys := make([]string, 0, len(t.Env))
	for k := range t.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *Task) setRunning(pid int, now time.Time) {
	t.Status = StatusRunning
	t.PID = pid
	t.LastStarted = &now
	t.LastExitCode = nil
}

// setExited records the end of a run. Only code 0 counts as a clean exit.
func (t *Task) setExited(code int) {
	t.PID = 0
	t.LastExitCode = &code

	if code == 0 {
		t.Status = StatusStopped
	} else {
		t.Status = StatusFailed
	}
}

func (t *Task) setFailed() {
	t.Status = StatusFailed
	t.PID = 0
}
