package taskmon

import "time"

// eventType describes an event type.
type eventType = string

const (
	eventWarning           eventType = "warning"
	eventTaskCreated       eventType = "task created"
	eventTaskRemoved       eventType = "task removed"
	eventProcessSpawnError eventType = "process spawn error"
	eventProcessSpawned    eventType = "process spawned"
	eventProcessExited     eventType = "process exited"
	eventProcessStopped    eventType = "process stopped"
	eventTaskRestarted     eventType = "task restarted"
	eventLogRotated        eventType = "log rotated"
)

// Event is an interface describing known events.
type Event interface {
	Type() string
	event()
}

// NewEvent creates a new event from the given event type. It is used primarily
// for decoding events from its type. Nil is returned if the event type is
// unknown.
func NewEvent(eventType string) Event {
	switch eventType {
	case eventWarning:
		return &EventWarning{}
	case eventTaskCreated:
		return &EventTaskCreated{}
	case eventTaskRemoved:
		return &EventTaskRemoved{}
	case eventProcessSpawnError:
		return &EventProcessSpawnError{}
	case eventProcessSpawned:
		return &EventProcessSpawned{}
	case eventProcessExited:
		return &EventProcessExited{}
	case eventProcessStopped:
		return &EventProcessStopped{}
	case eventTaskRestarted:
		return &EventTaskRestarted{}
	case eventLogRotated:
		return &EventLogRotated{}
	default:
		return nil
	}
}

// EventWarning is emitted when a non-fatal error occurs.
type EventWarning struct {
	Component string `json:"component"`
	Task      string `json:"task,omitempty"`
	Error     string `json:"error"`
}

func (ev EventWarning) Type() string { return eventWarning }
func (ev EventWarning) event()       {}

// EventTaskCreated is emitted when a task is added to the registry.
type EventTaskCreated struct {
	ID     string `json:"id"`
	Task   string `json:"task"`
	Binary string `json:"binary"`
}

func (ev EventTaskCreated) Type() string { return eventTaskCreated }
func (ev EventTaskCreated) event()       {}

// EventTaskRemoved is emitted when a task is removed from the registry.
type EventTaskRemoved struct {
	ID   string `json:"id"`
	Task string `json:"task"`
}

func (ev EventTaskRemoved) Type() string { return eventTaskRemoved }
func (ev EventTaskRemoved) event()       {}

// EventProcessSpawnError is emitted when a process fails to start for any
// reason.
type EventProcessSpawnError struct {
	Task   string `json:"task"`
	Binary string `json:"binary"`
	Reason string `json:"reason"`
}

func (ev EventProcessSpawnError) Type() string { return eventProcessSpawnError }
func (ev EventProcessSpawnError) event()       {}

// EventProcessSpawned is emitted when a process has been started for any
// reason.
type EventProcessSpawned struct {
	Task string `json:"task"`
	PID  int    `json:"pid"`
}

func (ev EventProcessSpawned) Type() string { return eventProcessSpawned }
func (ev EventProcessSpawned) event()       {}

// EventProcessExited is emitted when a process is found to have exited on its
// own. Observed is false if the exit status could not be collected, which is
// the case for processes started by another taskmon invocation.
type EventProcessExited struct {
	Task     string `json:"task"`
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"` // -1 if terminated by a signal
	Observed bool   `json:"observed"`
}

func (ev EventProcessExited) Type() string { return eventProcessExited }
func (ev EventProcessExited) event()       {}

// EventProcessStopped is emitted when a process has been stopped on request.
// Forced is true if it had to be killed after the grace period.
type EventProcessStopped struct {
	Task     string `json:"task"`
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
	Forced   bool   `json:"forced,omitempty"`
}

// IsGraceful returns true if the process exited within the grace period.
func (ev EventProcessStopped) IsGraceful() bool {
	return !ev.Forced
}

func (ev EventProcessStopped) Type() string { return eventProcessStopped }
func (ev EventProcessStopped) event()       {}

// EventTaskRestarted is emitted when a failed task is automatically restarted.
type EventTaskRestarted struct {
	Task    string        `json:"task"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

func (ev EventTaskRestarted) Type() string { return eventTaskRestarted }
func (ev EventTaskRestarted) event()       {}

// EventLogRotated is emitted when a capture file is rotated. Live is true if
// the task was running at the time.
type EventLogRotated struct {
	Task string `json:"task"`
	Path string `json:"path"`
	Live bool   `json:"live,omitempty"`
}

func (ev EventLogRotated) Type() string { return eventLogRotated }
func (ev EventLogRotated) event()       {}
