// Package exec provides an abstraction around package os/exec's process
// handling for easier testing. Processes are started as leaders of their own
// process group wherever the host supports it, so that shell scripts which
// fork their own children can be signaled as a unit.
package exec

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
)

// ExitSignaled is the exit code recorded for a process that was terminated by
// a signal instead of exiting on its own.
const ExitSignaled = -1

// Process describes a command process.
type Process interface {
	PID() int
	// Signal delivers the signal to the whole process group.
	Signal(os.Signal) error
	// Kill forcefully kills the whole process group.
	Kill() error
	// Wait waits for the process to exit and reaps it. It must only be called
	// once.
	Wait() ExitStatus
}

// ExitStatus is a process' exit status.
type ExitStatus struct {
	PID   int
	Code  int // ExitSignaled if killed by a signal
	Error error
}

// Command describes a process to be started.
type Command struct {
	Path string
	Args []string // not including argv[0]
	Env  []string
	Dir  string

	Stdout *os.File
	Stderr *os.File
}

type process struct {
	cmd *exec.Cmd
}

var _ Process = (*process)(nil)

// StartProcess starts the command as the leader of a new process group. The
// given files are handed to the child directly, so the caller may close its
// copies once StartProcess returns.
func StartProcess(c Command) (Process, error) {
	if c.Path == "" {
		return nil, errors.New("empty command path")
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.SysProcAttr = sysProcAttr()

	// Assigning a nil *os.File would give a non-nil io.Writer.
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	}
	if c.Stderr != nil {
		cmd.Stderr = c.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &process{cmd}, nil
}

func (proc *process) PID() int {
	return proc.cmd.Process.Pid
}

func (proc *process) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return proc.cmd.Process.Signal(sig)
	}
	return SignalGroup(proc.PID(), s)
}

func (proc *process) Kill() error {
	return SignalGroup(proc.PID(), syscall.SIGKILL)
}

func (proc *process) Wait() ExitStatus {
	err := proc.cmd.Wait()

	status := ExitStatus{
		PID:  proc.PID(),
		Code: ExitSignaled,
	}

	if state := proc.cmd.ProcessState; state != nil {
		status.Code = state.ExitCode()
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		status.Error = err
	}

	return status
}
