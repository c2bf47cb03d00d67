package taskmon

import (
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"git.unix.lgbt/diamondburned/taskmon/taskmon/exec"
	"git.unix.lgbt/diamondburned/taskmon/taskmon/logfile"
	"github.com/pkg/errors"
	"github.com/subosito/gotenv"
)

// GracePeriod is the time to wait for a task's processes to exit after the
// graceful signal before the whole process group is killed.
var GracePeriod = 2 * time.Second

// KillTimeout is the time to wait for a killed process to disappear.
var KillTimeout = 2 * time.Second

// ProbeInterval is how often a process that isn't our child is probed while
// waiting for it to exit.
var ProbeInterval = 50 * time.Millisecond

// Controller owns the spawn and terminate protocol of task processes. It
// mutates the given tasks but never persists them.
//
// Processes spawned by a Controller are reaped by it, so their exit codes are
// known. Processes spawned elsewhere can only be probed for existence.
type Controller struct {
	GracePeriod   time.Duration
	KillTimeout   time.Duration
	ProbeInterval time.Duration

	j    Journaler
	logs *logfile.Manager

	startProc func(exec.Command) (exec.Process, error)
	isAlive   func(pid int) bool
	signalPID func(pid int, sig syscall.Signal) error
	now       func() time.Time

	mu       sync.Mutex
	children map[string]*child // by task ID
	exited   chan struct{}
}

// child is a process spawned by the Controller. It only describes a task whose
// record still carries the same pid and start time.
type child struct {
	pid     int
	started time.Time
	proc    exec.Process
	done    chan struct{}
	status  exec.ExitStatus // valid once done is closed
}

func (ch *child) describes(t *Task) bool {
	return ch.pid == t.PID && t.LastStarted != nil && t.LastStarted.Equal(ch.started)
}

// NewController creates a new Controller.
func NewController(logs *logfile.Manager, j Journaler) *Controller {
	if logs == nil {
		logs = logfile.NewManager(0)
	}
	if j == nil {
		j = Discard
	}

	return &Controller{
		GracePeriod:   GracePeriod,
		KillTimeout:   KillTimeout,
		ProbeInterval: ProbeInterval,

		j:    j,
		logs: logs,

		startProc: exec.StartProcess,
		isAlive:   exec.IsAlive,
		signalPID: exec.SignalGroup,
		now:       time.Now,

		children: map[string]*child{},
		exited:   make(chan struct{}, 1),
	}
}

// Exited returns a channel that is signaled when a process spawned by the
// Controller exits. Signals are coalesced.
func (c *Controller) Exited() <-chan struct{} {
	return c.exited
}

// IsAlive reports whether the task's recorded process is still running.
func (c *Controller) IsAlive(t *Task) bool {
	if t.PID <= 0 {
		return false
	}
	return c.alive(c.child(t), t.PID)
}

func (c *Controller) alive(ch *child, pid int) bool {
	if ch != nil {
		select {
		case <-ch.done:
			return false
		default:
			return true
		}
	}

	return c.isAlive(pid)
}

// Start spawns the task's process with its output appended to the task's
// capture files. On success the task is running; if the process can't be
// spawned, the task is failed and ErrSpawnFailed is returned. Configuration
// and log errors leave the task untouched.
func (c *Controller) Start(t *Task) error {
	if t.Status == StatusRunning {
		c.Reconcile(t)

		if t.Status == StatusRunning {
			return errors.Wrapf(ErrAlreadyRunning, "%s has pid %d", t.Name, t.PID)
		}
	}

	if t.Workdir != "" {
		stat, err := os.Stat(t.Workdir)
		if err != nil {
			return errors.Wrapf(ErrInvalidWorkdir, "%v", err)
		}
		if !stat.IsDir() {
			return errors.Wrapf(ErrInvalidWorkdir, "%s is not a directory", t.Workdir)
		}
	}

	bin := inspectBinary(t.Binary, t.Workdir)
	if err := bin.Problem(); err != nil {
		return c.spawnFailed(t, err)
	}

	stdout, err := c.openCapture(t, t.StdoutLogPath)
	if err != nil {
		return err
	}
	defer stdout.Close()

	stderr, err := c.openCapture(t, t.StderrLogPath)
	if err != nil {
		return err
	}
	defer stderr.Close()

	proc, err := c.startProc(exec.Command{
		Path:   bin.Path,
		Args:   t.Args,
		Env:    c.environ(t),
		Dir:    t.Workdir,
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		return c.spawnFailed(t, err)
	}

	started := c.now().Round(0)
	c.track(t.ID, proc, started)
	t.setRunning(proc.PID(), started)

	c.j.Write(EventProcessSpawned{
		Task: t.Name,
		PID:  t.PID,
	})

	return nil
}

func (c *Controller) spawnFailed(t *Task, reason error) error {
	t.setFailed()

	c.j.Write(EventProcessSpawnError{
		Task:   t.Name,
		Binary: t.Binary,
		Reason: reason.Error(),
	})

	return errors.Wrapf(ErrSpawnFailed, "%v", reason)
}

func (c *Controller) openCapture(t *Task, path string) (*os.File, error) {
	f, rotated, err := c.logs.OpenCapture(path)
	if err != nil {
		return nil, errors.Wrapf(ErrLogIO, "%v", err)
	}

	if rotated {
		c.j.Write(EventLogRotated{Task: t.Name, Path: path})
	}

	return f, nil
}

// environ merges the inherited environment, the working directory's .env file
// and the task's own variables, in increasing order of precedence.
func (c *Controller) environ(t *Task) []string {
	env := map[string]string{}

	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	if t.Workdir != "" {
		dotenv, err := readDotenv(t.Workdir)
		if err != nil {
			warn(c.j, "process", t.Name, err)
		}
		for k, v := range dotenv {
			env[k] = v
		}
	}

	for k, v := range t.Env {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	environ := make([]string, len(keys))
	for i, k := range keys {
		environ[i] = k + "=" + env[k]
	}

	return environ
}

// readDotenv reads the .env file in dir. A missing file is not an error.
func readDotenv(dir string) (map[string]string, error) {
	path := dotenvPath(dir)

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to stat .env")
	}

	env, err := gotenv.Read(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	return env, nil
}

// track reaps the process in the background so that its exit code is known
// and it never lingers as a zombie.
func (c *Controller) track(taskID string, proc exec.Process, started time.Time) {
	ch := &child{
		pid:     proc.PID(),
		started: started,
		proc:    proc,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.children[taskID] = ch
	c.mu.Unlock()

	go func() {
		ch.status = proc.Wait()
		close(ch.done)

		select {
		case c.exited <- struct{}{}:
		default:
		}
	}()
}

// child returns the process spawned for the task's current run. It returns nil
// if the task was started elsewhere since, even if its pid was reused.
func (c *Controller) child(t *Task) *child {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := c.children[t.ID]
	if ch == nil || !ch.describes(t) {
		return nil
	}
	return ch
}

func (c *Controller) forget(taskID string, ch *child) {
	c.mu.Lock()
	if c.children[taskID] == ch {
		delete(c.children, taskID)
	}
	c.mu.Unlock()
}

// Reconcile corrects a running task whose process is gone. It returns true if
// the task was changed. The task ends up stopped after a clean exit, failed
// after an abnormal one, and stopped if the exit status is unknown.
func (c *Controller) Reconcile(t *Task) bool {
	if t.Status != StatusRunning {
		return false
	}

	if t.PID <= 0 {
		t.Status = StatusStopped
		t.PID = 0
		return true
	}

	if ch := c.child(t); ch != nil {
		select {
		case <-ch.done:
		default:
			return false
		}

		pid := t.PID
		c.forget(t.ID, ch)
		t.setExited(ch.status.Code)

		c.j.Write(EventProcessExited{
			Task:     t.Name,
			PID:      pid,
			ExitCode: ch.status.Code,
			Observed: true,
		})

		return true
	}

	if c.isAlive(t.PID) {
		return false
	}

	c.j.Write(EventProcessExited{
		Task: t.Name,
		PID:  t.PID,
	})

	t.Status = StatusStopped
	t.PID = 0

	return true
}

// Stop terminates the task's process group: gracefully first, then forcefully
// once the grace period is over. ErrNotRunning is returned if the task wasn't
// running, including when its process turned out to be gone already; the task
// is reconciled in that case. If the processes can't be signaled, the task is
// failed and ErrSignalFailed is returned.
func (c *Controller) Stop(t *Task) error {
	if t.Status != StatusRunning {
		return errors.Wrapf(ErrNotRunning, "%s is %s", t.Name, t.Status)
	}

	if c.Reconcile(t) {
		return errors.Wrapf(ErrNotRunning, "%s had already exited", t.Name)
	}

	pid := t.PID
	ch := c.child(t)

	if err := c.signal(ch, pid, syscall.SIGTERM); err != nil {
		if c.Reconcile(t) {
			return errors.Wrapf(ErrNotRunning, "%s exited while stopping", t.Name)
		}

		t.setFailed()
		return errors.Wrapf(ErrSignalFailed, "SIGTERM to %d: %v", pid, err)
	}

	status, exited := c.waitExit(ch, pid, c.GracePeriod)
	forced := false

	if !exited {
		forced = true

		if err := c.signal(ch, pid, syscall.SIGKILL); err != nil && c.alive(ch, pid) {
			t.setFailed()
			return errors.Wrapf(ErrSignalFailed, "SIGKILL to %d: %v", pid, err)
		}

		status, exited = c.waitExit(ch, pid, c.KillTimeout)
		if !exited {
			t.setFailed()
			return errors.Wrapf(ErrSignalFailed, "pid %d survived SIGKILL", pid)
		}
	}

	if ch != nil {
		c.forget(t.ID, ch)
	}

	code := status.Code
	t.Status = StatusStopped
	t.PID = 0
	t.LastExitCode = &code

	c.j.Write(EventProcessStopped{
		Task:     t.Name,
		PID:      pid,
		ExitCode: code,
		Forced:   forced,
	})

	return nil
}

func (c *Controller) signal(ch *child, pid int, sig syscall.Signal) error {
	if ch != nil {
		if sig == syscall.SIGKILL {
			return ch.proc.Kill()
		}
		return ch.proc.Signal(sig)
	}

	return c.signalPID(pid, sig)
}

// waitExit waits up to timeout for the process to exit. Processes that aren't
// our children are assumed to have been terminated by a signal.
func (c *Controller) waitExit(ch *child, pid int, timeout time.Duration) (exec.ExitStatus, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if ch != nil {
		select {
		case <-ch.done:
			return ch.status, true
		case <-timer.C:
			return exec.ExitStatus{}, false
		}
	}

	ticker := time.NewTicker(c.ProbeInterval)
	defer ticker.Stop()

	signaled := exec.ExitStatus{PID: pid, Code: ExitSignaled}

	for {
		if !c.isAlive(pid) {
			return signaled, true
		}

		select {
		case <-timer.C:
			return signaled, !c.isAlive(pid)
		case <-ticker.C:
		}
	}
}

// RotateLogs rotates the capture files of a running task that grew too large.
func (c *Controller) RotateLogs(t *Task) {
	for _, path := range []string{t.StdoutLogPath, t.StderrLogPath} {
		rotated, err := c.logs.RotateLive(path)
		if err != nil {
			warn(c.j, "logs", t.Name, err)
			continue
		}
		if rotated {
			c.j.Write(EventLogRotated{Task: t.Name, Path: path, Live: true})
		}
	}
}
