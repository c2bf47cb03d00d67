package taskmon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.unix.lgbt/diamondburned/taskmon/taskmon/logfile"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultLogLines is the number of lines shown by Logs when not specified.
const DefaultLogLines = 50

// Store persists the registry. Update must hold an exclusive lock across the
// load, the callback and the save; the registry is saved only if fn returns
// nil. View holds a shared lock and never saves.
type Store interface {
	Update(ctx context.Context, fn func(*Registry) error) error
	View(ctx context.Context, fn func(*Registry) error) error
}

// TaskSpec is the user-supplied configuration of a new task.
type TaskSpec struct {
	Name        string            `yaml:"name"`
	Binary      string            `yaml:"binary"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Workdir     string            `yaml:"workdir"`
	AutoRestart bool              `yaml:"auto_restart"`
}

func (spec *TaskSpec) validate() error {
	if strings.TrimSpace(spec.Name) == "" {
		return errors.Wrap(ErrInvalidTask, "name is empty")
	}
	if strings.TrimSpace(spec.Binary) == "" {
		return errors.Wrap(ErrInvalidTask, "binary is empty")
	}
	for k := range spec.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return errors.Wrapf(ErrInvalidTask, "invalid environment variable name %q", k)
		}
	}
	return nil
}

// Supervisor implements the task operations on top of a Store. Every operation
// is a single transaction on the registry, and every operation that reports a
// task's status reconciles it with the process table first.
type Supervisor struct {
	LogsDir        string
	Policy         RestartPolicy
	FollowInterval time.Duration

	store Store
	ctrl  *Controller
	j     Journaler

	sleep func(context.Context, time.Duration) error
	newID func() string
	now   func() time.Time
}

// NewSupervisor creates a new Supervisor.
func NewSupervisor(store Store, ctrl *Controller, logsDir string, j Journaler) *Supervisor {
	if j == nil {
		j = Discard
	}

	return &Supervisor{
		LogsDir:        logsDir,
		Policy:         DefaultRestartPolicy(),
		FollowInterval: logfile.DefaultFollowInterval,

		store: store,
		ctrl:  ctrl,
		j:     j,

		sleep: sleepCtx,
		newID: uuid.NewString,
		now:   time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New registers a new stopped task.
func (s *Supervisor) New(ctx context.Context, spec TaskSpec) (*Task, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	workdir := spec.Workdir
	if workdir != "" {
		abs, err := filepath.Abs(workdir)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidWorkdir, "%v", err)
		}
		workdir = abs
	}

	binary := spec.Binary
	// Relative paths without a working directory would otherwise depend on
	// wherever the task is started from.
	if strings.ContainsRune(binary, '/') && !filepath.IsAbs(binary) && workdir == "" {
		abs, err := filepath.Abs(binary)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidTask, err.Error())
		}
		binary = abs
	}

	env := make(map[string]string, len(spec.Env))
	for k, v := range spec.Env {
		env[k] = v
	}

	id := s.newID()
	stdout, stderr := logfile.Paths(s.LogsDir, id)

	t := &Task{
		ID:            id,
		Name:          spec.Name,
		Binary:        binary,
		Args:          append([]string{}, spec.Args...),
		Env:           env,
		Workdir:       workdir,
		AutoRestart:   spec.AutoRestart,
		Status:        StatusStopped,
		CreatedAt:     s.now().UTC(),
		StdoutLogPath: stdout,
		StderrLogPath: stderr,
	}

	if err := s.store.Update(ctx, func(reg *Registry) error { return reg.Add(t) }); err != nil {
		return nil, err
	}

	s.j.Write(EventTaskCreated{
		ID:     t.ID,
		Task:   t.Name,
		Binary: t.Binary,
	})

	return t.Clone(), nil
}

// Start starts the task manually, which also rearms its automatic restarts.
// The returned task reflects the state after the attempt, even if it failed.
func (s *Supervisor) Start(ctx context.Context, ref string) (*Task, error) {
	var task *Task
	var opErr error

	err := s.store.Update(ctx, func(reg *Registry) error {
		t, err := reg.Lookup(ref)
		if err != nil {
			return err
		}

		opErr = s.ctrl.Start(t)
		if opErr == nil || errors.Is(opErr, ErrSpawnFailed) {
			t.RestartBase = t.RestartCount
		}

		task = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return task, opErr
}

// Stop stops the task. Stopping a task that isn't running is not an error.
func (s *Supervisor) Stop(ctx context.Context, ref string) (*Task, error) {
	var task *Task
	var opErr error

	err := s.store.Update(ctx, func(reg *Registry) error {
		t, err := reg.Lookup(ref)
		if err != nil {
			return err
		}

		opErr = s.stop(t)
		task = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return task, opErr
}

func (s *Supervisor) stop(t *Task) error {
	err := s.ctrl.Stop(t)
	if errors.Is(err, ErrNotRunning) {
		warn(s.j, "supervisor", t.Name, err)
		return nil
	}
	return err
}

// Status returns the task after reconciling it.
func (s *Supervisor) Status(ctx context.Context, ref string) (*Task, error) {
	tasks, err := s.refresh(ctx, func(reg *Registry) ([]*Task, error) {
		t, err := reg.Lookup(ref)
		if err != nil {
			return nil, err
		}
		return []*Task{t}, nil
	})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "%q was removed", ref)
	}

	return tasks[0], nil
}

// List returns every task after reconciling them, ordered by creation time.
func (s *Supervisor) List(ctx context.Context) ([]*Task, error) {
	return s.refresh(ctx, func(reg *Registry) ([]*Task, error) {
		return reg.List(), nil
	})
}

type restartCandidate struct {
	id    string
	delay time.Duration
}

// refresh reconciles the selected tasks and gives each failed task that is
// eligible one automatic restart attempt. The registry is unlocked while
// waiting for the restart delay.
func (s *Supervisor) refresh(
	ctx context.Context, selectFn func(*Registry) ([]*Task, error)) ([]*Task, error) {

	var ids []string
	var candidates []restartCandidate

	err := s.store.Update(ctx, func(reg *Registry) error {
		tasks, err := selectFn(reg)
		if err != nil {
			return err
		}

		for _, t := range tasks {
			ids = append(ids, t.ID)
			s.ctrl.Reconcile(t)

			if delay, ok := s.Policy.Decide(t); ok {
				candidates = append(candidates, restartCandidate{t.ID, delay})
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if err := s.sleep(ctx, c.delay); err != nil {
			return nil, err
		}

		err := s.store.Update(ctx, func(reg *Registry) error {
			t, ok := reg.Tasks[c.id]
			if !ok {
				return nil
			}

			// Another invocation may have acted on the task meanwhile.
			if _, ok := s.Policy.Decide(t); ok {
				s.restart(t, c.delay)
			}

			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	tasks := make([]*Task, 0, len(ids))

	err = s.store.View(ctx, func(reg *Registry) error {
		for _, id := range ids {
			if t, ok := reg.Tasks[id]; ok {
				tasks = append(tasks, t.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return tasks, nil
}

// restart makes one automatic restart attempt. The attempt counts even if the
// process cannot be spawned.
func (s *Supervisor) restart(t *Task, delay time.Duration) {
	t.RestartCount++

	s.j.Write(EventTaskRestarted{
		Task:    t.Name,
		Attempt: s.Policy.Attempts(t),
		Delay:   delay,
	})

	if err := s.ctrl.Start(t); err != nil {
		warn(s.j, "restart", t.Name, err)
	}
}

// Remove stops the task if needed and unregisters it. Its capture files are
// deleted unless keepLogs is true. If the task can't be stopped, it is kept.
func (s *Supervisor) Remove(ctx context.Context, ref string, keepLogs bool) (*Task, error) {
	var task *Task
	var opErr error

	err := s.store.Update(ctx, func(reg *Registry) error {
		t, err := reg.Lookup(ref)
		if err != nil {
			return err
		}

		if t.Status == StatusRunning {
			if opErr = s.stop(t); opErr != nil {
				return nil
			}
		}

		reg.Remove(t.ID)
		task = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}

	s.j.Write(EventTaskRemoved{
		ID:   task.ID,
		Task: task.Name,
	})

	if !keepLogs {
		if err := logfile.Remove(s.LogsDir, task.ID); err != nil {
			warn(s.j, "logs", task.Name, err)
		}
	}

	return task, nil
}

// lookup returns a copy of the referenced task without reconciling it.
func (s *Supervisor) lookup(ctx context.Context, ref string) (*Task, error) {
	var task *Task

	err := s.store.View(ctx, func(reg *Registry) error {
		t, err := reg.Lookup(ref)
		if err != nil {
			return err
		}
		task = t.Clone()
		return nil
	})

	return task, err
}

func logSources(t *Task, stream logfile.Stream) []logfile.Source {
	var sources []logfile.Source

	if stream == logfile.Stdout || stream == logfile.Both {
		sources = append(sources, logfile.Source{Stream: logfile.Stdout, Path: t.StdoutLogPath})
	}
	if stream == logfile.Stderr || stream == logfile.Both {
		sources = append(sources, logfile.Source{Stream: logfile.Stderr, Path: t.StderrLogPath})
	}

	return sources
}

// Logs returns the last n lines of the selected streams. Both streams are
// returned one after the other, stdout first. A stream without a capture file
// is skipped with a warning.
func (s *Supervisor) Logs(ctx context.Context, ref string, stream logfile.Stream, n int) ([]logfile.Line, error) {
	t, err := s.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}

	return s.tail(t, stream, n)
}

func (s *Supervisor) tail(t *Task, stream logfile.Stream, n int) ([]logfile.Line, error) {
	if n <= 0 {
		n = DefaultLogLines
	}

	var lines []logfile.Line

	for _, src := range logSources(t, stream) {
		texts, err := logfile.Tail(src.Path, n)
		if err != nil {
			if os.IsNotExist(err) {
				warn(s.j, "logs", t.Name, errors.Errorf("no %s log at %s", src.Stream, src.Path))
				continue
			}
			return nil, errors.Wrapf(ErrLogIO, "%v", err)
		}

		for _, text := range texts {
			lines = append(lines, logfile.Line{Stream: src.Stream, Text: text})
		}
	}

	return lines, nil
}

// Follow emits every line appended to the selected streams from now on, until
// ctx is canceled. Content already in the files is not emitted.
func (s *Supervisor) Follow(ctx context.Context, ref string, stream logfile.Stream, emit func(logfile.Line)) error {
	t, err := s.lookup(ctx, ref)
	if err != nil {
		return err
	}

	follower := logfile.Follower{
		Interval: s.FollowInterval,
		OnError:  func(err error) { warn(s.j, "follow", t.Name, err) },
	}

	following, err := follower.Open(logSources(t, stream)...)
	if err != nil {
		return errors.Wrapf(ErrLogIO, "%v", err)
	}

	return following.Run(ctx, emit)
}

// LogFiles describes the capture files of the task, including rotated ones.
func (s *Supervisor) LogFiles(ctx context.Context, ref string) ([]logfile.Info, error) {
	t, err := s.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}

	paths := []string{
		t.StdoutLogPath,
		t.StdoutLogPath + logfile.OldSuffix,
		t.StderrLogPath,
		t.StderrLogPath + logfile.OldSuffix,
	}

	infos := make([]logfile.Info, 0, len(paths))
	for _, path := range paths {
		info, err := logfile.Stat(path)
		if err != nil {
			return nil, errors.Wrapf(ErrLogIO, "%v", err)
		}
		infos = append(infos, info)
	}

	return infos, nil
}

// Diagnose inspects why the task may fail to start. It changes nothing.
func (s *Supervisor) Diagnose(ctx context.Context, ref string) (*Report, error) {
	t, err := s.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}

	return Diagnose(t, s.ctrl.IsAlive), nil
}
