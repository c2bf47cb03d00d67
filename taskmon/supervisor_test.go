//go:build unix

package taskmon

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"git.unix.lgbt/diamondburned/taskmon/taskmon/logfile"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shTask(name, script string) TaskSpec {
	return TaskSpec{
		Name:   name,
		Binary: "/bin/sh",
		Args:   []string{"-c", script},
	}
}

// waitTaskExited waits until the task's current process, if any, is gone.
func waitTaskExited(t *testing.T, s *Supervisor, task *Task) {
	t.Helper()

	if task.Status != StatusRunning {
		return
	}

	assert.Eventually(t, func() bool { return !s.ctrl.IsAlive(task) },
		5*time.Second, 10*time.Millisecond, "task %s did not exit", task.Name)
}

func TestSupervisorNew(t *testing.T) {
	ctx := context.Background()
	s, j := newTestSupervisor(t)

	task, err := s.New(ctx, TaskSpec{
		Name:   "echo",
		Binary: "echo",
		Args:   []string{"hello"},
		Env:    map[string]string{"A": "1"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StatusStopped, task.Status)
	assert.Equal(t, 0, task.PID)
	assert.Equal(t, 0, task.RestartCount)
	assert.Nil(t, task.LastExitCode)
	assert.Equal(t, filepath.Join(s.LogsDir, task.ID, "stdout.log"), task.StdoutLogPath)
	assert.Equal(t, filepath.Join(s.LogsDir, task.ID, "stderr.log"), task.StderrLogPath)

	j.Verify(t, true, []Event{
		EventTaskCreated{ID: task.ID, Task: "echo", Binary: "echo"},
	})

	t.Run("duplicate name", func(t *testing.T) {
		_, err := s.New(ctx, TaskSpec{Name: "echo", Binary: "true"})
		assert.True(t, errors.Is(err, ErrNameTaken), "unexpected error: %v", err)

		tasks, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	})

	t.Run("invalid", func(t *testing.T) {
		specs := []TaskSpec{
			{Name: "", Binary: "true"},
			{Name: "nobinary"},
			{Name: "badenv", Binary: "true", Env: map[string]string{"A=B": "C"}},
		}
		for _, spec := range specs {
			_, err := s.New(ctx, spec)
			assert.True(t, errors.Is(err, ErrInvalidTask), "%#v: unexpected error: %v", spec, err)
		}
	})

	t.Run("relative binary", func(t *testing.T) {
		task, err := s.New(ctx, TaskSpec{Name: "relative", Binary: "./bin/server"})
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(task.Binary), "binary %q is relative", task.Binary)

		task, err = s.New(ctx, TaskSpec{Name: "relative-wd", Binary: "./server", Workdir: "/srv"})
		require.NoError(t, err)
		assert.Equal(t, "./server", task.Binary)
	})

	t.Run("lookup", func(t *testing.T) {
		got, err := s.Status(ctx, task.ID[:8])
		require.NoError(t, err)
		assert.Equal(t, task.ID, got.ID)

		_, err = s.Status(ctx, "nope")
		assert.True(t, errors.Is(err, ErrNotFound), "unexpected error: %v", err)
	})
}

func TestSupervisorLifecycle(t *testing.T) {
	requireShell(t)

	ctx := context.Background()
	s, _ := newTestSupervisor(t)

	_, err := s.New(ctx, shTask("echo", "echo hello"))
	require.NoError(t, err)

	task, err := s.Start(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, task.Status)
	assert.NotZero(t, task.PID)
	assertConsistent(t, task)

	waitTaskExited(t, s, task)

	task, err = s.Status(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, task.Status)
	assert.Equal(t, 0, task.PID)
	require.NotNil(t, task.LastExitCode)
	assert.Equal(t, 0, *task.LastExitCode)

	lines, err := s.Logs(ctx, "echo", logfile.Stdout, 50)
	require.NoError(t, err)
	assert.Equal(t, []logfile.Line{{Stream: logfile.Stdout, Text: "hello"}}, lines)

	// Stopping a task that isn't running is a no-op.
	task, err = s.Stop(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, task.Status)
}

func TestSupervisorStartStop(t *testing.T) {
	requireShell(t)

	ctx := context.Background()
	s, _ := newTestSupervisor(t)

	_, err := s.New(ctx, shTask("sleep", "sleep 30"))
	require.NoError(t, err)

	first, err := s.Start(ctx, "sleep")
	require.NoError(t, err)

	_, err = s.Start(ctx, "sleep")
	assert.True(t, errors.Is(err, ErrAlreadyRunning), "unexpected error: %v", err)

	task, err := s.Stop(ctx, "sleep")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, task.Status)
	assert.Equal(t, 0, task.PID)
	assert.False(t, s.ctrl.IsAlive(first))

	second, err := s.Start(ctx, "sleep")
	require.NoError(t, err)
	assert.NotEqual(t, first.PID, second.PID)

	tasks, err := s.List(ctx)
	require.NoError(t, err)
	assertConsistent(t, tasks...)
}

func TestSupervisorSpawnFailure(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSupervisor(t)

	_, err := s.New(ctx, TaskSpec{Name: "missing", Binary: "/nonexistent"})
	require.NoError(t, err)

	task, err := s.Start(ctx, "missing")
	assert.True(t, errors.Is(err, ErrSpawnFailed), "unexpected error: %v", err)
	require.NotNil(t, task)
	assert.Equal(t, StatusFailed, task.Status)

	// The failure must have been persisted.
	task, err = s.Status(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 0, task.PID)
}

func TestSupervisorReconcileExternalKill(t *testing.T) {
	requireShell(t)

	ctx := context.Background()
	s, _ := newTestSupervisor(t)

	_, err := s.New(ctx, shTask("sleep", "sleep 30"))
	require.NoError(t, err)

	task, err := s.Start(ctx, "sleep")
	require.NoError(t, err)

	require.NoError(t, syscall.Kill(task.PID, syscall.SIGKILL))
	waitTaskExited(t, s, task)

	tasks, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, StatusFailed, tasks[0].Status)
	assert.Equal(t, ExitSignaled, *tasks[0].LastExitCode)
	assertConsistent(t, tasks...)
}

func TestSupervisorAutoRestart(t *testing.T) {
	requireShell(t)

	ctx := context.Background()
	s, j := newTestSupervisor(t)

	spec := shTask("flaky", "exit 1")
	spec.AutoRestart = true

	_, err := s.New(ctx, spec)
	require.NoError(t, err)

	task, err := s.Start(ctx, "flaky")
	require.NoError(t, err)

	for i := 0; i < DefaultMaxRestarts+3; i++ {
		waitTaskExited(t, s, task)

		before := task.RestartCount

		task, err = s.Status(ctx, "flaky")
		require.NoError(t, err)
		assertConsistent(t, task)

		assert.LessOrEqual(t, task.RestartCount-before, 1, "restarted more than once at once")
		assert.LessOrEqual(t, task.RestartCount, DefaultMaxRestarts)
	}

	assert.Equal(t, DefaultMaxRestarts, task.RestartCount)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 1, *task.LastExitCode)

	var attempts []int
	for _, ev := range j.Journals() {
		if ev, ok := ev.(EventTaskRestarted); ok {
			attempts = append(attempts, ev.Attempt)
		}
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, attempts)

	t.Run("manual start rearms", func(t *testing.T) {
		task, err := s.Start(ctx, "flaky")
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxRestarts, task.RestartBase)

		waitTaskExited(t, s, task)

		task, err = s.Status(ctx, "flaky")
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxRestarts+1, task.RestartCount)
	})
}

func TestSupervisorNoRestartAfterCleanExit(t *testing.T) {
	requireShell(t)

	ctx := context.Background()
	s, _ := newTestSupervisor(t)

	spec := shTask("oneshot", "true")
	spec.AutoRestart = true

	_, err := s.New(ctx, spec)
	require.NoError(t, err)

	task, err := s.Start(ctx, "oneshot")
	require.NoError(t, err)
	waitTaskExited(t, s, task)

	task, err = s.Status(ctx, "oneshot")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, task.Status)
	assert.Equal(t, 0, task.RestartCount)
}

func TestSupervisorRemove(t *testing.T) {
	requireShell(t)

	ctx := context.Background()
	s, j := newTestSupervisor(t)

	_, err := s.New(ctx, shTask("sleep", "echo started; sleep 30"))
	require.NoError(t, err)

	task, err := s.Start(ctx, "sleep")
	require.NoError(t, err)

	removed, err := s.Remove(ctx, "sleep", false)
	require.NoError(t, err)
	assert.Equal(t, task.ID, removed.ID)
	assert.False(t, s.ctrl.IsAlive(task), "removed task is still running")

	_, err = os.Stat(logfile.Dir(s.LogsDir, task.ID))
	assert.True(t, os.IsNotExist(err), "logs were kept: %v", err)

	_, err = s.Status(ctx, "sleep")
	assert.True(t, errors.Is(err, ErrNotFound), "unexpected error: %v", err)

	var found bool
	for _, ev := range j.Journals() {
		if ev == (EventTaskRemoved{ID: task.ID, Task: "sleep"}) {
			found = true
		}
	}
	assert.True(t, found, "no removal event")

	t.Run("keep logs", func(t *testing.T) {
		_, err := s.New(ctx, shTask("echo", "echo hi"))
		require.NoError(t, err)

		task, err := s.Start(ctx, "echo")
		require.NoError(t, err)
		waitTaskExited(t, s, task)

		_, err = s.Remove(ctx, "echo", true)
		require.NoError(t, err)

		_, err = os.Stat(task.StdoutLogPath)
		assert.NoError(t, err)
	})
}

func TestSupervisorLogs(t *testing.T) {
	requireShell(t)

	ctx := context.Background()
	s, j := newTestSupervisor(t)

	_, err := s.New(ctx, shTask("noisy", "echo out1; echo out2; echo err1 >&2; echo err2 >&2"))
	require.NoError(t, err)

	t.Run("before start", func(t *testing.T) {
		lines, err := s.Logs(ctx, "noisy", logfile.Both, 10)
		require.NoError(t, err)
		assert.Empty(t, lines)
		assert.Equal(t, []string{eventWarning, eventWarning}, j.Types()[1:])
	})

	task, err := s.Start(ctx, "noisy")
	require.NoError(t, err)
	waitTaskExited(t, s, task)

	tests := []struct {
		stream logfile.Stream
		n      int
		lines  []logfile.Line
	}{
		{logfile.Stdout, 10, []logfile.Line{
			{Stream: logfile.Stdout, Text: "out1"},
			{Stream: logfile.Stdout, Text: "out2"},
		}},
		{logfile.Stderr, 1, []logfile.Line{
			{Stream: logfile.Stderr, Text: "err2"},
		}},
		{logfile.Both, 1, []logfile.Line{
			{Stream: logfile.Stdout, Text: "out2"},
			{Stream: logfile.Stderr, Text: "err2"},
		}},
	}

	for _, test := range tests {
		lines, err := s.Logs(ctx, "noisy", test.stream, test.n)
		require.NoError(t, err)
		assert.Equal(t, test.lines, lines, "stream %s", test.stream)
	}

	infos, err := s.LogFiles(ctx, "noisy")
	require.NoError(t, err)
	require.Len(t, infos, 4)
	assert.True(t, infos[0].Exists)
	assert.False(t, infos[1].Exists)
}

func TestSupervisorFollow(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, _ := newTestSupervisor(t)
	s.FollowInterval = 10 * time.Millisecond

	trigger := filepath.Join(t.TempDir(), "go")
	script := "echo old1; echo old2; " +
		"while [ ! -e " + trigger + " ]; do sleep 0.02; done; " +
		"echo new1; echo new2; sleep 30"

	_, err := s.New(ctx, shTask("ticker", script))
	require.NoError(t, err)

	_, err = s.Start(ctx, "ticker")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		lines, err := s.Logs(ctx, "ticker", logfile.Stdout, 10)
		return err == nil && len(lines) == 2
	}, 5*time.Second, 10*time.Millisecond)

	lines := make(chan logfile.Line, 10)
	done := make(chan error, 1)

	followCtx, stop := context.WithCancel(ctx)
	go func() {
		done <- s.Follow(followCtx, "ticker", logfile.Stdout, func(l logfile.Line) { lines <- l })
	}()

	// Give Follow time to position itself at the end of the file.
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, os.WriteFile(trigger, nil, 0600))

	var got []string
	for len(got) == 0 || got[len(got)-1] != "new2" {
		select {
		case l := <-lines:
			got = append(got, l.Text)
		case <-ctx.Done():
			t.Fatal("timed out following, got", got)
		}
	}

	// Anything emitted twice would show up shortly after.
	time.Sleep(100 * time.Millisecond)
	stop()
	require.NoError(t, <-done)

	close(lines)
	for l := range lines {
		got = append(got, l.Text)
	}

	assert.Equal(t, []string{"new1", "new2"}, got)
}

func TestSupervisorDiagnose(t *testing.T) {
	requireShell(t)

	ctx := context.Background()
	s, _ := newTestSupervisor(t)

	dir := t.TempDir()

	script := filepath.Join(dir, "noexec.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho hi\n"), 0644))

	badShebang := filepath.Join(dir, "badshebang.sh")
	require.NoError(t, os.WriteFile(badShebang, []byte("#!/nonexistent/interpreter\n"), 0755))

	tests := []struct {
		spec   TaskSpec
		failed []string
	}{
		{TaskSpec{Name: "ok", Binary: "/bin/sh"}, nil},
		{TaskSpec{Name: "missing", Binary: "/nonexistent"}, []string{"binary"}},
		{TaskSpec{Name: "noexec", Binary: script}, []string{"executable"}},
		{TaskSpec{Name: "shebang", Binary: badShebang}, []string{"interpreter"}},
		{TaskSpec{Name: "workdir", Binary: "/bin/sh", Workdir: filepath.Join(dir, "nope")}, []string{"workdir"}},
	}

	for _, test := range tests {
		t.Run(test.spec.Name, func(t *testing.T) {
			_, err := s.New(ctx, test.spec)
			require.NoError(t, err)

			report, err := s.Diagnose(ctx, test.spec.Name)
			require.NoError(t, err)

			var failed []string
			for _, check := range report.Failed() {
				failed = append(failed, check.Name)
				assert.NotEmpty(t, check.Hint, "check %s has no hint", check.Name)
			}

			assert.Equal(t, test.failed, failed)
			assert.Equal(t, len(test.failed) == 0, report.OK())

			// Diagnosing changes nothing.
			task, err := s.Status(ctx, test.spec.Name)
			require.NoError(t, err)
			assert.Equal(t, StatusStopped, task.Status)
		})
	}
}
