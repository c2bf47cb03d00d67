package taskmon

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"git.unix.lgbt/diamondburned/taskmon/taskmon/logfile"
	"github.com/stretchr/testify/assert"
)

const forever time.Duration = math.MaxInt64

// newNextPID returns a generator of fake PIDs, starting from 1.
func newNextPID() func() int {
	var pid int32
	return func() int { return int(atomic.AddInt32(&pid, 1)) }
}

func newTestTask(t *testing.T, name, binary string, args ...string) *Task {
	dir := t.TempDir()
	stdout, stderr := logfile.Paths(dir, name)

	return &Task{
		ID:            name + "-id",
		Name:          name,
		Binary:        binary,
		Args:          args,
		Env:           map[string]string{},
		Status:        StatusStopped,
		CreatedAt:     time.Now(),
		StdoutLogPath: stdout,
		StderrLogPath: stderr,
	}
}

func requireShell(t *testing.T) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("needs /bin/sh")
	}
}

// waitExited waits until the Controller has reaped the task's process.
func waitExited(t *testing.T, c *Controller, task *Task) {
	t.Helper()

	assert.Eventually(t, func() bool { return !c.IsAlive(task) },
		5*time.Second, 10*time.Millisecond, "process %d did not exit", task.PID)
}


// memStore is a Store that keeps the encoded registry in memory, so every
// transaction goes through the same encoding as a file would.
type memStore struct {
	mu   sync.RWMutex
	data []byte
}

var _ Store = (*memStore)(nil)

func (m *memStore) load() (*Registry, error) {
	reg := NewRegistry()
	if m.data == nil {
		return reg, nil
	}
	if err := json.Unmarshal(m.data, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func (m *memStore) Update(ctx context.Context, fn func(*Registry) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.load()
	if err != nil {
		return err
	}
	if err := fn(reg); err != nil {
		return err
	}

	b, err := json.Marshal(reg)
	if err != nil {
		return err
	}

	m.data = b
	return nil
}

func (m *memStore) View(ctx context.Context, fn func(*Registry) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reg, err := m.load()
	if err != nil {
		return err
	}
	return fn(reg)
}

func newTestSupervisor(t *testing.T) (*Supervisor, *mockJournal) {
	j := &mockJournal{}

	ctrl := NewController(nil, j)
	ctrl.GracePeriod = 500 * time.Millisecond

	s := NewSupervisor(&memStore{}, ctrl, t.TempDir(), j)
	s.sleep = func(context.Context, time.Duration) error { return nil }

	t.Cleanup(func() {
		tasks, _ := s.List(context.Background())
		for _, task := range tasks {
			if task.Status == StatusRunning {
				s.Stop(context.Background(), task.ID)
			}
		}
	})

	return s, j
}

// assertConsistent checks that only running tasks have a PID.
func assertConsistent(t *testing.T, tasks ...*Task) {
	t.Helper()

	for _, task := range tasks {
		if (task.PID != 0) != (task.Status == StatusRunning) {
			t.Errorf("task %s is %s with pid %d", task.Name, task.Status, task.PID)
		}
	}
}
