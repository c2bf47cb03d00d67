package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"git.unix.lgbt/diamondburned/taskmon/taskmon"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(id, name string) *taskmon.Task {
	return &taskmon.Task{
		ID:        id,
		Name:      name,
		Binary:    "/bin/true",
		Env:       map[string]string{},
		Status:    taskmon.StatusStopped,
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tasks.json")
	s := New(path)

	t.Run("missing", func(t *testing.T) {
		err := s.View(ctx, func(reg *taskmon.Registry) error {
			assert.Equal(t, 0, reg.Len())
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("update", func(t *testing.T) {
		err := s.Update(ctx, func(reg *taskmon.Registry) error {
			return reg.Add(newTask("abc", "web"))
		})
		require.NoError(t, err)

		err = New(path).View(ctx, func(reg *taskmon.Registry) error {
			task, err := reg.Lookup("web")
			require.NoError(t, err)
			assert.Equal(t, "abc", task.ID)
			assert.Equal(t, "/bin/true", task.Binary)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("failed update", func(t *testing.T) {
		errBoom := errors.New("boom")

		err := s.Update(ctx, func(reg *taskmon.Registry) error {
			reg.Remove("abc")
			return errBoom
		})
		assert.Equal(t, errBoom, err)

		err = s.View(ctx, func(reg *taskmon.Registry) error {
			assert.Equal(t, 1, reg.Len())
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("unchanged", func(t *testing.T) {
		before, err := os.Stat(path)
		require.NoError(t, err)

		err = s.Update(ctx, func(reg *taskmon.Registry) error { return nil })
		require.NoError(t, err)

		after, err := os.Stat(path)
		require.NoError(t, err)
		assert.True(t, os.SameFile(before, after), "registry was rewritten")
	})
}

func TestFileStoreCorrupt(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.json")

	const garbage = `{"abc": {"id": "abc", "name": `
	require.NoError(t, os.WriteFile(path, []byte(garbage), 0600))

	s := New(path)

	err := s.View(ctx, func(*taskmon.Registry) error { return nil })
	assert.True(t, errors.Is(err, taskmon.ErrRegistryCorrupt), "unexpected error: %v", err)

	called := false
	err = s.Update(ctx, func(reg *taskmon.Registry) error {
		called = true
		return nil
	})
	assert.True(t, errors.Is(err, taskmon.ErrRegistryCorrupt), "unexpected error: %v", err)
	assert.False(t, called)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, garbage, string(b), "corrupt registry was overwritten")
}

func TestFileStoreConcurrent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.json")

	const n = 16

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			// Separate stores, as if each were its own invocation.
			err := New(path).Update(ctx, func(reg *taskmon.Registry) error {
				return reg.Add(newTask(fmt.Sprint("id", i), fmt.Sprint("task", i)))
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	err := New(path).View(ctx, func(reg *taskmon.Registry) error {
		assert.Equal(t, n, reg.Len())
		return nil
	})
	require.NoError(t, err)
}

func TestFileStoreLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")

	l := flock.New(path + ".lock")
	locked, err := l.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer l.Unlock()

	s := New(path)
	s.LockTimeout = 50 * time.Millisecond

	err = s.Update(context.Background(), func(*taskmon.Registry) error { return nil })
	assert.True(t, errors.Is(err, ErrLocked), "unexpected error: %v", err)
}
