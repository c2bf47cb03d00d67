package logfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineCollector collects emitted lines for inspection from another goroutine.
type lineCollector struct {
	mu    sync.Mutex
	lines []Line
}

func (c *lineCollector) emit(l Line) {
	c.mu.Lock()
	c.lines = append(c.lines, l)
	c.mu.Unlock()
}

func (c *lineCollector) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	texts := make([]string, len(c.lines))
	for i, l := range c.lines {
		texts[i] = l.Text
	}
	return texts
}

func appendTo(t *testing.T, path, s string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString(s)
	require.NoError(t, err)
}

// runFollowing starts following in the background and returns a function that
// stops it and waits for it to return.
func runFollowing(t *testing.T, fw *Following, c *lineCollector) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- fw.Run(ctx, c.emit) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("follow did not return after cancellation")
		}
	}
}

func TestFollow(t *testing.T) {
	t.Run("skips existing content", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "stdout.log")
		appendTo(t, path, "old 1\nold 2\n")

		fw, err := (&Follower{Interval: 10 * time.Millisecond}).Open(Source{Stdout, path})
		require.NoError(t, err)

		c := &lineCollector{}
		stop := runFollowing(t, fw, c)
		defer stop()

		appendTo(t, path, "new 1\nnew ")
		appendTo(t, path, "2\n")

		require.Eventually(t, func() bool { return len(c.texts()) == 2 }, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"new 1", "new 2"}, c.texts())
	})

	t.Run("across rotation", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "stdout.log")
		appendTo(t, path, strings.Repeat("existing\n", 100))

		fw, err := (&Follower{Interval: 10 * time.Millisecond}).Open(Source{Stdout, path})
		require.NoError(t, err)

		c := &lineCollector{}
		stop := runFollowing(t, fw, c)
		defer stop()

		var expect []string
		for i := 0; i < 5; i++ {
			line := fmt.Sprintf("before %d", i)
			expect = append(expect, line)
			appendTo(t, path, line+"\n")
		}

		require.NoError(t, os.Rename(path, path+OldSuffix))

		for i := 0; i < 5; i++ {
			line := fmt.Sprintf("after %d", i)
			expect = append(expect, line)
			appendTo(t, path, line+"\n")
		}

		require.Eventually(t, func() bool { return len(c.texts()) >= len(expect) }, 5*time.Second, 10*time.Millisecond)
		time.Sleep(50 * time.Millisecond) // catch duplicates
		assert.Equal(t, expect, c.texts())
	})

	t.Run("truncated", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "stderr.log")
		appendTo(t, path, "one\n")

		fw, err := (&Follower{Interval: 10 * time.Millisecond, NoWatch: true}).Open(Source{Stderr, path})
		require.NoError(t, err)

		c := &lineCollector{}
		stop := runFollowing(t, fw, c)
		defer stop()

		appendTo(t, path, "two\n")
		require.Eventually(t, func() bool { return len(c.texts()) == 1 }, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, os.Truncate(path, 0))
		time.Sleep(50 * time.Millisecond)

		appendTo(t, path, "x\n")
		require.Eventually(t, func() bool { return len(c.texts()) == 2 }, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"two", "x"}, c.texts())
	})

	t.Run("copied and truncated", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "stdout.log")
		appendTo(t, path, "")

		// Polls are far enough apart for the rotation and the next write to
		// land between two of them.
		fw, err := (&Follower{Interval: 300 * time.Millisecond, NoWatch: true}).Open(Source{Stdout, path})
		require.NoError(t, err)

		c := &lineCollector{}
		stop := runFollowing(t, fw, c)
		defer stop()

		appendTo(t, path, "one\n")
		require.Eventually(t, func() bool { return len(c.texts()) == 1 }, 5*time.Second, 5*time.Millisecond)

		appendTo(t, path, "missed\n")

		rotated, err := NewManager(1).RotateLive(path)
		require.NoError(t, err)
		require.True(t, rotated)

		appendTo(t, path, "fresh\n")

		require.Eventually(t, func() bool { return len(c.texts()) >= 3 }, 5*time.Second, 10*time.Millisecond)
		time.Sleep(50 * time.Millisecond) // catch duplicates
		assert.Equal(t, []string{"one", "missed", "fresh"}, c.texts())
	})

	t.Run("long line", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "stdout.log")
		appendTo(t, path, "")

		fw, err := (&Follower{Interval: 10 * time.Millisecond}).Open(Source{Stdout, path})
		require.NoError(t, err)

		c := &lineCollector{}
		stop := runFollowing(t, fw, c)
		defer stop()

		long := strings.Repeat("x", 150*1024)
		appendTo(t, path, long)

		require.Eventually(t, func() bool { return len(c.texts()) == 2 }, 5*time.Second, 10*time.Millisecond)

		appendTo(t, path, "\n")
		require.Eventually(t, func() bool { return len(c.texts()) == 3 }, 5*time.Second, 10*time.Millisecond)

		texts := c.texts()
		assert.Len(t, texts[0], MaxLineSize)
		assert.Len(t, texts[1], MaxLineSize)
		assert.Equal(t, long, strings.Join(texts, ""))
	})

	t.Run("missing file appears", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "stdout.log")

		fw, err := (&Follower{Interval: 10 * time.Millisecond}).Open(Source{Stdout, path})
		require.NoError(t, err)

		c := &lineCollector{}
		stop := runFollowing(t, fw, c)
		defer stop()

		appendTo(t, path, "first\n")
		require.Eventually(t, func() bool { return len(c.texts()) == 1 }, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, "first", c.texts()[0])
	})

	t.Run("flushes partial line on cancel", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "stdout.log")
		appendTo(t, path, "")

		fw, err := (&Follower{Interval: 10 * time.Millisecond}).Open(Source{Stdout, path})
		require.NoError(t, err)

		c := &lineCollector{}
		stop := runFollowing(t, fw, c)

		appendTo(t, path, "no newline")
		time.Sleep(100 * time.Millisecond)
		stop()

		assert.Equal(t, []string{"no newline"}, c.texts())
	})
}
