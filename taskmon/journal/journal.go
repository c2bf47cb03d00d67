// Package journal provides implementations of taskmon's Journaler interface:
// a line-delimited JSON journal file shared by every taskmon invocation, and a
// zap logger adapter for the terminal.
package journal

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"git.unix.lgbt/diamondburned/taskmon/taskmon"
	"github.com/gofrs/flock"
	"github.com/natefinch/lumberjack"
	"github.com/pkg/errors"
)

// multiWriter combines multiple journalers.
type multiWriter []taskmon.Journaler

// MultiWriter creates a journaler that writes to multiple other journalers. All
// journalers are written to; the first error is returned.
func MultiWriter(ws ...taskmon.Journaler) taskmon.Journaler {
	return multiWriter(ws)
}

func (ws multiWriter) Write(event taskmon.Event) error {
	var firstErr error
	for _, writer := range ws {
		if err := writer.Write(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Options configures a journal file.
type Options struct {
	// MaxSize is the size in megabytes after which the journal is rotated.
	MaxSize int
	// MaxBackups is the number of rotated journals to keep.
	MaxBackups int
	// LockTimeout bounds the wait for other invocations writing to the same
	// journal.
	LockTimeout time.Duration
}

// DefaultOptions is used for zero fields of Options.
var DefaultOptions = Options{
	MaxSize:     5,
	MaxBackups:  3,
	LockTimeout: 5 * time.Second,
}

// File is a journaler that appends to a journal file that may be shared by many
// processes. Every write is done under a file lock (flock), so events are never
// interleaved and rotation never races with another process' append.
//
// Reading the Journal
//
// The caller does not need to acquire the lock in order to read the written
// journal, as each write appends exactly one complete line. Use ReadLast to
// read the most recent events.
type File struct {
	Writer
	f *lockedFile
}

// Open opens the journal file at path, creating its directory if needed.
func Open(path string, opts Options) (*File, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultOptions.MaxSize
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = DefaultOptions.MaxBackups
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultOptions.LockTimeout
	}

	// Ensure the directory exists.
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrap(err, "failed to create journal directory")
	}

	f := &lockedFile{
		lj: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSize,
			MaxBackups: opts.MaxBackups,
		},
		l:       flock.New(path + ".lock"),
		timeout: opts.LockTimeout,
	}

	return &File{
		Writer: NewWriter(f),
		f:      f,
	}, nil
}

// Path returns the path to the journal file.
func (f *File) Path() string {
	return f.f.lj.Filename
}

// Close releases the file.
func (f *File) Close() error {
	return f.f.lj.Close()
}

type lockedFile struct {
	lj      *lumberjack.Logger
	l       *flock.Flock
	timeout time.Duration
}

func (f *lockedFile) Write(b []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	locked, err := f.l.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return 0, errors.Wrap(err, "failed to acquire journal lock")
	}
	if !locked {
		return 0, errors.New("journal lock not acquired")
	}
	defer f.l.Unlock()

	n, err := f.lj.Write(b)

	// Another process may rotate the file before our next write, so never keep
	// it open across writes.
	if closeErr := f.lj.Close(); err == nil && closeErr != nil {
		err = errors.Wrap(closeErr, "failed to close journal")
	}

	return n, err
}
