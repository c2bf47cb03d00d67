// Package store persists the taskmon registry in a JSON file. Every
// transaction holds a file lock (flock) on a sibling lock file for its whole
// duration, so concurrent taskmon invocations are serialized.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"git.unix.lgbt/diamondburned/taskmon/taskmon"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// DefaultLockTimeout is the default time to wait for other invocations to
// release the registry.
var DefaultLockTimeout = 30 * time.Second

// ErrLocked is returned if the registry stayed locked for the whole lock
// timeout.
var ErrLocked = errors.New("registry is locked by another taskmon")

// FileStore is a taskmon.Store backed by a JSON file.
type FileStore struct {
	path        string
	LockTimeout time.Duration
}

var _ taskmon.Store = (*FileStore)(nil)

// New creates a FileStore for the registry file at path. Neither the file nor
// its directory has to exist.
func New(path string) *FileStore {
	return &FileStore{
		path:        path,
		LockTimeout: DefaultLockTimeout,
	}
}

// Path returns the path to the registry file.
func (s *FileStore) Path() string {
	return s.path
}

// Update loads the registry under an exclusive lock and saves it again if fn
// succeeds and changed it.
func (s *FileStore) Update(ctx context.Context, fn func(*taskmon.Registry) error) error {
	unlock, err := s.lock(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	raw, reg, err := s.load()
	if err != nil {
		return err
	}

	if err := fn(reg); err != nil {
		return err
	}

	b, err := json.MarshalIndent(reg, "", "\t")
	if err != nil {
		return errors.Wrap(err, "failed to encode registry")
	}
	b = append(b, '\n')

	if bytes.Equal(b, raw) {
		return nil
	}

	if err := writeFileAtomic(s.path, b, 0600); err != nil {
		return errors.Wrap(err, "failed to save registry")
	}

	return nil
}

// View loads the registry under a shared lock. Changes made by fn are
// discarded.
func (s *FileStore) View(ctx context.Context, fn func(*taskmon.Registry) error) error {
	unlock, err := s.lock(ctx, false)
	if err != nil {
		return err
	}
	defer unlock()

	_, reg, err := s.load()
	if err != nil {
		return err
	}

	return fn(reg)
}

func (s *FileStore) lock(ctx context.Context, exclusive bool) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return nil, errors.Wrap(err, "failed to create registry directory")
	}

	timeout := s.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l := flock.New(s.path + ".lock")

	var locked bool
	var err error

	if exclusive {
		locked, err = l.TryLockContext(ctx, 25*time.Millisecond)
	} else {
		locked, err = l.TryRLockContext(ctx, 25*time.Millisecond)
	}

	if !locked {
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Wrapf(ErrLocked, "waited %v", timeout)
		}
		return nil, errors.Wrap(err, "failed to acquire registry lock")
	}

	return func() { l.Unlock() }, nil
}

// load reads the registry. A missing or empty file is an empty registry; a
// file that doesn't decode is never overwritten.
func (s *FileStore) load() ([]byte, *taskmon.Registry, error) {
	reg := taskmon.NewRegistry()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, reg, nil
		}
		return nil, nil, errors.Wrap(err, "failed to read registry")
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return raw, reg, nil
	}

	if err := json.Unmarshal(raw, reg); err != nil {
		return nil, nil, errors.Wrapf(taskmon.ErrRegistryCorrupt, "%s: %v", s.path, err)
	}

	return raw, reg, nil
}

// writeFileAtomic replaces the file at path so that readers see either the old
// or the new content, even across crashes.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		tmp.Close()
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true

	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
