// Package logfile manages the captured stdout and stderr files of tasks. Each
// stream is an append-only file with at most one rotated ".old" generation,
// which can be tailed or followed while the task keeps writing to it.
package logfile

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DefaultMaxSize is the size in bytes after which a capture file is rotated.
const DefaultMaxSize = 10 << 20

// OldSuffix is appended to a capture file's path to get its rotated sibling.
const OldSuffix = ".old"

// Stream selects which capture files to read.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
	Both   Stream = "both"
)

// ParseStream parses a stream selector.
func ParseStream(s string) (Stream, error) {
	switch stream := Stream(strings.ToLower(s)); stream {
	case Stdout, Stderr, Both:
		return stream, nil
	default:
		return "", errors.Errorf("invalid stream %q, must be stdout, stderr or both", s)
	}
}

// Label returns the short tag used when lines of both streams are shown.
func (s Stream) Label() string {
	switch s {
	case Stdout:
		return "OUT"
	case Stderr:
		return "ERR"
	default:
		return strings.ToUpper(string(s))
	}
}

// Dir returns the directory holding the capture files of the task with the
// given ID. Logs are namespaced by ID so that a recreated task with the same
// name never sees stale logs.
func Dir(logsDir, id string) string {
	return filepath.Join(logsDir, id)
}

// Paths returns the stdout and stderr capture file paths of a task.
func Paths(logsDir, id string) (stdout, stderr string) {
	dir := Dir(logsDir, id)
	return filepath.Join(dir, "stdout.log"), filepath.Join(dir, "stderr.log")
}

// Manager owns the rotation policy of capture files.
type Manager struct {
	MaxSize int64
}

// NewManager creates a new Manager. A non-positive maxSize means
// DefaultMaxSize.
func NewManager(maxSize int64) *Manager {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Manager{MaxSize: maxSize}
}

// OpenCapture rotates the capture file if it grew past MaxSize and opens it for
// appending, creating it and its directory if needed. The returned boolean is
// true if the file was rotated.
func (m *Manager) OpenCapture(path string) (*os.File, bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, false, errors.Wrap(err, "failed to create log directory")
	}

	rotated, err := m.Rotate(path)
	if err != nil {
		return nil, false, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0640)
	if err != nil {
		return nil, rotated, errors.Wrap(err, "failed to open capture file")
	}

	return f, rotated, nil
}

// Rotate renames the file to its ".old" sibling, replacing any previous one, if
// it is larger than MaxSize. It must only be used while nothing holds the file
// open for writing; see RotateLive otherwise. A missing file is not rotated.
func (m *Manager) Rotate(path string) (bool, error) {
	over, err := m.oversized(path)
	if err != nil || !over {
		return false, err
	}

	if err := os.Rename(path, path+OldSuffix); err != nil {
		return false, errors.Wrap(err, "failed to rotate log")
	}

	return true, nil
}

// RotateLive rotates a file that a running process still appends to. The
// content is copied into the ".old" sibling and the file is truncated in place,
// so the writer's append-mode descriptor keeps pointing at the active file.
// Bytes appended between the copy and the truncation are lost.
func (m *Manager) RotateLive(path string) (bool, error) {
	over, err := m.oversized(path)
	if err != nil || !over {
		return false, err
	}

	src, err := os.Open(path)
	if err != nil {
		return false, errors.Wrap(err, "failed to open log")
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".rotate.*")
	if err != nil {
		return false, errors.Wrap(err, "failed to create rotation file")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, src); err != nil {
		return false, errors.Wrap(err, "failed to copy log")
	}

	if err := tmp.Close(); err != nil {
		return false, errors.Wrap(err, "failed to close rotation file")
	}

	if err := os.Rename(tmp.Name(), path+OldSuffix); err != nil {
		return false, errors.Wrap(err, "failed to rotate log")
	}

	if err := os.Truncate(path, 0); err != nil {
		return false, errors.Wrap(err, "failed to truncate log")
	}

	return true, nil
}

func (m *Manager) oversized(path string) (bool, error) {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to stat log")
	}

	return stat.Size() > m.MaxSize, nil
}

// Info describes a capture file on disk.
type Info struct {
	Path   string
	Exists bool
	Size   int64
}

// Stat returns information about the capture file at path.
func Stat(path string) (Info, error) {
	info := Info{Path: path}

	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return info, errors.Wrap(err, "failed to stat log")
	}

	info.Exists = true
	info.Size = stat.Size()
	return info, nil
}

// Remove deletes every capture file of a task.
func Remove(logsDir, id string) error {
	if id == "" {
		return errors.New("refusing to remove logs without a task ID")
	}
	return os.RemoveAll(Dir(logsDir, id))
}
