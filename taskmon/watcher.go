package taskmon

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watcher watches the registry file for changes made by other invocations.
type Watcher struct {
	// Changes is signaled when the registry file may have changed. Signals
	// are coalesced.
	Changes chan struct{}

	w    *fsnotify.Watcher
	j    Journaler
	path string
}

// TryWatch attempts to watch the given file asynchronously, but it will log into
// the journaler if, for some reason, it fails to watch the file.
func TryWatch(ctx context.Context, path string, j Journaler) *Watcher {
	w := newWatcher(path, j)

	go func() {
		if err := w.init(); err != nil {
			warn(j, "watcher", "", fmt.Errorf("not watching registry because: %w", err))
			return
		}

		w.watch(ctx)
	}()

	return w
}

// NewWatcher watches the given file until the context is canceled.
func NewWatcher(ctx context.Context, path string, j Journaler) (*Watcher, error) {
	w := newWatcher(path, j)
	if err := w.init(); err != nil {
		return nil, err
	}

	go w.watch(ctx)
	return w, nil
}

func newWatcher(path string, j Journaler) *Watcher {
	return &Watcher{
		Changes: make(chan struct{}, 1),
		j:       j,
		path:    filepath.Clean(path),
	}
}

func (w *Watcher) init() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}

	// The registry is replaced by renaming, so watch the directory instead of
	// the file.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return errors.Wrap(err, "failed to watch dir")
	}

	w.w = watcher
	return nil
}

func (w *Watcher) watch(ctx context.Context) {
	defer w.w.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			warn(w.j, "watcher", "", errors.Wrap(err, "inotify error"))

		case evt, ok := <-w.w.Events:
			if !ok {
				return
			}
			if !isRegistryChange(evt, w.path) {
				continue
			}

			select {
			case w.Changes <- struct{}{}:
			default:
			}
		}
	}
}

func isRegistryChange(evt fsnotify.Event, path string) bool {
	if filepath.Clean(evt.Name) != path {
		return false
	}
	return evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
}
