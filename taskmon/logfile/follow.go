package logfile

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// DefaultFollowInterval is the polling interval used when following files.
const DefaultFollowInterval = 100 * time.Millisecond

// MaxLineSize is the longest line a Follower buffers. Longer lines are emitted
// in pieces of at most this size.
const MaxLineSize = 64 * 1024

// Source is a capture file to follow.
type Source struct {
	Stream Stream
	Path   string
}

// Follower follows capture files by polling them for growth. Filesystem
// notifications, when available, only shorten the wait until the next poll.
type Follower struct {
	Interval time.Duration
	// OnError is called with errors that do not stop following, such as
	// transient read errors. The failed read is retried on the next poll.
	OnError func(error)
	// NoWatch disables filesystem notifications.
	NoWatch bool
}

// Follow is a shorthand for Open followed by Run.
func (f *Follower) Follow(ctx context.Context, emit func(Line), sources ...Source) error {
	following, err := f.Open(sources...)
	if err != nil {
		return err
	}

	return following.Run(ctx, emit)
}

// Open positions each source at its current end, so content written before
// Open returns is never emitted. A source that does not exist yet is followed
// from its start once it appears.
func (f *Follower) Open(sources ...Source) (*Following, error) {
	tails := make([]*tailer, 0, len(sources))

	for _, src := range sources {
		t := &tailer{src: src}
		if err := t.seekEnd(); err != nil {
			for _, t := range tails {
				t.close()
			}
			return nil, err
		}
		tails = append(tails, t)
	}

	return &Following{f: f, tails: tails}, nil
}

// Following is an opened set of followed files.
type Following struct {
	f     *Follower
	tails []*tailer
}

// Run emits every complete line appended to the sources until the context is
// canceled, at which point a trailing line without a new line is emitted as
// well. All files are closed when Run returns. Run returns nil on
// cancellation. It must only be called once.
func (fw *Following) Run(ctx context.Context, emit func(Line)) error {
	defer fw.Close()

	interval := fw.f.Interval
	if interval <= 0 {
		interval = DefaultFollowInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if !fw.f.NoWatch {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		wake = fw.watch(ctx)
	}

	for {
		for _, t := range fw.tails {
			if err := t.poll(emit); err != nil {
				fw.f.report(errors.Wrapf(err, "failed to follow %s", t.src.Path))
			}
		}

		select {
		case <-ctx.Done():
			for _, t := range fw.tails {
				t.flush(emit)
			}
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// Close closes every followed file. It is only needed if Run is never called.
func (fw *Following) Close() {
	for _, t := range fw.tails {
		t.close()
	}
}

// watch returns a channel that is signaled when any followed file may have
// changed. It returns nil if the files can't be watched.
func (fw *Following) watch(ctx context.Context) <-chan struct{} {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		fw.f.report(errors.Wrap(err, "not watching logs"))
		return nil
	}

	paths := make(map[string]bool, len(fw.tails))
	dirs := make(map[string]bool, len(fw.tails))

	for _, t := range fw.tails {
		paths[filepath.Clean(t.src.Path)] = true

		dir := filepath.Dir(t.src.Path)
		if dirs[dir] {
			continue
		}
		dirs[dir] = true

		if err := w.Add(dir); err != nil {
			fw.f.report(errors.Wrapf(err, "not watching %s", dir))
		}
	}

	wake := make(chan struct{}, 1)

	go func() {
		defer w.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !paths[filepath.Clean(ev.Name)] {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}

			case _, ok := <-w.Errors:
				// Polling covers for anything missed.
				if !ok {
					return
				}
			}
		}
	}()

	return wake
}

func (f *Follower) report(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

// tailer tracks a single followed file.
type tailer struct {
	src     Source
	f       *os.File // nil until the file exists
	old     os.FileInfo
	offset  int64
	partial []byte
	buf     []byte
}

func (t *tailer) seekEnd() error {
	t.old = t.statOld()

	f, err := os.Open(t.src.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "failed to open log")
	}

	off, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return errors.Wrap(err, "failed to seek log")
	}

	t.f = f
	t.offset = off
	return nil
}

func (t *tailer) statOld() os.FileInfo {
	fi, err := os.Stat(t.src.Path + OldSuffix)
	if err != nil {
		return nil
	}
	return fi
}

func (t *tailer) poll(emit func(Line)) error {
	if t.f == nil {
		f, err := os.Open(t.src.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		t.f = f
		t.offset = 0
	}

	held, err := t.f.Stat()
	if err != nil {
		return err
	}

	current, err := os.Stat(t.src.Path)
	if err != nil {
		if os.IsNotExist(err) {
			// Rotated, but the new file doesn't exist yet.
			return t.drain(emit)
		}
		return err
	}

	old := t.statOld()
	oldChanged := old != nil && (t.old == nil || !os.SameFile(t.old, old))

	if !os.SameFile(held, current) {
		// The held descriptor points to a file that was rotated away. What
		// was appended to it before the rotation is emitted first.
		t.old = old

		if err := t.drain(emit); err != nil {
			return err
		}
		t.flush(emit)

		f, err := os.Open(t.src.Path)
		if err != nil {
			return err
		}

		t.f.Close()
		t.f = f
		t.offset = 0

		return t.drain(emit)
	}

	switch {
	case oldChanged && current.Size() < old.Size():
		// Copied into the old file, then truncated in place. The copy holds
		// whatever was appended since the last poll. Until the truncation is
		// seen, the old file is not taken as rotated.
		t.old = old

		if err := t.drainOld(emit); err != nil {
			return err
		}
		t.flush(emit)
		t.offset = 0

	case current.Size() < t.offset:
		// Truncated in place.
		t.flush(emit)
		t.offset = 0
	}

	return t.drain(emit)
}

func (t *tailer) drain(emit func(Line)) error {
	return t.drainFile(t.f, emit)
}

func (t *tailer) drainOld(emit func(Line)) error {
	f, err := os.Open(t.src.Path + OldSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	return t.drainFile(f, emit)
}

// drainFile emits what f holds past the current offset.
func (t *tailer) drainFile(f *os.File, emit func(Line)) error {
	if t.buf == nil {
		t.buf = make([]byte, 32*1024)
	}

	for {
		n, err := f.ReadAt(t.buf, t.offset)
		if n > 0 {
			t.offset += int64(n)
			t.push(t.buf[:n], emit)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// push emits every complete line and keeps the rest for later, up to
// MaxLineSize.
func (t *tailer) push(b []byte, emit func(Line)) {
	t.partial = append(t.partial, b...)

	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}

		emit(Line{Stream: t.src.Stream, Text: string(t.partial[:i])})
		t.partial = t.partial[i+1:]
	}

	for len(t.partial) > MaxLineSize {
		emit(Line{Stream: t.src.Stream, Text: string(t.partial[:MaxLineSize])})
		t.partial = t.partial[MaxLineSize:]
	}

	// Don't pin the consumed bytes.
	t.partial = append([]byte(nil), t.partial...)
}

func (t *tailer) flush(emit func(Line)) {
	if len(t.partial) > 0 {
		emit(Line{Stream: t.src.Stream, Text: string(t.partial)})
		t.partial = nil
	}
}

func (t *tailer) close() {
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
}
