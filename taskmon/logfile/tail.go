package logfile

import (
	"os"

	"git.unix.lgbt/diamondburned/taskmon/taskmon/internal/backwardio"
	"github.com/pkg/errors"
)

// Line is a single line read from a capture file.
type Line struct {
	Stream Stream
	Text   string
}

// Tail returns the last n lines of the file at path. Lines longer than
// bufio.MaxScanTokenSize are cut down to their last bytes. A missing file
// returns an error satisfying os.IsNotExist.
func Tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines, err := backwardio.NewScanner(f).LastLines(n)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = string(line)
	}

	return out, nil
}
