package journal

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"git.unix.lgbt/diamondburned/taskmon/taskmon"
	"git.unix.lgbt/diamondburned/taskmon/taskmon/internal/backwardio"
	"github.com/pkg/errors"
)

// ErrMalformed is returned for journal lines that can't be decoded.
var ErrMalformed = errors.New("malformed journal entry")

// Entry is a decoded journal event.
type Entry struct {
	Time  time.Time
	Event taskmon.Event
}

// Reader implements a primitive reader that parses journals written by Writer
// from the bottom up, so the most recent event is read first.
type Reader struct {
	b *backwardio.Scanner
}

// NewReader creates a new journal reader.
func NewReader(r io.ReadSeeker) *Reader {
	return &Reader{backwardio.NewScanner(r)}
}

// Read reads a single entry, starting from the bottom of the file. An EOF error
// is returned if the file has been fully consumed.
func (r *Reader) Read() (Entry, error) {
	var line []byte
	var err error

	for {
		line, err = r.b.ReadUntil('\n')
		if err != nil {
			return Entry{}, err
		}
		if len(line) > 0 {
			break
		}
	}

	return decode(line)
}

func decode(line []byte) (Entry, error) {
	var rawEvent struct {
		Time time.Time       `json:"time"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(line, &rawEvent); err != nil {
		return Entry{}, errors.Wrapf(ErrMalformed, "failed to decode JSON: %v", err)
	}

	event := taskmon.NewEvent(rawEvent.Type)
	if event == nil {
		return Entry{}, errors.Wrapf(ErrMalformed, "unknown event %q", rawEvent.Type)
	}

	if err := json.Unmarshal(rawEvent.Data, event); err != nil {
		return Entry{}, errors.Wrapf(ErrMalformed, "failed to decode event data: %v", err)
	}

	return Entry{Time: rawEvent.Time, Event: event}, nil
}

// ReadLast returns at most the n most recent entries of the journal at path,
// oldest first. Lines that can't be decoded are skipped. A missing journal has
// no entries.
func ReadLast(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to open journal")
	}
	defer f.Close()

	r := NewReader(f)
	entries := make([]Entry, 0, n)

	for len(entries) < n {
		entry, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, ErrMalformed) {
				continue
			}
			return nil, err
		}
		entries = append(entries, entry)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return entries, nil
}
