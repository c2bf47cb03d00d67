// Package backwardio implements a buffered scanner that scans backwards. It is
// used to read the end of log files and journals without reading them whole.
package backwardio

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
)

var maxTok = bufio.MaxScanTokenSize

// Scanner reads delimited tokens backwards from the end of a reader, similar to
// bufio except things are scanned backwards.
type Scanner struct {
	r   io.ReadSeeker
	buf []byte
	end int64 // last seeked, bound size for buf
}

// NewScanner creates a new backwards scanner. The reader is seeked to its end
// on the first read.
func NewScanner(r io.ReadSeeker) *Scanner {
	return &Scanner{r: r}
}

// LastLines returns at most n of the last lines in their original order. A
// trailing new line at the end of the reader does not count as an empty line.
// The returned lines are copies and are safe to keep.
func (s *Scanner) LastLines(n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}

	lines := make([][]byte, 0, n)
	first := true

	for len(lines) < n {
		tok, err := s.ReadUntil('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}

		if first {
			first = false
			if len(tok) == 0 {
				continue
			}
		}

		lines = append(lines, append([]byte(nil), tok...))
	}

	// Reverse into file order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}

	return lines, nil
}

// ReadUntil reads backwards until the delimiter is encountered. The returned
// slice is only valid until the next call. A token that does not fit in the
// buffer is consumed whole, but only its last bytes are returned.
func (s *Scanner) ReadUntil(delim byte) ([]byte, error) {
	var truncated []byte

	for {
		if s.buf == nil {
			goto fill
		}

		// Seek backwards the buffer until we find a delimiter.
		for i := len(s.buf) - 1; i >= 0; i-- {
			isBOF := i == 0 && s.end == 0

			// If the current byte is not a delimiter AND we have not consumed
			// the whole reader yet, then skip.
			if s.buf[i] != delim && !isBOF {
				continue
			}

			tok := s.buf[i:]
			s.buf = s.buf[:i]

			if len(tok) > 0 && tok[0] == delim {
				tok = tok[1:] // trim prefix delim

				// A delimiter at the very beginning of the reader becomes its
				// own empty token.
				if isBOF && len(tok) > 0 {
					s.buf = s.buf[:1]
				}
			}

			if truncated != nil {
				return truncated, nil
			}
			return tok, nil
		}

		if len(s.buf) == cap(s.buf) {
			// The whole buffer is a single token. Keep its end and drop the
			// rest until the delimiter shows up.
			if truncated == nil {
				truncated = append([]byte(nil), s.buf...)
			}
			s.buf = s.buf[:0]
		}

	fill:
		if err := s.fill(); err != nil {
			if truncated != nil && errors.Is(err, io.EOF) {
				return truncated, nil
			}
			return nil, err
		}
	}
}

func (s *Scanner) fill() error {
	if s.buf == nil {
		o, err := s.r.Seek(0, io.SeekEnd)
		if err != nil {
			return errors.Wrap(err, "failed to find end of file")
		}

		s.end = o
		s.buf = make([]byte, 0, maxTok)
	}

	if s.end == 0 {
		return io.EOF
	}

	// See how much we can actually read into the buffer.
	max := int64(cap(s.buf))

	if len(s.buf) > 0 {
		// The end region of the buffer is reserved for the unconsumed data.
		max -= int64(len(s.buf))
		s.buf = s.buf[:cap(s.buf)]
		copy(s.buf[max:], s.buf)
	}

	seekTo := s.end - max
	min := int64(0)

	// Near the start of the file, the read may not fill up the whole buffer,
	// so the starting bound is shifted by what's left.
	if seekTo < 0 {
		seekTo = 0
		min = max - s.end
	}

	if _, err := s.r.Seek(seekTo, io.SeekStart); err != nil {
		return errors.Wrap(err, "failed to seek backwards")
	}

	s.end = seekTo

	if _, err := io.ReadFull(s.r, s.buf[min:max]); err != nil {
		return errors.Wrap(err, "failed to read seeked chunk")
	}

	// Set the buffer to only the valid chunk.
	s.buf = s.buf[min:cap(s.buf)]

	return nil
}
