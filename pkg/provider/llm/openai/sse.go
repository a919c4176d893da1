package openai

import (
	"bufio"
	"bytes"
	"io"
)

// sseScanner iterates over the data events of a Server-Sent Events stream.
// Comment lines, event/id fields, and blank event separators are skipped;
// only "data:" payloads are surfaced.
type sseScanner struct {
	scanner *bufio.Scanner
	data    string
	err     error
}

func newSSEScanner(r io.Reader) *sseScanner {
	s := bufio.NewScanner(r)
	// A single delta is small, but tool-call arguments can arrive as one
	// long line on some runtimes.
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseScanner{scanner: s}
}

// Scan advances to the next data event. It returns false at end of stream
// or on a read error; check Err afterwards.
func (s *sseScanner) Scan() bool {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if bytes.HasPrefix(line, []byte("data: ")) {
			s.data = string(bytes.TrimPrefix(line, []byte("data: ")))
			return true
		}
		// "data:" with no space after the colon is also legal SSE.
		if bytes.HasPrefix(line, []byte("data:")) {
			s.data = string(bytes.TrimPrefix(line, []byte("data:")))
			return true
		}
	}
	s.err = s.scanner.Err()
	return false
}

// Data returns the payload of the current event.
func (s *sseScanner) Data() string {
	return s.data
}

// Err returns the first read error encountered, if any.
func (s *sseScanner) Err() error {
	return s.err
}
