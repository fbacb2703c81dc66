package provider

import (
	"bufio"
	"bytes"
	"io"
)

// ssePrefix frames data lines in server-sent-events streams.
var ssePrefix = []byte("data: ")

// lineScanner yields the payload lines of a streaming response body.
// In SSE mode it strips the "data: " prefix and drops comment and
// empty lines; otherwise it yields raw non-empty lines (NDJSON).
type lineScanner struct {
	scanner *bufio.Scanner
	sse     bool
}

func newLineScanner(r io.Reader, sse bool) *lineScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &lineScanner{scanner: sc, sse: sse}
}

// Next returns the next payload line, or io.EOF when the stream ends.
func (s *lineScanner) Next() ([]byte, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !s.sse {
			return line, nil
		}
		if bytes.HasPrefix(line, ssePrefix) {
			return bytes.TrimSpace(bytes.TrimPrefix(line, ssePrefix)), nil
		}
		// Ignore SSE comments and non-data fields.
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
