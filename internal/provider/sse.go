package provider

import (
	"bufio"
	"io"
	"strings"
)

const sseDoneSentinel = "[DONE]"

// sseStream reads line-delimited server-sent events. Only data: lines are
// surfaced; comments and other fields are skipped.
type sseStream struct {
	scanner *bufio.Scanner
	body    io.Closer
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{scanner: scanner, body: body}
}

// next returns the next data payload. done is true on the [DONE] sentinel or
// a clean connection close.
func (s *sseStream) next() (data string, done bool, err error) {
	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == sseDoneSentinel {
			return "", true, nil
		}
		return payload, false, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", false, err
	}
	return "", true, nil
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
