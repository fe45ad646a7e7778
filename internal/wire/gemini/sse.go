package gemini

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrStreamDone marks clean end of a Gemini SSE stream.
var ErrStreamDone = errors.New("gemini stream done")

// StreamReader reads a streamGenerateContent alt=sse body; each data line
// is a complete Response chunk.
type StreamReader struct {
	scanner *bufio.Scanner
	timeout time.Duration
	done    bool
}

func NewStreamReader(r io.Reader, idleTimeout time.Duration) *StreamReader {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	sc := bufio.NewScanner(&timedReader{r: r, timeout: idleTimeout})
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &StreamReader{scanner: sc, timeout: idleTimeout}
}

// Next returns the next chunk, or ErrStreamDone at end of stream.
func (sr *StreamReader) Next() (*Response, error) {
	if sr.done {
		return nil, ErrStreamDone
	}
	for sr.scanner.Scan() {
		line := sr.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk Response
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		return &chunk, nil
	}
	sr.done = true
	if err := sr.scanner.Err(); err != nil {
		if errors.Is(err, errIdleTimeout) {
			return nil, fmt.Errorf("stream stalled: no data for %v: %w", sr.timeout, err)
		}
		return nil, fmt.Errorf("stream scan: %w", err)
	}
	return nil, ErrStreamDone
}

var errIdleTimeout = errors.New("sse read idle timeout")

type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		buf []byte
		err error
	}
	ch := make(chan result, 1)
	// The goroutine reads into its own buffer: after a timeout it may
	// still be blocked in Read, and must not scribble on p once the
	// scanner has reused it.
	buf := make([]byte, len(p))
	go func() {
		n, err := t.r.Read(buf)
		ch <- result{buf: buf[:n], err: err}
	}()
	select {
	case res := <-ch:
		return copy(p, res.buf), res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}
