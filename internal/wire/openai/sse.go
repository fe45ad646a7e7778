package openai

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrStreamDone marks the end of a well-formed stream ([DONE] sentinel or
// EOF after a finish_reason).
var ErrStreamDone = errors.New("openai stream done")

// StreamReader reads a chat-completions text/event-stream body one chunk
// at a time. Reads are guarded by an idle timeout so a stalled upstream
// cannot hold the stream open forever.
type StreamReader struct {
	scanner *bufio.Scanner
	timed   *timedReader
	done    bool
}

// NewStreamReader wraps r with the given per-read idle timeout
// (60s when zero).
func NewStreamReader(r io.Reader, idleTimeout time.Duration) *StreamReader {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	tr := &timedReader{r: r, timeout: idleTimeout}
	sc := bufio.NewScanner(tr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &StreamReader{scanner: sc, timed: tr}
}

// Next returns the next parsed chunk. Returns ErrStreamDone at the
// [DONE] sentinel or clean EOF; unparseable data lines are skipped.
func (sr *StreamReader) Next() (*StreamChunk, error) {
	if sr.done {
		return nil, ErrStreamDone
	}
	for sr.scanner.Scan() {
		line := sr.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sr.done = true
			return nil, ErrStreamDone
		}
		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		return &chunk, nil
	}
	sr.done = true
	if err := sr.scanner.Err(); err != nil {
		if errors.Is(err, errIdleTimeout) {
			return nil, fmt.Errorf("stream stalled: no data for %v: %w", sr.timed.timeout, err)
		}
		return nil, fmt.Errorf("stream scan: %w", err)
	}
	return nil, ErrStreamDone
}

var errIdleTimeout = errors.New("sse read idle timeout")

// timedReader applies a per-Read deadline to an underlying reader.
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
