package provider

import (
	"io"
	"strings"
	"sync"
)

// stderrTailCap bounds how much provider stderr is kept per call.
const stderrTailCap = 4096

// stderrTail keeps the newest slice of a provider's stderr stream.
// Providers use stderr for diagnostic logs only; the tail captured
// during a call is attached to that call's execution result.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newStderrTail(max int) *stderrTail {
	if max <= 0 {
		max = stderrTailCap
	}
	return &stderrTail{max: max}
}

// consume drains the reader until EOF, keeping only the newest max
// bytes. Runs in its own goroutine for the life of the subprocess.
func (t *stderrTail) consume(r io.Reader) {
	chunk := make([]byte, 2048)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			t.write(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

func (t *stderrTail) write(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append(t.buf[:0:0], t.buf[len(t.buf)-t.max:]...)
	}
}

// reset clears the tail at the start of a call so the snapshot holds
// only output produced during that call.
func (t *stderrTail) reset() {
	t.mu.Lock()
	t.buf = t.buf[:0]
	t.mu.Unlock()
}

func (t *stderrTail) snapshot() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
