// Package history keeps a bounded log of prior tool calls with their
// outcomes. The validation pipeline and the repetition inspector both
// read it; the executor records into it on dispatch.
package history

import (
	"sync"
	"time"

	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

// Outcome labels a recorded call.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entry is one recorded tool call.
type Entry struct {
	Tool       string    `json:"tool"`
	ParamsHash string    `json:"params_hash"`
	Outcome    Outcome   `json:"outcome"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// Ring is a fixed-capacity call history. When full, the oldest entry
// is overwritten.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	size    int
}

// NewRing creates a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Ring{
		entries: make([]Entry, capacity),
	}
}

// Record appends an entry, evicting the oldest when full.
func (r *Ring) Record(call protocol.ToolCall, outcome Outcome, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.head] = Entry{
		Tool:       call.Tool,
		ParamsHash: call.ParamsHash(),
		Outcome:    outcome,
		DurationMs: duration.Milliseconds(),
		Timestamp:  time.Now(),
	}
	r.head = (r.head + 1) % len(r.entries)
	if r.size < len(r.entries) {
		r.size++
	}
}

// Len returns the number of recorded entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the fixed capacity.
func (r *Ring) Capacity() int {
	return len(r.entries)
}

// FailureCount returns how many recorded calls of this exact
// (tool, params) pair failed.
func (r *Ring) FailureCount(tool, paramsHash string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	r.each(func(e Entry) {
		if e.Tool == tool && e.ParamsHash == paramsHash && e.Outcome == OutcomeFailure {
			count++
		}
	})
	return count
}

// Recent returns up to n entries, newest last.
func (r *Ring) Recent(n int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.size {
		n = r.size
	}
	out := make([]Entry, 0, n)
	start := r.size - n
	i := 0
	r.each(func(e Entry) {
		if i >= start {
			out = append(out, e)
		}
		i++
	})
	return out
}

// ConsecutiveTail returns how many of the newest entries are this
// exact (tool, params) pair, stopping at the first mismatch.
func (r *Ring) ConsecutiveTail(tool, paramsHash string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for i := 0; i < r.size; i++ {
		idx := (r.head - 1 - i + len(r.entries)) % len(r.entries)
		e := r.entries[idx]
		if e.Tool == tool && e.ParamsHash == paramsHash {
			count++
			continue
		}
		break
	}
	return count
}

// TotalCount returns how many recorded calls match the pair regardless
// of position.
func (r *Ring) TotalCount(tool, paramsHash string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	r.each(func(e Entry) {
		if e.Tool == tool && e.ParamsHash == paramsHash {
			count++
		}
	})
	return count
}

// each visits entries oldest first. Callers hold the lock.
func (r *Ring) each(fn func(Entry)) {
	for i := 0; i < r.size; i++ {
		idx := (r.head - r.size + i + len(r.entries)) % len(r.entries)
		fn(r.entries[idx])
	}
}
