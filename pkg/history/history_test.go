package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

func call(tool string, params map[string]any) protocol.ToolCall {
	return protocol.ToolCall{Provider: "p", Tool: tool, Parameters: params}
}

func TestRing_BoundedSize(t *testing.T) {
	r := NewRing(5)
	for i := 0; i < 12; i++ {
		r.Record(call("p__t", map[string]any{"i": i}), OutcomeSuccess, time.Millisecond)
	}

	if r.Len() != 5 {
		t.Errorf("Len() = %d, want 5", r.Len())
	}
	if r.Capacity() != 5 {
		t.Errorf("Capacity() = %d, want 5", r.Capacity())
	}
}

func TestRing_FailureCount(t *testing.T) {
	r := NewRing(10)
	c := call("fs__read_file", map[string]any{"path": "/tmp/x"})

	r.Record(c, OutcomeFailure, time.Millisecond)
	r.Record(c, OutcomeFailure, time.Millisecond)
	r.Record(call("fs__read_file", map[string]any{"path": "/tmp/other"}), OutcomeFailure, time.Millisecond)
	r.Record(c, OutcomeSuccess, time.Millisecond)

	if got := r.FailureCount(c.Tool, c.ParamsHash()); got != 2 {
		t.Errorf("FailureCount() = %d, want 2", got)
	}
}

func TestRing_FailureCountEvicted(t *testing.T) {
	r := NewRing(3)
	c := call("p__t", map[string]any{"k": "v"})

	r.Record(c, OutcomeFailure, time.Millisecond)
	// Push the failure out of the ring.
	for i := 0; i < 3; i++ {
		r.Record(call("p__other", map[string]any{"i": i}), OutcomeSuccess, time.Millisecond)
	}

	if got := r.FailureCount(c.Tool, c.ParamsHash()); got != 0 {
		t.Errorf("FailureCount() after eviction = %d, want 0", got)
	}
}

func TestRing_ConsecutiveTail(t *testing.T) {
	r := NewRing(10)
	c := call("shell__run", map[string]any{"cmd": "ls"})

	r.Record(call("shell__run", map[string]any{"cmd": "pwd"}), OutcomeSuccess, time.Millisecond)
	r.Record(c, OutcomeSuccess, time.Millisecond)
	r.Record(c, OutcomeFailure, time.Millisecond)
	r.Record(c, OutcomeFailure, time.Millisecond)

	if got := r.ConsecutiveTail(c.Tool, c.ParamsHash()); got != 3 {
		t.Errorf("ConsecutiveTail() = %d, want 3", got)
	}

	r.Record(call("shell__run", map[string]any{"cmd": "pwd"}), OutcomeSuccess, time.Millisecond)
	if got := r.ConsecutiveTail(c.Tool, c.ParamsHash()); got != 0 {
		t.Errorf("ConsecutiveTail() after break = %d, want 0", got)
	}
}

func TestRing_Recent(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 6; i++ {
		r.Record(call("p__t", map[string]any{"i": i}), OutcomeSuccess, time.Millisecond)
	}

	recent := r.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("Recent(3) returned %d entries", len(recent))
	}
	// Newest last.
	wantLast := protocol.HashParams(map[string]any{"i": 5})
	if recent[2].ParamsHash != wantLast {
		t.Errorf("Recent() last entry hash mismatch")
	}
}

func TestRing_TotalCount(t *testing.T) {
	r := NewRing(20)
	c := call("p__t", map[string]any{"k": 1})
	for i := 0; i < 4; i++ {
		r.Record(c, OutcomeSuccess, time.Millisecond)
		r.Record(call("p__t", map[string]any{"k": fmt.Sprintf("other-%d", i)}), OutcomeSuccess, time.Millisecond)
	}

	if got := r.TotalCount(c.Tool, c.ParamsHash()); got != 4 {
		t.Errorf("TotalCount() = %d, want 4", got)
	}
}
