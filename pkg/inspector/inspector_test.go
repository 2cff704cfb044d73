package inspector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/history"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

func newTestInspector() *Inspector {
	return New(config.InspectorConfig{
		MaxConsecutive: 3,
		MaxTotal:       10,
		DangerousPatterns: []config.PatternConfig{
			{Pattern: `rm\s+-rf\s+/`, Severity: "critical", Reason: "recursive delete from root"},
			{Pattern: `sudo\s`, Severity: "warning", Reason: "privilege escalation"},
		},
		AllowedWritePrefixes: []string{"/home/user/work/", "/tmp/"},
	})
}

func shellCall(cmd string) protocol.ToolCall {
	return protocol.ToolCall{
		Provider:   "shell",
		Tool:       "shell__run_command",
		Parameters: map[string]any{"command": cmd},
	}
}

func TestInspect_SafetyCriticalDenies(t *testing.T) {
	ins := newTestInspector()

	batch := ins.Inspect("task", nil, []protocol.ToolCall{shellCall("rm -rf / --no-preserve-root")})
	assert.Equal(t, VerdictDeny, batch.Verdict)
	require.NotEmpty(t, batch.Reasons)
	assert.Contains(t, batch.Reasons[0], "recursive delete")
}

func TestInspect_SafetyWarningRequiresApproval(t *testing.T) {
	ins := newTestInspector()

	batch := ins.Inspect("task", nil, []protocol.ToolCall{shellCall("sudo systemctl restart nginx")})
	assert.Equal(t, VerdictRequireApproval, batch.Verdict)
}

func TestInspect_WriteOutsidePrefixRequiresApproval(t *testing.T) {
	ins := newTestInspector()

	batch := ins.Inspect("task", nil, []protocol.ToolCall{{
		Provider:   "filesystem",
		Tool:       "filesystem__write_file",
		Parameters: map[string]any{"path": "/etc/passwd", "content": "x"},
	}})
	assert.Equal(t, VerdictRequireApproval, batch.Verdict)
}

func TestInspect_WriteInsidePrefixAllowed(t *testing.T) {
	ins := newTestInspector()

	batch := ins.Inspect("task", nil, []protocol.ToolCall{{
		Provider:   "filesystem",
		Tool:       "filesystem__write_file",
		Parameters: map[string]any{"path": "/tmp/scratch.txt", "content": "x"},
	}})
	assert.Equal(t, VerdictAllow, batch.Verdict)
}

func TestInspect_ChatModeDeniesWrites(t *testing.T) {
	ins := newTestInspector()

	batch := ins.Inspect("chat", nil, []protocol.ToolCall{{
		Provider:   "filesystem",
		Tool:       "filesystem__write_file",
		Parameters: map[string]any{"path": "/tmp/x"},
	}})
	assert.Equal(t, VerdictDeny, batch.Verdict)
}

func TestInspect_ChatModeAllowsReads(t *testing.T) {
	ins := newTestInspector()

	batch := ins.Inspect("chat", nil, []protocol.ToolCall{{
		Provider:   "filesystem",
		Tool:       "filesystem__read_file",
		Parameters: map[string]any{"path": "/tmp/x"},
	}})
	assert.Equal(t, VerdictAllow, batch.Verdict)
}

func TestInspect_RepetitionConsecutiveDenies(t *testing.T) {
	ins := newTestInspector()
	ring := history.NewRing(100)
	call := shellCall("ls")
	for i := 0; i < 3; i++ {
		ring.Record(call, history.OutcomeFailure, time.Millisecond)
	}

	batch := ins.Inspect("task", ring, []protocol.ToolCall{call})
	assert.Equal(t, VerdictDeny, batch.Verdict)
	assert.Contains(t, batch.Reasons[0], "in a row")
}

func TestInspect_RepetitionTotalDenies(t *testing.T) {
	ins := newTestInspector()
	ring := history.NewRing(100)
	call := shellCall("date")
	for i := 0; i < 10; i++ {
		ring.Record(call, history.OutcomeSuccess, time.Millisecond)
		// Break the consecutive streak.
		ring.Record(shellCall("uptime"), history.OutcomeSuccess, time.Millisecond)
	}

	batch := ins.Inspect("task", ring, []protocol.ToolCall{call})
	assert.Equal(t, VerdictDeny, batch.Verdict)
	assert.Contains(t, batch.Reasons[0], "this session")
}

func TestInspect_RepetitionCountsWithinBatch(t *testing.T) {
	ins := newTestInspector()
	call := shellCall("ls")

	// Three identical calls in one batch stay under the consecutive
	// limit; the fourth crosses it even with no prior history.
	batch := ins.Inspect("task", nil, []protocol.ToolCall{call, call, call})
	assert.Equal(t, VerdictAllow, batch.Verdict)

	batch = ins.Inspect("task", nil, []protocol.ToolCall{call, call, call, call})
	assert.Equal(t, VerdictDeny, batch.Verdict)
	require.Len(t, batch.PerCall, 4)
	assert.Equal(t, VerdictAllow, batch.PerCall[2].Verdict)
	assert.Equal(t, VerdictDeny, batch.PerCall[3].Verdict)
	assert.Contains(t, batch.Reasons[0], "in a row")
}

func TestInspect_RepetitionSpansHistoryAndBatch(t *testing.T) {
	ins := newTestInspector()
	ring := history.NewRing(100)
	call := shellCall("ls")
	for i := 0; i < 2; i++ {
		ring.Record(call, history.OutcomeFailure, time.Millisecond)
	}

	// Two dispatches on record plus one earlier in the batch reach the
	// limit for the second batch entry.
	batch := ins.Inspect("task", ring, []protocol.ToolCall{call, call})
	assert.Equal(t, VerdictDeny, batch.Verdict)
	require.Len(t, batch.PerCall, 2)
	assert.Equal(t, VerdictAllow, batch.PerCall[0].Verdict)
	assert.Equal(t, VerdictDeny, batch.PerCall[1].Verdict)
}

func TestInspect_BatchTakesStrictestVerdict(t *testing.T) {
	ins := newTestInspector()

	batch := ins.Inspect("task", nil, []protocol.ToolCall{
		shellCall("ls"),
		shellCall("sudo reboot"),
		shellCall("echo ok"),
	})
	assert.Equal(t, VerdictRequireApproval, batch.Verdict)
	require.Len(t, batch.PerCall, 3)
	assert.Equal(t, VerdictAllow, batch.PerCall[0].Verdict)
	assert.Equal(t, VerdictRequireApproval, batch.PerCall[1].Verdict)
}

func TestStricter(t *testing.T) {
	assert.Equal(t, VerdictDeny, Stricter(VerdictRequireApproval, VerdictDeny))
	assert.Equal(t, VerdictRequireApproval, Stricter(VerdictRequireApproval, VerdictAllow))
	assert.Equal(t, VerdictAllow, Stricter(VerdictAllow, VerdictAllow))
}
