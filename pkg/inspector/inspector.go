// Package inspector is the last gate before dispatch. It sees the
// final, post-correction tool call and produces allow,
// require_approval or deny from three checks: safety patterns,
// per-mode permissions and repetition limits.
package inspector

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/history"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

// Verdict of an inspection.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictRequireApproval Verdict = "require_approval"
	VerdictDeny            Verdict = "deny"
)

// strictness orders verdicts for the batch decision.
func strictness(v Verdict) int {
	switch v {
	case VerdictDeny:
		return 2
	case VerdictRequireApproval:
		return 1
	default:
		return 0
	}
}

// Stricter returns the stricter of two verdicts.
func Stricter(a, b Verdict) Verdict {
	if strictness(b) > strictness(a) {
		return b
	}
	return a
}

// Decision is the per-call outcome.
type Decision struct {
	Call    protocol.ToolCall `json:"call"`
	Verdict Verdict           `json:"verdict"`
	Reason  string            `json:"reason,omitempty"`
}

// BatchDecision is the strictest per-call decision over a batch.
type BatchDecision struct {
	Verdict Verdict    `json:"verdict"`
	Reasons []string   `json:"reasons,omitempty"`
	PerCall []Decision `json:"per_call"`
}

type pattern struct {
	re       *regexp.Regexp
	severity string
	reason   string
}

// Inspector applies the three checks. Stateless apart from compiled
// patterns; repetition counts come from the session's history ring.
type Inspector struct {
	cfg      config.InspectorConfig
	patterns []pattern
}

// New compiles the configured dangerous patterns. Uncompilable
// patterns are logged and skipped rather than failing startup.
func New(cfg config.InspectorConfig) *Inspector {
	ins := &Inspector{cfg: cfg}
	for _, p := range cfg.DangerousPatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Warn("skipping uncompilable dangerous pattern", "pattern", p.Pattern, "error", err)
			continue
		}
		severity := p.Severity
		if severity == "" {
			severity = "critical"
		}
		ins.patterns = append(ins.patterns, pattern{re: re, severity: severity, reason: p.Reason})
	}
	return ins
}

// Inspect checks a batch of final tool calls for the given session
// mode. The ring carries this session's dispatch history and may be
// nil (repetition then passes).
func (ins *Inspector) Inspect(mode string, ring *history.Ring, calls []protocol.ToolCall) BatchDecision {
	batch := BatchDecision{Verdict: VerdictAllow}
	// Identical calls earlier in this batch count toward the
	// repetition limits as if they were already dispatched.
	seen := make(map[string]int, len(calls))
	for _, call := range calls {
		key := call.Tool + "\x00" + call.ParamsHash()
		d := ins.inspectOne(mode, ring, call, seen[key])
		seen[key]++
		batch.PerCall = append(batch.PerCall, d)
		if d.Verdict != VerdictAllow {
			batch.Reasons = append(batch.Reasons, fmt.Sprintf("%s: %s", call.Tool, d.Reason))
		}
		batch.Verdict = Stricter(batch.Verdict, d.Verdict)
	}
	return batch
}

func (ins *Inspector) inspectOne(mode string, ring *history.Ring, call protocol.ToolCall, priorInBatch int) Decision {
	d := Decision{Call: call, Verdict: VerdictAllow}

	apply := func(v Verdict, reason string) {
		if strictness(v) > strictness(d.Verdict) {
			d.Verdict = v
			d.Reason = reason
		}
	}

	if v, reason := ins.checkSafety(call); v != VerdictAllow {
		apply(v, reason)
		if v == VerdictDeny {
			return d
		}
	}
	if v, reason := ins.checkPermission(mode, call); v != VerdictAllow {
		apply(v, reason)
		if v == VerdictDeny {
			return d
		}
	}
	if v, reason := ins.checkRepetition(ring, call, priorInBatch); v != VerdictAllow {
		apply(v, reason)
	}
	return d
}

// checkSafety matches the rendered call against the dangerous
// patterns and checks write targets against the allow-listed prefixes.
func (ins *Inspector) checkSafety(call protocol.ToolCall) (Verdict, string) {
	rendered := renderCall(call)
	for _, p := range ins.patterns {
		if !p.re.MatchString(rendered) {
			continue
		}
		reason := p.reason
		if reason == "" {
			reason = fmt.Sprintf("matches dangerous pattern %q", p.re.String())
		}
		if p.severity == "critical" {
			return VerdictDeny, reason
		}
		return VerdictRequireApproval, reason
	}

	if len(ins.cfg.AllowedWritePrefixes) > 0 && isWriteAction(call.Tool) {
		if path, ok := writeTarget(call.Parameters); ok && !ins.pathAllowed(path) {
			return VerdictRequireApproval, fmt.Sprintf("write target %q is outside the allowed prefixes", path)
		}
	}
	return VerdictAllow, ""
}

// checkPermission applies the per-mode table: chat gets read-only
// actions, task and dev get everything the safety check let through.
func (ins *Inspector) checkPermission(mode string, call protocol.ToolCall) (Verdict, string) {
	switch mode {
	case "chat":
		if !isReadOnlyAction(call.Tool) {
			return VerdictDeny, "only read-only tools are permitted in chat mode"
		}
	case "task", "dev":
	default:
		return VerdictDeny, fmt.Sprintf("unknown session mode %q", mode)
	}
	return VerdictAllow, ""
}

// checkRepetition enforces the consecutive and total limits over this
// session's dispatch history plus identical calls already ahead of
// this one in the batch under inspection.
func (ins *Inspector) checkRepetition(ring *history.Ring, call protocol.ToolCall, priorInBatch int) (Verdict, string) {
	maxConsecutive := ins.cfg.MaxConsecutive
	if maxConsecutive <= 0 {
		maxConsecutive = 3
	}
	maxTotal := ins.cfg.MaxTotal
	if maxTotal <= 0 {
		maxTotal = 10
	}

	hash := call.ParamsHash()
	consecutive, total := priorInBatch, priorInBatch
	if ring != nil {
		consecutive += ring.ConsecutiveTail(call.Tool, hash)
		total += ring.TotalCount(call.Tool, hash)
	}
	if consecutive >= maxConsecutive {
		return VerdictDeny, fmt.Sprintf("identical call repeated %d times in a row", consecutive)
	}
	if total >= maxTotal {
		return VerdictDeny, fmt.Sprintf("identical call executed %d times this session", total)
	}
	return VerdictAllow, ""
}

func (ins *Inspector) pathAllowed(path string) bool {
	for _, prefix := range ins.cfg.AllowedWritePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// renderCall flattens the call into one string for pattern matching.
func renderCall(call protocol.ToolCall) string {
	params, err := json.Marshal(call.Parameters)
	if err != nil {
		params = []byte("{}")
	}
	return call.Tool + " " + string(params)
}

var readOnlyVerbs = []string{
	"read", "get", "list", "search", "find", "query", "fetch",
	"stat", "describe", "snapshot", "screenshot", "status",
}

var writeVerbs = []string{
	"write", "create", "delete", "remove", "move", "rename",
	"edit", "append", "mkdir", "copy", "update", "set",
}

func isReadOnlyAction(tool string) bool {
	_, action, ok := protocol.SplitCanonical(tool)
	if !ok {
		action = tool
	}
	for _, v := range readOnlyVerbs {
		if strings.Contains(action, v) {
			return true
		}
	}
	return false
}

func isWriteAction(tool string) bool {
	_, action, ok := protocol.SplitCanonical(tool)
	if !ok {
		action = tool
	}
	for _, v := range writeVerbs {
		if strings.Contains(action, v) {
			return true
		}
	}
	return false
}

// writeTarget pulls the filesystem target out of the parameters.
func writeTarget(params map[string]any) (string, bool) {
	for _, key := range []string{"path", "file", "filename", "destination", "target"} {
		if v, ok := params[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
