// Package validation checks planned tool calls before dispatch. The
// pipeline runs five stages in order (format, history, schema,
// provider-sync, semantic); critical stages reject, non-critical ones
// only attach warnings, and the schema and provider-sync stages may
// rewrite the call instead of rejecting it.
package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/history"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
	"github.com/olegkizyma008-rgb/atlas/pkg/tools"
)

// Stage names in pipeline order.
const (
	StageFormat       = "format"
	StageHistory      = "history"
	StageSchema       = "schema"
	StageProviderSync = "provider_sync"
	StageSemantic     = "semantic"
)

// Verdict of one stage for one call.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictWarn Verdict = "warn"
	VerdictFail Verdict = "fail"
)

// Correction records one rewrite applied to a call.
type Correction struct {
	Stage string `json:"stage"`
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// StageResult is the outcome of one stage for one call.
type StageResult struct {
	Stage     string  `json:"stage"`
	Verdict   Verdict `json:"verdict"`
	Reason    string  `json:"reason,omitempty"`
	LatencyMs int64   `json:"latency_ms"`
}

// Result is the pipeline outcome for one call. Call carries every
// compounded correction; when Valid is false, Stage names the critical
// stage that rejected it.
type Result struct {
	Call        protocol.ToolCall `json:"call"`
	Valid       bool              `json:"valid"`
	Stage       string            `json:"stage,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Corrections []Correction      `json:"corrections,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	Stages      []StageResult     `json:"stages,omitempty"`
}

// Corrected reports whether the pipeline rewrote the call.
func (r Result) Corrected() bool { return len(r.Corrections) > 0 }

// SemanticChecker is the optional fifth stage: a second LLM opinion on
// whether the call advances the item's action. Warnings only.
type SemanticChecker interface {
	Check(ctx context.Context, action string, call protocol.ToolCall) (ok bool, note string, err error)
}

// Pipeline validates batches of tool calls.
type Pipeline struct {
	cfg      config.ValidationConfig
	registry *tools.Registry
	ring     *history.Ring
	semantic SemanticChecker

	metrics *stageMetrics
}

// New creates a pipeline. The semantic checker may be nil; the stage
// is then skipped regardless of configuration.
func New(cfg config.ValidationConfig, reg *tools.Registry, ring *history.Ring, semantic SemanticChecker) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		registry: reg,
		ring:     ring,
		semantic: semantic,
		metrics:  newStageMetrics(),
	}
}

// Validate runs every call through the pipeline under the aggregate
// deadline. Order of results matches order of calls.
func (p *Pipeline) Validate(ctx context.Context, action string, calls []protocol.ToolCall) []Result {
	if timeout := p.cfg.AggregateTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results := make([]Result, len(calls))
	for i, call := range calls {
		results[i] = p.validateOne(ctx, action, call)
	}
	return results
}

func (p *Pipeline) validateOne(ctx context.Context, action string, call protocol.ToolCall) Result {
	// Corrections rewrite the call; keep the caller's map intact.
	call.Parameters = maps.Clone(call.Parameters)
	res := Result{Call: call, Valid: true}

	type stageFn struct {
		name     string
		critical bool
		run      func(ctx context.Context, res *Result) (Verdict, string)
	}
	stages := []stageFn{
		{StageFormat, true, func(_ context.Context, res *Result) (Verdict, string) { return p.checkFormat(res) }},
		{StageHistory, false, func(_ context.Context, res *Result) (Verdict, string) { return p.checkHistory(res) }},
		{StageSchema, true, func(_ context.Context, res *Result) (Verdict, string) { return p.checkSchema(res) }},
		{StageProviderSync, true, func(_ context.Context, res *Result) (Verdict, string) { return p.checkProviderSync(res) }},
		{StageSemantic, false, func(ctx context.Context, res *Result) (Verdict, string) { return p.checkSemantic(ctx, action, res) }},
	}

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			res.Valid = false
			res.Stage = s.name
			res.Reason = "validation deadline exceeded"
			return res
		}

		start := time.Now()
		verdict, reason := s.run(ctx, &res)
		latency := time.Since(start)

		res.Stages = append(res.Stages, StageResult{
			Stage:     s.name,
			Verdict:   verdict,
			Reason:    reason,
			LatencyMs: latency.Milliseconds(),
		})
		p.metrics.observe(s.name, verdict, latency)

		switch verdict {
		case VerdictWarn:
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", s.name, reason))
		case VerdictFail:
			if s.critical {
				res.Valid = false
				res.Stage = s.name
				res.Reason = reason
				if p.cfg.EarlyRejectionEnabled() {
					return res
				}
			} else {
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", s.name, reason))
			}
		}
	}
	return res
}

// checkFormat verifies the structural shape of the call.
func (p *Pipeline) checkFormat(res *Result) (Verdict, string) {
	call := res.Call
	if call.Tool == "" {
		return VerdictFail, "missing tool name"
	}
	provider, _, ok := protocol.SplitCanonical(call.Tool)
	if !ok {
		return VerdictFail, fmt.Sprintf("tool %q is not in provider__action form", call.Tool)
	}
	if call.Provider == "" {
		res.Call.Provider = provider
	} else if call.Provider != provider {
		return VerdictFail, fmt.Sprintf("provider %q does not match tool %q", call.Provider, call.Tool)
	}
	if res.Call.Parameters == nil {
		res.Call.Parameters = map[string]any{}
	}
	return VerdictPass, ""
}

// checkHistory warns when this exact (tool, params) pair has a failure
// streak in the ring. Never blocks on its own.
func (p *Pipeline) checkHistory(res *Result) (Verdict, string) {
	if p.ring == nil {
		return VerdictPass, ""
	}
	threshold := p.cfg.HistoryFailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	failures := p.ring.FailureCount(res.Call.Tool, res.Call.ParamsHash())
	if failures >= threshold {
		return VerdictWarn, fmt.Sprintf("identical call failed %d times before", failures)
	}
	return VerdictPass, ""
}

// checkSchema validates parameters against the advertised input schema
// and renames near-miss keys. An unknown tool passes here; existence is
// the provider-sync stage's concern.
func (p *Pipeline) checkSchema(res *Result) (Verdict, string) {
	def, ok := p.registry.Get(res.Call.Tool)
	if !ok {
		return VerdictPass, ""
	}
	return p.validateAgainstSchema(res, def)
}

func (p *Pipeline) validateAgainstSchema(res *Result, def protocol.ToolDef) (Verdict, string) {
	if len(def.InputSchema) == 0 {
		return VerdictPass, ""
	}

	p.correctParamKeys(res, def)

	sch, err := compileSchema(def.InputSchema)
	if err != nil {
		slog.Warn("tool advertises an uncompilable schema", "tool", def.Name, "error", err)
		return VerdictPass, ""
	}
	if err := sch.Validate(normalizeJSON(res.Call.Parameters)); err != nil {
		return VerdictFail, fmt.Sprintf("parameters do not satisfy schema: %v", err)
	}
	return VerdictPass, ""
}

// correctParamKeys renames parameter keys that are a close Levenshtein
// match to a schema property not already present.
func (p *Pipeline) correctParamKeys(res *Result, def protocol.ToolDef) {
	props := schemaProperties(def.InputSchema)
	if len(props) == 0 {
		return
	}
	threshold := p.threshold()

	for key := range res.Call.Parameters {
		if _, known := props[key]; known {
			continue
		}
		best := ""
		bestScore := 0.0
		for prop := range props {
			if _, taken := res.Call.Parameters[prop]; taken {
				continue
			}
			if s := tools.Similarity(key, prop); s > bestScore {
				best, bestScore = prop, s
			}
		}
		if best == "" || bestScore < threshold {
			continue
		}
		res.Call.Parameters[best] = res.Call.Parameters[key]
		delete(res.Call.Parameters, key)
		res.Corrections = append(res.Corrections, Correction{
			Stage: StageSchema,
			Field: "parameters",
			From:  key,
			To:    best,
		})
		p.metrics.observeCorrection(StageSchema)
	}
}

// checkProviderSync confirms the tool is currently advertised. A
// missing tool with a close enough match within the same provider is
// rewritten; the rewritten call is then re-checked against the new
// tool's schema so compounded corrections stay sound.
func (p *Pipeline) checkProviderSync(res *Result) (Verdict, string) {
	if _, ok := p.registry.Get(res.Call.Tool); ok {
		return VerdictPass, ""
	}

	matches := p.registry.FindSimilar(res.Call.Tool, p.threshold())
	var candidate *protocol.ToolDef
	for i := range matches {
		if matches[i].Provider == res.Call.Provider {
			candidate = &matches[i]
			break
		}
	}
	if candidate == nil {
		return VerdictFail, fmt.Sprintf("tool %q is not advertised by provider %q", res.Call.Tool, res.Call.Provider)
	}

	from := res.Call.Tool
	res.Call.Tool = candidate.Name
	res.Corrections = append(res.Corrections, Correction{
		Stage: StageProviderSync,
		Field: "tool",
		From:  from,
		To:    candidate.Name,
	})
	p.metrics.observeCorrection(StageProviderSync)

	if verdict, reason := p.validateAgainstSchema(res, *candidate); verdict == VerdictFail {
		return VerdictFail, fmt.Sprintf("corrected tool %q: %s", candidate.Name, reason)
	}
	return VerdictPass, ""
}

// checkSemantic asks the optional LLM checker whether the call advances
// the item's action. Warnings only; checker errors are skipped.
func (p *Pipeline) checkSemantic(ctx context.Context, action string, res *Result) (Verdict, string) {
	if !p.cfg.SemanticEnabled || p.semantic == nil || action == "" {
		return VerdictPass, ""
	}
	ok, note, err := p.semantic.Check(ctx, action, res.Call)
	if err != nil {
		slog.Debug("semantic check skipped", "tool", res.Call.Tool, "error", err)
		return VerdictPass, ""
	}
	if !ok {
		return VerdictWarn, note
	}
	return VerdictPass, ""
}

func (p *Pipeline) threshold() float64 {
	if p.cfg.SimilarityThreshold > 0 {
		return p.cfg.SimilarityThreshold
	}
	return tools.DefaultSimilarityThreshold
}

// Metrics returns a read-only snapshot of per-stage counters.
func (p *Pipeline) Metrics() MetricsSnapshot {
	return p.metrics.snapshot()
}

// schemaProperties returns the property map of an object schema.
func schemaProperties(schema map[string]any) map[string]any {
	props, _ := schema["properties"].(map[string]any)
	return props
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return compiler.Compile("tool.json")
}

// normalizeJSON round-trips the parameters through encoding/json so
// the validator sees the same value shapes a decoded request would
// carry (float64 numbers, nested map[string]any).
func normalizeJSON(params map[string]any) any {
	data, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return params
	}
	return out
}
