package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/gateway"
	"github.com/olegkizyma008-rgb/atlas/pkg/llms"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

// VerifyMode selects how an item's outcome is judged.
type VerifyMode string

const (
	VerifyData   VerifyMode = "data"
	VerifyVisual VerifyMode = "visual"
)

// Verifier is stage 5. It routes between data and visual verification,
// asks a low-temperature model for a verdict and applies the
// acceptance rules.
type Verifier struct {
	cfg        *config.Config
	gateway    gateway.Completer
	dispatcher Dispatcher
}

func NewVerifier(cfg *config.Config, g gateway.Completer, d Dispatcher) *Verifier {
	return &Verifier{cfg: cfg, gateway: g, dispatcher: d}
}

// Verify judges the item's execution results against its success
// criteria. Verification runs at critical priority: a stuck verifier
// stalls the whole item loop.
func (v *Verifier) Verify(ctx context.Context, item *Item) (*Verification, error) {
	mode := v.route(ctx, item)
	results := renderResults(item.ExecutionResults)

	if mode == VerifyVisual {
		if shot := v.captureScreenshot(ctx, item); shot != "" {
			results += "\nScreenshot capture:\n" + shot
		}
	}

	text, err := completeStage(ctx, v.gateway, v.cfg, config.StageVerification, gateway.PriorityCritical, true, []llms.Message{
		{Role: llms.RoleSystem, Content: verifyPrompt},
		{Role: llms.RoleUser, Content: fmt.Sprintf("Success criteria: %s\n\nExecution results:\n%s", item.SuccessCriteria, results)},
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Verified   bool    `json:"verified"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
		Evidence   string  `json:"evidence"`
	}
	if err := decodeJSON(text, &parsed); err != nil {
		return nil, err
	}

	verdict := &Verification{
		Verified:   parsed.Verified,
		Confidence: parsed.Confidence,
		Reasoning:  parsed.Reasoning,
		Evidence:   parsed.Evidence,
	}
	v.applyDecisionRules(verdict)
	return verdict, nil
}

// applyDecisionRules turns the raw model verdict into the accepted
// flag. A verified=false verdict whose prose still describes a match
// is accepted with an override note when confidence is high enough.
func (v *Verifier) applyDecisionRules(verdict *Verification) {
	accept := v.cfg.Verification.AcceptConfidence
	if accept <= 0 {
		accept = 60
	}
	override := v.cfg.Verification.OverrideConfidence
	if override <= 0 {
		override = 80
	}

	if verdict.Verified && verdict.Confidence >= accept {
		return
	}
	if !verdict.Verified && verdict.Confidence >= override && v.matchesKeyword(verdict.Reasoning) {
		verdict.Verified = true
		verdict.Override = true
		return
	}
	verdict.Verified = false
}

func (v *Verifier) matchesKeyword(reasoning string) bool {
	lower := strings.ToLower(reasoning)
	for _, kw := range v.cfg.Verification.MatchKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// route picks data or visual verification: a browser-flavored item
// suggests visual, and the auxiliary model may override the heuristic
// when confident enough.
func (v *Verifier) route(ctx context.Context, item *Item) VerifyMode {
	heuristic := VerifyData
	for _, p := range item.SelectedProviders {
		if strings.Contains(p, "playwright") || strings.Contains(p, "browser") {
			heuristic = VerifyVisual
			break
		}
	}

	text, err := completeStage(ctx, v.gateway, v.cfg, config.StageSemantic, gateway.PriorityNormal, true, []llms.Message{
		{Role: llms.RoleSystem, Content: verifyRoutePrompt},
		{Role: llms.RoleUser, Content: fmt.Sprintf("Action: %s\nSuccess criteria: %s", item.Action, item.SuccessCriteria)},
	})
	if err != nil {
		return heuristic
	}
	var parsed struct {
		Mode       string  `json:"mode"`
		Confidence float64 `json:"confidence"`
	}
	if err := decodeJSON(text, &parsed); err != nil {
		return heuristic
	}

	threshold := v.cfg.Verification.RouteConfidence
	if threshold <= 0 {
		threshold = 0.7
	}
	if parsed.Confidence < threshold {
		return heuristic
	}
	switch VerifyMode(parsed.Mode) {
	case VerifyData, VerifyVisual:
		return VerifyMode(parsed.Mode)
	}
	return heuristic
}

// captureScreenshot dispatches an extra screenshot call against the
// item's providers, best effort.
func (v *Verifier) captureScreenshot(ctx context.Context, item *Item) string {
	for _, provider := range item.SelectedProviders {
		call := protocol.ToolCall{
			Provider:   provider,
			Tool:       protocol.CanonicalName(provider, "browser_take_screenshot"),
			Parameters: map[string]any{},
		}
		result := v.dispatcher.Dispatch(ctx, call)
		if result.Success {
			return result.Content
		}
		slog.Debug("screenshot capture failed", "item", item.ID, "provider", provider, "error", result.Error)
	}
	return ""
}

func renderResults(results []protocol.ExecutionResult) string {
	if len(results) == 0 {
		return "(no tool calls were executed)"
	}
	var b strings.Builder
	for i, r := range results {
		status := "ok"
		if !r.Success {
			status = fmt.Sprintf("error(%s)", r.ErrorKind)
		}
		fmt.Fprintf(&b, "%d. %s [%s, %dms]\n", i+1, r.Call.Tool, status, r.DurationMs)
		if r.Content != "" {
			fmt.Fprintf(&b, "   output: %s\n", truncate(r.Content, 2000))
		}
		if r.Error != "" {
			fmt.Fprintf(&b, "   error: %s\n", truncate(r.Error, 500))
		}
		if r.Stderr != "" {
			fmt.Fprintf(&b, "   stderr: %s\n", truncate(r.Stderr, 500))
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
