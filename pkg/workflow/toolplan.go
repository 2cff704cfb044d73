package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/gateway"
	"github.com/olegkizyma008-rgb/atlas/pkg/history"
	"github.com/olegkizyma008-rgb/atlas/pkg/llms"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
	"github.com/olegkizyma008-rgb/atlas/pkg/tools"
	"github.com/olegkizyma008-rgb/atlas/pkg/validation"
)

// ProviderCatalog is the selection stage's view of the provider
// manager.
type ProviderCatalog interface {
	EnabledProviders() []string
	Descriptions() map[string]string
}

// Selector is stage 2: it picks up to two providers for an item.
type Selector struct {
	cfg       *config.Config
	gateway   gateway.Completer
	providers ProviderCatalog
}

func NewSelector(cfg *config.Config, g gateway.Completer, providers ProviderCatalog) *Selector {
	return &Selector{cfg: cfg, gateway: g, providers: providers}
}

// Select clamps the model's choice to at most two enabled providers
// and guarantees at least one via the configured default.
func (s *Selector) Select(ctx context.Context, item *Item) []string {
	enabled := s.providers.EnabledProviders()
	if len(enabled) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		allowed[name] = true
	}

	var chosen []string
	text, err := completeStage(ctx, s.gateway, s.cfg, config.StageProviderSelection, gateway.PriorityNormal, true, []llms.Message{
		{Role: llms.RoleSystem, Content: fmt.Sprintf(selectionPrompt, s.describeProviders())},
		{Role: llms.RoleUser, Content: item.Action},
	})
	if err == nil {
		var parsed struct {
			Providers []string `json:"providers"`
		}
		if decodeErr := decodeJSON(text, &parsed); decodeErr == nil {
			for _, name := range parsed.Providers {
				if allowed[name] && !contains(chosen, name) {
					chosen = append(chosen, name)
				}
				if len(chosen) == 2 {
					break
				}
			}
		} else {
			slog.Warn("provider selection unparseable, falling back", "item", item.ID, "error", decodeErr)
		}
	} else {
		slog.Warn("provider selection call failed, falling back", "item", item.ID, "error", err)
	}

	if len(chosen) == 0 {
		if def := s.cfg.Workflow.DefaultProvider; def != "" && allowed[def] {
			chosen = []string{def}
		} else {
			chosen = []string{enabled[0]}
		}
	}
	return chosen
}

func (s *Selector) describeProviders() string {
	descs := s.providers.Descriptions()
	names := make([]string, 0, len(descs))
	for name := range descs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, descs[name])
	}
	return b.String()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ToolPlanner is stage 3: it plans the item's tool calls and runs them
// through the validation pipeline, feeding diagnostics back on retry.
type ToolPlanner struct {
	cfg       *config.Config
	gateway   gateway.Completer
	tools     *tools.Registry
	validator *validation.Pipeline
}

func NewToolPlanner(cfg *config.Config, g gateway.Completer, reg *tools.Registry, v *validation.Pipeline) *ToolPlanner {
	return &ToolPlanner{cfg: cfg, gateway: g, tools: reg, validator: v}
}

// PlannedCalls is the stage output: validated, possibly corrected
// calls plus a flag per call marking an applied correction.
type PlannedCalls struct {
	Calls     []protocol.ToolCall
	Corrected []bool
	Reasoning string
}

// Plan emits and validates the tool calls for one item.
func (tp *ToolPlanner) Plan(ctx context.Context, item *Item, ring *history.Ring) (PlannedCalls, error) {
	defs := tp.tools.ForProviders(item.SelectedProviders)
	if len(defs) == 0 {
		return PlannedCalls{}, protocol.NewError(protocol.ErrToolNotFound, "selected providers advertise no tools").WithItem(item.ID, config.StageToolPlanning)
	}

	messages := []llms.Message{
		{Role: llms.RoleSystem, Content: fmt.Sprintf(toolPlanPrompt, renderToolList(defs), renderHistoryTail(ring, 10))},
		{Role: llms.RoleUser, Content: fmt.Sprintf("Action: %s\nSuccess criteria: %s", item.Action, item.SuccessCriteria)},
	}

	retries := tp.retries()
	var lastReason string
	for attempt := 1; attempt <= retries; attempt++ {
		text, err := completeStage(ctx, tp.gateway, tp.cfg, config.StageToolPlanning, gateway.PriorityNormal, true, messages)
		if err != nil {
			return PlannedCalls{}, err
		}

		var parsed struct {
			ToolCalls []protocol.ToolCall `json:"tool_calls"`
			Reasoning string              `json:"reasoning"`
		}
		if err := decodeJSON(text, &parsed); err != nil || len(parsed.ToolCalls) == 0 {
			lastReason = "reply is not a JSON tool plan"
			messages = tp.appendDiagnostics(messages, text, lastReason)
			continue
		}

		results := tp.validator.Validate(ctx, item.Action, parsed.ToolCalls)
		planned := PlannedCalls{Reasoning: parsed.Reasoning}
		valid := true
		var diagnostics []string
		for _, r := range results {
			if !r.Valid {
				valid = false
				diagnostics = append(diagnostics, fmt.Sprintf("%s: %s (%s)", r.Call.Tool, r.Reason, r.Stage))
				continue
			}
			planned.Calls = append(planned.Calls, r.Call)
			planned.Corrected = append(planned.Corrected, r.Corrected())
		}
		if valid {
			return planned, nil
		}
		lastReason = strings.Join(diagnostics, "; ")
		slog.Warn("tool plan rejected by validation, retrying", "item", item.ID, "attempt", attempt, "diagnostics", lastReason)
		messages = tp.appendDiagnostics(messages, text, lastReason)
	}
	return PlannedCalls{}, protocol.NewError(protocol.ErrValidationFailed, "tool planning failed after %d attempts: %s", retries, lastReason).WithItem(item.ID, config.StageToolPlanning)
}

func (tp *ToolPlanner) appendDiagnostics(messages []llms.Message, reply, reason string) []llms.Message {
	return append(messages,
		llms.Message{Role: llms.RoleAssistant, Content: reply},
		llms.Message{Role: llms.RoleUser, Content: fmt.Sprintf("The plan was rejected: %s. Emit a corrected JSON plan.", reason)},
	)
}

func (tp *ToolPlanner) retries() int {
	if tp.cfg.Workflow.MaxStageRetries > 0 {
		return tp.cfg.Workflow.MaxStageRetries
	}
	return 3
}

func renderToolList(defs []protocol.ToolDef) string {
	var b strings.Builder
	for _, def := range defs {
		schema, _ := json.Marshal(def.InputSchema)
		fmt.Fprintf(&b, "- %s: %s schema=%s\n", def.Name, def.Description, schema)
	}
	return b.String()
}

func renderHistoryTail(ring *history.Ring, n int) string {
	if ring == nil {
		return "(none)"
	}
	entries := ring.Recent(n)
	if len(entries) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s %s\n", e.Outcome, e.Tool)
	}
	return b.String()
}
