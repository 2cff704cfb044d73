package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/gateway"
	"github.com/olegkizyma008-rgb/atlas/pkg/llms"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

// Reviser covers stages 6 and 7: the minimal adjust and the deep
// replan of a failing item.
type Reviser struct {
	cfg     *config.Config
	gateway gateway.Completer
}

func NewReviser(cfg *config.Config, g gateway.Completer) *Reviser {
	return &Reviser{cfg: cfg, gateway: g}
}

// Adjust asks for the smallest edit that could make the item pass and
// applies it: a changed action, changed success criteria, or up to
// three inserted children.
func (r *Reviser) Adjust(ctx context.Context, todo *Todo, item *Item) error {
	text, err := completeStage(ctx, r.gateway, r.cfg, config.StageAdjust, gateway.PriorityNormal, true, []llms.Message{
		{Role: llms.RoleSystem, Content: adjustPrompt},
		{Role: llms.RoleUser, Content: describeFailure(item)},
	})
	if err != nil {
		return err
	}

	var parsed struct {
		Action          string        `json:"action"`
		SuccessCriteria string        `json:"success_criteria"`
		InsertChildren  []PlannedItem `json:"insert_children"`
	}
	if err := decodeJSON(text, &parsed); err != nil {
		return err
	}

	if parsed.Action != "" {
		item.Action = parsed.Action
	}
	if parsed.SuccessCriteria != "" {
		item.SuccessCriteria = parsed.SuccessCriteria
	}
	if len(parsed.InsertChildren) > 3 {
		parsed.InsertChildren = parsed.InsertChildren[:3]
	}
	if len(parsed.InsertChildren) > 0 {
		if _, err := todo.InsertChildren(item.ID, parsed.InsertChildren); err != nil {
			return err
		}
	}
	return nil
}

// Replan rewrites the failing item as child items, marks it replanned
// and propagates the chain's replan budget to the children.
func (r *Reviser) Replan(ctx context.Context, todo *Todo, item *Item) ([]*Item, error) {
	text, err := completeStage(ctx, r.gateway, r.cfg, config.StageReplan, gateway.PriorityNormal, true, []llms.Message{
		{Role: llms.RoleSystem, Content: replanPrompt},
		{Role: llms.RoleUser, Content: describeFailure(item)},
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Children []PlannedItem `json:"children"`
	}
	if err := decodeJSON(text, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Children) == 0 {
		return nil, protocol.NewError(protocol.ErrPlanInvalid, "replan produced no children").WithItem(item.ID, config.StageReplan)
	}

	children, err := todo.InsertChildren(item.ID, parsed.Children)
	if err != nil {
		return nil, err
	}

	item.Status = StatusReplanned
	item.ReplanCount++
	for _, child := range children {
		child.ReplanCount = item.ReplanCount
	}
	return children, nil
}

// describeFailure renders the item, its results and verdict for the
// revision prompts.
func describeFailure(item *Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Item %s: %s\nSuccess criteria: %s\nAttempts: %d, replans: %d\n",
		item.ID, item.Action, item.SuccessCriteria, item.AttemptCount, item.ReplanCount)
	if item.Verification != nil {
		fmt.Fprintf(&b, "Verifier said: verified=%v confidence=%.0f reasoning=%s\n",
			item.Verification.Verified, item.Verification.Confidence, item.Verification.Reasoning)
	}
	b.WriteString("Execution results:\n")
	b.WriteString(renderResults(item.ExecutionResults))
	return b.String()
}

// Summarizer is stage 8.
type Summarizer struct {
	cfg     *config.Config
	gateway gateway.Completer
}

func NewSummarizer(cfg *config.Config, g gateway.Completer) *Summarizer {
	return &Summarizer{cfg: cfg, gateway: g}
}

// Summarize produces the user-facing wrap-up. A gateway failure falls
// back to a deterministic count summary so the run always closes with
// text.
func (s *Summarizer) Summarize(ctx context.Context, todo *Todo) string {
	counts := todo.Counts()
	metrics, _ := json.Marshal(map[string]int{
		"completed": counts[StatusCompleted],
		"failed":    counts[StatusFailed],
		"skipped":   counts[StatusSkipped],
		"replanned": counts[StatusReplanned],
	})

	text, err := completeStage(ctx, s.gateway, s.cfg, config.StageSummary, gateway.PriorityNormal, false, []llms.Message{
		{Role: llms.RoleSystem, Content: summaryPrompt},
		{Role: llms.RoleUser, Content: fmt.Sprintf("Original request: %s\nItem outcomes: %s\nItems:\n%s", todo.UserMessage, metrics, renderItems(todo))},
	})
	if err != nil || strings.TrimSpace(text) == "" {
		return fmt.Sprintf("Done: %d completed, %d failed, %d skipped.",
			counts[StatusCompleted], counts[StatusFailed], counts[StatusSkipped])
	}
	return strings.TrimSpace(text)
}

func renderItems(todo *Todo) string {
	var b strings.Builder
	for _, item := range todo.Items {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", item.Status, item.ID, item.Action)
	}
	return b.String()
}
