package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/gateway"
	"github.com/olegkizyma008-rgb/atlas/pkg/llms"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
	"github.com/olegkizyma008-rgb/atlas/pkg/session"
)

// Planner is stage 1: it turns the user message into a validated Todo.
type Planner struct {
	cfg     *config.Config
	gateway gateway.Completer
}

func NewPlanner(cfg *config.Config, g gateway.Completer) *Planner {
	return &Planner{cfg: cfg, gateway: g}
}

// Plan asks the planning model for a TODO and validates it, retrying
// with the diagnostics appended. Exhausted retries surface as
// plan-invalid.
func (p *Planner) Plan(ctx context.Context, sess *session.Session, message string) (*Todo, error) {
	system := plannerPrompt
	if sess.Mode() == session.ModeDev {
		system = fmt.Sprintf(devPlannerPrompt, p.cfg.Dev.LogDir, p.cfg.Dev.ConfigDir)
	}

	messages := []llms.Message{{Role: llms.RoleSystem, Content: system}}
	// Prior turns give the planner referents for "it", "there", etc.
	messages = append(messages, sess.Messages()...)
	messages = append(messages, llms.Message{Role: llms.RoleUser, Content: message})

	retries := p.retries()
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		text, err := completeStage(ctx, p.gateway, p.cfg, config.StagePlanning, gateway.PriorityNormal, true, messages)
		if err != nil {
			return nil, err
		}

		todo, err := parsePlan(message, text)
		if err == nil {
			return todo, nil
		}
		lastErr = err
		slog.Warn("plan rejected, retrying", "attempt", attempt, "error", err)
		messages = append(messages,
			llms.Message{Role: llms.RoleAssistant, Content: text},
			llms.Message{Role: llms.RoleUser, Content: fmt.Sprintf("That plan is invalid: %v. Emit a corrected JSON plan.", err)},
		)
	}
	return nil, protocol.WrapError(protocol.ErrPlanInvalid, lastErr, "planning failed after %d attempts", retries)
}

func (p *Planner) retries() int {
	if p.cfg.Workflow.MaxStageRetries > 0 {
		return p.cfg.Workflow.MaxStageRetries
	}
	return 3
}

func parsePlan(userMessage, text string) (*Todo, error) {
	var parsed struct {
		Items []PlannedItem `json:"items"`
	}
	if err := decodeJSON(text, &parsed); err != nil {
		return nil, err
	}
	return NewTodo(userMessage, parsed.Items)
}
