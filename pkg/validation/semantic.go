package validation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/gateway"
	"github.com/olegkizyma008-rgb/atlas/pkg/llms"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

const semanticSystemPrompt = `You review a single planned tool call against the action it is supposed to accomplish.
Answer strictly as JSON: {"ok": true|false, "note": "<one short sentence>"}.
"ok" is false only when the call clearly cannot advance the action or targets something unrelated.`

// LLMChecker asks a configured model for a second opinion on a tool
// call. It is wired in as the pipeline's semantic stage.
type LLMChecker struct {
	completer gateway.Completer
	service   string
	stage     config.StageConfig
}

func NewLLMChecker(completer gateway.Completer, service string, stage config.StageConfig) *LLMChecker {
	return &LLMChecker{completer: completer, service: service, stage: stage}
}

func (c *LLMChecker) Check(ctx context.Context, action string, call protocol.ToolCall) (bool, string, error) {
	params, err := json.Marshal(call.Parameters)
	if err != nil {
		return false, "", err
	}

	resp, err := c.completer.Complete(ctx, c.service, llms.Request{
		Model:       c.stage.Model,
		Temperature: c.stage.Temperature,
		JSONMode:    true,
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: semanticSystemPrompt},
			{Role: llms.RoleUser, Content: fmt.Sprintf("Action: %s\nTool: %s\nParameters: %s", action, call.Tool, params)},
		},
	}, gateway.PriorityNormal)
	if err != nil {
		return false, "", err
	}

	var verdict struct {
		OK   bool   `json:"ok"`
		Note string `json:"note"`
	}
	if err := json.Unmarshal([]byte(resp.Text), &verdict); err != nil {
		return false, "", fmt.Errorf("semantic checker returned malformed verdict: %w", err)
	}
	return verdict.OK, verdict.Note, nil
}
