package workflow

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/gateway"
	"github.com/olegkizyma008-rgb/atlas/pkg/llms"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

// completeStage runs one LLM call for a named stage, applying the
// stage's model, temperature and timeout from configuration.
func completeStage(ctx context.Context, g gateway.Completer, cfg *config.Config, stageName string, priority int, jsonMode bool, messages []llms.Message) (string, error) {
	stage := cfg.StageFor(stageName)
	if timeout := stage.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := g.Complete(ctx, stage.Service, llms.Request{
		Model:       stage.Model,
		Temperature: stage.Temperature,
		MaxTokens:   stage.MaxTokens,
		JSONMode:    jsonMode,
		Messages:    messages,
	}, priority)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// decodeJSON parses an LLM reply into out, tolerating markdown fences
// around the JSON body.
func decodeJSON(text string, out any) error {
	trimmed := stripFences(text)
	if err := json.Unmarshal([]byte(trimmed), out); err != nil {
		return protocol.WrapError(protocol.ErrPlanInvalid, err, "model reply is not the expected JSON")
	}
	return nil
}

// stripFences removes a surrounding ```json ... ``` block if present.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
