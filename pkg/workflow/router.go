package workflow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/gateway"
	"github.com/olegkizyma008-rgb/atlas/pkg/llms"
	"github.com/olegkizyma008-rgb/atlas/pkg/session"
)

// RouteResult is the mode router's output.
type RouteResult struct {
	Mode       session.Mode
	Confidence float64
}

// ModeRouter is stage 0: a small fast classifier with a deterministic
// keyword overlay and the access-code gate for dev mode.
type ModeRouter struct {
	cfg     *config.Config
	gateway gateway.Completer
}

func NewModeRouter(cfg *config.Config, g gateway.Completer) *ModeRouter {
	return &ModeRouter{cfg: cfg, gateway: g}
}

// Route classifies the user message. The access code is required for
// dev mode regardless of what the classifier believes.
func (r *ModeRouter) Route(ctx context.Context, message string) RouteResult {
	hasCode := r.cfg.Mode.AccessCode != "" && strings.Contains(message, r.cfg.Mode.AccessCode)

	// Keyword overlay wins over the classifier.
	if mode, ok := r.keywordHit(message); ok {
		if mode == session.ModeDev && !hasCode {
			mode = session.ModeTask
		}
		return RouteResult{Mode: mode, Confidence: 1}
	}

	result := r.classify(ctx, message)
	if result.Mode == session.ModeDev && !hasCode {
		result.Mode = session.ModeTask
	}
	return result
}

func (r *ModeRouter) keywordHit(message string) (session.Mode, bool) {
	lower := strings.ToLower(message)
	for mode, words := range r.cfg.Mode.Keywords {
		for _, w := range words {
			if w != "" && strings.Contains(lower, strings.ToLower(w)) {
				return session.Mode(mode), true
			}
		}
	}
	return "", false
}

func (r *ModeRouter) classify(ctx context.Context, message string) RouteResult {
	fallback := RouteResult{Mode: r.defaultMode(), Confidence: 0}

	text, err := completeStage(ctx, r.gateway, r.cfg, config.StageModeRouter, gateway.PriorityNormal, true, []llms.Message{
		{Role: llms.RoleSystem, Content: routerPrompt},
		{Role: llms.RoleUser, Content: message},
	})
	if err != nil {
		slog.Warn("mode classifier unavailable, using default mode", "error", err)
		return fallback
	}

	var parsed struct {
		Mode              string  `json:"mode"`
		Confidence        float64 `json:"confidence"`
		RequiresPrivilege bool    `json:"requires_privilege"`
	}
	if err := decodeJSON(text, &parsed); err != nil {
		slog.Warn("mode classifier reply unparseable, using default mode", "error", err)
		return fallback
	}

	switch parsed.Mode {
	case "chat":
		return RouteResult{Mode: session.ModeChat, Confidence: parsed.Confidence}
	case "task":
		return RouteResult{Mode: session.ModeTask, Confidence: parsed.Confidence}
	case "dev":
		if parsed.RequiresPrivilege {
			return RouteResult{Mode: session.ModeDev, Confidence: parsed.Confidence}
		}
		return RouteResult{Mode: session.ModeTask, Confidence: parsed.Confidence}
	}
	return fallback
}

func (r *ModeRouter) defaultMode() session.Mode {
	if r.cfg.Mode.DefaultMode != "" {
		return session.Mode(r.cfg.Mode.DefaultMode)
	}
	return session.ModeChat
}
