package workflow

import (
	"context"
	"log/slog"

	"github.com/olegkizyma008-rgb/atlas/pkg/bus"
	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/gateway"
	"github.com/olegkizyma008-rgb/atlas/pkg/history"
	"github.com/olegkizyma008-rgb/atlas/pkg/inspector"
	"github.com/olegkizyma008-rgb/atlas/pkg/llms"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
	"github.com/olegkizyma008-rgb/atlas/pkg/session"
	"github.com/olegkizyma008-rgb/atlas/pkg/stream"
	"github.com/olegkizyma008-rgb/atlas/pkg/tools"
	"github.com/olegkizyma008-rgb/atlas/pkg/validation"
	"github.com/olegkizyma008-rgb/atlas/pkg/voice"
)

// Stage numbers used on emitted events.
const (
	stageRouter    = 0
	stagePlanning  = 1
	stageSelection = 2
	stageToolPlan  = 3
	stageExecution = 4
	stageVerify    = 5
	stageAdjust    = 6
	stageReplan    = 7
	stageSummary   = 8
)

// Deps bundles everything the engine needs.
type Deps struct {
	Config     *config.Config
	Gateway    gateway.Completer
	Tools      *tools.Registry
	Validator  *validation.Pipeline
	Inspector  *inspector.Inspector
	Dispatcher Dispatcher
	Providers  ProviderCatalog
	Approvals  *stream.Approvals
	Voice      *voice.Announcer
	Bus        *bus.Bus

	// History is the process-wide call record shared with the
	// validation pipeline's history stage. Optional.
	History *history.Ring
}

// Engine runs the whole staged workflow for one user message at a
// time per session.
type Engine struct {
	deps Deps

	router      *ModeRouter
	planner     *Planner
	selector    *Selector
	toolPlanner *ToolPlanner
	exec        *ExecStage
	verifier    *Verifier
	reviser     *Reviser
	summarizer  *Summarizer
}

func NewEngine(deps Deps) *Engine {
	return &Engine{
		deps:        deps,
		router:      NewModeRouter(deps.Config, deps.Gateway),
		planner:     NewPlanner(deps.Config, deps.Gateway),
		selector:    NewSelector(deps.Config, deps.Gateway, deps.Providers),
		toolPlanner: NewToolPlanner(deps.Config, deps.Gateway, deps.Tools, deps.Validator),
		exec:        NewExecStage(deps.Inspector, deps.Dispatcher, deps.Approvals, deps.History),
		verifier:    NewVerifier(deps.Config, deps.Gateway, deps.Dispatcher),
		reviser:     NewReviser(deps.Config, deps.Gateway),
		summarizer:  NewSummarizer(deps.Config, deps.Gateway),
	}
}

// HandleMessage drives one user message through stages 0..8, emitting
// events on the bus as it goes. It runs under the session's cancel
// token, not the HTTP request context, so a dropped connection does
// not abort the workflow.
func (e *Engine) HandleMessage(sess *session.Session, message string) {
	ctx := sess.Context()
	sess.Touch()
	emitter := bus.NewEmitter(e.deps.Bus, sess.ID)

	route := e.router.Route(ctx, message)
	sess.SetMode(route.Mode)
	emitter.AtStage(stageRouter).StageTransition(stageRouter, stagePlanning)
	slog.Info("message routed", "session", sess.ID, "mode", route.Mode, "confidence", route.Confidence)

	sess.AppendMessage(llms.Message{Role: llms.RoleUser, Content: message})

	if route.Mode == session.ModeChat {
		e.replyChat(ctx, sess, emitter)
		return
	}

	todo, err := e.planner.Plan(ctx, sess, message)
	if err != nil {
		e.fail(sess, emitter, err)
		return
	}
	sess.SetActiveTodo(todo)
	emitter.AtStage(stagePlanning).Todo(todo.Snapshot())

	cancelled := e.runTodo(ctx, sess, emitter, todo)
	sess.SetActiveTodo(nil)
	if cancelled {
		e.deps.Approvals.DenyAll(sess.ID)
		emitter.Terminal(protocol.TerminalCancelled, "")
		return
	}

	summary := e.summarizer.Summarize(ctx, todo)
	sumEmitter := emitter.AtStage(stageSummary)
	sumEmitter.Chat("assistant", summary)
	e.deps.Voice.Announce(sumEmitter, voice.PointSummary, nil)
	sess.AppendMessage(llms.Message{Role: llms.RoleAssistant, Content: summary})

	status := protocol.TerminalCompleted
	if counts := todo.Counts(); counts[StatusCompleted] == 0 && counts[StatusFailed] > 0 {
		status = protocol.TerminalFailed
	}
	emitter.Terminal(status, summary)
}

// replyChat is the chat-mode short circuit: one model reply over the
// transcript, no TODO.
func (e *Engine) replyChat(ctx context.Context, sess *session.Session, emitter *bus.Emitter) {
	text, err := completeStage(ctx, e.deps.Gateway, e.deps.Config, config.StageSummary, gateway.PriorityNormal, false, sess.Messages())
	if err != nil {
		e.fail(sess, emitter, err)
		return
	}
	emitter.Chat("assistant", text)
	sess.AppendMessage(llms.Message{Role: llms.RoleAssistant, Content: text})
	emitter.Terminal(protocol.TerminalCompleted, "")
}

func (e *Engine) fail(sess *session.Session, emitter *bus.Emitter, err error) {
	kind := protocol.KindOf(err)
	slog.Error("workflow failed", "session", sess.ID, "kind", kind, "error", err)
	emitter.Error(&protocol.Error{Kind: kind, Message: err.Error()})
	if kind == protocol.ErrCancelled {
		emitter.Terminal(protocol.TerminalCancelled, "")
		return
	}
	emitter.Terminal(protocol.TerminalFailed, err.Error())
}

// runTodo is the item scheduler. Returns true when the run was
// cancelled.
func (e *Engine) runTodo(ctx context.Context, sess *session.Session, emitter *bus.Emitter, todo *Todo) bool {
	for {
		if ctx.Err() != nil {
			return true
		}
		if err := sess.WaitIfPaused(ctx); err != nil {
			return true
		}

		item := todo.NextReady()
		if item == nil {
			if !e.scanBlocked(todo, emitter) {
				return false
			}
			continue
		}
		e.runItem(ctx, sess, emitter, todo, item)
	}
}

// scanBlocked advances blocked-check counters for pending items whose
// dependencies are unresolved. Returns false when nothing is pending
// anymore.
func (e *Engine) scanBlocked(todo *Todo, emitter *bus.Emitter) bool {
	blocked := todo.PendingBlocked()
	if len(blocked) == 0 {
		return false
	}

	resolveAt := e.deps.Config.Workflow.BlockedCheckThresholdResolve
	if resolveAt <= 0 {
		resolveAt = 5
	}
	skipAt := e.deps.Config.Workflow.BlockedCheckThresholdSkip
	if skipAt <= 0 {
		skipAt = 10
	}

	for _, item := range blocked {
		item.BlockedCheckCount++
		if item.BlockedCheckCount >= skipAt {
			item.Status = StatusSkipped
			emitter.Progress(item.ID, string(StatusSkipped), "dependencies never resolved")
			continue
		}
		if item.BlockedCheckCount >= resolveAt {
			// A replanned parent never completes; its children stand
			// in for it.
			if todo.SubstituteReplannedDeps(item) {
				item.BlockedCheckCount = 0
			}
		}
	}
	return true
}

func (e *Engine) runItem(ctx context.Context, sess *session.Session, emitter *bus.Emitter, todo *Todo, item *Item) {
	item.Status = StatusPlanning
	emitter.AtStage(stageSelection).Progress(item.ID, string(StatusPlanning), "")

	// An adjusted item keeps its providers and re-enters at tool
	// planning; selection runs only on the first pass.
	if len(item.SelectedProviders) == 0 {
		item.SelectedProviders = e.selector.Select(ctx, item)
	}
	emitter.AtStage(stageSelection).StageTransition(stageSelection, stageToolPlan)

	planned, err := e.toolPlanner.Plan(ctx, item, sess.History)
	if err != nil {
		slog.Warn("tool planning failed", "session", sess.ID, "item", item.ID, "error", err)
		e.adjustOrReplan(ctx, sess, emitter, todo, item)
		return
	}
	item.ToolCalls = planned.Calls

	item.Status = StatusExecuting
	execEmitter := emitter.AtStage(stageExecution)
	execEmitter.Progress(item.ID, string(StatusExecuting), item.Action)
	e.deps.Voice.Announce(execEmitter, voice.PointExecuting, map[string]string{"item": item.ID, "action": item.Action})

	item.ExecutionResults = e.exec.Execute(ctx, sess, execEmitter, item, planned)
	if ctx.Err() != nil {
		return
	}

	item.Status = StatusVerifying
	verifyEmitter := emitter.AtStage(stageVerify)
	verifyEmitter.Progress(item.ID, string(StatusVerifying), "")

	verdict, err := e.verifier.Verify(ctx, item)
	if err != nil {
		slog.Warn("verification failed", "session", sess.ID, "item", item.ID, "error", err)
		e.adjustOrReplan(ctx, sess, emitter, todo, item)
		return
	}
	item.Verification = verdict

	if verdict.Verified {
		item.Status = StatusCompleted
		detail := ""
		if verdict.Override {
			detail = "override_applied"
		}
		verifyEmitter.Progress(item.ID, string(StatusCompleted), detail)
		e.deps.Voice.Announce(verifyEmitter, voice.PointVerified, map[string]string{"item": item.ID})
		return
	}
	e.adjustOrReplan(ctx, sess, emitter, todo, item)
}

// adjustOrReplan decides what happens to a failing item: a minimal
// adjust on the first miss, a deep replan afterwards, and failed when
// the budgets run out.
func (e *Engine) adjustOrReplan(ctx context.Context, sess *session.Session, emitter *bus.Emitter, todo *Todo, item *Item) {
	if ctx.Err() != nil {
		return
	}
	maxAttempts := e.deps.Config.Workflow.MaxItemAttempts
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	maxReplans := e.deps.Config.Workflow.MaxReplans
	if maxReplans <= 0 {
		maxReplans = 3
	}

	if item.AttemptCount < maxAttempts && item.ReplanCount == 0 {
		adjEmitter := emitter.AtStage(stageAdjust)
		if err := e.reviser.Adjust(ctx, todo, item); err == nil {
			item.AttemptCount++
			item.Status = StatusPending
			adjEmitter.Progress(item.ID, string(StatusPending), "adjusted")
			e.deps.Voice.Announce(adjEmitter, voice.PointAdjusting, map[string]string{"item": item.ID})
			adjEmitter.Todo(todo.Snapshot())
			return
		} else {
			slog.Warn("adjust failed, escalating to replan", "session", sess.ID, "item", item.ID, "error", err)
		}
	}

	if item.ReplanCount < maxReplans {
		repEmitter := emitter.AtStage(stageReplan)
		if _, err := e.reviser.Replan(ctx, todo, item); err == nil {
			repEmitter.Progress(item.ID, string(StatusReplanned), "")
			e.deps.Voice.Announce(repEmitter, voice.PointReplanning, map[string]string{"item": item.ID})
			repEmitter.Todo(todo.Snapshot())
			return
		} else {
			slog.Warn("replan failed", "session", sess.ID, "item", item.ID, "error", err)
		}
	}

	item.Status = StatusFailed
	emitter.Progress(item.ID, string(StatusFailed), "")
}
