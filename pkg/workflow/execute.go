package workflow

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/olegkizyma008-rgb/atlas/pkg/bus"
	"github.com/olegkizyma008-rgb/atlas/pkg/history"
	"github.com/olegkizyma008-rgb/atlas/pkg/inspector"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
	"github.com/olegkizyma008-rgb/atlas/pkg/session"
	"github.com/olegkizyma008-rgb/atlas/pkg/stream"
)

// Dispatcher relays one tool call to its provider. The provider
// manager is the production implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, call protocol.ToolCall) protocol.ExecutionResult
}

// ExecStage is stage 4: it gates the planned batch through the
// inspector and dispatches it, collecting results in planned order.
type ExecStage struct {
	inspector  *inspector.Inspector
	dispatcher Dispatcher
	approvals  *stream.Approvals
	shared     *history.Ring
}

func NewExecStage(ins *inspector.Inspector, d Dispatcher, approvals *stream.Approvals, shared *history.Ring) *ExecStage {
	return &ExecStage{inspector: ins, dispatcher: d, approvals: approvals, shared: shared}
}

// Execute runs the batch for one item. The whole batch is inspected
// once with the final corrected calls; require_approval suspends the
// batch until the client confirms or the wait times out to deny.
func (e *ExecStage) Execute(ctx context.Context, sess *session.Session, emitter *bus.Emitter, item *Item, planned PlannedCalls) []protocol.ExecutionResult {
	decision := e.inspector.Inspect(string(sess.Mode()), sess.History, planned.Calls)

	switch decision.Verdict {
	case inspector.VerdictDeny:
		return deniedResults(planned.Calls, decision)
	case inspector.VerdictRequireApproval:
		reason := "approval required"
		if len(decision.Reasons) > 0 {
			reason = decision.Reasons[0]
		}
		if !e.approvals.Await(ctx, emitter, item.ID, reason, planned.Calls) {
			return deniedResults(planned.Calls, decision)
		}
	}

	if independentProviders(planned.Calls) {
		return e.dispatchConcurrent(ctx, sess, emitter, item, planned)
	}
	return e.dispatchSequential(ctx, sess, emitter, item, planned)
}

func (e *ExecStage) dispatchSequential(ctx context.Context, sess *session.Session, emitter *bus.Emitter, item *Item, planned PlannedCalls) []protocol.ExecutionResult {
	results := make([]protocol.ExecutionResult, len(planned.Calls))
	for i, call := range planned.Calls {
		if ctx.Err() != nil {
			results[i] = cancelledResult(call)
			continue
		}
		results[i] = e.dispatchOne(ctx, sess, emitter, item, call, planned.Corrected[i])
	}
	return results
}

// dispatchConcurrent runs calls to distinct providers in parallel.
// Per-provider serialization is the manager's concern; results land in
// planned order regardless of completion order.
func (e *ExecStage) dispatchConcurrent(ctx context.Context, sess *session.Session, emitter *bus.Emitter, item *Item, planned PlannedCalls) []protocol.ExecutionResult {
	results := make([]protocol.ExecutionResult, len(planned.Calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range planned.Calls {
		g.Go(func() error {
			results[i] = e.dispatchOne(gctx, sess, emitter, item, call, planned.Corrected[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *ExecStage) dispatchOne(ctx context.Context, sess *session.Session, emitter *bus.Emitter, item *Item, call protocol.ToolCall, corrected bool) protocol.ExecutionResult {
	start := time.Now()
	result := e.dispatcher.Dispatch(ctx, call)

	outcome := history.OutcomeSuccess
	if !result.Success {
		outcome = history.OutcomeFailure
	}
	// Repetition limits count dispatches, so record here and not at
	// validation time. The shared ring feeds the validation pipeline's
	// history stage across sessions.
	sess.History.Record(call, outcome, time.Since(start))
	if e.shared != nil {
		e.shared.Record(call, outcome, time.Since(start))
	}
	emitter.Tool(item.ID, call, corrected, string(outcome), time.Duration(result.DurationMs)*time.Millisecond)
	return result
}

// independentProviders reports whether the batch touches each provider
// at most once, making cross-provider parallel dispatch safe.
func independentProviders(calls []protocol.ToolCall) bool {
	if len(calls) < 2 {
		return false
	}
	seen := make(map[string]bool, len(calls))
	for _, call := range calls {
		if seen[call.Provider] {
			return false
		}
		seen[call.Provider] = true
	}
	return true
}

func deniedResults(calls []protocol.ToolCall, decision inspector.BatchDecision) []protocol.ExecutionResult {
	reason := "denied by inspector"
	if len(decision.Reasons) > 0 {
		reason = decision.Reasons[0]
	}
	results := make([]protocol.ExecutionResult, len(calls))
	for i, call := range calls {
		results[i] = protocol.ExecutionResult{
			Call:      call,
			Success:   false,
			Error:     reason,
			ErrorKind: protocol.ErrDenied,
		}
	}
	return results
}

func cancelledResult(call protocol.ToolCall) protocol.ExecutionResult {
	return protocol.ExecutionResult{
		Call:      call,
		Success:   false,
		Error:     "session cancelled",
		ErrorKind: protocol.ErrCancelled,
	}
}
