package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/olegkizyma008-rgb/atlas/pkg/bus"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

// Approvals brokers require_approval verdicts between the executor and
// the client. The executor blocks in Await; the HTTP confirm endpoint
// resolves it. An unanswered request is denied after the timeout.
type Approvals struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]map[string]chan bool
}

func NewApprovals(timeout time.Duration) *Approvals {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Approvals{
		timeout: timeout,
		pending: make(map[string]map[string]chan bool),
	}
}

// Await emits an approval_required event and blocks until the session
// confirms, the timeout elapses or ctx is cancelled. Timeout and
// cancellation both downgrade to deny.
func (a *Approvals) Await(ctx context.Context, emitter *bus.Emitter, itemID, reason string, calls []protocol.ToolCall) bool {
	req := protocol.ApprovalRequest{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		Calls:     calls,
		Reason:    reason,
		ExpiresAt: time.Now().Add(a.timeout),
	}

	ch := make(chan bool, 1)
	sessionID := emitter.SessionID()
	a.mu.Lock()
	if a.pending[sessionID] == nil {
		a.pending[sessionID] = make(map[string]chan bool)
	}
	a.pending[sessionID][req.ID] = ch
	a.mu.Unlock()

	defer a.remove(sessionID, req.ID)

	emitter.Approval(req)

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case confirmed := <-ch:
		return confirmed
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Confirm resolves every pending request of the session. Returns false
// when nothing was waiting.
func (a *Approvals) Confirm(sessionID string, confirmed bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	reqs := a.pending[sessionID]
	if len(reqs) == 0 {
		return false
	}
	for id, ch := range reqs {
		select {
		case ch <- confirmed:
		default:
		}
		delete(reqs, id)
	}
	return true
}

// DenyAll resolves every pending request of the session with deny.
// Called on session cancel.
func (a *Approvals) DenyAll(sessionID string) {
	a.Confirm(sessionID, false)
}

func (a *Approvals) remove(sessionID, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if reqs := a.pending[sessionID]; reqs != nil {
		delete(reqs, id)
		if len(reqs) == 0 {
			delete(a.pending, sessionID)
		}
	}
}
