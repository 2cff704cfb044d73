// Package stream fans session events out to client connections. The
// bus already guarantees per-session ordering; the coordinator adds
// reconnection replay from the last acknowledged sequence number and
// a drop policy for slow clients.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/olegkizyma008-rgb/atlas/pkg/bus"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

const (
	// defaultBufferCap bounds the per-connection outbound queue.
	defaultBufferCap = 64
	// defaultStallBudget is how long a full buffer may stall before
	// non-essential events are dropped.
	defaultStallBudget = 5 * time.Second
)

// SendFunc writes one event to the client. Blocking is expected; the
// coordinator's writer goroutine absorbs it.
type SendFunc func(ev protocol.Event) error

// Coordinator serves client connections over the event bus.
type Coordinator struct {
	bus         *bus.Bus
	bufferCap   int
	stallBudget time.Duration
}

func NewCoordinator(b *bus.Bus) *Coordinator {
	return &Coordinator{
		bus:         b,
		bufferCap:   defaultBufferCap,
		stallBudget: defaultStallBudget,
	}
}

// Serve streams session events to send until ctx is cancelled or send
// fails. Events with seq <= lastAck were already delivered to this
// client and are skipped; everything later is replayed from the bus
// history before live events flow.
func (c *Coordinator) Serve(ctx context.Context, sessionID string, lastAck uint64, send SendFunc) error {
	sub := c.bus.Subscribe(sessionID)
	defer sub.Close()

	buf := newOutBuffer(c.bufferCap, c.stallBudget)
	defer buf.close()

	writeErr := make(chan error, 1)
	go func() {
		for {
			ev, ok := buf.pop()
			if !ok {
				writeErr <- nil
				return
			}
			if err := send(ev); err != nil {
				writeErr <- err
				return
			}
		}
	}()

	// Replay history past the client's ack point. Events published
	// between the History call and the Subscribe above are covered by
	// subscribing first and deduplicating on seq.
	delivered := lastAck
	for _, ev := range c.bus.History(sessionID, lastAck+1) {
		if ev.Seq <= delivered {
			continue
		}
		delivered = ev.Seq
		buf.push(ctx, ev)
	}

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				buf.close()
				return <-writeErr
			}
			if ev.Seq <= delivered {
				continue
			}
			// The bus drops on a full subscriber channel; a seq gap
			// means events were lost in flight. Repair from history
			// before delivering the live event.
			if ev.Seq > delivered+1 {
				delivered = c.backfill(ctx, sessionID, delivered, ev.Seq, buf)
			}
			delivered = ev.Seq
			buf.push(ctx, ev)
		case err := <-writeErr:
			return err
		case <-ctx.Done():
			buf.close()
			<-writeErr
			return ctx.Err()
		}
	}
}

// backfill queues the history events in (after, before), returning the
// highest seq queued.
func (c *Coordinator) backfill(ctx context.Context, sessionID string, after, before uint64, buf *outBuffer) uint64 {
	delivered := after
	for _, ev := range c.bus.History(sessionID, after+1) {
		if ev.Seq <= delivered || ev.Seq >= before {
			continue
		}
		delivered = ev.Seq
		buf.push(ctx, ev)
	}
	return delivered
}

// outBuffer is the per-connection queue with the drop policy: when
// full past the stall budget, drop queued TTS chunks first, then
// progress events. Chat, approval, terminal and error events are never
// dropped; the buffer grows for them instead.
type outBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []protocol.Event
	cap    int
	budget time.Duration
	closed bool
}

func newOutBuffer(capacity int, budget time.Duration) *outBuffer {
	b := &outBuffer{cap: capacity, budget: budget}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *outBuffer) push(ctx context.Context, ev protocol.Event) {
	deadline := time.Now().Add(b.budget)

	b.mu.Lock()
	defer b.mu.Unlock()

	for !b.closed && len(b.queue) >= b.cap && !ev.Essential() {
		if time.Now().After(deadline) || ctx.Err() != nil {
			if b.dropOne() {
				break
			}
			// Queue is all essential; drop the incoming event.
			return
		}
		b.waitWithWakeup()
	}
	if b.closed {
		return
	}
	b.queue = append(b.queue, ev)
	b.cond.Broadcast()
}

// dropOne removes the oldest droppable event, TTS before progress.
func (b *outBuffer) dropOne() bool {
	for _, target := range []protocol.EventType{protocol.EventTTS, protocol.EventProgress} {
		for i, queued := range b.queue {
			if queued.Type == target {
				b.queue = append(b.queue[:i], b.queue[i+1:]...)
				slog.Debug("dropped event for slow client", "session", queued.SessionID, "type", target, "seq", queued.Seq)
				return true
			}
		}
	}
	return false
}

// waitWithWakeup waits on the cond with a periodic wakeup so the
// deadline check above runs even when the writer is stuck.
func (b *outBuffer) waitWithWakeup() {
	timer := time.AfterFunc(100*time.Millisecond, b.cond.Broadcast)
	b.cond.Wait()
	timer.Stop()
}

func (b *outBuffer) pop() (protocol.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.queue) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.queue) == 0 {
		return protocol.Event{}, false
	}
	ev := b.queue[0]
	b.queue = b.queue[1:]
	b.cond.Broadcast()
	return ev, true
}

func (b *outBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}
