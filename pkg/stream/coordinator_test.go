package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olegkizyma008-rgb/atlas/pkg/bus"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

type capture struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (c *capture) send(ev protocol.Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *capture) seqs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Seq
	}
	return out
}

func waitForEvents(t *testing.T, c *capture, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.events)
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
}

func TestServe_DeliversInOrder(t *testing.T) {
	b := bus.New()
	emitter := bus.NewEmitter(b, "s1")
	c := NewCoordinator(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cap := &capture{}
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, "s1", 0, cap.send) }()

	// Give the subscriber a moment to attach.
	time.Sleep(20 * time.Millisecond)
	emitter.Chat("assistant", "one")
	emitter.Progress("1", "executing", "")
	emitter.Terminal(protocol.TerminalCompleted, "done")

	waitForEvents(t, cap, 3)
	assert.Equal(t, []uint64{1, 2, 3}, cap.seqs())
}

func TestServe_ReplaysFromLastAck(t *testing.T) {
	b := bus.New()
	emitter := bus.NewEmitter(b, "s1")
	emitter.Chat("assistant", "one")
	emitter.Chat("assistant", "two")
	emitter.Chat("assistant", "three")

	c := NewCoordinator(b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cap := &capture{}
	go func() { _ = c.Serve(ctx, "s1", 1, cap.send) }()

	waitForEvents(t, cap, 2)
	assert.Equal(t, []uint64{2, 3}, cap.seqs())
}

func TestServe_NoDuplicatesAcrossReplayAndLive(t *testing.T) {
	b := bus.New()
	emitter := bus.NewEmitter(b, "s1")
	emitter.Chat("assistant", "old")

	c := NewCoordinator(b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cap := &capture{}
	go func() { _ = c.Serve(ctx, "s1", 0, cap.send) }()

	time.Sleep(20 * time.Millisecond)
	emitter.Chat("assistant", "new")

	waitForEvents(t, cap, 2)
	seqs := cap.seqs()
	seen := map[uint64]bool{}
	for _, s := range seqs {
		assert.False(t, seen[s], "seq %d delivered twice", s)
		seen[s] = true
	}
}

func TestBackfill_QueuesMissedRange(t *testing.T) {
	b := bus.New()
	emitter := bus.NewEmitter(b, "s1")
	for i := 0; i < 5; i++ {
		emitter.Chat("assistant", "msg")
	}

	c := NewCoordinator(b)
	buf := newOutBuffer(defaultBufferCap, time.Second)

	// The client saw up to seq 2 and the live channel surfaced seq 5:
	// seqs 3 and 4 were lost to a full subscriber channel.
	got := c.backfill(context.Background(), "s1", 2, 5, buf)
	assert.Equal(t, uint64(4), got)

	ev, ok := buf.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(3), ev.Seq)
	ev, ok = buf.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(4), ev.Seq)
}

func TestServe_RepairsSeqGapFromSlowChannel(t *testing.T) {
	b := bus.New()
	emitter := bus.NewEmitter(b, "s1")
	c := NewCoordinator(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cap := &capture{}
	go func() { _ = c.Serve(ctx, "s1", 0, cap.send) }()
	time.Sleep(20 * time.Millisecond)

	// A burst larger than the subscriber channel loses events between
	// the channel fill and the next successful delivery; the served
	// stream must still be contiguous.
	total := bus.DefaultSubscriberBuffer + 50
	for i := 0; i < total; i++ {
		emitter.Chat("assistant", "msg")
	}
	// Let the channel drain, then emit once more so any gap at the
	// tail of the burst is backfilled too.
	time.Sleep(50 * time.Millisecond)
	emitter.Terminal(protocol.TerminalCompleted, "")
	total++

	waitForEvents(t, cap, total)
	seqs := cap.seqs()
	for i, seq := range seqs {
		require.Equal(t, uint64(i+1), seq, "gap in delivered stream at index %d", i)
	}
}

func TestOutBuffer_DropsTTSBeforeProgress(t *testing.T) {
	buf := newOutBuffer(2, 10*time.Millisecond)
	ctx := context.Background()

	// Fill the buffer without a consumer.
	buf.push(ctx, protocol.Event{Seq: 1, Type: protocol.EventTTS})
	buf.push(ctx, protocol.Event{Seq: 2, Type: protocol.EventProgress})

	// The stall budget elapses; the queued TTS chunk goes first.
	buf.push(ctx, protocol.Event{Seq: 3, Type: protocol.EventProgress})

	ev, ok := buf.pop()
	require.True(t, ok)
	assert.Equal(t, protocol.EventProgress, ev.Type)
	assert.Equal(t, uint64(2), ev.Seq)
}

func TestOutBuffer_NeverDropsEssential(t *testing.T) {
	buf := newOutBuffer(1, 10*time.Millisecond)
	ctx := context.Background()

	buf.push(ctx, protocol.Event{Seq: 1, Type: protocol.EventChat})
	// Essential events are queued even when the buffer is full.
	buf.push(ctx, protocol.Event{Seq: 2, Type: protocol.EventTerminal})

	ev, _ := buf.pop()
	assert.Equal(t, uint64(1), ev.Seq)
	ev, _ = buf.pop()
	assert.Equal(t, uint64(2), ev.Seq)
}

func TestOutBuffer_DropsIncomingWhenAllEssential(t *testing.T) {
	buf := newOutBuffer(1, 10*time.Millisecond)
	ctx := context.Background()

	buf.push(ctx, protocol.Event{Seq: 1, Type: protocol.EventChat})
	buf.push(ctx, protocol.Event{Seq: 2, Type: protocol.EventTTS})

	ev, _ := buf.pop()
	assert.Equal(t, uint64(1), ev.Seq)
	buf.close()
	_, ok := buf.pop()
	assert.False(t, ok, "non-essential event should have been dropped")
}

func TestApprovals_ConfirmResolves(t *testing.T) {
	b := bus.New()
	emitter := bus.NewEmitter(b, "s1")
	a := NewApprovals(5 * time.Second)

	result := make(chan bool, 1)
	go func() {
		result <- a.Await(context.Background(), emitter, "1", "sudo", nil)
	}()

	// Wait for the approval_required event to land on the bus.
	deadline := time.Now().Add(2 * time.Second)
	for len(b.History("s1", 1)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, a.Confirm("s1", true))

	select {
	case confirmed := <-result:
		assert.True(t, confirmed)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not resolve on confirm")
	}
}

func TestApprovals_TimeoutDenies(t *testing.T) {
	b := bus.New()
	emitter := bus.NewEmitter(b, "s1")
	a := NewApprovals(30 * time.Millisecond)

	confirmed := a.Await(context.Background(), emitter, "1", "sudo", nil)
	assert.False(t, confirmed)
}

func TestApprovals_CancelDenies(t *testing.T) {
	b := bus.New()
	emitter := bus.NewEmitter(b, "s1")
	a := NewApprovals(5 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan bool, 1)
	go func() {
		result <- a.Await(ctx, emitter, "1", "sudo", nil)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case confirmed := <-result:
		assert.False(t, confirmed)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not resolve on cancel")
	}
}

func TestApprovals_ConfirmWithoutPending(t *testing.T) {
	a := NewApprovals(time.Second)
	assert.False(t, a.Confirm("nobody", true))
}
