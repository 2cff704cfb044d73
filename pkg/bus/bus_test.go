package bus

import (
	"testing"

	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

func TestEmit_SequenceNumbersContiguous(t *testing.T) {
	b := New()

	for i := 0; i < 10; i++ {
		ev := b.Emit("s1", protocol.Event{Type: protocol.EventProgress})
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d got seq %d, want %d", i, ev.Seq, i+1)
		}
	}

	history := b.History("s1", 1)
	if len(history) != 10 {
		t.Fatalf("History() returned %d events, want 10", len(history))
	}
	for i, ev := range history {
		if ev.Seq != uint64(i+1) {
			t.Errorf("history[%d].Seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
}

func TestEmit_SessionsIndependent(t *testing.T) {
	b := New()
	b.Emit("a", protocol.Event{Type: protocol.EventChat})
	ev := b.Emit("b", protocol.Event{Type: protocol.EventChat})
	if ev.Seq != 1 {
		t.Errorf("session b first seq = %d, want 1", ev.Seq)
	}
}

func TestSubscribe_ReceivesInOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe("s1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Emit("s1", protocol.Event{Type: protocol.EventProgress})
	}

	for i := 0; i < 5; i++ {
		ev := <-sub.C
		if ev.Seq != uint64(i+1) {
			t.Fatalf("received seq %d, want %d", ev.Seq, i+1)
		}
	}
}

func TestHistory_FromSeq(t *testing.T) {
	b := New()
	for i := 0; i < 5; i++ {
		b.Emit("s1", protocol.Event{Type: protocol.EventProgress})
	}

	tail := b.History("s1", 4)
	if len(tail) != 2 {
		t.Fatalf("History(4) returned %d events, want 2", len(tail))
	}
	if tail[0].Seq != 4 {
		t.Errorf("first replayed seq = %d, want 4", tail[0].Seq)
	}
}

func TestDrop_ClosesSubscribers(t *testing.T) {
	b := New()
	sub := b.Subscribe("s1")
	b.Emit("s1", protocol.Event{Type: protocol.EventChat})
	b.Drop("s1")

	// Drain the buffered event, then expect a closed channel.
	<-sub.C
	if _, ok := <-sub.C; ok {
		t.Error("expected channel closed after Drop")
	}
	if got := b.History("s1", 1); got != nil {
		t.Errorf("expected empty history after Drop, got %d events", len(got))
	}
}

func TestEmitter_StampsStage(t *testing.T) {
	b := New()
	sub := b.Subscribe("s1")
	defer sub.Close()

	em := NewEmitter(b, "s1").AtStage(4)
	em.Progress("1", "executing", "")

	ev := <-sub.C
	if ev.Stage != 4 {
		t.Errorf("Stage = %d, want 4", ev.Stage)
	}
	if ev.Progress == nil || ev.Progress.Status != "executing" {
		t.Errorf("unexpected progress payload: %+v", ev.Progress)
	}
}
