// Package bus implements the in-process ordered event bus. Every event
// emitted for a session receives a strictly increasing, contiguous
// sequence number; subscribers observe events in emission order.
package bus

import (
	"sync"
	"time"

	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 256

// Subscription is a live feed of session events.
type Subscription struct {
	C      <-chan protocol.Event
	cancel func()
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.cancel()
}

type subscriber struct {
	ch chan protocol.Event
}

type sessionStream struct {
	nextSeq uint64
	history []protocol.Event
	subs    map[int]*subscriber
}

// Bus is the event bus. Emission is single-writer per session (only the
// executor emits), so ordering falls out of the per-session lock.
type Bus struct {
	mu       sync.Mutex
	sessions map[string]*sessionStream
	nextSub  int
}

func New() *Bus {
	return &Bus{
		sessions: make(map[string]*sessionStream),
	}
}

func (b *Bus) stream(sessionID string) *sessionStream {
	s, ok := b.sessions[sessionID]
	if !ok {
		s = &sessionStream{
			nextSeq: 1,
			subs:    make(map[int]*subscriber),
		}
		b.sessions[sessionID] = s
	}
	return s
}

// Emit assigns the next sequence number, records the event for replay
// and delivers it to every subscriber. Slow subscribers never block
// emission; their channel simply fills and delivery is skipped. Every
// event stays in history, so the streaming coordinator backfills the
// resulting seq gap on the live connection and replays on reconnect.
func (b *Bus) Emit(sessionID string, ev protocol.Event) protocol.Event {
	b.mu.Lock()
	s := b.stream(sessionID)
	ev.SessionID = sessionID
	ev.Seq = s.nextSeq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.nextSeq++
	s.history = append(s.history, ev)
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe attaches a new subscriber to the session stream.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(sessionID)
	id := b.nextSub
	b.nextSub++

	sub := &subscriber{ch: make(chan protocol.Event, DefaultSubscriberBuffer)}
	s.subs[id] = sub

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if stream, ok := b.sessions[sessionID]; ok {
				if cur, ok := stream.subs[id]; ok && cur == sub {
					delete(stream.subs, id)
					close(sub.ch)
				}
			}
		},
	}
}

// History returns every recorded event with Seq >= fromSeq.
func (b *Bus) History(sessionID string, fromSeq uint64) []protocol.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]protocol.Event, 0, len(s.history))
	for _, ev := range s.history {
		if ev.Seq >= fromSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Drop discards a session's history and detaches its subscribers. Used
// by the session store on eviction.
func (b *Bus) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
	delete(b.sessions, sessionID)
}
