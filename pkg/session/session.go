// Package session holds the per-client conversation state: mode,
// pause flag, cancel token, conversation messages and the dispatch
// history ring. Sessions live in memory and are evicted after an idle
// timeout.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/olegkizyma008-rgb/atlas/pkg/history"
	"github.com/olegkizyma008-rgb/atlas/pkg/llms"
)

// Mode selects the overall control path for a session.
type Mode string

const (
	ModeChat Mode = "chat"
	ModeTask Mode = "task"
	ModeDev  Mode = "dev"
)

// Session is one client conversation. All methods are safe for
// concurrent use.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu         sync.RWMutex
	mode       Mode
	lastActive time.Time
	messages   []llms.Message
	activeTodo any

	paused   bool
	resumeCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// History records dispatched tool calls for the repetition
	// inspector and the validation history stage.
	History *history.Ring
}

func newSession(id string, historySize int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		ID:         id,
		CreatedAt:  now,
		lastActive: now,
		mode:       ModeChat,
		ctx:        ctx,
		cancel:     cancel,
		History:    history.NewRing(historySize),
	}
}

// Context is cancelled when the session is cancelled or evicted.
func (s *Session) Context() context.Context { return s.ctx }

// Cancel trips the session's cancel token.
func (s *Session) Cancel() { s.cancel() }

// Cancelled reports whether the cancel token has tripped.
func (s *Session) Cancelled() bool {
	return s.ctx.Err() != nil
}

// Mode returns the current session mode.
func (s *Session) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode records the mode chosen by the router.
func (s *Session) SetMode(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

// Touch marks the session active, deferring eviction.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the last activity timestamp.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// Pause sets the pause flag. Idempotent.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.resumeCh = make(chan struct{})
}

// Resume clears the pause flag and wakes every waiter. Idempotent.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	close(s.resumeCh)
	s.resumeCh = nil
}

// Paused reports the pause flag.
func (s *Session) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// WaitIfPaused blocks while the session is paused. Returns the ctx
// error when the caller's context or the session is cancelled first.
func (s *Session) WaitIfPaused(ctx context.Context) error {
	for {
		s.mu.RLock()
		ch := s.resumeCh
		paused := s.paused
		s.mu.RUnlock()

		if !paused {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

// AppendMessage adds to the conversation transcript.
func (s *Session) AppendMessage(msg llms.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

// Messages returns a copy of the conversation transcript.
func (s *Session) Messages() []llms.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]llms.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// SetActiveTodo attaches the running plan. The executor owns the
// concrete type; the session only anchors its lifetime.
func (s *Session) SetActiveTodo(todo any) {
	s.mu.Lock()
	s.activeTodo = todo
	s.mu.Unlock()
}

// ActiveTodo returns the attached plan, or nil.
func (s *Session) ActiveTodo() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeTodo
}
