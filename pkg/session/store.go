package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
)

// EvictFunc is called with the id of every evicted or closed session,
// after its cancel token has tripped. The runtime uses it to drop the
// session's event stream.
type EvictFunc func(sessionID string)

// Store is the in-memory session registry with an idle sweeper.
type Store struct {
	cfg         config.SessionConfig
	historySize int
	onEvict     EvictFunc

	mu       sync.RWMutex
	sessions map[string]*Session

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewStore creates a store. The sweeper runs until Stop.
func NewStore(cfg config.SessionConfig, historySize int, onEvict EvictFunc) *Store {
	s := &Store{
		cfg:         cfg,
		historySize: historySize,
		onEvict:     onEvict,
		sessions:    make(map[string]*Session),
		stopCh:      make(chan struct{}),
	}
	go s.sweep()
	return s
}

// GetOrCreate returns the session with the given id, creating it on
// first use. An empty id gets a fresh uuid.
func (s *Store) GetOrCreate(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Touch()
		return sess
	}
	sess := newSession(id, s.historySize)
	s.sessions[id] = sess
	slog.Info("session created", "session", id)
	return sess
}

// Get returns the session or nil.
func (s *Store) Get(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// Close cancels and removes a session immediately.
func (s *Store) Close(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	sess.Cancel()
	if s.onEvict != nil {
		s.onEvict(id)
	}
	slog.Info("session closed", "session", id)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stop halts the sweeper. Sessions stay usable.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) sweep() {
	interval := s.cfg.SweepInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictIdle()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) evictIdle() {
	idle := s.cfg.IdleTimeout()
	if idle <= 0 {
		return
	}
	cutoff := time.Now().Add(-idle)

	s.mu.Lock()
	var evicted []*Session
	for id, sess := range s.sessions {
		if sess.LastActive().Before(cutoff) {
			delete(s.sessions, id)
			evicted = append(evicted, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range evicted {
		sess.Cancel()
		if s.onEvict != nil {
			s.onEvict(sess.ID)
		}
		slog.Info("session evicted after idle timeout", "session", sess.ID)
	}
}
