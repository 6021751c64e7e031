package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// SessionManager tracks the sessions of a Service.
type SessionManager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	closed   bool

	service *Service

	// Metrics
	totalCreated atomic.Uint64
	totalClosed  atomic.Uint64
	peakSessions int

	// Callbacks
	onSessionCreate func(*Session)
	onSessionClose  func(*Session)

	logger *slog.Logger
}

func newSessionManager(svc *Service, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		service:  svc,
		logger:   logger.With("component", "session_manager"),
	}
}

// Create starts a session on socket and registers it.
func (sm *SessionManager) Create(socket Socket, match Match) (*Session, error) {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil, ErrServiceClosed
	}
	session := newSession(sm.service, socket, match)
	sm.sessions[session.ID] = session
	if n := len(sm.sessions); n > sm.peakSessions {
		sm.peakSessions = n
	}
	onCreate := sm.onSessionCreate
	sm.mu.Unlock()

	sm.totalCreated.Add(1)
	session.OnClose(sm.remove)
	sm.service.metrics.sessionStarted()

	if onCreate != nil {
		onCreate(session)
	}
	sm.logger.Info("session created",
		"session_id", session.ID,
		"active_sessions", sm.Count())
	return session, nil
}

// remove runs when a session closes.
func (sm *SessionManager) remove(session *Session) {
	sm.mu.Lock()
	_, ok := sm.sessions[session.ID]
	delete(sm.sessions, session.ID)
	onClose := sm.onSessionClose
	sm.mu.Unlock()

	if !ok {
		return
	}
	sm.totalClosed.Add(1)
	sm.service.metrics.sessionClosed()
	if onClose != nil {
		onClose(session)
	}
	sm.logger.Info("session closed",
		"session_id", session.ID,
		"active_sessions", sm.Count())
}

// Get retrieves a session by ID.
func (sm *SessionManager) Get(id string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[id]
}

// Close closes a session by ID.
func (sm *SessionManager) Close(id string) {
	if session := sm.Get(id); session != nil {
		session.Close()
	}
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Shutdown closes all sessions and rejects new ones.
func (sm *SessionManager) Shutdown() {
	_ = sm.ShutdownWithContext(context.Background())
}

// ShutdownWithContext closes all sessions concurrently and waits for them,
// or for ctx to be done.
func (sm *SessionManager) ShutdownWithContext(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.Unlock()

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(session)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	sm.logger.Info("session manager shutdown",
		"closed_sessions", len(sessions))
	return nil
}

// Stats returns aggregated session statistics.
func (sm *SessionManager) Stats() ManagerStats {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	active := len(sm.sessions)
	peak := sm.peakSessions
	sm.mu.RUnlock()

	trackers := 0
	for _, s := range sessions {
		trackers += len(s.Trackers())
	}

	return ManagerStats{
		Active:       active,
		TotalCreated: sm.totalCreated.Load(),
		TotalClosed:  sm.totalClosed.Load(),
		Peak:         peak,
		Trackers:     trackers,
	}
}

// ManagerStats contains aggregated session manager statistics.
type ManagerStats struct {
	Active       int
	TotalCreated uint64
	TotalClosed  uint64
	Peak         int
	Trackers     int
}

// ForEach iterates over all sessions.
// The callback should not perform long-running operations as it holds the read lock.
func (sm *SessionManager) ForEach(fn func(*Session) bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for _, session := range sm.sessions {
		if !fn(session) {
			break
		}
	}
}

// SetOnSessionCreate sets the callback for session creation.
func (sm *SessionManager) SetOnSessionCreate(fn func(*Session)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onSessionCreate = fn
}

// SetOnSessionClose sets the callback for session close.
func (sm *SessionManager) SetOnSessionClose(fn func(*Session)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onSessionClose = fn
}
