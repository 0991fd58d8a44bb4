package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/aeolun/relay/pkg/protocol"
	"github.com/google/uuid"
)

var (
	ErrQueueFull     = errors.New("outbound queue full")
	ErrSessionClosed = errors.New("session closed")
)

// DefaultQueueSize is the outbound queue depth used when none is configured
const DefaultQueueSize = 256

// EventWriter is what a transport hands the hub for one connection.
// WriteEvent is only ever called from the session's writer goroutine.
type EventWriter interface {
	WriteEvent(env *protocol.Envelope) error
	Close() error
}

// Session represents an active client connection
type Session struct {
	ID         string
	Transport  string // "websocket", "tcp" or "ssh"
	RemoteAddr string
	CreatedAt  time.Time

	w     EventWriter
	queue chan *protocol.Envelope
	done  chan struct{}
	once  sync.Once

	mu       sync.RWMutex // Protects identity
	identity string

	metrics *Metrics
}

// Identity returns the identity bound to the session, or "" if none
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Session) setIdentity(identity string) {
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
}

// Send enqueues env for delivery without blocking. A full queue drops env and
// closes the session so its read loop runs the normal disconnect path.
func (s *Session) Send(env *protocol.Envelope) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.queue <- env:
		return nil
	default:
		s.metrics.RecordDrop(DropQueueFull)
		debugLog.Printf("Session %s: outbound queue full, closing", s.ID)
		s.Close()
		return ErrQueueFull
	}
}

// Done is closed once the session has been closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close stops the writer and closes the transport. Safe to call repeatedly.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		if err := s.w.Close(); err != nil {
			debugLog.Printf("Session %s: close: %v", s.ID, err)
		}
	})
}

// writeLoop is the only goroutine that writes to the transport
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.queue:
			if err := s.w.WriteEvent(env); err != nil {
				debugLog.Printf("Session %s: write %q failed: %v", s.ID, env.Event, err)
				s.Close()
				return
			}
			s.metrics.RecordEventSent(env.Event)
		}
	}
}

// SessionManager manages all active sessions
type SessionManager struct {
	sessions  map[string]*Session
	mu        sync.RWMutex
	queueSize int
	metrics   *Metrics
}

// NewSessionManager creates a new session manager. queueSize <= 0 uses DefaultQueueSize.
func NewSessionManager(queueSize int) *SessionManager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &SessionManager{
		sessions:  make(map[string]*Session),
		queueSize: queueSize,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new connection and starts its writer goroutine
func (sm *SessionManager) CreateSession(transport, remoteAddr string, w EventWriter) *Session {
	sess := &Session{
		ID:         uuid.NewString(),
		Transport:  transport,
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now(),
		w:          w,
		queue:      make(chan *protocol.Envelope, sm.queueSize),
		done:       make(chan struct{}),
		metrics:    sm.metrics,
	}

	sm.mu.Lock()
	sm.sessions[sess.ID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(sessionCount)
	sm.metrics.RecordSessionCreated(transport)

	go sess.writeLoop()
	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(id string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[id]
	return sess, ok
}

// GetAllSessions returns a snapshot of all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession removes a session and closes it. Returns false if it was already gone.
func (sm *SessionManager) RemoveSession(id string) bool {
	sm.mu.Lock()
	sess, ok := sm.sessions[id]
	if !ok {
		sm.mu.Unlock()
		return false
	}
	delete(sm.sessions, id)
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(sessionCount)
	sm.metrics.RecordSessionDisconnected()

	sess.Close()
	return true
}

// Count returns the number of active sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes all sessions
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	sm.metrics.RecordActiveSessions(0)
}
