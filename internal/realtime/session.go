package realtime

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/gradesync-api/pkg/protocol"
)

// Transport names the carrier a session is attached through.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportPolling   Transport = "polling"
)

// Session is one live client connection. Writers drain Outbox until Done is closed.
type Session struct {
	id          string
	transport   Transport
	connectedAt time.Time
	outbox      chan protocol.Envelope
	closed      chan struct{}
	once        sync.Once
	lastSeen    atomic.Int64

	mu     sync.RWMutex
	userID string
	role   string
	rooms  map[string]struct{}
	reason string
}

func newSession(transport Transport, outboxSize int, now time.Time) *Session {
	s := &Session{
		id:          uuid.NewString(),
		transport:   transport,
		connectedAt: now,
		outbox:      make(chan protocol.Envelope, outboxSize),
		closed:      make(chan struct{}),
		rooms:       make(map[string]struct{}),
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Transport() Transport { return s.transport }

func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Outbox yields envelopes in delivery order.
func (s *Session) Outbox() <-chan protocol.Envelope { return s.outbox }

// Done is closed once the session has been unregistered.
func (s *Session) Done() <-chan struct{} { return s.closed }

// CloseReason reports why the session ended, empty while it is live.
func (s *Session) CloseReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// User returns the identity stamped by a successful authenticate, if any.
func (s *Session) User() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.role
}

// Authenticated reports whether the session carries an identity.
func (s *Session) Authenticated() bool {
	userID, _ := s.User()
	return userID != ""
}

// Rooms lists joined rooms in lexical order.
func (s *Session) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// InRoom reports membership of room.
func (s *Session) InRoom(room string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[room]
	return ok
}

// Touch records client activity; polling sessions are reaped on inactivity.
func (s *Session) Touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

// LastSeen returns the last recorded activity.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) setUser(userID, role string) {
	s.mu.Lock()
	s.userID = userID
	s.role = role
	s.mu.Unlock()
}

func (s *Session) join(room string) {
	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) leave(room string) {
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// enqueue never blocks; false means the outbox is full or the session is gone.
func (s *Session) enqueue(env protocol.Envelope) bool {
	if s.isClosed() {
		return false
	}
	select {
	case s.outbox <- env:
		return true
	default:
		return false
	}
}

func (s *Session) close(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.closed)
	})
}
