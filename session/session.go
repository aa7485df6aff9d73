// Package session holds the server-side state of one authenticated
// connection and the process-local registry used for fan-out.
package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// maxConsecutiveDrops is the slow-consumer threshold: a session whose queue
// overflows this many times in a row is disconnected instead of throttling
// the rest of the room.
const maxConsecutiveDrops = 16

// Session represents one authenticated socket. It is owned by the gateway
// for its lifetime and never persisted.
type Session struct {
	ID          string
	UserID      string
	DisplayName string
	CreatedAt   time.Time

	mu    sync.RWMutex
	rooms map[string]struct{}

	out     chan []byte
	dropped atomic.Int64 // total drops, for metrics
	burst   atomic.Int32 // consecutive drops
	closed  chan struct{}
	once    sync.Once
}

// New creates a session with a bounded outbound queue.
func New(id, userID, displayName string, queueSize int) *Session {
	return &Session{
		ID:          id,
		UserID:      userID,
		DisplayName: displayName,
		CreatedAt:   time.Now(),
		rooms:       make(map[string]struct{}),
		out:         make(chan []byte, queueSize),
		closed:      make(chan struct{}),
	}
}

// AddRoom records a room subscription. Reports false when the session was
// already subscribed (idempotent join).
func (s *Session) AddRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return false
	}
	s.rooms[roomID] = struct{}{}
	return true
}

// RemoveRoom drops a room subscription. Reports false when the session was
// not subscribed.
func (s *Session) RemoveRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return false
	}
	delete(s.rooms, roomID)
	return true
}

// InRoom reports whether the session is subscribed to roomID.
func (s *Session) InRoom(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Rooms returns a snapshot of the session's room subscriptions.
func (s *Session) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// Enqueue places an encoded event on the outbound queue without blocking.
// When the queue is full the oldest pending event is dropped to make room
// (at-least-once delivery is not promised to slow consumers). Reports false
// when the session has exceeded the consecutive-drop threshold and should be
// disconnected.
func (s *Session) Enqueue(data []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.out <- data:
		s.burst.Store(0)
		return true
	default:
	}

	// Queue full: shed the oldest event, then retry once.
	select {
	case <-s.out:
	default:
	}
	select {
	case s.out <- data:
	default:
	}
	s.dropped.Add(1)
	return s.burst.Add(1) < maxConsecutiveDrops
}

// Outbound is drained by the connection's writer goroutine.
func (s *Session) Outbound() <-chan []byte {
	return s.out
}

// Close marks the session closed. Safe to call multiple times.
func (s *Session) Close() {
	s.once.Do(func() { close(s.closed) })
}

// Done is closed when the session has been shut down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Dropped reports the total number of shed outbound events.
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}
