package session

import "sync"

// Registry tracks the sessions owned by this process and which of them are
// subscribed to each room. Fan-out resolves its local targets here; remote
// targets are reached through the relay.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // sessionId → session
	rooms    map[string]map[string]*Session // roomId → sessionId → session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
	}
}

// Add registers a session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Remove unregisters a session and clears all of its room subscriptions.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	for roomID, members := range r.rooms {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

// Get returns a session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Subscribe adds the session to the room's local subscriber set. Reports
// whether this is the first local subscription for the room, which is the
// point at which the relay subscription must be established.
func (r *Registry) Subscribe(roomID string, s *Session) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[roomID]
	if members == nil {
		members = make(map[string]*Session)
		r.rooms[roomID] = members
		first = true
	}
	members[s.ID] = s
	return first
}

// Unsubscribe removes the session from the room's local subscriber set.
// Reports whether the room now has no local subscribers left.
func (r *Registry) Unsubscribe(roomID, sessionID string) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
		return true
	}
	return false
}

// Subscribers returns a snapshot of the local sessions subscribed to a room.
func (r *Registry) Subscribers(roomID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[roomID]
	if len(members) == 0 {
		return nil
	}
	result := make([]*Session, 0, len(members))
	for _, s := range members {
		result = append(result, s)
	}
	return result
}

// Count reports the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RoomCount reports the number of rooms with at least one local subscriber.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
