// Package ratelimit enforces per-session, per-action rate limits. State is
// process-local: each gateway instance limits only the connections it owns.
package ratelimit

import (
	"sync"
	"time"
)

// Action names tracked by the limiter. They match the wire command names.
const (
	ActionSend     = "send_message"
	ActionJoin     = "join_room"
	ActionTyping   = "typing"
	ActionPresence = "update_presence"
)

// Limits maps an action to the number of events allowed per window.
// Actions absent from the map are unlimited.
type Limits map[string]int

// window is one fixed counting window for a (session, action) pair.
type window struct {
	start time.Time
	count int
}

// Limiter counts events per session and action over a fixed window.
type Limiter struct {
	mu      sync.Mutex
	limits  Limits
	window  time.Duration
	state   map[string]map[string]*window // sessionId → action → window
	nowFunc func() time.Time
}

// New creates a limiter with the given per-action limits and window size.
func New(limits Limits, windowSize time.Duration) *Limiter {
	return &Limiter{
		limits:  limits,
		window:  windowSize,
		state:   make(map[string]map[string]*window),
		nowFunc: time.Now,
	}
}

// Allow records one event for (sessionID, action) and reports whether it is
// within the limit. When denied, retryAfter is the time until the window
// resets and no state is mutated beyond the already-full counter.
func (l *Limiter) Allow(sessionID, action string) (ok bool, retryAfter time.Duration) {
	limit, tracked := l.limits[action]
	if !tracked {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	actions := l.state[sessionID]
	if actions == nil {
		actions = make(map[string]*window)
		l.state[sessionID] = actions
	}

	w := actions[action]
	if w == nil || now.Sub(w.start) >= l.window {
		actions[action] = &window{start: now, count: 1}
		return true, 0
	}

	if w.count >= limit {
		return false, w.start.Add(l.window).Sub(now)
	}
	w.count++
	return true, 0
}

// Forget drops all state for a session. Called on disconnect.
func (l *Limiter) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.state, sessionID)
}

// Sweep removes sessions whose every window elapsed more than the window size
// ago. Call periodically to bound memory for abandoned sessions.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	removed := 0
	for sid, actions := range l.state {
		stale := true
		for _, w := range actions {
			if now.Sub(w.start) < 2*l.window {
				stale = false
				break
			}
		}
		if stale {
			delete(l.state, sid)
			removed++
		}
	}
	return removed
}

// TrackedSessions reports how many sessions currently hold limiter state.
func (l *Limiter) TrackedSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.state)
}
