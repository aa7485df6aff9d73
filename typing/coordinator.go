// Package typing manages ephemeral typing indicators. Entries live in one
// arena keyed by (room, user) and expire through a single sweep loop rather
// than one timer per typer.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/example/nats-chat-gateway/protocol"
)

// Fanout delivers an encoded event to every subscriber of a room except the
// named user. Wired to the broadcaster.
type Fanout func(roomID string, data []byte, exceptUser string)

type key struct {
	roomID string
	userID string
}

type entry struct {
	displayName string
	expiresAt   time.Time
}

// Coordinator tracks who is typing where and auto-expires stale entries.
type Coordinator struct {
	mu      sync.Mutex
	entries map[key]*entry

	expiry  time.Duration
	fanout  Fanout
	nowFunc func() time.Time
}

// New creates a coordinator. expiry is the inactivity window after which a
// typing entry is considered stale (3s in the reference behavior).
func New(expiry time.Duration, fanout Fanout) *Coordinator {
	return &Coordinator{
		entries: make(map[key]*entry),
		expiry:  expiry,
		fanout:  fanout,
		nowFunc: time.Now,
	}
}

// Start runs the sweep loop until ctx is cancelled. Sweeping at a quarter of
// the expiry keeps worst-case lateness well under one window.
func (c *Coordinator) Start(ctx context.Context) {
	interval := c.expiry / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// Begin records typing activity for (roomID, userID). The user_typing event
// is broadcast only when this is a new entry; repeated signals inside the
// window just refresh the expiry. The broadcast happens under the lock so a
// concurrent End can never emit its stop event before the start is out.
func (c *Coordinator) Begin(roomID, userID, displayName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{roomID, userID}
	_, existed := c.entries[k]
	c.entries[k] = &entry{displayName: displayName, expiresAt: c.nowFunc().Add(c.expiry)}
	if existed {
		return
	}
	c.fanout(roomID, protocol.MustEncode(protocol.EvtUserTyping, protocol.TypingEvent{
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: displayName,
	}), userID)
}

// End removes the typing entry and broadcasts user_stopped_typing. Idempotent:
// ending an absent entry is a no-op.
func (c *Coordinator) End(roomID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{roomID, userID}
	e, ok := c.entries[k]
	if !ok {
		return
	}
	delete(c.entries, k)
	c.broadcastStop(roomID, userID, e.displayName)
}

// EndAll force-stops every typing entry owned by the user, across all rooms.
// Called on disconnect.
func (c *Coordinator) EndAll(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if k.userID == userID {
			delete(c.entries, k)
			c.broadcastStop(k.roomID, k.userID, e.displayName)
		}
	}
}

// Active reports whether (roomID, userID) currently has a typing entry.
func (c *Coordinator) Active(roomID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key{roomID, userID}]
	return ok
}

// Len reports the number of live typing entries.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweep expires stale entries and broadcasts their stop events.
func (c *Coordinator) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			c.broadcastStop(k.roomID, k.userID, e.displayName)
		}
	}
}

func (c *Coordinator) broadcastStop(roomID, userID, displayName string) {
	c.fanout(roomID, protocol.MustEncode(protocol.EvtUserStoppedTyping, protocol.TypingEvent{
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: displayName,
	}), userID)
}
