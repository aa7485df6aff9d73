// Package rooms maintains the shared room subscriber set. The source of
// truth is a KV bucket keyed "{room}.{user}.{session}"; every gateway keeps
// a local dual-index mirror rebuilt from room.changed.* delta events so that
// membership reads never leave the process.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-gateway/pkg/otelhelper"
)

var (
	// ErrNotAMember is returned when leaving a room the session never joined.
	ErrNotAMember = errors.New("not a member of room")
	// ErrInvalidID rejects ids that would corrupt the KV key format.
	ErrInvalidID = errors.New("invalid identifier")
)

// RoomChangedEvent is the delta published to room.changed.{room} after every
// subscriber-set mutation.
type RoomChangedEvent struct {
	Room      string `json:"room"`
	Action    string `json:"action"` // "join" or "leave"
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// kvStore is the slice of nats.KeyValue the index needs.
type kvStore interface {
	Create(key string, value []byte) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
	WatchAll(opts ...nats.WatchOpt) (nats.KeyWatcher, error)
}

// publisher is the slice of nats.Conn the index needs.
type publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// CreateBucket creates (or binds to) the ROOMS KV bucket. File storage:
// subscriber entries must survive a NATS restart so reconnecting gateways
// can re-hydrate.
func CreateBucket(js nats.JetStreamContext) (nats.KeyValue, error) {
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  "ROOMS",
		History: 1,
		Storage: nats.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ROOMS bucket: %w", err)
	}
	return kv, nil
}

// Index is the membership index: shared KV writes plus a local mirror with
// forward (room → users) and reverse (user → rooms) lookups.
type Index struct {
	kv  kvStore
	pub publisher

	mu    sync.RWMutex
	rooms map[string]map[string]map[string]bool // room → user → sessions
	users map[string]map[string]bool            // user → rooms
}

// NewIndex creates an index over the given bucket. Call Start to wire delta
// subscription and hydration on a live NATS connection.
func NewIndex(kv kvStore, pub publisher) *Index {
	return &Index{
		kv:    kv,
		pub:   pub,
		rooms: make(map[string]map[string]map[string]bool),
		users: make(map[string]map[string]bool),
	}
}

// Start subscribes to membership deltas and hydrates the mirror. Deltas are
// subscribed before hydration so no event published during the initial scan
// is lost.
func (ix *Index) Start(nc *nats.Conn) error {
	_, err := nc.Subscribe("room.changed.*", func(msg *nats.Msg) {
		_, span := otelhelper.StartConsumerSpan(context.Background(), msg, "room.changed apply")
		defer span.End()

		var evt RoomChangedEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			slog.Warn("Invalid room.changed event", "error", err)
			return
		}
		ix.Apply(evt)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to room.changed.*: %w", err)
	}
	return ix.Hydrate()
}

// Hydrate rebuilds the mirror from the KV bucket. It builds into a fresh
// index and swaps atomically so readers never observe a partial scan.
func (ix *Index) Hydrate() error {
	watcher, err := ix.kv.WatchAll(nats.IgnoreDeletes())
	if err != nil {
		return fmt.Errorf("failed to start ROOMS watcher for hydration: %w", err)
	}
	defer watcher.Stop()

	rooms := make(map[string]map[string]map[string]bool)
	users := make(map[string]map[string]bool)
	count := 0
	for entry := range watcher.Updates() {
		if entry == nil {
			break // end of initial values
		}
		room, user, sess, ok := splitKey(entry.Key())
		if !ok {
			continue
		}
		addTo(rooms, users, room, user, sess)
		count++
	}

	ix.mu.Lock()
	ix.rooms = rooms
	ix.users = users
	ix.mu.Unlock()

	slog.Info("Hydrated room membership mirror", "entries", count, "rooms", len(rooms))
	return nil
}

// Join adds (user, session) to the room's subscriber set. Idempotent:
// rejoining yields already=true and no error, because a reconnect-driven
// rejoin is not a protocol violation.
func (ix *Index) Join(roomID, userID, sessionID string) (already bool, err error) {
	if err := validateIDs(roomID, userID, sessionID); err != nil {
		return false, err
	}

	key := roomID + "." + userID + "." + sessionID
	if _, err := ix.kv.Create(key, []byte("{}")); err != nil {
		if errors.Is(err, nats.ErrKeyExists) || strings.Contains(err.Error(), "key exists") {
			return true, nil
		}
		return false, fmt.Errorf("kv.Create(%s): %w", key, err)
	}

	ix.Apply(RoomChangedEvent{Room: roomID, Action: "join", UserID: userID, SessionID: sessionID})
	ix.publishDelta(roomID, "join", userID, sessionID)
	return false, nil
}

// Leave removes (user, session) from the room's subscriber set. Returns
// ErrNotAMember when there was nothing to remove.
func (ix *Index) Leave(roomID, userID, sessionID string) error {
	if err := validateIDs(roomID, userID, sessionID); err != nil {
		return err
	}

	key := roomID + "." + userID + "." + sessionID
	if err := ix.kv.Delete(key); err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) || strings.Contains(err.Error(), "key not found") {
			return ErrNotAMember
		}
		return fmt.Errorf("kv.Delete(%s): %w", key, err)
	}

	ix.Apply(RoomChangedEvent{Room: roomID, Action: "leave", UserID: userID, SessionID: sessionID})
	ix.publishDelta(roomID, "leave", userID, sessionID)
	return nil
}

// Apply folds one delta into the local mirror. Idempotent, also invoked for
// deltas originated by this process.
func (ix *Index) Apply(evt RoomChangedEvent) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	switch evt.Action {
	case "join":
		addTo(ix.rooms, ix.users, evt.Room, evt.UserID, evt.SessionID)
	case "leave":
		removeFrom(ix.rooms, ix.users, evt.Room, evt.UserID, evt.SessionID)
	}
}

// Members returns the distinct users subscribed to a room, cluster-wide.
func (ix *Index) Members(roomID string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	members := ix.rooms[roomID]
	if len(members) == 0 {
		return nil
	}
	result := make([]string, 0, len(members))
	for uid := range members {
		result = append(result, uid)
	}
	return result
}

// IsMember reports whether the user has at least one live session in the room.
func (ix *Index) IsMember(roomID, userID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.rooms[roomID][userID]) > 0
}

// UserRooms returns the rooms a user is subscribed to, via the reverse index.
func (ix *Index) UserRooms(userID string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	rooms := ix.users[userID]
	if len(rooms) == 0 {
		return nil
	}
	result := make([]string, 0, len(rooms))
	for room := range rooms {
		result = append(result, room)
	}
	return result
}

// RoomCount reports rooms with at least one subscriber, cluster-wide.
func (ix *Index) RoomCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.rooms)
}

func (ix *Index) publishDelta(roomID, action, userID, sessionID string) {
	evt := RoomChangedEvent{Room: roomID, Action: action, UserID: userID, SessionID: sessionID}
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("Failed to marshal room.changed delta", "error", err)
		return
	}
	if err := otelhelper.TracedPublish(context.Background(), ix.pub, "room.changed."+roomID, data); err != nil {
		slog.Warn("Failed to publish room.changed delta", "room", roomID, "error", err)
	}
}

func addTo(rooms map[string]map[string]map[string]bool, users map[string]map[string]bool, room, user, sess string) {
	if rooms[room] == nil {
		rooms[room] = make(map[string]map[string]bool)
	}
	if rooms[room][user] == nil {
		rooms[room][user] = make(map[string]bool)
	}
	rooms[room][user][sess] = true

	if users[user] == nil {
		users[user] = make(map[string]bool)
	}
	users[user][room] = true
}

func removeFrom(rooms map[string]map[string]map[string]bool, users map[string]map[string]bool, room, user, sess string) {
	if members, ok := rooms[room]; ok {
		if sessions, ok := members[user]; ok {
			delete(sessions, sess)
			if len(sessions) == 0 {
				delete(members, user)
				if set, ok := users[user]; ok {
					delete(set, room)
					if len(set) == 0 {
						delete(users, user)
					}
				}
			}
		}
		if len(members) == 0 {
			delete(rooms, room)
		}
	}
}

// splitKey parses "{room}.{user}.{session}". Ids never contain dots, which
// validateIDs guarantees on the write side.
func splitKey(key string) (room, user, sess string, ok bool) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func validateIDs(ids ...string) error {
	for _, id := range ids {
		if id == "" || len(id) > 128 || strings.Contains(id, ".") || strings.ContainsAny(id, " \t\n") {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}
