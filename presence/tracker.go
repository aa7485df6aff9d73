// Package presence tracks per-user presence records in a shared key-value
// bucket with expiry. Absence of a record is the canonical offline state:
// records decay on their own when a user stops refreshing them.
package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Presence statuses. Offline is never written; it is inferred from a missing
// or expired record.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

var validStatuses = map[string]bool{
	StatusOnline: true,
	StatusAway:   true,
}

// ErrInvalidStatus is returned for statuses outside the online/away set.
// Offline is rejected too: going offline means deleting the record.
var ErrInvalidStatus = errors.New("invalid presence status")

// Record is the value stored per user. Exactly one record per user, last
// writer wins.
type Record struct {
	UserID       string `json:"userId"`
	Status       string `json:"status"`
	CurrentRoom  string `json:"currentRoom,omitempty"`
	LastActivity int64  `json:"lastActivity"`
	SessionID    string `json:"sessionId"`
}

// kvStore is the slice of nats.KeyValue the tracker needs.
type kvStore interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
}

// Tracker reads and writes presence records. Every write refreshes the
// bucket TTL for that key.
type Tracker struct {
	kv      kvStore
	ttl     time.Duration
	nowFunc func() time.Time
}

// CreateBucket creates (or binds to) the PRESENCE KV bucket. Memory storage
// with a per-key TTL: a record not refreshed within ttl disappears.
func CreateBucket(js nats.JetStreamContext, ttl time.Duration) (nats.KeyValue, error) {
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  "PRESENCE",
		History: 1,
		TTL:     ttl,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create PRESENCE bucket: %w", err)
	}
	return kv, nil
}

// NewTracker wraps a presence bucket.
func NewTracker(kv kvStore, ttl time.Duration) *Tracker {
	return &Tracker{kv: kv, ttl: ttl, nowFunc: time.Now}
}

// Touch refreshes the user's record on any activity: the TTL restarts and
// lastActivity advances. A missing record (or one left by another session)
// is replaced with a fresh online record owned by sessionID; an existing
// away status set explicitly by the same session is preserved.
func (t *Tracker) Touch(userID, sessionID, currentRoom string) error {
	rec := Record{
		UserID:       userID,
		Status:       StatusOnline,
		CurrentRoom:  currentRoom,
		LastActivity: t.nowFunc().UnixMilli(),
		SessionID:    sessionID,
	}

	if entry, err := t.kv.Get(userID); err == nil {
		var prev Record
		if json.Unmarshal(entry.Value(), &prev) == nil && prev.SessionID == sessionID {
			if prev.Status == StatusAway {
				rec.Status = StatusAway
			}
			if currentRoom == "" {
				rec.CurrentRoom = prev.CurrentRoom
			}
		}
	}

	return t.put(rec)
}

// SetStatus writes an explicit online/away status and refreshes the TTL.
func (t *Tracker) SetStatus(userID, sessionID, status string) error {
	if !validStatuses[status] {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	rec := Record{
		UserID:       userID,
		Status:       status,
		LastActivity: t.nowFunc().UnixMilli(),
		SessionID:    sessionID,
	}
	if entry, err := t.kv.Get(userID); err == nil {
		var prev Record
		if json.Unmarshal(entry.Value(), &prev) == nil {
			rec.CurrentRoom = prev.CurrentRoom
		}
	}
	return t.put(rec)
}

// Remove deletes the user's record, but only when it is still owned by
// sessionID: a stale teardown must not knock a reconnected user offline.
func (t *Tracker) Remove(userID, sessionID string) error {
	entry, err := t.kv.Get(userID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil // already offline
		}
		return fmt.Errorf("failed to read presence for %s: %w", userID, err)
	}
	var rec Record
	if json.Unmarshal(entry.Value(), &rec) == nil && rec.SessionID != sessionID {
		return nil // a newer session owns the record
	}
	if err := t.kv.Delete(userID); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete presence for %s: %w", userID, err)
	}
	return nil
}

// Status reports the user's effective status. A missing record reads as
// offline; a record whose last activity is older than two thirds of the TTL
// is reported away even if the client never said so (soft TTL).
func (t *Tracker) Status(userID string) string {
	rec, ok := t.Lookup(userID)
	if !ok {
		return StatusOffline
	}
	return rec.Status
}

// Lookup returns the user's record with the soft-TTL away inference applied.
// ok is false when the user is offline.
func (t *Tracker) Lookup(userID string) (Record, bool) {
	entry, err := t.kv.Get(userID)
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return Record{}, false
	}

	if rec.Status == StatusOnline {
		softTTL := t.ttl * 2 / 3
		if t.nowFunc().UnixMilli()-rec.LastActivity > softTTL.Milliseconds() {
			rec.Status = StatusAway
		}
	}
	return rec, true
}

func (t *Tracker) put(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}
	if _, err := t.kv.Put(rec.UserID, data); err != nil {
		return fmt.Errorf("failed to write presence for %s: %w", rec.UserID, err)
	}
	return nil
}
