// Package broadcast turns accepted chat messages and room events into
// fan-out: every local subscriber's queue gets the encoded frame, and the
// relay carries it to the other gateway instances.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/nats-chat-gateway/gateways"
	"github.com/example/nats-chat-gateway/protocol"
	"github.com/example/nats-chat-gateway/relay"
	"github.com/example/nats-chat-gateway/session"
)

var (
	// ErrValidation rejects empty or oversized message content.
	ErrValidation = errors.New("invalid message content")
	// ErrNotAMember rejects sends into rooms the sender has not joined.
	ErrNotAMember = errors.New("sender is not a room member")
)

const persistRetries = 3

// Broadcaster owns the fan-out path. Events are encoded once and the same
// byte slice is enqueued on every recipient's queue.
type Broadcaster struct {
	reg     *session.Registry
	rel     relay.Relay
	persist gateways.MessagePersistence

	maxContent     int
	persistTimeout time.Duration

	nowFunc func() time.Time
	newID   func() string
}

// New creates a broadcaster. persistTimeout bounds how long an accepted
// message waits for the durable store before falling back to local delivery.
func New(reg *session.Registry, rel relay.Relay, persist gateways.MessagePersistence, maxContent int, persistTimeout time.Duration) *Broadcaster {
	return &Broadcaster{
		reg:            reg,
		rel:            rel,
		persist:        persist,
		maxContent:     maxContent,
		persistTimeout: persistTimeout,
		nowFunc:        time.Now,
		newID:          uuid.NewString,
	}
}

// Publish validates, persists and fans out one chat message from sender.
// Persistence failure does not block delivery: the message is fanned out with
// a locally generated id, the sender gets a persistence_warning, and the
// append is retried in the background.
func (b *Broadcaster) Publish(ctx context.Context, sender *session.Session, roomID, content, msgType string) (protocol.Message, error) {
	if strings.TrimSpace(content) == "" || len(content) > b.maxContent {
		return protocol.Message{}, ErrValidation
	}
	if !sender.InRoom(roomID) {
		return protocol.Message{}, fmt.Errorf("%w: %s in %s", ErrNotAMember, sender.UserID, roomID)
	}
	if msgType == "" {
		msgType = "text"
	}

	msg := protocol.Message{
		RoomID:      roomID,
		UserID:      sender.UserID,
		DisplayName: sender.DisplayName,
		Content:     content,
		Type:        msgType,
	}

	persistCtx, cancel := context.WithTimeout(ctx, b.persistTimeout)
	ack, err := b.persist.Append(persistCtx, msg)
	cancel()
	if err != nil {
		msg.ID = b.newID()
		msg.CreatedAt = b.nowFunc().UnixMilli()
		slog.WarnContext(ctx, "Message persist failed, delivering with local id",
			"room", roomID, "message_id", msg.ID, "error", err)
		sender.Enqueue(protocol.MustEncode(protocol.EvtPersistWarning, protocol.PersistWarning{
			RoomID:    roomID,
			MessageID: msg.ID,
		}))
		go b.retryAppend(msg)
	} else {
		msg.ID = ack.ID
		msg.CreatedAt = ack.CreatedAt
	}

	data := protocol.MustEncode(protocol.EvtMessageReceived, msg)
	b.fanoutLocal(roomID, data, sender.ID, "")
	if err := b.rel.Publish(roomID, data, ""); err != nil {
		slog.WarnContext(ctx, "Relay publish failed", "room", roomID, "error", err)
	}
	return msg, nil
}

// FanoutEvent delivers an encoded event to every subscriber of the room,
// locally and via the relay, excluding all of exceptUser's sessions. Used for
// typing, presence and membership events. exceptUser may be empty.
func (b *Broadcaster) FanoutEvent(roomID string, data []byte, exceptUser string) {
	b.fanoutLocal(roomID, data, "", exceptUser)
	if err := b.rel.Publish(roomID, data, exceptUser); err != nil {
		slog.Warn("Relay publish failed", "room", roomID, "error", err)
	}
}

// HandleRemote mirrors a frame from another gateway instance into local
// sessions. Wired as the relay handler.
func (b *Broadcaster) HandleRemote(roomID string, data []byte, exceptUser string) {
	b.fanoutLocal(roomID, data, "", exceptUser)
}

// fanoutLocal enqueues data for every local subscriber of roomID, skipping
// the named session and the named user. A subscriber whose queue has been
// overflowing persistently is closed rather than allowed to stall the room.
func (b *Broadcaster) fanoutLocal(roomID string, data []byte, exceptSession, exceptUser string) {
	for _, s := range b.reg.Subscribers(roomID) {
		if s.ID == exceptSession || (exceptUser != "" && s.UserID == exceptUser) {
			continue
		}
		if !s.Enqueue(data) {
			slog.Warn("Disconnecting slow consumer", "session", s.ID, "user", s.UserID, "dropped", s.Dropped())
			s.Close()
		}
	}
}

// retryAppend re-attempts a failed durable append with backoff. Delivery has
// already happened; this only narrows the durability gap.
func (b *Broadcaster) retryAppend(msg protocol.Message) {
	for attempt := 1; attempt <= persistRetries; attempt++ {
		time.Sleep(time.Duration(attempt) * time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), b.persistTimeout)
		_, err := b.persist.Append(ctx, msg)
		cancel()
		if err == nil {
			slog.Info("Deferred message persist succeeded", "room", msg.RoomID, "message_id", msg.ID, "attempt", attempt)
			return
		}
		slog.Warn("Deferred message persist failed", "room", msg.RoomID, "message_id", msg.ID, "attempt", attempt, "error", err)
	}
}
