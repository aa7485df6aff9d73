// Package relay carries fan-out events between gateway instances. Each
// instance publishes local events to chat.{room} and mirrors inbound frames
// from other instances into its own sessions, filtering its own origin id.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-gateway/pkg/otelhelper"
)

// Frame is the cross-instance wire format. Data carries an already-encoded
// client envelope so receiving instances fan it out without re-marshalling.
type Frame struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Except string          `json:"except,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// Handler receives frames published by other instances.
type Handler func(roomID string, data []byte, exceptUser string)

// Relay is the cross-process event transport.
type Relay interface {
	// Publish sends an encoded event to the other instances serving roomID.
	Publish(roomID string, data []byte, exceptUser string) error
	// Subscribe starts mirroring the room's frames into handler. Reference
	// counted per room.
	Subscribe(roomID string) error
	// Unsubscribe drops one reference; the underlying subscription is torn
	// down when the last local session leaves the room.
	Unsubscribe(roomID string) error
	// Close tears down all subscriptions.
	Close()
}

// NATSRelay relays frames over core NATS subjects.
type NATSRelay struct {
	nc      *nats.Conn
	origin  string
	handler Handler

	mu   sync.Mutex
	subs map[string]*roomSub
}

type roomSub struct {
	sub  *nats.Subscription
	refs int
}

// NewNATS creates a relay identified by origin. Frames whose origin matches
// are skipped on receive, so an instance never re-delivers its own events.
func NewNATS(nc *nats.Conn, origin string, handler Handler) *NATSRelay {
	return &NATSRelay{
		nc:      nc,
		origin:  origin,
		handler: handler,
		subs:    make(map[string]*roomSub),
	}
}

func (r *NATSRelay) Publish(roomID string, data []byte, exceptUser string) error {
	frame, err := json.Marshal(Frame{Origin: r.origin, Room: roomID, Except: exceptUser, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal relay frame: %w", err)
	}
	if err := otelhelper.TracedPublish(context.Background(), r.nc, "chat."+roomID, frame); err != nil {
		return fmt.Errorf("failed to publish relay frame for %s: %w", roomID, err)
	}
	return nil
}

func (r *NATSRelay) Subscribe(roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rs, ok := r.subs[roomID]; ok {
		rs.refs++
		return nil
	}

	sub, err := r.nc.Subscribe("chat."+roomID, func(msg *nats.Msg) {
		_, span := otelhelper.StartConsumerSpan(context.Background(), msg, "chat relay receive")
		defer span.End()

		var frame Frame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			slog.Warn("Invalid relay frame", "subject", msg.Subject, "error", err)
			return
		}
		if frame.Origin == r.origin {
			return
		}
		r.handler(frame.Room, frame.Data, frame.Except)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to chat.%s: %w", roomID, err)
	}
	r.subs[roomID] = &roomSub{sub: sub, refs: 1}
	return nil
}

func (r *NATSRelay) Unsubscribe(roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.subs[roomID]
	if !ok {
		return nil
	}
	rs.refs--
	if rs.refs > 0 {
		return nil
	}
	delete(r.subs, roomID)
	if err := rs.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from chat.%s: %w", roomID, err)
	}
	return nil
}

func (r *NATSRelay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room, rs := range r.subs {
		if err := rs.sub.Unsubscribe(); err != nil {
			slog.Warn("Failed to unsubscribe relay room", "room", room, "error", err)
		}
	}
	r.subs = make(map[string]*roomSub)
}

// Noop is the single-instance relay: publishes vanish and subscriptions are
// accepted silently.
type Noop struct{}

func (Noop) Publish(string, []byte, string) error { return nil }
func (Noop) Subscribe(string) error               { return nil }
func (Noop) Unsubscribe(string) error             { return nil }
func (Noop) Close()                               {}
