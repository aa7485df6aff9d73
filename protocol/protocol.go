// Package protocol defines the JSON wire protocol spoken over the client
// WebSocket. Every frame in either direction is an Envelope.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps every frame with its event type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client → server command types.
const (
	CmdJoinRoom       = "join_room"
	CmdLeaveRoom      = "leave_room"
	CmdSendMessage    = "send_message"
	CmdStartTyping    = "start_typing"
	CmdStopTyping     = "stop_typing"
	CmdUpdatePresence = "update_presence"
	CmdPing           = "ping"
)

// Server → client event types.
const (
	EvtConnected         = "connected"
	EvtRoomJoined        = "room_joined"
	EvtRoomLeft          = "room_left"
	EvtMessageSent       = "message_sent"
	EvtMessageReceived   = "message_received"
	EvtUserJoined        = "user_joined"
	EvtUserLeft          = "user_left"
	EvtUserTyping        = "user_typing"
	EvtUserStoppedTyping = "user_stopped_typing"
	EvtPresenceUpdated   = "presence_updated"
	EvtPresenceChanged   = "presence_changed"
	EvtPong              = "pong"
	EvtRateLimited       = "rate_limit_exceeded"
	EvtPersistWarning    = "persistence_warning"
	EvtError             = "error"
)

// Error reason codes surfaced to clients.
const (
	ReasonRoomNotFound   = "room_not_found"
	ReasonNotAMember     = "not_a_member"
	ReasonInvalidContent = "invalid_content"
	ReasonInvalidStatus  = "invalid_status"
	ReasonInvalidPayload = "invalid_payload"
	ReasonInternal       = "internal_error"
)

// RoomRef is the payload of join_room, leave_room, start_typing and stop_typing.
type RoomRef struct {
	RoomID string `json:"roomId"`
}

// SendMessage is the payload of send_message.
type SendMessage struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// UpdatePresence is the payload of update_presence.
type UpdatePresence struct {
	Status string `json:"status"`
}

// Connected acknowledges a successful handshake. Degraded is set when the
// durable room memberships could not be restored.
type Connected struct {
	SessionID string   `json:"sessionId"`
	UserID    string   `json:"userId"`
	Rooms     []string `json:"rooms"`
	Degraded  bool     `json:"degraded,omitempty"`
}

// Message is the fanned-out representation of a chat message.
type Message struct {
	ID          string `json:"id"`
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	CreatedAt   int64  `json:"createdAt"`
	EditedAt    int64  `json:"editedAt,omitempty"`
}

// RoomJoined confirms a join and backfills recent history and live members.
type RoomJoined struct {
	RoomID         string       `json:"roomId"`
	RecentMessages []Message    `json:"recentMessages"`
	Members        []RoomMember `json:"members"`
}

// RoomMember pairs a member with their current presence status.
type RoomMember struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// RoomLeft confirms a leave.
type RoomLeft struct {
	RoomID string `json:"roomId"`
}

// MessageSent is the sender-side acknowledgement of an accepted message.
type MessageSent struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// UserEvent announces a user joining or leaving a room.
type UserEvent struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// TypingEvent announces typing start/stop for a (room, user) pair.
type TypingEvent struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// PresenceUpdated acknowledges an accepted status change.
type PresenceUpdated struct {
	Status string `json:"status"`
}

// PresenceChanged announces another member's status change.
type PresenceChanged struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Pong answers a ping.
type Pong struct {
	ServerTime int64 `json:"serverTime"`
}

// RateLimited tells the client how long to back off.
type RateLimited struct {
	Action            string `json:"action"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
}

// PersistWarning tells the sender their message was delivered but not yet
// durably stored.
type PersistWarning struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// ErrorEvent reports a non-fatal protocol error, correlated by action and
// target id.
type ErrorEvent struct {
	Action string `json:"action"`
	RoomID string `json:"roomId,omitempty"`
	Reason string `json:"reason"`
}

// Encode marshals an envelope for the given event type and payload.
func Encode(eventType string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return json.Marshal(Envelope{Type: eventType, Payload: body})
}

// MustEncode is Encode for payloads that cannot fail to marshal. It is used
// on the hot fan-out path where every payload is a known struct.
func MustEncode(eventType string, payload any) []byte {
	data, err := Encode(eventType, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// ErrorFrame builds a {action}_error style error envelope.
func ErrorFrame(action, roomID, reason string) []byte {
	return MustEncode(action+"_error", ErrorEvent{Action: action, RoomID: roomID, Reason: reason})
}

// PongFrame builds a pong envelope for the current server time.
func PongFrame(now time.Time) []byte {
	return MustEncode(EvtPong, Pong{ServerTime: now.UnixMilli()})
}
