// Package gateway ties the coordination pieces together: it authenticates
// sockets, owns session lifecycles, and dispatches client commands to the
// membership index, presence tracker, typing coordinator and broadcaster.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/nats-chat-gateway/auth"
	"github.com/example/nats-chat-gateway/broadcast"
	"github.com/example/nats-chat-gateway/gateways"
	"github.com/example/nats-chat-gateway/presence"
	"github.com/example/nats-chat-gateway/protocol"
	"github.com/example/nats-chat-gateway/ratelimit"
	"github.com/example/nats-chat-gateway/relay"
	"github.com/example/nats-chat-gateway/rooms"
	"github.com/example/nats-chat-gateway/session"
	"github.com/example/nats-chat-gateway/typing"
)

const restoreAttempts = 3

// tokenValidator is the slice of auth.Validator the gateway needs.
type tokenValidator interface {
	Validate(token string) (auth.Identity, error)
}

// Options wires the gateway's collaborators.
type Options struct {
	Registry    *session.Registry
	Index       *rooms.Index
	Presence    *presence.Tracker
	Typing      *typing.Coordinator
	Limiter     *ratelimit.Limiter
	Broadcaster *broadcast.Broadcaster
	Relay       relay.Relay
	Persistence gateways.MessagePersistence
	Directory   gateways.MembershipDirectory
	Validator   tokenValidator

	QueueSize      int
	HistoryLimit   int
	ReadTimeout    time.Duration
	RequestTimeout time.Duration
}

// Gateway is the connection coordinator. One instance per process.
type Gateway struct {
	reg       *session.Registry
	index     *rooms.Index
	presence  *presence.Tracker
	typing    *typing.Coordinator
	limiter   *ratelimit.Limiter
	bcast     *broadcast.Broadcaster
	rel       relay.Relay
	persist   gateways.MessagePersistence
	directory gateways.MembershipDirectory
	validator tokenValidator

	queueSize      int
	historyLimit   int
	readTimeout    time.Duration
	requestTimeout time.Duration

	nowFunc func() time.Time
	newID   func() string
}

// New creates a gateway from its wired collaborators.
func New(opts Options) *Gateway {
	return &Gateway{
		reg:            opts.Registry,
		index:          opts.Index,
		presence:       opts.Presence,
		typing:         opts.Typing,
		limiter:        opts.Limiter,
		bcast:          opts.Broadcaster,
		rel:            opts.Relay,
		persist:        opts.Persistence,
		directory:      opts.Directory,
		validator:      opts.Validator,
		queueSize:      opts.QueueSize,
		historyLimit:   opts.HistoryLimit,
		readTimeout:    opts.ReadTimeout,
		requestTimeout: opts.RequestTimeout,
		nowFunc:        time.Now,
		newID:          uuid.NewString,
	}
}

// Connect authenticates a socket and builds its session: durable room
// memberships are restored into the live subscriber set, presence comes up,
// and the client receives the connected acknowledgement. A failed membership
// restore degrades the connection instead of rejecting it.
func (g *Gateway) Connect(ctx context.Context, token string) (*session.Session, error) {
	identity, err := g.validator.Validate(token)
	if err != nil {
		return nil, fmt.Errorf("handshake rejected: %w", err)
	}

	s := session.New(g.newID(), identity.UserID, identity.DisplayName, g.queueSize)
	g.reg.Add(s)

	restored, degraded := g.restoreRooms(ctx, s)
	for _, roomID := range restored {
		g.attachRoom(s, roomID)
	}

	if err := g.presence.Touch(s.UserID, s.ID, ""); err != nil {
		slog.WarnContext(ctx, "Failed to write presence on connect", "user", s.UserID, "error", err)
	}

	s.Enqueue(protocol.MustEncode(protocol.EvtConnected, protocol.Connected{
		SessionID: s.ID,
		UserID:    s.UserID,
		Rooms:     restored,
		Degraded:  degraded,
	}))

	online := protocol.MustEncode(protocol.EvtPresenceChanged, protocol.PresenceChanged{
		UserID: s.UserID,
		Status: presence.StatusOnline,
	})
	for _, roomID := range restored {
		g.bcast.FanoutEvent(roomID, online, s.UserID)
	}

	slog.InfoContext(ctx, "Session connected",
		"session", s.ID, "user", s.UserID, "rooms", len(restored), "degraded", degraded)
	return s, nil
}

// restoreRooms loads the user's durable memberships with retries. All-failed
// yields an empty room list and degraded=true.
func (g *Gateway) restoreRooms(ctx context.Context, s *session.Session) (restored []string, degraded bool) {
	var err error
	for attempt := 1; attempt <= restoreAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
		restored, err = g.directory.ListUserRooms(reqCtx, s.UserID)
		cancel()
		if err == nil {
			return restored, false
		}
		slog.WarnContext(ctx, "Membership restore failed", "user", s.UserID, "attempt", attempt, "error", err)
	}
	return nil, true
}

// attachRoom wires one room into the session: shared subscriber set, local
// room set, local fan-out index, and the relay on first local subscriber.
func (g *Gateway) attachRoom(s *session.Session, roomID string) {
	if _, err := g.index.Join(roomID, s.UserID, s.ID); err != nil {
		slog.Warn("Failed to record room subscription", "room", roomID, "session", s.ID, "error", err)
	}
	s.AddRoom(roomID)
	if first := g.reg.Subscribe(roomID, s); first {
		if err := g.rel.Subscribe(roomID); err != nil {
			slog.Warn("Failed to subscribe relay room", "room", roomID, "error", err)
		}
	}
}

// detachRoom is attachRoom's inverse.
func (g *Gateway) detachRoom(s *session.Session, roomID string) {
	s.RemoveRoom(roomID)
	if last := g.reg.Unsubscribe(roomID, s.ID); last {
		if err := g.rel.Unsubscribe(roomID); err != nil {
			slog.Warn("Failed to unsubscribe relay room", "room", roomID, "error", err)
		}
	}
	if err := g.index.Leave(roomID, s.UserID, s.ID); err != nil && !errors.Is(err, rooms.ErrNotAMember) {
		slog.Warn("Failed to clear room subscription", "room", roomID, "session", s.ID, "error", err)
	}
}

// Disconnect tears the session down completely. Ordering matters: the
// session leaves every subscriber set first so no further events are queued,
// presence is deleted before any user_left goes out, and typing entries are
// force-stopped. The same path serves clean closes and network failures.
func (g *Gateway) Disconnect(s *session.Session) {
	attached := s.Rooms()
	for _, roomID := range attached {
		g.detachRoom(s, roomID)
	}

	if err := g.presence.Remove(s.UserID, s.ID); err != nil {
		slog.Warn("Failed to remove presence", "user", s.UserID, "error", err)
	}
	g.typing.EndAll(s.UserID)

	for _, roomID := range attached {
		if g.index.IsMember(roomID, s.UserID) {
			continue // another device keeps the user in the room
		}
		g.bcast.FanoutEvent(roomID, protocol.MustEncode(protocol.EvtUserLeft, protocol.UserEvent{
			RoomID:      roomID,
			UserID:      s.UserID,
			DisplayName: s.DisplayName,
		}), s.UserID)
	}

	g.limiter.Forget(s.ID)
	g.reg.Remove(s.ID)
	s.Close()

	slog.Info("Session disconnected", "session", s.ID, "user", s.UserID, "dropped_events", s.Dropped())
}

// Handle dispatches one client frame. Rate limits are checked before any
// state mutation; a denied command has no side effects beyond the
// rate_limit_exceeded notice.
func (g *Gateway) Handle(ctx context.Context, s *session.Session, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.Enqueue(protocol.ErrorFrame("message", "", protocol.ReasonInvalidPayload))
		return
	}

	switch env.Type {
	case protocol.CmdJoinRoom:
		g.handleJoin(ctx, s, env.Payload)
	case protocol.CmdLeaveRoom:
		g.handleLeave(s, env.Payload)
	case protocol.CmdSendMessage:
		g.handleSend(ctx, s, env.Payload)
	case protocol.CmdStartTyping:
		g.handleStartTyping(s, env.Payload)
	case protocol.CmdStopTyping:
		g.handleStopTyping(s, env.Payload)
	case protocol.CmdUpdatePresence:
		g.handlePresence(s, env.Payload)
	case protocol.CmdPing:
		s.Enqueue(protocol.PongFrame(g.nowFunc()))
	default:
		s.Enqueue(protocol.ErrorFrame(env.Type, "", protocol.ReasonInvalidPayload))
	}
}

func (g *Gateway) handleJoin(ctx context.Context, s *session.Session, payload json.RawMessage) {
	var req protocol.RoomRef
	if err := json.Unmarshal(payload, &req); err != nil || req.RoomID == "" {
		s.Enqueue(protocol.ErrorFrame(protocol.CmdJoinRoom, req.RoomID, protocol.ReasonInvalidPayload))
		return
	}
	if !g.allow(s, ratelimit.ActionJoin) {
		return
	}

	// The durable directory decides whether the room can be attached at
	// all; the KV subscriber set only tracks live sessions.
	reqCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	member, err := g.directory.IsMember(reqCtx, req.RoomID, s.UserID)
	cancel()
	if err != nil {
		slog.WarnContext(ctx, "Membership lookup failed", "room", req.RoomID, "user", s.UserID, "error", err)
		s.Enqueue(protocol.ErrorFrame(protocol.CmdJoinRoom, req.RoomID, protocol.ReasonInternal))
		return
	}
	if !member {
		s.Enqueue(protocol.ErrorFrame(protocol.CmdJoinRoom, req.RoomID, protocol.ReasonRoomNotFound))
		return
	}

	wasMember := g.index.IsMember(req.RoomID, s.UserID)
	if _, err := g.index.Join(req.RoomID, s.UserID, s.ID); err != nil {
		if errors.Is(err, rooms.ErrInvalidID) {
			s.Enqueue(protocol.ErrorFrame(protocol.CmdJoinRoom, req.RoomID, protocol.ReasonRoomNotFound))
			return
		}
		slog.WarnContext(ctx, "Join failed", "room", req.RoomID, "session", s.ID, "error", err)
		s.Enqueue(protocol.ErrorFrame(protocol.CmdJoinRoom, req.RoomID, protocol.ReasonInternal))
		return
	}
	s.AddRoom(req.RoomID)
	if first := g.reg.Subscribe(req.RoomID, s); first {
		if err := g.rel.Subscribe(req.RoomID); err != nil {
			slog.WarnContext(ctx, "Failed to subscribe relay room", "room", req.RoomID, "error", err)
		}
	}

	if !wasMember {
		g.bcast.FanoutEvent(req.RoomID, protocol.MustEncode(protocol.EvtUserJoined, protocol.UserEvent{
			RoomID:      req.RoomID,
			UserID:      s.UserID,
			DisplayName: s.DisplayName,
		}), s.UserID)
	}

	s.Enqueue(protocol.MustEncode(protocol.EvtRoomJoined, protocol.RoomJoined{
		RoomID:         req.RoomID,
		RecentMessages: g.recentHistory(ctx, req.RoomID),
		Members:        g.roomMembers(req.RoomID),
	}))

	if err := g.presence.Touch(s.UserID, s.ID, req.RoomID); err != nil {
		slog.WarnContext(ctx, "Failed to refresh presence", "user", s.UserID, "error", err)
	}
}

func (g *Gateway) handleLeave(s *session.Session, payload json.RawMessage) {
	var req protocol.RoomRef
	if err := json.Unmarshal(payload, &req); err != nil || req.RoomID == "" {
		s.Enqueue(protocol.ErrorFrame(protocol.CmdLeaveRoom, req.RoomID, protocol.ReasonInvalidPayload))
		return
	}

	if !s.InRoom(req.RoomID) {
		s.Enqueue(protocol.ErrorFrame(protocol.CmdLeaveRoom, req.RoomID, protocol.ReasonNotAMember))
		return
	}

	g.typing.End(req.RoomID, s.UserID)
	g.detachRoom(s, req.RoomID)
	s.Enqueue(protocol.MustEncode(protocol.EvtRoomLeft, protocol.RoomLeft{RoomID: req.RoomID}))

	if !g.index.IsMember(req.RoomID, s.UserID) {
		g.bcast.FanoutEvent(req.RoomID, protocol.MustEncode(protocol.EvtUserLeft, protocol.UserEvent{
			RoomID:      req.RoomID,
			UserID:      s.UserID,
			DisplayName: s.DisplayName,
		}), s.UserID)
	}

	if err := g.presence.Touch(s.UserID, s.ID, ""); err != nil {
		slog.Warn("Failed to refresh presence", "user", s.UserID, "error", err)
	}
}

func (g *Gateway) handleSend(ctx context.Context, s *session.Session, payload json.RawMessage) {
	var req protocol.SendMessage
	if err := json.Unmarshal(payload, &req); err != nil || req.RoomID == "" {
		s.Enqueue(protocol.ErrorFrame(protocol.CmdSendMessage, req.RoomID, protocol.ReasonInvalidPayload))
		return
	}
	if !g.allow(s, ratelimit.ActionSend) {
		return
	}

	msg, err := g.bcast.Publish(ctx, s, req.RoomID, req.Content, req.Type)
	switch {
	case errors.Is(err, broadcast.ErrValidation):
		s.Enqueue(protocol.ErrorFrame(protocol.CmdSendMessage, req.RoomID, protocol.ReasonInvalidContent))
		return
	case errors.Is(err, broadcast.ErrNotAMember):
		s.Enqueue(protocol.ErrorFrame(protocol.CmdSendMessage, req.RoomID, protocol.ReasonNotAMember))
		return
	case err != nil:
		slog.WarnContext(ctx, "Send failed", "room", req.RoomID, "session", s.ID, "error", err)
		s.Enqueue(protocol.ErrorFrame(protocol.CmdSendMessage, req.RoomID, protocol.ReasonInvalidContent))
		return
	}

	g.typing.End(req.RoomID, s.UserID)
	s.Enqueue(protocol.MustEncode(protocol.EvtMessageSent, protocol.MessageSent{
		RoomID:    req.RoomID,
		MessageID: msg.ID,
	}))

	if err := g.presence.Touch(s.UserID, s.ID, req.RoomID); err != nil {
		slog.WarnContext(ctx, "Failed to refresh presence", "user", s.UserID, "error", err)
	}
}

func (g *Gateway) handleStartTyping(s *session.Session, payload json.RawMessage) {
	var req protocol.RoomRef
	if err := json.Unmarshal(payload, &req); err != nil || req.RoomID == "" {
		s.Enqueue(protocol.ErrorFrame(protocol.CmdStartTyping, req.RoomID, protocol.ReasonInvalidPayload))
		return
	}
	if !s.InRoom(req.RoomID) {
		s.Enqueue(protocol.ErrorFrame(protocol.CmdStartTyping, req.RoomID, protocol.ReasonNotAMember))
		return
	}
	if !g.allow(s, ratelimit.ActionTyping) {
		return
	}
	g.typing.Begin(req.RoomID, s.UserID, s.DisplayName)
}

// handleStopTyping is deliberately not rate limited: a throttled stop would
// leave a phantom typing indicator until expiry.
func (g *Gateway) handleStopTyping(s *session.Session, payload json.RawMessage) {
	var req protocol.RoomRef
	if err := json.Unmarshal(payload, &req); err != nil || req.RoomID == "" {
		s.Enqueue(protocol.ErrorFrame(protocol.CmdStopTyping, req.RoomID, protocol.ReasonInvalidPayload))
		return
	}
	g.typing.End(req.RoomID, s.UserID)
}

func (g *Gateway) handlePresence(s *session.Session, payload json.RawMessage) {
	var req protocol.UpdatePresence
	if err := json.Unmarshal(payload, &req); err != nil {
		s.Enqueue(protocol.ErrorFrame(protocol.CmdUpdatePresence, "", protocol.ReasonInvalidPayload))
		return
	}
	if !g.allow(s, ratelimit.ActionPresence) {
		return
	}

	if err := g.presence.SetStatus(s.UserID, s.ID, req.Status); err != nil {
		s.Enqueue(protocol.ErrorFrame(protocol.CmdUpdatePresence, "", protocol.ReasonInvalidStatus))
		return
	}

	s.Enqueue(protocol.MustEncode(protocol.EvtPresenceUpdated, protocol.PresenceUpdated{Status: req.Status}))

	changed := protocol.MustEncode(protocol.EvtPresenceChanged, protocol.PresenceChanged{
		UserID: s.UserID,
		Status: req.Status,
	})
	for _, roomID := range s.Rooms() {
		g.bcast.FanoutEvent(roomID, changed, s.UserID)
	}
}

// allow checks the session's budget for one action. On denial the client is
// told how long to back off and the command is dropped unexecuted.
func (g *Gateway) allow(s *session.Session, action string) bool {
	ok, retryAfter := g.limiter.Allow(s.ID, action)
	if ok {
		return true
	}
	seconds := int((retryAfter + time.Second - 1) / time.Second)
	s.Enqueue(protocol.MustEncode(protocol.EvtRateLimited, protocol.RateLimited{
		Action:            action,
		RetryAfterSeconds: seconds,
	}))
	return false
}

// recentHistory backfills the newest messages for a room_joined reply. A
// storage failure degrades to an empty backfill rather than failing the join.
func (g *Gateway) recentHistory(ctx context.Context, roomID string) []protocol.Message {
	reqCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()
	page, err := g.persist.History(reqCtx, roomID, 0, g.historyLimit)
	if err != nil {
		slog.WarnContext(ctx, "History backfill failed", "room", roomID, "error", err)
		return []protocol.Message{}
	}
	if page.Messages == nil {
		return []protocol.Message{}
	}
	return page.Messages
}

// roomMembers pairs the room's cluster-wide members with their presence.
func (g *Gateway) roomMembers(roomID string) []protocol.RoomMember {
	userIDs := g.index.Members(roomID)
	members := make([]protocol.RoomMember, 0, len(userIDs))
	for _, uid := range userIDs {
		members = append(members, protocol.RoomMember{UserID: uid, Status: g.presence.Status(uid)})
	}
	return members
}
