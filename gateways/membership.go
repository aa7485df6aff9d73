package gateways

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-gateway/pkg/otelhelper"
)

// MembershipDirectory is the durable room membership store. It answers which
// rooms a user belongs to across connections; the live subscriber set is a
// separate, volatile structure.
type MembershipDirectory interface {
	// ListUserRooms returns the rooms the user is a durable member of.
	ListUserRooms(ctx context.Context, userID string) ([]string, error)
	// IsMember reports durable membership in one room.
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

type listRoomsRequest struct {
	UserID string `json:"userId"`
}

type listRoomsResponse struct {
	Rooms []string `json:"rooms"`
}

type memberRequest struct {
	UserID string `json:"userId"`
}

type memberResponse struct {
	Member bool `json:"member"`
}

// NATSMembership talks to the room service on room.list and room.member.{room}.
type NATSMembership struct {
	nc *nats.Conn
}

// NewNATSMembership wraps a connection.
func NewNATSMembership(nc *nats.Conn) *NATSMembership {
	return &NATSMembership{nc: nc}
}

func (m *NATSMembership) ListUserRooms(ctx context.Context, userID string) ([]string, error) {
	req, err := json.Marshal(listRoomsRequest{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal room list request: %w", err)
	}

	resp, err := otelhelper.TracedRequest(ctx, m.nc, "room.list", req)
	if err != nil {
		return nil, fmt.Errorf("room list request for %s failed: %w", userID, err)
	}

	var out listRoomsResponse
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("invalid room list response: %w", err)
	}
	return out.Rooms, nil
}

func (m *NATSMembership) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	req, err := json.Marshal(memberRequest{UserID: userID})
	if err != nil {
		return false, fmt.Errorf("failed to marshal member request: %w", err)
	}

	resp, err := otelhelper.TracedRequest(ctx, m.nc, "room.member."+roomID, req)
	if err != nil {
		return false, fmt.Errorf("member request for %s failed: %w", roomID, err)
	}

	var out memberResponse
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return false, fmt.Errorf("invalid member response: %w", err)
	}
	return out.Member, nil
}
