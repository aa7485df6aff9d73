// Package gateways holds the NATS request-reply clients for the services the
// gateway collaborates with: durable message storage and the durable room
// membership directory. Both are defined as interfaces so the coordination
// core can be exercised against in-memory fakes.
package gateways

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-gateway/pkg/otelhelper"
	"github.com/example/nats-chat-gateway/protocol"
)

// PersistedMessage is the storage service's acknowledgement of an append.
type PersistedMessage struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`
}

// HistoryPage is one page of room history, newest first.
type HistoryPage struct {
	Messages []protocol.Message `json:"messages"`
	HasMore  bool               `json:"hasMore"`
}

// MessagePersistence is the durable message store, reached over the broker.
type MessagePersistence interface {
	// Append stores a message and returns its canonical id and timestamp.
	Append(ctx context.Context, msg protocol.Message) (PersistedMessage, error)
	// History returns up to limit messages from before the given timestamp
	// (0 means latest).
	History(ctx context.Context, roomID string, before int64, limit int) (HistoryPage, error)
}

type appendRequest struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Content     string `json:"content"`
	Type        string `json:"type"`
}

type historyRequest struct {
	Before   int64 `json:"before,omitempty"`
	PageSize int   `json:"pageSize"`
}

// NATSPersistence talks to the storage service on chat.append.{room} and
// chat.history.{room}.
type NATSPersistence struct {
	nc *nats.Conn
}

// NewNATSPersistence wraps a connection.
func NewNATSPersistence(nc *nats.Conn) *NATSPersistence {
	return &NATSPersistence{nc: nc}
}

func (p *NATSPersistence) Append(ctx context.Context, msg protocol.Message) (PersistedMessage, error) {
	req, err := json.Marshal(appendRequest{
		RoomID:      msg.RoomID,
		UserID:      msg.UserID,
		DisplayName: msg.DisplayName,
		Content:     msg.Content,
		Type:        msg.Type,
	})
	if err != nil {
		return PersistedMessage{}, fmt.Errorf("failed to marshal append request: %w", err)
	}

	resp, err := otelhelper.TracedRequest(ctx, p.nc, "chat.append."+msg.RoomID, req)
	if err != nil {
		return PersistedMessage{}, fmt.Errorf("append request for %s failed: %w", msg.RoomID, err)
	}

	var ack PersistedMessage
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		return PersistedMessage{}, fmt.Errorf("invalid append response: %w", err)
	}
	if ack.ID == "" {
		return PersistedMessage{}, fmt.Errorf("append for %s returned no message id", msg.RoomID)
	}
	return ack, nil
}

func (p *NATSPersistence) History(ctx context.Context, roomID string, before int64, limit int) (HistoryPage, error) {
	req, err := json.Marshal(historyRequest{Before: before, PageSize: limit})
	if err != nil {
		return HistoryPage{}, fmt.Errorf("failed to marshal history request: %w", err)
	}

	resp, err := otelhelper.TracedRequest(ctx, p.nc, "chat.history."+roomID, req)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("history request for %s failed: %w", roomID, err)
	}

	var page HistoryPage
	if err := json.Unmarshal(resp.Data, &page); err != nil {
		return HistoryPage{}, fmt.Errorf("invalid history response: %w", err)
	}
	return page, nil
}
