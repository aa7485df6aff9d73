package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// Register mounts the WebSocket endpoint on a fiber app. Clients connect to
// /ws?token={access_token}; anything else on the route is rejected with an
// upgrade error.
func (g *Gateway) Register(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(g.handleSocket))
}

// handleSocket runs one connection: handshake, then a writer goroutine
// draining the session queue while this goroutine reads commands. Teardown is
// identical for clean closes and failures.
func (g *Gateway) handleSocket(c *websocket.Conn) {
	ctx := context.Background()

	token := c.Query("token")
	if token == "" {
		c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "missing token"))
		c.Close()
		return
	}

	s, err := g.Connect(ctx, token)
	if err != nil {
		slog.Warn("WebSocket handshake rejected", "error", err)
		c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"))
		c.Close()
		return
	}
	defer g.Disconnect(s)

	// Writer: sole goroutine that touches the socket for writes.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case data := <-s.Outbound():
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					slog.Warn("WebSocket write failed", "session", s.ID, "error", err)
					c.Close()
					return
				}
			case <-s.Done():
				c.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				c.Close()
				return
			}
		}
	}()

	// Reader: the deadline covers heartbeats, so a silent socket is torn
	// down after ReadTimeout even when TCP never notices.
	for {
		if err := c.SetReadDeadline(time.Now().Add(g.readTimeout)); err != nil {
			break
		}
		_, raw, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("WebSocket read failed", "session", s.ID, "error", err)
			}
			break
		}
		g.Handle(ctx, s, raw)
	}

	s.Close()
	<-writerDone
}
