// Gateway service: terminates client WebSockets and coordinates realtime
// chat state (room subscriber sets, presence, typing, fan-out) over NATS.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-gateway/auth"
	"github.com/example/nats-chat-gateway/broadcast"
	"github.com/example/nats-chat-gateway/config"
	"github.com/example/nats-chat-gateway/gateway"
	"github.com/example/nats-chat-gateway/gateways"
	"github.com/example/nats-chat-gateway/pkg/otelhelper"
	"github.com/example/nats-chat-gateway/presence"
	"github.com/example/nats-chat-gateway/ratelimit"
	"github.com/example/nats-chat-gateway/relay"
	"github.com/example/nats-chat-gateway/rooms"
	"github.com/example/nats-chat-gateway/session"
	"github.com/example/nats-chat-gateway/typing"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	otelShutdown, err := otelhelper.Init(ctx, "gateway-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("gateway-service")
	sessionsGauge, _ := meter.Int64ObservableGauge("gateway_sessions",
		metric.WithDescription("Connected WebSocket sessions"))
	roomsGauge, _ := meter.Int64ObservableGauge("gateway_local_rooms",
		metric.WithDescription("Rooms with at least one local subscriber"))
	typingGauge, _ := meter.Int64ObservableGauge("gateway_typing_entries",
		metric.WithDescription("Live typing indicator entries"))
	limiterGauge, _ := meter.Int64ObservableGauge("gateway_limited_sessions",
		metric.WithDescription("Sessions with rate limiter state"))

	slog.Info("Starting Gateway Service", "nats_url", cfg.NatsURL, "listen", cfg.ListenAddr)

	// An origin id distinguishes this instance's relay frames from other
	// gateways' so fan-out is never mirrored back.
	instanceID := uuid.NewString()

	// Membership mirror is declared before the connection so the reconnect
	// handler can re-hydrate it after an outage.
	var index *rooms.Index

	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("gateway-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
				if index != nil {
					if err := index.Hydrate(); err != nil {
						slog.Error("Failed to re-hydrate membership mirror", "error", err)
					}
				}
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to get JetStream context", "error", err)
		os.Exit(1)
	}

	presenceKV, err := presence.CreateBucket(js, cfg.PresenceTTL)
	if err != nil {
		slog.Error("Failed to create presence bucket", "error", err)
		os.Exit(1)
	}
	roomsKV, err := rooms.CreateBucket(js)
	if err != nil {
		slog.Error("Failed to create rooms bucket", "error", err)
		os.Exit(1)
	}

	tracker := presence.NewTracker(presenceKV, cfg.PresenceTTL)
	index = rooms.NewIndex(roomsKV, nc)
	registry := session.NewRegistry()
	persist := gateways.NewNATSPersistence(nc)
	directory := gateways.NewNATSMembership(nc)

	// The relay handler closes over the broadcaster, which itself needs the
	// relay; the pointer is filled in right after.
	var bcast *broadcast.Broadcaster
	var rel relay.Relay
	if cfg.RelayEnabled {
		rel = relay.NewNATS(nc, instanceID, func(roomID string, data []byte, exceptUser string) {
			bcast.HandleRemote(roomID, data, exceptUser)
		})
	} else {
		rel = relay.Noop{}
	}
	defer rel.Close()

	bcast = broadcast.New(registry, rel, persist, cfg.MaxContentLength, 2*time.Second)

	coordinator := typing.New(cfg.TypingExpiry, bcast.FanoutEvent)
	limiter := ratelimit.New(ratelimit.Limits{
		ratelimit.ActionSend:     cfg.SendLimit,
		ratelimit.ActionJoin:     cfg.JoinLimit,
		ratelimit.ActionTyping:   cfg.TypingLimit,
		ratelimit.ActionPresence: cfg.PresenceLimit,
	}, cfg.RateWindow)

	validator, err := auth.NewValidator(cfg.JWKSURL, cfg.Issuer)
	if err != nil {
		slog.Error("Failed to initialize token validator", "error", err)
		os.Exit(1)
	}
	defer validator.Close()

	if err := index.Start(nc); err != nil {
		slog.Error("Failed to start membership mirror", "error", err)
		os.Exit(1)
	}

	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(sessionsGauge, int64(registry.Count()))
		o.ObserveInt64(roomsGauge, int64(registry.RoomCount()))
		o.ObserveInt64(typingGauge, int64(coordinator.Len()))
		o.ObserveInt64(limiterGauge, int64(limiter.TrackedSessions()))
		return nil
	}, sessionsGauge, roomsGauge, typingGauge, limiterGauge)

	gw := gateway.New(gateway.Options{
		Registry:       registry,
		Index:          index,
		Presence:       tracker,
		Typing:         coordinator,
		Limiter:        limiter,
		Broadcaster:    bcast,
		Relay:          rel,
		Persistence:    persist,
		Directory:      directory,
		Validator:      validator,
		QueueSize:      cfg.OutboundQueueSize,
		HistoryLimit:   cfg.HistoryLimit,
		ReadTimeout:    cfg.ReadTimeout,
		RequestTimeout: 2 * time.Second,
	})

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	coordinator.Start(sigCtx)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sigCtx.Done():
				return
			case <-ticker.C:
				if removed := limiter.Sweep(); removed > 0 {
					slog.Debug("Swept stale limiter sessions", "removed", removed)
				}
			}
		}
	}()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	app.Get("/healthz", func(c *fiber.Ctx) error {
		if !nc.IsConnected() {
			return c.Status(fiber.StatusServiceUnavailable).SendString("nats disconnected")
		}
		return c.SendString("ok")
	})
	gw.Register(app)

	go func() {
		if err := app.Listen(cfg.ListenAddr); err != nil {
			slog.Error("HTTP server stopped", "error", err)
			stop()
		}
	}()

	slog.Info("Gateway service ready", "listen", cfg.ListenAddr, "instance", instanceID)

	<-sigCtx.Done()

	slog.Info("Shutting down gateway service")
	if err := app.Shutdown(); err != nil {
		slog.Warn("HTTP shutdown failed", "error", err)
	}
	nc.Drain()
}
