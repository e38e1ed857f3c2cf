package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/PascalSeth/tripsync/internal/app/registry"
	"github.com/PascalSeth/tripsync/internal/app/server/ws"
	"github.com/PascalSeth/tripsync/internal/config"
	"github.com/PascalSeth/tripsync/pkg/logging"
)

// FrameHandler consumes one inbound frame of a connection.
type FrameHandler interface {
	Handle(ctx context.Context, connID string, raw []byte)
}

type WSHandler struct {
	log        *slog.Logger
	hub        *registry.Registry
	dispatcher FrameHandler
	cfg        config.WebSocketConfig
	// keepAnonymous leaves unauthenticated connections open past the auth
	// deadline; they only ever receive the global emergency channel.
	keepAnonymous bool
	upgrader      websocket.Upgrader
}

func NewWSHandler(
	log *slog.Logger,
	hub *registry.Registry,
	dispatcher FrameHandler,
	cfg config.WebSocketConfig,
	keepAnonymous bool,
) *WSHandler {
	return &WSHandler{
		log:           log,
		hub:           hub,
		dispatcher:    dispatcher,
		cfg:           cfg,
		keepAnonymous: keepAnonymous,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *WSHandler) Handler(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	span := trace.SpanFromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.ErrorContext(r.Context(), "ws handler - upgrade - ws upgrade failed", logging.Err(err))
		return
	}
	// The session outlives the upgrade request.
	sessionCtx := context.WithoutCancel(r.Context())
	socket := ws.NewWebSocket(sessionCtx, h.log, conn, ws.Limits{
		WriteTimeout: h.cfg.WriteTimeout,
		ReadLimit:    h.cfg.ReadLimit,
	})
	client := ws.NewClient(sessionCtx, h.log, socket, h.cfg.SendBuffer)
	connID := client.ConnectionID()
	span.SetAttributes(attribute.String("conn_id", connID))
	sessionCtx, log = logging.With(sessionCtx, logging.Conn(connID))

	h.hub.Register(client)
	defer h.hub.Unregister(connID)
	defer client.Close()
	log.InfoContext(sessionCtx, "ws handler - register - connection registered")

	if h.cfg.AuthTimeout > 0 && !h.keepAnonymous {
		go h.enforceAuthDeadline(client, connID)
	}

	socket.ReadLoop(func(data []byte) {
		h.dispatcher.Handle(sessionCtx, connID, data)
	})
	log.InfoContext(sessionCtx, "ws handler - read loop - connection closed")
}

// enforceAuthDeadline drops the connection if it has not authenticated
// within the configured window.
func (h *WSHandler) enforceAuthDeadline(client *ws.RuntimeClient, connID string) {
	timer := time.NewTimer(h.cfg.AuthTimeout)
	defer timer.Stop()
	select {
	case <-client.Done():
		return
	case <-timer.C:
	}
	if _, ok := h.hub.UserID(connID); ok {
		return
	}
	h.log.Info("ws handler - auth deadline - closing anonymous connection", logging.Conn(connID))
	client.Close()
}
