package ws

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PascalSeth/tripsync/pkg/logging"
)

type Limits struct {
	WriteTimeout time.Duration
	ReadLimit    int64
}

type WebSocket struct {
	*websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
	limits Limits
}

func NewWebSocket(parent context.Context, log *slog.Logger, conn *websocket.Conn, limits Limits) *WebSocket {
	ctx, cancel := context.WithCancel(parent)
	if limits.WriteTimeout <= 0 {
		limits.WriteTimeout = 10 * time.Second
	}
	if limits.ReadLimit <= 0 {
		limits.ReadLimit = 64 * 1024
	}
	return &WebSocket{Conn: conn, ctx: ctx, cancel: cancel, log: log, limits: limits}
}

func (w *WebSocket) WriteMessage(data []byte) error {
	_ = w.Conn.SetWriteDeadline(time.Now().Add(w.limits.WriteTimeout))
	return w.Conn.WriteMessage(websocket.TextMessage, data)
}

// ReadLoop feeds every non-empty text frame to onMsg until the peer goes
// away or the connection is closed.
func (w *WebSocket) ReadLoop(onMsg func([]byte)) {
	defer w.Close()

	w.Conn.SetReadLimit(w.limits.ReadLimit)

	for {
		_, data, err := w.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.log.Warn("ws - read loop - unexpected close", logging.Err(err))
			}
			return
		}
		if len(data) > 0 {
			onMsg(data)
		}
	}
}

func (w *WebSocket) Close() {
	w.cancel()
	_ = w.Conn.Close()
}
