// ABOUTME: WebSocket transport: one reader feeding the delivery engine, one writer draining the connection queue
// ABOUTME: Keepalive pings, read deadlines refreshed by pongs, and frame size limits come from realtime config

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/huddle/internal/auth"
	"github.com/2389/huddle/internal/presence"
)

// handleWebSocket upgrades an authenticated request and serves it until the
// client goes away or the gateway shuts down.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		g.logger.Debug("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	conn, err := g.engine.Connect(r.Context(), userID)
	if err != nil {
		g.logger.Error("registering connection", "user_id", userID, "error", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "registration failed"),
			time.Now().Add(g.config.Realtime.WriteTimeout))
		_ = ws.Close()
		return
	}

	g.serveConnection(r.Context(), ws, conn)
}

// serveConnection runs the writer in a goroutine and the reader inline.
// When the reader stops, the connection is released from presence, which
// closes its queue; the writer then flushes what is left and closes the socket.
func (g *Gateway) serveConnection(ctx context.Context, ws *websocket.Conn, conn *presence.Connection) {
	logger := g.logger.With("conn_id", conn.ID(), "user_id", conn.UserID())
	logger.Info("websocket connected", "remote_addr", ws.RemoteAddr().String())

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.writeLoop(ws, conn, logger)
	}()

	g.readLoop(ctx, ws, conn, logger)

	g.engine.Disconnect(context.WithoutCancel(ctx), conn.ID())
	<-done
	logger.Info("websocket disconnected")
}

// pongWait is how long a connection may stay silent before it is dropped.
func (g *Gateway) pongWait() time.Duration {
	return 2 * g.config.Realtime.PingInterval
}

func (g *Gateway) readLoop(ctx context.Context, ws *websocket.Conn, conn *presence.Connection, logger *slog.Logger) {
	ws.SetReadLimit(g.config.Realtime.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(g.pongWait()))
	ws.SetPongHandler(func(string) error {
		g.presence.Refresh(ctx, conn.ID())
		return ws.SetReadDeadline(time.Now().Add(g.pongWait()))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			logReadError(logger, err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(g.pongWait()))
		g.engine.Handle(ctx, conn, data)
	}
}

func logReadError(logger *slog.Logger, err error) {
	var netErr net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		logger.Debug("peer closed websocket", "error", err)
	case errors.Is(err, websocket.ErrReadLimit):
		logger.Warn("websocket frame too large", "error", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Info("websocket read timeout", "error", err)
	default:
		logger.Debug("websocket read error", "error", err)
	}
}

// writeLoop is the only goroutine that writes data frames to ws. It closes
// ws on exit, which also unblocks the reader.
func (g *Gateway) writeLoop(ws *websocket.Conn, conn *presence.Connection, logger *slog.Logger) {
	ticker := time.NewTicker(g.config.Realtime.PingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	writeTimeout := g.config.Realtime.WriteTimeout
	for {
		select {
		case payload, ok := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
