package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	// Origins are enforced by the CORS middleware and the auth token.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// streamServer streams audit and status events of one server until the
// client goes away.
func (s *Server) streamServer(c echo.Context) error {
	srv, err := s.svc.GetServer(c.Request().Context(), tenantScope(c), c.Param("id"))
	if err != nil {
		return err
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	stream, unsubscribe, err := s.events.Subscribe(ctx, srv.ID)
	if err != nil {
		s.logger.Warn("websocket subscribe failed", zap.String("server_id", srv.ID), zap.Error(err))
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		return nil
	}
	defer unsubscribe()

	go s.readPump(ws, cancel)

	hello := WebSocketMessage{Type: "hello", Timestamp: time.Now().UTC().Format(time.RFC3339), Data: srv}
	if err := writeJSON(ws, hello); err != nil {
		return nil
	}
	s.writePump(ctx, ws, stream)
	return nil
}

// readPump drains client frames so pongs and close frames are seen.
func (s *Server) readPump(ws *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards events and keeps the connection alive with pings.
func (s *Server) writePump(ctx context.Context, ws *websocket.Conn, stream <-chan events.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			msg := WebSocketMessage{
				Type:      string(ev.Type),
				Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
				Data:      ev,
			}
			if err := writeJSON(ws, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(ws *websocket.Conn, msg WebSocketMessage) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(msg)
}
