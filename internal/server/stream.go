package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins; rely on JWT auth.
		return true
	},
}

// handleStream pushes status changes over a websocket. ?user_id= narrows the stream to one user.
func (h *httpHandler) handleStream(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}
	userID := strings.TrimSpace(c.Query("user_id"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	// Clients never send; reading only detects the close frame.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ready := RealtimeMessage{UserID: userID, EventType: realtimeEventReady, Timestamp: h.realtime.clock().UTC()}
	if err := writeStreamMessage(conn, ready); err != nil {
		h.logger.Debug("stream closed before ready", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			if err := writeStreamMessage(conn, message); err != nil {
				h.logger.Debug("stream write failed", zap.Error(err))
				return
			}
		case tick := <-heartbeat.C:
			message := RealtimeMessage{UserID: userID, EventType: realtimeEventHeartbeat, Timestamp: tick.UTC()}
			if err := writeStreamMessage(conn, message); err != nil {
				h.logger.Debug("stream heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func writeStreamMessage(conn *websocket.Conn, message RealtimeMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(message)
}
