package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go-webhook-relay/internal/infrastructure/bus"
	"go-webhook-relay/internal/infrastructure/channel"
	"go-webhook-relay/internal/infrastructure/logger"
	"go-webhook-relay/internal/infrastructure/stream"
)

// StreamHandler serves the same event feed as the SSE surface over a
// WebSocket, for clients that cannot hold an EventSource open.
type StreamHandler struct {
	bus       *bus.Bus
	keepalive *stream.KeepAlive
	logger    logger.Logger
	upgrader  websocket.Upgrader
}

func NewStreamHandler(busInstance *bus.Bus, keepalive *stream.KeepAlive, logger logger.Logger) *StreamHandler {
	return &StreamHandler{
		bus:       busInstance,
		keepalive: keepalive,
		logger:    logger.WithField("handler", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The channel id in the URL is the credential; origin
				// checks add nothing on top of it.
				return true
			},
		},
	}
}

// Subscribe upgrades the request and attaches a WebSocket observer.
func (h *StreamHandler) Subscribe(c *gin.Context) {
	channelID := c.Param("channel")
	if !channel.Valid(channelID) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "unknown channel",
		})
		return
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("websocket upgrade failed: %v", err)
		return
	}

	connID := uuid.NewString()
	conn := stream.NewWS(context.Background(), connID, wsConn, h.logger)
	defer conn.Close()

	sub := h.bus.Subscribe(channelID, conn.SendData)
	h.keepalive.Register(conn)
	conn.OnClose(func() {
		h.keepalive.Deregister(conn)
		h.bus.Unsubscribe(sub)
	})

	conn.Open()
	h.logger.Infof("websocket observer %s attached to channel %s", connID, channelID)

	conn.Wait()
	h.logger.Infof("websocket observer %s detached from channel %s", connID, channelID)
}
