package sse

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"go-webhook-relay/internal/infrastructure/bus"
	"go-webhook-relay/internal/infrastructure/channel"
	"go-webhook-relay/internal/infrastructure/logger"
	"go-webhook-relay/internal/infrastructure/stream"
)

type StreamHandler struct {
	bus       *bus.Bus
	keepalive *stream.KeepAlive
	logger    logger.Logger
}

func NewStreamHandler(busInstance *bus.Bus, keepalive *stream.KeepAlive, logger logger.Logger) *StreamHandler {
	return &StreamHandler{
		bus:       busInstance,
		keepalive: keepalive,
		logger:    logger.WithField("handler", "sse"),
	}
}

// Subscribe attaches the caller to a channel as an SSE observer. The
// handler blocks for the lifetime of the stream and tears everything
// down when either side closes it.
func (h *StreamHandler) Subscribe(c *gin.Context) {
	channelID := c.Param("channel")
	if !channel.Valid(channelID) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "unknown channel",
		})
		return
	}

	connID := uuid.NewString()
	conn, err := stream.New(c.Request.Context(), connID, c.Writer, h.logger)
	if err != nil {
		h.logger.Errorf("cannot open push stream: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "streaming not supported",
		})
		return
	}
	defer conn.Close()

	// Wired before Open so a close racing with setup still cleans up.
	sub := h.bus.Subscribe(channelID, conn.SendData)
	h.keepalive.Register(conn)
	conn.OnClose(func() {
		h.keepalive.Deregister(conn)
		h.bus.Unsubscribe(sub)
	})

	conn.Open()
	h.logger.Infof("observer %s attached to channel %s", connID, channelID)

	// Held open until the client goes away or the stream is shut down.
	conn.Wait()
	h.logger.Infof("observer %s detached from channel %s", connID, channelID)
}
