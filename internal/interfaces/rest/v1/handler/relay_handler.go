package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"go-webhook-relay/internal/infrastructure/bus"
	"go-webhook-relay/internal/infrastructure/channel"
	"go-webhook-relay/internal/infrastructure/logger"
)

// maxBodyBytes caps a captured webhook body. Deliveries are debugging
// payloads, not file uploads.
const maxBodyBytes = 1 << 20

// Delivery is the payload fanned out for one captured inbound request.
// Redeliveries carry the same structure verbatim.
type Delivery struct {
	ID          string            `json:"id"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	Query       map[string]string `json:"query"`
	ContentType string            `json:"content_type,omitempty"`
	Body        any               `json:"body"`
	ReceivedAt  time.Time         `json:"received_at"`
}

type RelayHandler struct {
	bus     *bus.Bus
	logger  logger.Logger
	started time.Time
}

func NewRelayHandler(busInstance *bus.Bus, logger logger.Logger) *RelayHandler {
	return &RelayHandler{
		bus:     busInstance,
		logger:  logger.WithField("handler", "relay"),
		started: time.Now(),
	}
}

// CreateChannel mints a fresh channel and returns its id and URL. The id
// is the only credential: whoever holds it can publish and subscribe.
func (h *RelayHandler) CreateChannel(c *gin.Context) {
	id := channel.Generate()
	h.logger.Infof("channel %s created", id)

	c.JSON(http.StatusCreated, gin.H{
		"channel": id,
		"url":     "/" + id,
	})
}

// Capture turns an inbound request into a delivery event and publishes it
// to the channel. Zero subscribers is still success: the delivery is
// accepted and silently discarded.
func (h *RelayHandler) Capture(c *gin.Context) {
	channelID, ok := h.channelParam(c)
	if !ok {
		return
	}

	delivery := h.buildDelivery(c)

	// The delivered-to count comes from the publish itself, so the
	// response cannot disagree with the set the event was handed to.
	delivered, err := h.bus.Publish(channelID, bus.NewEvent(bus.EventTypeMessage, delivery))
	if err != nil {
		h.logger.Errorf("publish to channel %s failed: %v", channelID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "relay is shutting down",
		})
		return
	}

	h.logger.Infof(
		"delivery %s captured on channel %s (%d subscribers)",
		delivery.ID, channelID, delivered,
	)

	c.JSON(http.StatusOK, gin.H{
		"status":      "delivered",
		"channel":     channelID,
		"delivery_id": delivery.ID,
		"subscribers": delivered,
	})
}

// Redeliver replays a previously captured payload to its channel. The
// body is forwarded verbatim; only the sequence id and timestamp differ
// on the observer side.
func (h *RelayHandler) Redeliver(c *gin.Context) {
	channelID, ok := h.channelParam(c)
	if !ok {
		return
	}

	var payload any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "body must be the JSON payload to replay",
		})
		return
	}

	delivered, err := h.bus.Redeliver(channelID, bus.NewEvent(bus.EventTypeMessage, payload))
	if err != nil {
		h.logger.Errorf("redeliver to channel %s failed: %v", channelID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "relay is shutting down",
		})
		return
	}

	h.logger.Infof("payload redelivered on channel %s (%d subscribers)", channelID, delivered)

	c.JSON(http.StatusOK, gin.H{
		"status":      "redelivered",
		"channel":     channelID,
		"subscribers": delivered,
	})
}

// Status reports fanout state: channel and subscriber counts, uptime.
func (h *RelayHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"channels":    h.bus.ChannelCount(),
		"subscribers": h.bus.SubscriptionCount(),
		"uptime":      time.Since(h.started).Round(time.Second).String(),
	})
}

// channelParam extracts and validates the channel id. Malformed ids never
// reach the bus.
func (h *RelayHandler) channelParam(c *gin.Context) (string, bool) {
	id := c.Param("channel")
	if !channel.Valid(id) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "unknown channel",
		})
		return "", false
	}
	return id, true
}

func (h *RelayHandler) buildDelivery(c *gin.Context) *Delivery {
	headers := make(map[string]string, len(c.Request.Header))
	for k, v := range c.Request.Header {
		headers[k] = strings.Join(v, ", ")
	}

	query := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		query[k] = strings.Join(v, ", ")
	}

	contentType := c.ContentType()

	var body any
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warnf("reading delivery body: %v", err)
	}
	if len(raw) > 0 {
		// JSON bodies are forwarded structured, everything else as text.
		if strings.Contains(contentType, "json") {
			var decoded any
			if json.Unmarshal(raw, &decoded) == nil {
				body = decoded
			} else {
				body = string(raw)
			}
		} else {
			body = string(raw)
		}
	}

	return &Delivery{
		ID:          uuid.NewString(),
		Method:      c.Request.Method,
		Path:        c.Request.URL.Path,
		Headers:     headers,
		Query:       query,
		ContentType: contentType,
		Body:        body,
		ReceivedAt:  time.Now().UTC(),
	}
}
