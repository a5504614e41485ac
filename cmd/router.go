package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"go-webhook-relay/internal/infrastructure/bus"
	"go-webhook-relay/internal/infrastructure/logger"
	"go-webhook-relay/internal/infrastructure/stream"
	"go-webhook-relay/internal/interfaces/rest/v1/handler"
	"go-webhook-relay/internal/interfaces/sse"
	"go-webhook-relay/internal/interfaces/websocket"
)

func InitRouter(busInstance *bus.Bus, keepalive *stream.KeepAlive, log logger.Logger) http.Handler {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// CORS middleware: webhook senders and browser observers come from
	// anywhere by design.
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Accept")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	relayHandler := handler.NewRelayHandler(busInstance, log)
	sseHandler := sse.NewStreamHandler(busInstance, keepalive, log)
	wsHandler := websocket.NewStreamHandler(busInstance, keepalive, log)

	rootGroup := router.Group("")

	rootGroup.GET("/status", relayHandler.Status)
	rootGroup.POST("/channels", relayHandler.CreateChannel)

	// The channel URL serves double duty: an EventSource GET subscribes,
	// anything else is a capture.
	rootGroup.GET("/:channel", func(c *gin.Context) {
		if sse.WantsStream(c) {
			sseHandler.Subscribe(c)
			return
		}
		relayHandler.Capture(c)
	})
	rootGroup.Match(
		[]string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		"/:channel",
		relayHandler.Capture,
	)

	rootGroup.GET("/:channel/ws", wsHandler.Subscribe)
	rootGroup.POST("/:channel/redeliver", relayHandler.Redeliver)

	return router
}
