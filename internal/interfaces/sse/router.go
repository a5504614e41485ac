package sse

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// WantsStream reports whether the request asked for a push stream rather
// than a plain response. The subscribe and capture surfaces share the
// channel URL and are told apart by the Accept header.
func WantsStream(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}
