package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const realtimeEventHeartbeat = "heartbeat"

// handleNotificationStream serves one push stream until the client goes away
// or the engine closes the stream through eviction or a failed send.
func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	username := c.GetString(usernameContextKey)
	stream, err := h.notifications.OpenStream(username)
	if err != nil {
		h.logger.Error("failed to open notification stream", zap.String("username", username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stream_unavailable"})
		return
	}
	defer func() {
		_ = stream.Close()
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()
	requestContext := c.Request.Context()

	c.Stream(func(io.Writer) bool {
		select {
		case <-requestContext.Done():
			return false
		case envelope := <-stream.Outbound():
			c.SSEvent(envelope.Type, envelope.Data)
			return true
		case <-stream.Done():
			return false
		case now := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": now.UnixMilli()})
			return true
		}
	})
}

// handleCloseStreams closes every stream of the caller, used on logout.
func (h *httpHandler) handleCloseStreams(c *gin.Context) {
	username := c.GetString(usernameContextKey)
	closed := h.notifications.RemoveAllStreams(username)
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}
