package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/timeweaver/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type broadcastRequestPayload struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	username := c.GetString(usernameContextKey)
	views, err := h.notifications.ListUnread(c.Request.Context(), username)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.String("username", username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, views)
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	username := c.GetString(usernameContextKey)
	notificationID, err := strconv.ParseInt(c.Param("notificationId"), 10, 64)
	if err != nil || notificationID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_notification_id"})
		return
	}

	err = h.notifications.MarkRead(c.Request.Context(), username, notificationID)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, realtime.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, realtime.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		h.logger.Error("failed to mark notification as read",
			zap.String("username", username),
			zap.Int64("notification_id", notificationID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mark_read_failed"})
	}
}

func (h *httpHandler) handleBroadcast(c *gin.Context) {
	var request broadcastRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	delivery := h.notifications.NotifyAll(request.Name, map[string]any{
		"message":   request.Data,
		"timestamp": time.Now().UnixMilli(),
	})
	h.logger.Info("broadcast requested",
		zap.String("username", c.GetString(usernameContextKey)),
		zap.String("event", request.Name))
	c.JSON(http.StatusAccepted, gin.H{"delivered": delivery.Delivered, "failed": delivery.Failed})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	username := c.GetString(usernameContextKey)
	c.JSON(http.StatusOK, gin.H{
		"activeUsers":       h.notifications.ActiveUserCount(),
		"activeConnections": h.notifications.ActiveConnectionCount(),
		"userConnections":   h.notifications.UserConnectionCount(username),
		"activeRooms":       h.rooms.ActiveRoomCount(),
		"roomConnections":   h.rooms.ActiveConnectionCount(),
	})
}
