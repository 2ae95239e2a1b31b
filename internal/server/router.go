package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/timeweaver/internal/auth"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/notifications"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/projects"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/realtime"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/rooms"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	usernameContextKey = "timeweaver_username"

	defaultWriteTimeout      = 10 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	defaultSendBuffer        = 64
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingNotifications  = errors.New("notification engine dependency required")
	errMissingRooms          = errors.New("room engine dependency required")
	errMissingProjects       = errors.New("project service dependency required")
	errMissingAccounts       = errors.New("account service dependency required")
	errInvalidAuthorization  = errors.New("authorization token missing or invalid")
)

// TokenValidator resolves a request token to a username.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies are the collaborators of the HTTP surface.
type Dependencies struct {
	Tokens            TokenValidator
	Notifications     *notifications.Engine
	Rooms             *rooms.Engine
	Projects          *projects.Service
	Accounts          *users.Service
	MetricsHandler    http.Handler
	AllowedOrigins    []string
	CookieName        string
	SendBuffer        int
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router serving notification streams, project
// rooms and invitations.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}
	if deps.Rooms == nil {
		return nil, errMissingRooms
	}
	if deps.Projects == nil {
		return nil, errMissingProjects
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		tokens:            deps.Tokens,
		notifications:     deps.Notifications,
		rooms:             deps.Rooms,
		projects:          deps.Projects,
		accounts:          deps.Accounts,
		cookieName:        deps.CookieName,
		sendBuffer:        positiveOr(deps.SendBuffer, defaultSendBuffer),
		writeTimeout:      durationOr(deps.WriteTimeout, defaultWriteTimeout),
		heartbeatInterval: durationOr(deps.HeartbeatInterval, defaultHeartbeatInterval),
		connectionIDs:     realtime.NewUUIDProvider(),
		logger:            logger,
	}
	handler.upgrader = websocket.Upgrader{
		CheckOrigin: originChecker(deps.AllowedOrigins),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	api := router.Group("/api/v1")
	api.Use(handler.authorizeRequest)
	api.GET("/notifications/subscribe", handler.handleNotificationStream)
	api.DELETE("/notifications/subscribe", handler.handleCloseStreams)
	api.GET("/notifications", handler.handleListNotifications)
	api.DELETE("/notifications/:notificationId", handler.handleMarkRead)
	api.POST("/notifications/broadcast", handler.handleBroadcast)
	api.GET("/notifications/stats", handler.handleStats)
	api.GET("/projects/:projectId/ws", handler.handleProjectSocket)
	api.PUT("/projects/:projectId/users/:username/invite", handler.handleInvite)
	api.PUT("/projects/:projectId/users/:username", handler.handleAcceptInvitation)

	return router, nil
}

type httpHandler struct {
	tokens            TokenValidator
	notifications     *notifications.Engine
	rooms             *rooms.Engine
	projects          *projects.Service
	accounts          *users.Service
	cookieName        string
	sendBuffer        int
	writeTimeout      time.Duration
	heartbeatInterval time.Duration
	connectionIDs     realtime.IDProvider
	upgrader          websocket.Upgrader
	logger            *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.TrimRight(origin, "/")]
		return ok
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.TokenFromRequest(c.Request, h.cookieName)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	username, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(usernameContextKey, username)
	c.Next()
}

func positiveOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
