package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/timeweaver/internal/realtime"
	"github.com/MarcoPoloResearchLab/timeweaver/internal/rooms"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	socketPongWait       = 60 * time.Second
	socketPingPeriod     = (socketPongWait * 9) / 10
	socketMaxMessageSize = 1 << 20
)

// handleProjectSocket upgrades an accepted project member to the room socket.
func (h *httpHandler) handleProjectSocket(c *gin.Context) {
	username := c.GetString(usernameContextKey)
	projectID, ok := parseProjectID(c)
	if !ok {
		return
	}

	member, err := h.projects.IsMember(c.Request.Context(), projectID, username)
	if err != nil {
		h.logger.Error("membership lookup failed",
			zap.String("username", username),
			zap.Int64("project_id", projectID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership_lookup_failed"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	connectionID, err := h.connectionIDs.NewID()
	if err != nil {
		h.logger.Error("failed to issue connection id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "connection_id_failed"})
		return
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("username", username), zap.Error(err))
		return
	}
	defer socket.Close()

	queue := realtime.NewQueue(connectionID, time.Now(), h.sendBuffer)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(socket, queue)
	}()

	requestContext := c.Request.Context()
	go func() {
		select {
		case <-requestContext.Done():
			_ = queue.Close()
		case <-writerDone:
		}
	}()

	session := rooms.Session{Identity: username, ProjectID: projectID}
	roomMember, err := h.rooms.Join(requestContext, session, queue)
	if err != nil {
		<-writerDone
		return
	}
	defer h.rooms.Leave(roomMember)

	h.readPump(socket, func(payload []byte) {
		h.rooms.HandleMessage(requestContext, roomMember, payload)
	})
	_ = queue.Close()
	<-writerDone
}

// readPump delivers inbound text frames until the peer closes or stops
// answering pings.
func (h *httpHandler) readPump(socket *websocket.Conn, handle func([]byte)) {
	socket.SetReadLimit(socketMaxMessageSize)
	_ = socket.SetReadDeadline(time.Now().Add(socketPongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	for {
		messageType, payload, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Info("room socket closed unexpectedly", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		handle(payload)
	}
}

// writePump drains the queue onto the socket. A write failure closes the
// queue so the engine drops the connection on its next send.
func (h *httpHandler) writePump(socket *websocket.Conn, queue *realtime.Queue) {
	ticker := time.NewTicker(socketPingPeriod)
	defer func() {
		ticker.Stop()
		_ = queue.Close()
		_ = socket.Close()
	}()

	for {
		select {
		case envelope := <-queue.Outbound():
			if err := h.writeEnvelope(socket, envelope); err != nil {
				return
			}
		case <-queue.Done():
			for {
				select {
				case envelope := <-queue.Outbound():
					if err := h.writeEnvelope(socket, envelope); err != nil {
						return
					}
				default:
					_ = socket.SetWriteDeadline(time.Now().Add(h.writeTimeout))
					_ = socket.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		case <-ticker.C:
			_ = socket.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *httpHandler) writeEnvelope(socket *websocket.Conn, envelope realtime.Envelope) error {
	_ = socket.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	if err := socket.WriteJSON(envelope); err != nil {
		h.logger.Debug("room socket write failed", zap.String("type", envelope.Type), zap.Error(err))
		return err
	}
	return nil
}
