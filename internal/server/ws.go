package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement belongs to the fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleCollabSocket admits one collaboration connection. The bearer token,
// project id, and file id arrive as connection-establishment metadata; a
// connection missing any of them, or carrying an invalid token, is closed
// with a policy-violation code before it enters the protocol.
func (h *httpHandler) handleCollabSocket(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	projectID := strings.TrimSpace(c.Query("projectId"))
	fileID := strings.TrimSpace(c.Query("fileId"))

	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if token == "" || projectID == "" || fileID == "" {
		h.logger.Warn("connection rejected: missing admission parameters",
			zap.Bool("has_token", token != ""),
			zap.Bool("has_project", projectID != ""),
			zap.Bool("has_file", fileID != ""))
		closeSocket(socket, websocket.ClosePolicyViolation, "missing admission parameters")
		return
	}

	claims, err := h.tokens.Validate(token)
	if err != nil {
		h.logger.Warn("connection rejected: invalid token", zap.Error(err))
		closeSocket(socket, websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	h.collab.Serve(c.Request.Context(), socket, claims, projectID, fileID)
}

func closeSocket(socket *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	message := websocket.FormatCloseMessage(code, reason)
	_ = socket.WriteControl(websocket.CloseMessage, message, deadline)
	_ = socket.Close()
}
