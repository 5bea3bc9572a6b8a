package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/agent-sessions/internal/ws"
)

// WebSocketHandler serves the live update stream of a session.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{wsHandler: wsHandler}
}

// Stream handles WS /api/sessions/:id/stream[?from=N]. Without from every
// retained update is replayed before live updates.
func (h *WebSocketHandler) Stream(c *gin.Context) {
	sessionID := c.Param("id")

	var from *uint64
	if c.Query("from") != "" {
		n, err := parseUintQuery(c, "from", 0)
		if err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "from must be a non-negative integer")
			return
		}
		from = &n
	}

	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, sessionID, from); err != nil {
		if errors.Is(err, ws.ErrUpgradeFailed) {
			// The upgrader has already answered the client.
			slog.Warn("WebSocket upgrade failed", "sessionID", sessionID, "error", err)
			return
		}
		sendServiceError(c, err)
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/:id/stream", h.Stream)
}
