package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/agent-sessions/internal/session"
	"github.com/remote-agent-terminal/agent-sessions/internal/ws"
)

// Register mounts every route of the API on r.
func Register(r *gin.Engine, sessionManager *session.Manager, stream *ws.Handler) {
	api := r.Group("/api")

	NewHealthHandler(sessionManager).RegisterRoutes(r, api)
	NewSessionHandler(sessionManager).RegisterRoutes(api)
	NewMessageHandler(sessionManager).RegisterRoutes(api)
	NewWebSocketHandler(stream).RegisterRoutes(api)
}
