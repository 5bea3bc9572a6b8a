package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/agent-sessions/internal/session"
)

// HealthHandler reports server and worker health.
type HealthHandler struct {
	sessionManager *session.Manager
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(sessionManager *session.Manager) *HealthHandler {
	return &HealthHandler{sessionManager: sessionManager}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	report, err := h.sessionManager.Health(c.Request.Context())
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"workers":     report.TotalWorkers,
		"maxWorkers":  report.MaxWorkers,
		"activeTurns": report.ActiveTurns,
		"sessions":    report.Sessions,
		"broadcast":   report.Broadcast,
	})
}

// Workers handles GET /api/workers/health.
func (h *HealthHandler) Workers(c *gin.Context) {
	report, err := h.sessionManager.Health(c.Request.Context())
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// RegisterRoutes registers /health on the engine root and the detailed
// report on the API group.
func (h *HealthHandler) RegisterRoutes(r gin.IRoutes, api *gin.RouterGroup) {
	r.GET("/health", h.Health)
	api.GET("/workers/health", h.Workers)
}
