package handlers

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/agent-sessions/internal/model"
	"github.com/remote-agent-terminal/agent-sessions/internal/session"
)

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	sessionManager *session.Manager
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionManager *session.Manager) *SessionHandler {
	return &SessionHandler{
		sessionManager: sessionManager,
	}
}

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	Metadata map[string]any `json:"metadata"`
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	Display   string         `json:"display,omitempty"`
	VNCPort   *int           `json:"vncPort,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Age       string         `json:"age"`
	CreatedAt string         `json:"createdAt"`
	UpdatedAt string         `json:"updatedAt"`
}

// DisplayResponse describes the display a session's live worker holds.
type DisplayResponse struct {
	SessionID string `json:"sessionId"`
	Display   string `json:"display"`
	VNCPort   int    `json:"vncPort"`
	VNCURL    string `json:"vncUrl"`
}

func toSessionResponse(s *model.Session) *SessionResponse {
	resp := &SessionResponse{
		ID:        s.ID,
		Status:    string(s.Status),
		VNCPort:   s.VNCPort,
		Metadata:  s.Metadata,
		Age:       formatDuration(s.Age()),
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
		UpdatedAt: s.UpdatedAt.Format(time.RFC3339),
	}
	if s.Display != nil {
		resp.Display = fmt.Sprintf(":%d", *s.Display)
	}
	return resp
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

// Create handles POST /api/sessions.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
			return
		}
	}

	sess, err := h.sessionManager.Create(c.Request.Context(), &model.CreateSessionRequest{Metadata: req.Metadata})
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSessionResponse(sess))
}

// List handles GET /api/sessions. Terminated sessions are included with ?all=true.
func (h *SessionHandler) List(c *gin.Context) {
	all, _ := strconv.ParseBool(c.Query("all"))

	sessions, err := h.sessionManager.List(c.Request.Context(), all)
	if err != nil {
		sendServiceError(c, err)
		return
	}

	response := make([]*SessionResponse, len(sessions))
	for i, sess := range sessions {
		response[i] = toSessionResponse(sess)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	sess, err := h.sessionManager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// Delete handles DELETE /api/sessions/:id. Deleting a terminated session
// succeeds again.
func (h *SessionHandler) Delete(c *gin.Context) {
	if err := h.sessionManager.Delete(c.Request.Context(), c.Param("id")); err != nil {
		sendServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Display handles GET /api/sessions/:id/display.
func (h *SessionHandler) Display(c *gin.Context) {
	sessionID := c.Param("id")
	token, err := h.sessionManager.Display(c.Request.Context(), sessionID)
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, DisplayResponse{
		SessionID: sessionID,
		Display:   token.Name(),
		VNCPort:   token.Port,
		VNCURL:    fmt.Sprintf("vnc://%s:%d", hostOnly(c.Request.Host), token.Port),
	})
}

// Recording handles GET /api/sessions/:id/recording - downloads the
// session's asciinema recording.
func (h *SessionHandler) Recording(c *gin.Context) {
	sessionID := c.Param("id")
	path, err := h.sessionManager.RecordingPath(c.Request.Context(), sessionID)
	if err != nil {
		sendServiceError(c, err)
		return
	}

	c.Header("Content-Type", "application/x-asciicast")
	c.Header("Content-Disposition", "attachment; filename="+sessionID+".cast")
	c.File(path)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.Create)
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Delete)
		sessions.GET("/:id/display", h.Display)
		sessions.GET("/:id/recording", h.Recording)
	}
}

func hostOnly(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	if host == "" {
		return "localhost"
	}
	return host
}
