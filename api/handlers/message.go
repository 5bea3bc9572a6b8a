package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/agent-sessions/internal/model"
	"github.com/remote-agent-terminal/agent-sessions/internal/session"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// MessageHandler handles conversation requests: history, sending messages,
// cancelling turns and browsing persisted updates.
type MessageHandler struct {
	sessionManager *session.Manager
}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler(sessionManager *session.Manager) *MessageHandler {
	return &MessageHandler{sessionManager: sessionManager}
}

// SendMessageResponse is returned once the turn has started, or with the
// assistant message when the caller waited for it.
type SendMessageResponse struct {
	Turn    *session.TurnHandle `json:"turn"`
	Message *model.Message      `json:"message,omitempty"`
}

// TurnResponse describes a turn being cancelled.
type TurnResponse struct {
	TurnID    string `json:"turnId"`
	SessionID string `json:"sessionId"`
	Updates   int    `json:"updates"`
	LastSeq   uint64 `json:"lastSeq"`
}

// History handles GET /api/sessions/:id/messages.
func (h *MessageHandler) History(c *gin.Context) {
	messages, err := h.sessionManager.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

// Send handles POST /api/sessions/:id/messages. It answers 202 once the turn
// has started; with ?wait=true it answers 201 with the assistant message
// after the turn completes.
func (h *MessageHandler) Send(c *gin.Context) {
	var req model.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	turn, err := h.sessionManager.SendMessage(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		sendServiceError(c, err)
		return
	}

	wait, _ := strconv.ParseBool(c.Query("wait"))
	if !wait {
		c.JSON(http.StatusAccepted, SendMessageResponse{Turn: turn})
		return
	}

	msg, err := turn.Wait(c.Request.Context())
	if err != nil {
		if c.Request.Context().Err() != nil {
			// The client went away; the turn carries on.
			return
		}
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, SendMessageResponse{Turn: turn, Message: msg})
}

// Cancel handles POST /api/sessions/:id/cancel.
func (h *MessageHandler) Cancel(c *gin.Context) {
	turn, err := h.sessionManager.CancelTurn(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendServiceError(c, err)
		return
	}
	updates, lastSeq := turn.Progress()
	c.JSON(http.StatusAccepted, TurnResponse{
		TurnID:    turn.ID,
		SessionID: turn.SessionID,
		Updates:   updates,
		LastSeq:   lastSeq,
	})
}

// Events handles GET /api/sessions/:id/events?from=&limit= so a client that
// saw a gap on the stream can backfill from storage.
func (h *MessageHandler) Events(c *gin.Context) {
	from, err := parseUintQuery(c, "from", 1)
	if err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "from must be a non-negative integer")
		return
	}
	limit, err := parseUintQuery(c, "limit", defaultEventLimit)
	if err != nil || limit == 0 {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
		return
	}
	limit = min(limit, maxEventLimit)

	updates, err := h.sessionManager.Events(c.Request.Context(), c.Param("id"), from, int(limit))
	if err != nil {
		sendServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, updates)
}

// RegisterRoutes registers the message handler routes on a Gin router group.
func (h *MessageHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("/:id/messages", h.History)
		sessions.POST("/:id/messages", h.Send)
		sessions.POST("/:id/cancel", h.Cancel)
		sessions.GET("/:id/events", h.Events)
	}
}

func parseUintQuery(c *gin.Context, key string, def uint64) (uint64, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseUint(v, 10, 64)
}
