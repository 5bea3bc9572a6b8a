// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/agent-sessions/internal/model"
	"github.com/remote-agent-terminal/agent-sessions/internal/recording"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorTable maps domain errors to HTTP responses. The first match wins.
var errorTable = []errorMapping{
	{model.ErrSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
	{model.ErrSessionTerminated, http.StatusNotFound, "SESSION_NOT_FOUND"},
	{model.ErrContentRequired, http.StatusBadRequest, "VALIDATION_ERROR"},
	{model.ErrContentTooLarge, http.StatusBadRequest, "VALIDATION_ERROR"},
	{model.ErrCapacityExceeded, http.StatusTooManyRequests, "LIMIT_EXCEEDED"},
	{model.ErrWorkerBusy, http.StatusConflict, "WORKER_BUSY"},
	{model.ErrTurnCancelled, http.StatusConflict, "TURN_CANCELLED"},
	{model.ErrSpawnFailure, http.StatusServiceUnavailable, "SPAWN_FAILED"},
	{model.ErrWorkerFailed, http.StatusServiceUnavailable, "WORKER_UNAVAILABLE"},
	{model.ErrWorkerTerminated, http.StatusServiceUnavailable, "WORKER_UNAVAILABLE"},
	{model.ErrShuttingDown, http.StatusServiceUnavailable, "SHUTTING_DOWN"},
	{model.ErrTurnFailed, http.StatusBadGateway, "AGENT_ERROR"},
	{model.ErrNoActiveTurn, http.StatusNotFound, "NO_ACTIVE_TURN"},
	{model.ErrNoWorker, http.StatusNotFound, "NO_WORKER"},
	{recording.ErrNoRecording, http.StatusNotFound, "RECORDING_NOT_FOUND"},
}

// sendServiceError maps err onto the error envelope. Unknown errors are
// logged and reported as 500.
func sendServiceError(c *gin.Context, err error) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			sendError(c, m.status, m.code, err.Error())
			return
		}
	}
	slog.Error("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
	_ = c.Error(err)
	sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}
