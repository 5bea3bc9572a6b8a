// Package logging configures structured logging for the server using log/slog.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Level is a package-level LevelVar that allows runtime log level changes.
var Level slog.LevelVar

// Setup initialises the default slog logger from environment variables:
//
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, text (default: json)
//
// It also bridges the standard library "log" package so that gin's debug
// printer and other log.Printf callers are captured in structured format.
func Setup() {
	SetupWithConfig(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
}

// SetupWithConfig configures slog with explicit parameters.
func SetupWithConfig(levelStr, formatStr string, w io.Writer) {
	Level.Set(ParseLevel(levelStr))

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: &Level}

	switch strings.ToLower(strings.TrimSpace(formatStr)) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	log.SetOutput(newSlogWriter(logger))
	log.SetFlags(0)

	// gin writes its route table and warnings through these writers.
	gin.DefaultWriter = newSlogWriter(logger)
	gin.DefaultErrorWriter = newSlogWriter(logger)
}

// ParseLevel converts a string to slog.Level. Defaults to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// slogWriter adapts slog.Logger to io.Writer for the stdlib log bridge.
type slogWriter struct {
	logger *slog.Logger
}

func newSlogWriter(logger *slog.Logger) *slogWriter {
	return &slogWriter{logger: logger}
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg != "" {
		w.logger.Info(msg, "source", "stdlib")
	}
	return len(p), nil
}

// RequestLogger returns a gin middleware logging one line per request.
// Server errors log at ERROR, client errors at WARN, the rest at INFO.
// WebSocket upgrades are logged when the stream closes.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", time.Since(start),
			"clientIP", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}

		switch {
		case status >= 500:
			slog.Error("HTTP request", attrs...)
		case status >= 400:
			slog.Warn("HTTP request", attrs...)
		default:
			slog.Info("HTTP request", attrs...)
		}
	}
}
