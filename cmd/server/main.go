package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/remote-agent-terminal/agent-sessions/api/handlers"
	"github.com/remote-agent-terminal/agent-sessions/internal/config"
	"github.com/remote-agent-terminal/agent-sessions/internal/db"
	"github.com/remote-agent-terminal/agent-sessions/internal/display"
	"github.com/remote-agent-terminal/agent-sessions/internal/driver"
	"github.com/remote-agent-terminal/agent-sessions/internal/logging"
	"github.com/remote-agent-terminal/agent-sessions/internal/recording"
	"github.com/remote-agent-terminal/agent-sessions/internal/repository"
	"github.com/remote-agent-terminal/agent-sessions/internal/retry"
	"github.com/remote-agent-terminal/agent-sessions/internal/session"
	"github.com/remote-agent-terminal/agent-sessions/internal/worker"
	"github.com/remote-agent-terminal/agent-sessions/internal/ws"
)

func main() {
	logging.Setup()

	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := config.Flags()
	if err := flags.Parse(args); err != nil {
		return err
	}
	configPath, _ := flags.GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyFlags(flags); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logging.SetupWithConfig(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Storage.LogDir, 0o755); err != nil {
		return err
	}

	database, err := db.InitDB(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.CloseDB()

	factory, err := driver.NewFactory(driver.Options{
		Kind:      cfg.Agent.Kind,
		Command:   cfg.Agent.Command,
		StepDelay: cfg.Agent.Delay,
	})
	if err != nil {
		return err
	}

	pool := worker.NewPool(worker.Config{
		MaxWorkers:   cfg.Worker.MaxWorkers,
		IdleTimeout:  cfg.Worker.IdleTimeout,
		ReapInterval: cfg.Worker.ReapInterval,
		CancelGrace:  cfg.Worker.CancelGrace,
		SpawnRetry:   retry.DefaultConfig(),
	}, factory, display.NewAllocator(cfg.Display.Base, cfg.Display.Count, cfg.Display.VNCBasePort))

	recorder, err := recording.NewManager(cfg.Storage.LogDir)
	if err != nil {
		return err
	}

	sessionManager := session.NewManager(session.Deps{
		Sessions: repository.NewSessionRepository(database),
		Messages: repository.NewMessageRepository(database),
		Events:   repository.NewEventRepository(database),
		Pool:     pool,
		Broadcaster: ws.NewBroadcaster(ws.Config{
			ReplayCapacity: cfg.Stream.ReplayCapacity,
			QueueSize:      cfg.Stream.SubscriberQueue,
		}),
		Recorder: recorder,
	}, session.Config{MaxMessageSize: cfg.Session.MaxMessageSize})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pool.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), logging.RequestLogger(), corsMiddleware(cfg.Server.AllowedOrigins))
	handlers.Register(r, sessionManager, ws.NewHandler(sessionManager, originChecker(cfg.Server.AllowedOrigins)))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "port", cfg.Server.Port, "agent", cfg.Agent.Kind, "maxWorkers", cfg.Worker.MaxWorkers)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := sessionManager.Close(shutdownCtx); err != nil {
		slog.Warn("Session shutdown incomplete", "error", err)
	}
	slog.Info("Server stopped")
	return nil
}

// corsMiddleware returns a CORS middleware. An empty allow list allows any origin.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case len(allowed) == 0:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case slices.Contains(allowed, origin):
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// originChecker returns the WebSocket origin check for the allow list, or
// nil to allow any origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
