// Untethered - transcript bridge server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/reifying/untethered/internal/api"
	"github.com/reifying/untethered/internal/config"
	"github.com/reifying/untethered/internal/hub"
	"github.com/reifying/untethered/internal/index"
	"github.com/reifying/untethered/internal/lock"
	"github.com/reifying/untethered/internal/logstore"
	"github.com/reifying/untethered/internal/middleware"
	"github.com/reifying/untethered/internal/store"
	"github.com/reifying/untethered/internal/watcher"
	"github.com/reifying/untethered/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "log_root", cfg.LogRoot, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	logs := logstore.NewFSStore(cfg.LogRoot)

	idx, err := loadIndex(context.Background(), repo, logs)
	if err != nil {
		slog.Error("Failed to build session index", "error", err)
		os.Exit(1)
	}
	slog.Info("Session index ready", "sessions", idx.Len())

	clients, err := repo.LoadClients(context.Background())
	if err != nil {
		slog.Error("Failed to load client records", "error", err)
		os.Exit(1)
	}
	slog.Info("Client records loaded", "clients", len(clients))

	w, err := watcher.New(logs, cfg.EventQueueSize)
	if err != nil {
		slog.Error("Failed to initialize log watcher", "error", err)
		os.Exit(1)
	}
	defer w.Close()
	if err := w.Start(); err != nil {
		slog.Error("Failed to start log watcher", "error", err)
		os.Exit(1)
	}
	slog.Info("Log watcher started")

	// The event loop owns all mutable state; everything reaches it
	// through its command channel.
	h := hub.New(cfg, idx, lock.NewRegistry(), repo, logs, w, w.Events(), clients)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go h.Run(ctx)

	// Initialize handlers.
	wsHandler := ws.NewHandler(h, cfg.FrontendURL, cfg.IsDevelopment())
	apiHandler := api.NewHandler(h, repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	// Create server.
	// Note: WebSocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// loadIndex loads the persisted snapshot and revalidates it against the
// filesystem, rebuilding when it has drifted. A stale index is an expected
// startup condition, never a user-facing error.
func loadIndex(ctx context.Context, repo store.Repository, logs logstore.Store) (*index.Index, error) {
	sessions, err := repo.LoadSessions(ctx)
	if err != nil {
		return nil, err
	}

	idx := index.NewFromSessions(sessions)
	if idx.Validate(logs) {
		return idx, nil
	}

	slog.Info("Persisted index is stale, rebuilding", "persisted_sessions", idx.Len())
	idx, err = index.Rebuild(logs)
	if err != nil {
		return nil, err
	}
	if err := repo.ReplaceSessions(ctx, idx.Snapshot()); err != nil {
		slog.Warn("Failed to persist rebuilt index", "error", err)
	}
	return idx, nil
}
