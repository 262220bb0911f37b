// Avatar Labs - training session and feedback learning server
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

	"github.com/ashureev/avatar-labs/internal/api"
	"github.com/ashureev/avatar-labs/internal/config"
	"github.com/ashureev/avatar-labs/internal/domain"
	"github.com/ashureev/avatar-labs/internal/engine"
	"github.com/ashureev/avatar-labs/internal/generator"
	"github.com/ashureev/avatar-labs/internal/identity"
	"github.com/ashureev/avatar-labs/internal/knowledge"
	"github.com/ashureev/avatar-labs/internal/middleware"
	"github.com/ashureev/avatar-labs/internal/store"
	"github.com/ashureev/avatar-labs/internal/stream"
	"github.com/ashureev/avatar-labs/internal/transcript"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	// Turn generator: external HTTP service in production, scripted
	// fallback in development.
	var gen generator.TurnGenerator
	if cfg.GeneratorURL != "" {
		gen = generator.NewHTTPClient(cfg.GeneratorURL,
			generator.WithTimeout(cfg.GeneratorTimeout),
			generator.WithLogger(logger),
		)
		slog.Info("Using external turn generator", "url", cfg.GeneratorURL)
	} else {
		gen = generator.NewScripted()
		slog.Info("GENERATOR_URL not set, using scripted generator")
	}
	defer gen.Close()

	know := knowledge.NewService(repo, logger)
	registry := domain.DefaultRegistry()

	eng := engine.New(repo, gen, know, registry, engine.Options{
		RetrieveLimit:    cfg.RetrieveLimit,
		GeneratorTimeout: cfg.GeneratorTimeout,
	}, logger)

	hub := stream.NewHub()
	eng.SetEventSink(hub)

	transcriptLogger, err := transcript.NewLogger(transcript.Config{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcriptLogger.Close(); closeErr != nil {
			slog.Error("Failed to close transcript logger", "error", closeErr)
		}
	}()
	eng.SetTranscript(transcriptLogger)

	// Initialize handlers.
	sessionHandler := api.NewSessionHandler(eng)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := stream.NewWebSocketHandler(hub, eng, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/sessions/{sessionID}", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket observers hold long-lived connections
		IdleTimeout:  120 * time.Second,
	}

	// Start idle-session sweeper.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine.StartSweeper(ctx, eng, cfg.SweepInterval, cfg.SessionIdleTTL)
	slog.Info("Session sweeper started", "idle_ttl", cfg.SessionIdleTTL, "interval", cfg.SweepInterval)

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
