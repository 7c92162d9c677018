package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/corpusforge/corpusforge/internal/api"
	"github.com/corpusforge/corpusforge/internal/config"
	"github.com/corpusforge/corpusforge/internal/pipeline"
	"github.com/corpusforge/corpusforge/internal/store"
	minioclient "github.com/corpusforge/corpusforge/internal/store/minio"
	"github.com/corpusforge/corpusforge/internal/store/postgres"
	vk "github.com/corpusforge/corpusforge/internal/store/valkey"
)

func main() {
	_ = godotenv.Load(".env")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize database pool
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("connected to database")

	s := store.New(pool)

	deps := &api.RouterDeps{AutoAdvance: cfg.Pipeline.AutoAdvance}

	// MinIO (optional — enables uploads and intake)
	mc, err := minioclient.NewClient(cfg.MinIO)
	if err != nil {
		logger.Warn("minio connection failed, uploads disabled", slog.String("error", err.Error()))
	} else {
		deps.MinIO = mc
		logger.Info("connected to minio")
	}

	// Valkey (required — operator commands dispatch stage work)
	vkClient, err := vk.NewClient(cfg.Valkey)
	if err != nil {
		logger.Error("failed to connect to valkey", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer vkClient.Close()
	logger.Info("connected to valkey")

	// The API process never executes stages itself; the orchestrator here only
	// applies operator commands and dispatches onto the stream. The registry
	// stays empty and the stage timeout is irrelevant on this side.
	runs := pipeline.NewRunStore(s)
	machine := pipeline.NewMachine(runs)
	producer := pipeline.NewProducer(vkClient)
	deps.Orchestrator = pipeline.NewOrchestrator(machine, runs, s, pipeline.NewRegistry(), producer, cfg.Pipeline.StageTimeout, logger)
	deps.Monitor = pipeline.NewMonitor(s)

	router := api.NewRouter(logger, s, deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting API server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}
