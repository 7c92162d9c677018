package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/corpusforge/corpusforge/internal/config"
	"github.com/corpusforge/corpusforge/internal/embedding"
	"github.com/corpusforge/corpusforge/internal/graph"
	"github.com/corpusforge/corpusforge/internal/llm"
	"github.com/corpusforge/corpusforge/internal/pipeline"
	"github.com/corpusforge/corpusforge/internal/stages"
	"github.com/corpusforge/corpusforge/internal/stages/connectors"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
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

	// Valkey
	vkClient, err := vk.NewClient(cfg.Valkey)
	if err != nil {
		logger.Error("failed to connect to valkey", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer vkClient.Close()
	logger.Info("connected to valkey")

	// MinIO
	minioClient, err := minioclient.NewClient(cfg.MinIO)
	if err != nil {
		logger.Error("failed to connect to minio", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := minioClient.EnsureBucket(ctx); err != nil {
		logger.Error("failed to ensure bucket", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("connected to minio")

	// Neo4j
	graphClient, err := graph.NewClient(cfg.Neo4j)
	if err != nil {
		logger.Error("failed to connect to neo4j", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer graphClient.Close(ctx)
	if err := graphClient.EnsureIndexes(ctx); err != nil {
		logger.Warn("neo4j ensure indexes failed, sync may be slow", slog.String("error", err.Error()))
	}
	logger.Info("connected to neo4j")

	// S3 mirror connector (optional)
	var s3Conn *connectors.S3Connector
	if cfg.S3.Bucket != "" {
		s3Conn, err = connectors.NewS3Connector(cfg.S3)
		if err != nil {
			logger.Warn("s3 connector init failed", slog.String("error", err.Error()))
		} else {
			logger.Info("s3 mirror enabled", slog.String("bucket", cfg.S3.Bucket))
		}
	}

	// LLM (required by the rights, lexicon and pools stages)
	var llmClient *llm.Client
	if cfg.OpenRouter.APIKey != "" {
		llmClient = llm.NewClient(cfg.OpenRouter.APIKey, cfg.OpenRouter.Model, cfg.OpenRouter.BaseURL)
		logger.Info("llm enabled", slog.String("model", cfg.OpenRouter.Model))
	} else {
		logger.Warn("no OpenRouter API key, extraction stages will fail their runs")
	}

	// Embeddings (auto-selects: OpenRouter > Bedrock > disabled)
	embedder, err := embedding.NewEmbedder(cfg)
	if err != nil {
		logger.Warn("embedder init failed, embeddings stage will fail its runs", slog.String("error", err.Error()))
	} else if embedder != nil {
		logger.Info("embeddings enabled", slog.String("provider", fmt.Sprintf("%T", embedder)), slog.String("model", embedder.ModelID()))
	}

	ledger := pipeline.NewLedger(s)
	conc := cfg.Pipeline.ItemConcurrency

	registry := pipeline.NewRegistry()
	registry.Register(1, stages.NewIntakeWorker(s, minioClient, s3Conn, ledger, conc, logger))
	registry.Register(2, stages.NewRightsWorker(llmClient, minioClient, ledger, conc, logger))
	registry.Register(3, stages.NewLexiconWorker(s, llmClient, minioClient, ledger, conc, logger))
	registry.Register(4, stages.NewPoolsWorker(s, llmClient, minioClient, ledger, conc, logger))
	registry.Register(5, stages.NewGraphWorker(s, graphClient, ledger, conc, logger))
	registry.Register(6, stages.NewEmbeddingsWorker(s, embedder, minioClient, ledger, cfg.Pipeline.ChunkSize, conc, logger))
	registry.Register(7, stages.NewLiteracyWorker(s, ledger, cfg.Pipeline.LiteracyThreshold, conc, logger))
	registry.Register(8, stages.NewDeliverablesWorker(s, ledger, conc, logger))
	registry.Register(9, stages.NewFineTuneWorker(s, minioClient, ledger, conc, logger))

	runs := pipeline.NewRunStore(s)
	machine := pipeline.NewMachine(runs)
	producer := pipeline.NewProducer(vkClient)
	orchestrator := pipeline.NewOrchestrator(machine, runs, s, registry, producer, cfg.Pipeline.StageTimeout, logger)

	consumer := pipeline.NewConsumer(vkClient, "worker-1", logger)
	if err := consumer.EnsureGroup(ctx); err != nil {
		logger.Error("failed to ensure consumer group", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("starting stage worker, consuming from stream", slog.String("stream", pipeline.DispatchStream))
	if err := consumer.Consume(ctx, orchestrator.ExecuteStage); err != nil {
		if ctx.Err() == nil {
			logger.Error("consumer error", slog.String("error", err.Error()))
		}
	}
	logger.Info("worker stopped")
}
