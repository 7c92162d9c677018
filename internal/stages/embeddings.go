package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/corpusforge/corpusforge/internal/embedding"
	"github.com/corpusforge/corpusforge/internal/pipeline"
	"github.com/corpusforge/corpusforge/internal/store"
	"github.com/corpusforge/corpusforge/internal/store/minio"
	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

// embedDocumentChars bounds how much of a document gets chunked and embedded.
const embedDocumentChars = 200_000

// EmbeddingsWorker chunks each document and stores pgvector embeddings for
// the chunks. Chunks are replaced wholesale per item on re-run.
type EmbeddingsWorker struct {
	store       *store.Store
	embedder    embedding.Embedder
	objects     *minio.Client
	ledger      *pipeline.Ledger
	chunkSize   int
	concurrency int
	logger      *slog.Logger
}

func NewEmbeddingsWorker(s *store.Store, e embedding.Embedder, objects *minio.Client, ledger *pipeline.Ledger, chunkSize, concurrency int, logger *slog.Logger) *EmbeddingsWorker {
	return &EmbeddingsWorker{store: s, embedder: e, objects: objects, ledger: ledger, chunkSize: chunkSize, concurrency: concurrency, logger: logger}
}

func (w *EmbeddingsWorker) Name() string { return "embeddings" }

func (w *EmbeddingsWorker) Process(ctx context.Context, batchID uuid.UUID) (pipeline.StageResult, error) {
	if w.embedder == nil {
		return pipeline.StageResult{}, fmt.Errorf("no embedding provider configured")
	}

	var chunkTotal atomic.Int64
	processed, failed, err := forEachPendingItem(ctx, w.ledger, batchID, w.Name(), w.concurrency, w.logger,
		func(ctx context.Context, item postgres.Item) (outcome, error) {
			rc, err := w.objects.DownloadFile(ctx, item.ObjectKey)
			if err != nil {
				return outcome{}, err
			}
			text, err := readDocument(rc, embedDocumentChars)
			if err != nil {
				return outcome{}, err
			}

			texts := chunkText(text, w.chunkSize)
			if len(texts) == 0 {
				return outcome{}, fmt.Errorf("no embeddable content")
			}

			vectors, err := w.embedder.EmbedBatch(ctx, texts, "search_document")
			if err != nil {
				return outcome{}, llmFailure(err)
			}
			if len(vectors) != len(texts) {
				return outcome{}, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(texts))
			}

			chunks := make([]postgres.ChunkParams, len(texts))
			for i, t := range texts {
				chunks[i] = postgres.ChunkParams{ChunkIndex: i, Content: t, Embedding: vectors[i]}
			}
			if err := w.store.ReplaceItemChunks(ctx, item.ID, chunks); err != nil {
				return outcome{}, fmt.Errorf("store chunks: %w", err)
			}

			chunkTotal.Add(int64(len(chunks)))
			return outcome{metadata: map[string]any{"chunks": len(chunks)}}, nil
		})
	if err != nil {
		return pipeline.StageResult{ItemsProcessed: processed, ItemsFailed: failed}, err
	}

	return pipeline.StageResult{
		ItemsProcessed: processed,
		ItemsFailed:    failed,
		Counters:       map[string]int{"chunks_embedded": int(chunkTotal.Load())},
		Success:        true,
		Advance:        true,
	}, nil
}

// chunkText splits text into chunks of at most size runes, preferring
// paragraph boundaries. Blank-only input yields no chunks.
func chunkText(text string, size int) []string {
	if size < 1 {
		size = 1
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		// Oversized paragraphs are split hard on rune boundaries.
		runes := []rune(para)
		for len(runes) > size {
			flush()
			chunks = append(chunks, string(runes[:size]))
			runes = runes[size:]
		}
		para = string(runes)

		if current.Len() > 0 && len([]rune(current.String()))+len([]rune(para))+2 > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return chunks
}
