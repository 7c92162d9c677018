package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/corpusforge/corpusforge/internal/pipeline"
	"github.com/corpusforge/corpusforge/internal/store"
	"github.com/corpusforge/corpusforge/internal/store/minio"
	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

const maxExcerptChunks = 3

// finetuneRecord is one JSONL training example.
type finetuneRecord struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
	Source     string `json:"source"`
}

// FineTuneWorker assembles the batch-level fine-tuning dataset: a JSONL file
// of term-definition pairs and document excerpts uploaded back to object
// storage. The upload happens before any item is marked done, so a failed
// run retries with nothing half-recorded.
type FineTuneWorker struct {
	store       *store.Store
	objects     *minio.Client
	ledger      *pipeline.Ledger
	concurrency int
	logger      *slog.Logger
}

func NewFineTuneWorker(s *store.Store, objects *minio.Client, ledger *pipeline.Ledger, concurrency int, logger *slog.Logger) *FineTuneWorker {
	return &FineTuneWorker{store: s, objects: objects, ledger: ledger, concurrency: concurrency, logger: logger}
}

func (w *FineTuneWorker) Name() string { return "fine_tune_dataset" }

func (w *FineTuneWorker) Process(ctx context.Context, batchID uuid.UUID) (pipeline.StageResult, error) {
	items, err := w.store.ListItemsByBatch(ctx, batchID)
	if err != nil {
		return pipeline.StageResult{}, fmt.Errorf("load items: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	records := 0
	for _, item := range items {
		switch item.StageStatuses["deliverables"] {
		case pipeline.ItemCompleted, pipeline.ItemSkipped:
		default:
			continue
		}

		terms, err := w.store.ListTermsByItem(ctx, item.ID)
		if err != nil {
			return pipeline.StageResult{}, fmt.Errorf("load terms: %w", err)
		}
		for _, t := range terms {
			if t.Definition == "" {
				continue
			}
			if err := enc.Encode(finetuneRecord{
				Prompt:     fmt.Sprintf("Define %q in the context of %s.", t.Term, item.Title),
				Completion: t.Definition,
				Source:     item.ObjectKey,
			}); err != nil {
				return pipeline.StageResult{}, fmt.Errorf("encode record: %w", err)
			}
			records++
		}

		chunks, err := w.store.ListChunksByItem(ctx, item.ID)
		if err != nil {
			return pipeline.StageResult{}, fmt.Errorf("load chunks: %w", err)
		}
		for i, c := range chunks {
			if i == maxExcerptChunks {
				break
			}
			if err := enc.Encode(finetuneRecord{
				Prompt:     fmt.Sprintf("Continue the document %q.", item.Title),
				Completion: c.Content,
				Source:     item.ObjectKey,
			}); err != nil {
				return pipeline.StageResult{}, fmt.Errorf("encode record: %w", err)
			}
			records++
		}
	}

	objectName := fmt.Sprintf("exports/%s/finetune.jsonl", batchID)
	if err := w.objects.UploadFile(ctx, objectName, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		return pipeline.StageResult{}, fmt.Errorf("upload dataset: %w", err)
	}
	w.logger.Info("fine-tune dataset uploaded",
		slog.String("object", objectName),
		slog.Int("records", records))

	processed, failed, err := forEachPendingItem(ctx, w.ledger, batchID, w.Name(), w.concurrency, w.logger,
		func(_ context.Context, item postgres.Item) (outcome, error) {
			return outcome{metadata: map[string]any{"dataset_object": objectName}}, nil
		})
	if err != nil {
		return pipeline.StageResult{ItemsProcessed: processed, ItemsFailed: failed}, err
	}

	return pipeline.StageResult{
		ItemsProcessed: processed,
		ItemsFailed:    failed,
		Counters:       map[string]int{"records_written": records},
		Success:        true,
		Advance:        true,
	}, nil
}
