package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/corpusforge/corpusforge/internal/pipeline"
	"github.com/corpusforge/corpusforge/internal/store"
	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

// LiteracyWorker is the pipeline's quality gate: it scores how well the
// extraction stages covered the batch and holds the run at this stage when
// the score is below the configured threshold. Holding is not a failure:
// the run stays running and an operator retries after remediation, or skips.
type LiteracyWorker struct {
	store       *store.Store
	ledger      *pipeline.Ledger
	threshold   float64
	concurrency int
	logger      *slog.Logger
}

func NewLiteracyWorker(s *store.Store, ledger *pipeline.Ledger, threshold float64, concurrency int, logger *slog.Logger) *LiteracyWorker {
	return &LiteracyWorker{store: s, ledger: ledger, threshold: threshold, concurrency: concurrency, logger: logger}
}

func (w *LiteracyWorker) Name() string { return "literacy" }

func (w *LiteracyWorker) Process(ctx context.Context, batchID uuid.UUID) (pipeline.StageResult, error) {
	items, err := w.store.ListItemsByBatch(ctx, batchID)
	if err != nil {
		return pipeline.StageResult{}, fmt.Errorf("load items: %w", err)
	}
	eligible := 0
	for _, it := range items {
		if it.StageStatuses["rights"] != pipeline.ItemQuarantined {
			eligible++
		}
	}

	withTerms, err := w.store.CountItemsWithRecords(ctx, batchID, "lexicon_terms")
	if err != nil {
		return pipeline.StageResult{}, fmt.Errorf("count term coverage: %w", err)
	}
	withEntities, err := w.store.CountItemsWithRecords(ctx, batchID, "graph_entities")
	if err != nil {
		return pipeline.StageResult{}, fmt.Errorf("count entity coverage: %w", err)
	}
	withChunks, err := w.store.CountItemsWithRecords(ctx, batchID, "item_chunks")
	if err != nil {
		return pipeline.StageResult{}, fmt.Errorf("count chunk coverage: %w", err)
	}

	score := literacyScore(eligible, withTerms, withEntities, withChunks)
	counters := map[string]int{
		"literacy_score": int(score),
		"eligible_items": eligible,
		"with_terms":     withTerms,
		"with_entities":  withEntities,
		"with_chunks":    withChunks,
	}

	if score < w.threshold {
		w.logger.Warn("literacy gate held the run",
			slog.Float64("score", score),
			slog.Float64("threshold", w.threshold))
		// Items stay pending so a retry re-evaluates them.
		return pipeline.StageResult{Counters: counters, Success: true, Advance: false}, nil
	}

	processed, failed, err := forEachPendingItem(ctx, w.ledger, batchID, w.Name(), w.concurrency, w.logger,
		func(_ context.Context, item postgres.Item) (outcome, error) {
			return outcome{metadata: map[string]any{"batch_score": score}}, nil
		})
	if err != nil {
		return pipeline.StageResult{ItemsProcessed: processed, ItemsFailed: failed, Counters: counters}, err
	}

	return pipeline.StageResult{
		ItemsProcessed: processed,
		ItemsFailed:    failed,
		Counters:       counters,
		Success:        true,
		Advance:        true,
	}, nil
}

// literacyScore is the mean extraction coverage across terms, entities and
// chunks, as a 0-100 percentage of eligible items. An empty batch scores 0.
func literacyScore(eligible, withTerms, withEntities, withChunks int) float64 {
	if eligible == 0 {
		return 0
	}
	coverage := func(n int) float64 {
		if n > eligible {
			n = eligible
		}
		return float64(n) / float64(eligible)
	}
	return 100 * (coverage(withTerms) + coverage(withEntities) + coverage(withChunks)) / 3
}
