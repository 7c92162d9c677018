package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/corpusforge/corpusforge/internal/graph"
	"github.com/corpusforge/corpusforge/internal/pipeline"
	"github.com/corpusforge/corpusforge/internal/store"
	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

// GraphWorker syncs the batch's extracted entity and relation pools into
// Neo4j. The sync itself is batch-level; the per-item pass afterwards records
// ledger progress so a resume knows which items are already represented in
// the graph.
type GraphWorker struct {
	store       *store.Store
	graph       *graph.Client
	ledger      *pipeline.Ledger
	concurrency int
	logger      *slog.Logger
}

func NewGraphWorker(s *store.Store, g *graph.Client, ledger *pipeline.Ledger, concurrency int, logger *slog.Logger) *GraphWorker {
	return &GraphWorker{store: s, graph: g, ledger: ledger, concurrency: concurrency, logger: logger}
}

func (w *GraphWorker) Name() string { return "graph" }

func (w *GraphWorker) Process(ctx context.Context, batchID uuid.UUID) (pipeline.StageResult, error) {
	entities, err := w.store.ListEntitiesByBatch(ctx, batchID)
	if err != nil {
		return pipeline.StageResult{}, fmt.Errorf("load entities: %w", err)
	}
	relations, err := w.store.ListRelationsByBatch(ctx, batchID)
	if err != nil {
		return pipeline.StageResult{}, fmt.Errorf("load relations: %w", err)
	}

	// An unreachable graph store is exactly the fatal case retry exists
	// for: nothing is marked done, so a retry re-syncs everything.
	if err := w.graph.CreateNodes(ctx, batchID, entities); err != nil {
		return pipeline.StageResult{}, fmt.Errorf("sync entity nodes: %w", err)
	}
	if err := w.graph.CreateEdges(ctx, batchID, relations); err != nil {
		return pipeline.StageResult{}, fmt.Errorf("sync relation edges: %w", err)
	}

	perItem := make(map[uuid.UUID]int, len(entities))
	for _, e := range entities {
		perItem[e.ItemID]++
	}

	processed, failed, err := forEachPendingItem(ctx, w.ledger, batchID, w.Name(), w.concurrency, w.logger,
		func(_ context.Context, item postgres.Item) (outcome, error) {
			return outcome{metadata: map[string]any{"entities_synced": perItem[item.ID]}}, nil
		})
	if err != nil {
		return pipeline.StageResult{ItemsProcessed: processed, ItemsFailed: failed}, err
	}

	return pipeline.StageResult{
		ItemsProcessed: processed,
		ItemsFailed:    failed,
		Counters: map[string]int{
			"entities_synced":  len(entities),
			"relations_synced": len(relations),
		},
		Success: true,
		Advance: true,
	}, nil
}
