package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/corpusforge/corpusforge/internal/llm"
	"github.com/corpusforge/corpusforge/internal/pipeline"
	"github.com/corpusforge/corpusforge/internal/store"
	"github.com/corpusforge/corpusforge/internal/store/minio"
	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

const poolsPrompt = `Extract the entities and the relationships between them from the document
below. Entities are concrete people, organizations, concepts, systems or
works; relationships connect two extracted entities by name.

Respond with JSON only, no prose:
{
  "entities": [{"name": "...", "kind": "person|organization|concept|system|work", "summary": "<one sentence>"}],
  "relations": [{"source": "...", "target": "...", "predicate": "<verb phrase>", "confidence": 0.0-1.0}]
}

Return at most 20 entities and 30 relations.

Document %q:
---
%s`

// PoolsWorker extracts entity/relation pools per document. These rows are the
// relational staging area the graph stage later syncs into Neo4j.
type PoolsWorker struct {
	store       *store.Store
	llm         *llm.Client
	objects     *minio.Client
	ledger      *pipeline.Ledger
	concurrency int
	logger      *slog.Logger
}

func NewPoolsWorker(s *store.Store, client *llm.Client, objects *minio.Client, ledger *pipeline.Ledger, concurrency int, logger *slog.Logger) *PoolsWorker {
	return &PoolsWorker{store: s, llm: client, objects: objects, ledger: ledger, concurrency: concurrency, logger: logger}
}

func (w *PoolsWorker) Name() string { return "pools" }

func (w *PoolsWorker) Process(ctx context.Context, batchID uuid.UUID) (pipeline.StageResult, error) {
	if w.llm == nil {
		return pipeline.StageResult{}, fmt.Errorf("entity extraction requires an LLM provider")
	}

	var entityTotal, relationTotal atomic.Int64
	processed, failed, err := forEachPendingItem(ctx, w.ledger, batchID, w.Name(), w.concurrency, w.logger,
		func(ctx context.Context, item postgres.Item) (outcome, error) {
			rc, err := w.objects.DownloadFile(ctx, item.ObjectKey)
			if err != nil {
				return outcome{}, err
			}
			text, err := readDocument(rc, maxDocumentChars)
			if err != nil {
				return outcome{}, err
			}

			content, err := w.llm.Complete(ctx, []llm.Message{
				{Role: "user", Content: fmt.Sprintf(poolsPrompt, item.Title, text)},
			})
			if err != nil {
				return outcome{}, llmFailure(err)
			}

			var extracted struct {
				Entities []struct {
					Name    string `json:"name"`
					Kind    string `json:"kind"`
					Summary string `json:"summary"`
				} `json:"entities"`
				Relations []struct {
					Source     string  `json:"source"`
					Target     string  `json:"target"`
					Predicate  string  `json:"predicate"`
					Confidence float64 `json:"confidence"`
				} `json:"relations"`
			}
			if err := json.Unmarshal([]byte(llm.ExtractJSON(content)), &extracted); err != nil {
				return outcome{}, fmt.Errorf("parse entities: %w", err)
			}

			entities := make([]postgres.EntityParams, 0, len(extracted.Entities))
			known := make(map[string]bool, len(extracted.Entities))
			for _, e := range extracted.Entities {
				if e.Name == "" {
					continue
				}
				entities = append(entities, postgres.EntityParams{
					Name:    e.Name,
					Kind:    e.Kind,
					Summary: e.Summary,
				})
				known[e.Name] = true
			}

			// Drop relations that reference entities the model never
			// extracted; they would create orphan nodes in the graph.
			relations := make([]postgres.RelationParams, 0, len(extracted.Relations))
			for _, r := range extracted.Relations {
				if !known[r.Source] || !known[r.Target] {
					continue
				}
				relations = append(relations, postgres.RelationParams{
					SourceName: r.Source,
					TargetName: r.Target,
					Predicate:  r.Predicate,
					Confidence: r.Confidence,
				})
			}

			if err := w.store.ReplaceItemEntities(ctx, item.ID, entities, relations); err != nil {
				return outcome{}, fmt.Errorf("store entities: %w", err)
			}

			entityTotal.Add(int64(len(entities)))
			relationTotal.Add(int64(len(relations)))
			return outcome{metadata: map[string]any{
				"entities":  len(entities),
				"relations": len(relations),
			}}, nil
		})
	if err != nil {
		return pipeline.StageResult{ItemsProcessed: processed, ItemsFailed: failed}, err
	}

	return pipeline.StageResult{
		ItemsProcessed: processed,
		ItemsFailed:    failed,
		Counters: map[string]int{
			"entities_extracted":  int(entityTotal.Load()),
			"relations_extracted": int(relationTotal.Load()),
		},
		Success: true,
		Advance: true,
	}, nil
}
