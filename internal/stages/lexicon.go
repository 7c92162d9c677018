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

const lexiconPrompt = `Extract the domain vocabulary from the document below: the terms a reader
must know to understand it. Skip generic words.

Respond with JSON only, no prose:
[{"term": "...", "definition": "<one sentence>", "salience": 0.0-1.0}]

Return at most 25 terms, most salient first.

Document %q:
---
%s`

// LexiconWorker extracts per-document terminology via LLM calls. Extraction
// output is replaced wholesale per item, so a re-run never duplicates terms.
type LexiconWorker struct {
	store       *store.Store
	llm         *llm.Client
	objects     *minio.Client
	ledger      *pipeline.Ledger
	concurrency int
	logger      *slog.Logger
}

func NewLexiconWorker(s *store.Store, client *llm.Client, objects *minio.Client, ledger *pipeline.Ledger, concurrency int, logger *slog.Logger) *LexiconWorker {
	return &LexiconWorker{store: s, llm: client, objects: objects, ledger: ledger, concurrency: concurrency, logger: logger}
}

func (w *LexiconWorker) Name() string { return "lexicon" }

func (w *LexiconWorker) Process(ctx context.Context, batchID uuid.UUID) (pipeline.StageResult, error) {
	if w.llm == nil {
		return pipeline.StageResult{}, fmt.Errorf("lexicon extraction requires an LLM provider")
	}

	var termsTotal atomic.Int64
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
				{Role: "user", Content: fmt.Sprintf(lexiconPrompt, item.Title, text)},
			})
			if err != nil {
				return outcome{}, llmFailure(err)
			}

			var extracted []struct {
				Term       string  `json:"term"`
				Definition string  `json:"definition"`
				Salience   float64 `json:"salience"`
			}
			if err := json.Unmarshal([]byte(llm.ExtractJSON(content)), &extracted); err != nil {
				return outcome{}, fmt.Errorf("parse terms: %w", err)
			}

			terms := make([]postgres.TermParams, 0, len(extracted))
			for _, t := range extracted {
				if t.Term == "" {
					continue
				}
				terms = append(terms, postgres.TermParams{
					Term:       t.Term,
					Definition: t.Definition,
					Salience:   t.Salience,
				})
			}
			if err := w.store.ReplaceItemTerms(ctx, item.ID, terms); err != nil {
				return outcome{}, fmt.Errorf("store terms: %w", err)
			}

			termsTotal.Add(int64(len(terms)))
			return outcome{metadata: map[string]any{"terms": len(terms)}}, nil
		})
	if err != nil {
		return pipeline.StageResult{ItemsProcessed: processed, ItemsFailed: failed}, err
	}

	return pipeline.StageResult{
		ItemsProcessed: processed,
		ItemsFailed:    failed,
		Counters:       map[string]int{"terms_extracted": int(termsTotal.Load())},
		Success:        true,
		Advance:        true,
	}, nil
}
