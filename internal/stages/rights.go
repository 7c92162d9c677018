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
	"github.com/corpusforge/corpusforge/internal/store/minio"
	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

const rightsPrompt = `You review documents for licensing and usage rights before they enter a
training corpus. Given the document below, decide whether it is clear for use.

Respond with JSON only, no prose:
{"decision": "clear" | "quarantine", "reason": "<one sentence>"}

Quarantine anything that carries a restrictive license, contains personal
data, or reproduces third-party content at length.

Document %q:
---
%s`

// RightsWorker triages each document's usage rights with an LLM call.
// Quarantined items keep their content but are excluded from every later
// stage.
type RightsWorker struct {
	llm         *llm.Client
	objects     *minio.Client
	ledger      *pipeline.Ledger
	concurrency int
	logger      *slog.Logger
}

func NewRightsWorker(client *llm.Client, objects *minio.Client, ledger *pipeline.Ledger, concurrency int, logger *slog.Logger) *RightsWorker {
	return &RightsWorker{llm: client, objects: objects, ledger: ledger, concurrency: concurrency, logger: logger}
}

func (w *RightsWorker) Name() string { return "rights" }

func (w *RightsWorker) Process(ctx context.Context, batchID uuid.UUID) (pipeline.StageResult, error) {
	if w.llm == nil {
		return pipeline.StageResult{}, fmt.Errorf("rights review requires an LLM provider")
	}

	var quarantined atomic.Int64
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
				{Role: "user", Content: fmt.Sprintf(rightsPrompt, item.Title, text)},
			})
			if err != nil {
				return outcome{}, llmFailure(err)
			}

			var verdict struct {
				Decision string `json:"decision"`
				Reason   string `json:"reason"`
			}
			if err := json.Unmarshal([]byte(llm.ExtractJSON(content)), &verdict); err != nil {
				return outcome{}, fmt.Errorf("parse verdict: %w", err)
			}

			if verdict.Decision == "quarantine" {
				quarantined.Add(1)
				return outcome{
					status:   pipeline.ItemQuarantined,
					metadata: map[string]any{"reason": verdict.Reason},
				}, nil
			}
			return outcome{metadata: map[string]any{"reason": verdict.Reason}}, nil
		})
	if err != nil {
		return pipeline.StageResult{ItemsProcessed: processed, ItemsFailed: failed}, err
	}

	return pipeline.StageResult{
		ItemsProcessed: processed,
		ItemsFailed:    failed,
		Counters:       map[string]int{"items_quarantined": int(quarantined.Load())},
		Success:        true,
		Advance:        true,
	}, nil
}
