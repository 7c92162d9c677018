// Package stages implements the nine pipeline stage workers. Each worker
// selects its unfinished items through the ledger, so re-invoking a worker on
// a partially completed batch only processes what is left.
package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/corpusforge/corpusforge/internal/pipeline"
	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

// maxDocumentChars bounds how much of a document is fed to LLM prompts.
const maxDocumentChars = 8000

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks an error as stage-fatal: the item loop aborts and the whole
// stage fails instead of recording an item failure. For external dependency
// outages and quota exhaustion, not for bad documents.
func Fatal(err error) error { return &fatalError{err: err} }

// outcome is what an item callback reports back to the loop.
type outcome struct {
	status   string // defaults to completed
	metadata map[string]any
}

// forEachPendingItem runs fn over every item still pending for the stage, with
// bounded concurrency. Item-level errors are recorded in the ledger and
// counted; fatal errors and context cancellation abort the loop, leaving the
// remaining items pending for a later resume. The returned counts feed the
// StageResult.
func forEachPendingItem(ctx context.Context, ledger *pipeline.Ledger, batchID uuid.UUID, stage string, concurrency int, logger *slog.Logger, fn func(ctx context.Context, item postgres.Item) (outcome, error)) (processed, failed int, err error) {
	items, err := ledger.ItemsPendingFor(ctx, batchID, stage)
	if err != nil {
		return 0, 0, fmt.Errorf("select pending items: %w", err)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)

	for _, item := range items {
		eg.Go(func() error {
			// Poll cancellation between items so cancel and timeout
			// take effect without corrupting the ledger.
			if err := egCtx.Err(); err != nil {
				return err
			}
			if err := ledger.MarkRunning(egCtx, item.ID, stage); err != nil {
				return err
			}

			out, err := fn(egCtx, item)
			if err != nil {
				var fatal *fatalError
				if errors.As(err, &fatal) || egCtx.Err() != nil {
					return err
				}
				itemErr := &pipeline.ItemError{ItemID: item.ID, Err: err}
				logger.Warn("item failed",
					slog.String("stage", stage),
					slog.String("item_id", item.ID.String()),
					slog.String("object_key", item.ObjectKey),
					slog.String("error", err.Error()))
				if err := ledger.MarkDone(egCtx, item.ID, stage, pipeline.ItemFailed, map[string]any{"error": itemErr.Err.Error()}); err != nil {
					return err
				}
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}

			if out.status == "" {
				out.status = pipeline.ItemCompleted
			}
			if err := ledger.MarkDone(egCtx, item.ID, stage, out.status, out.metadata); err != nil {
				return err
			}
			mu.Lock()
			processed++
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return processed, failed, err
	}
	return processed, failed, nil
}

// llmFailure classifies an LLM call error: auth and billing problems affect
// every item and are fatal for the stage; anything else is an item-level
// failure (bad document, malformed response).
func llmFailure(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "status 401") ||
		strings.Contains(msg, "status 402") ||
		strings.Contains(msg, "status 403") {
		return Fatal(err)
	}
	return err
}

// readDocument fetches an object's content as text, truncated to limit runes.
func readDocument(rc io.ReadCloser, limit int) (string, error) {
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, int64(limit)*4))
	if err != nil {
		return "", err
	}
	text := string(data)
	if runes := []rune(text); len(runes) > limit {
		text = string(runes[:limit])
	}
	return text, nil
}
