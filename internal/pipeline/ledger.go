package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

// Per-item stage outcomes. Completed and skipped are completing states; a
// quarantined item does not advance to later stages.
const (
	ItemPending     = "pending"
	ItemRunning     = "running"
	ItemCompleted   = "completed"
	ItemFailed      = "failed"
	ItemSkipped     = "skipped"
	ItemQuarantined = "quarantined"
)

type ledgerStore interface {
	SetItemStageStatus(ctx context.Context, itemID uuid.UUID, col, status string) error
	SetItemStageOutcome(ctx context.Context, itemID uuid.UUID, col, status string, metadataPatch []byte) error
	ItemsPendingForStage(ctx context.Context, batchID uuid.UUID, col, prevCol string) ([]postgres.Item, error)
	ItemIDsWithStatus(ctx context.Context, batchID uuid.UUID, col, status string) ([]uuid.UUID, error)
	CountItemStatusesForStage(ctx context.Context, batchID uuid.UUID, col string) (map[string]int, error)
}

// Ledger is the per-item, per-stage progress record — the source of truth for
// "is this item done for stage N". Stage workers write it; orchestration
// decisions read only the status values, never the metadata blobs.
type Ledger struct {
	store ledgerStore
}

func NewLedger(s ledgerStore) *Ledger {
	return &Ledger{store: s}
}

// MarkRunning flags one item as being processed by a stage.
func (l *Ledger) MarkRunning(ctx context.Context, itemID uuid.UUID, stage string) error {
	col, err := postgres.StageStatusColumn(stage)
	if err != nil {
		return err
	}
	return l.store.SetItemStageStatus(ctx, itemID, col, ItemRunning)
}

// MarkDone records a stage outcome for one item together with a diagnostic
// metadata patch, namespaced under the stage name so stages never clobber
// each other's payloads.
func (l *Ledger) MarkDone(ctx context.Context, itemID uuid.UUID, stage, outcome string, metadata map[string]any) error {
	col, err := postgres.StageStatusColumn(stage)
	if err != nil {
		return err
	}
	var patch []byte
	if len(metadata) > 0 {
		patch, err = json.Marshal(map[string]any{stage: metadata})
		if err != nil {
			return fmt.Errorf("encode stage metadata: %w", err)
		}
	}
	return l.store.SetItemStageOutcome(ctx, itemID, col, outcome, patch)
}

// ItemsPendingFor selects the items a stage still has to process: stage
// status pending (or running, left over from a crash) with the prior stage in
// a completing state. This selection is what makes workers idempotently
// resumable — finished items are never re-selected.
func (l *Ledger) ItemsPendingFor(ctx context.Context, batchID uuid.UUID, stage string) ([]postgres.Item, error) {
	col, err := postgres.StageStatusColumn(stage)
	if err != nil {
		return nil, err
	}
	st, ok := StageByName(stage)
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	prevCol := ""
	if prev, ok := StageByNumber(st.Number - 1); ok {
		prevCol, err = postgres.StageStatusColumn(prev.Name)
		if err != nil {
			return nil, err
		}
	}
	return l.store.ItemsPendingForStage(ctx, batchID, col, prevCol)
}

// ItemsCompletedFor returns the IDs of items that completed a stage.
func (l *Ledger) ItemsCompletedFor(ctx context.Context, batchID uuid.UUID, stage string) ([]uuid.UUID, error) {
	col, err := postgres.StageStatusColumn(stage)
	if err != nil {
		return nil, err
	}
	return l.store.ItemIDsWithStatus(ctx, batchID, col, ItemCompleted)
}

// StatusCounts groups the batch's items by their status for one stage.
func (l *Ledger) StatusCounts(ctx context.Context, batchID uuid.UUID, stage string) (map[string]int, error) {
	col, err := postgres.StageStatusColumn(stage)
	if err != nil {
		return nil, err
	}
	return l.store.CountItemStatusesForStage(ctx, batchID, col)
}
