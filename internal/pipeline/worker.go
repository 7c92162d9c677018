package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// StageResult reports the outcome of one stage worker invocation. Its fields
// are recorded into the stage log; it is never persisted as its own entity.
type StageResult struct {
	ItemsProcessed int
	ItemsFailed    int
	// Counters holds stage-specific metrics (terms extracted, nodes
	// created, literacy score).
	Counters map[string]int
	// Success reports whether the stage as a whole finished without a
	// fatal error. Item-level failures do not clear it.
	Success bool
	// Advance reports whether the run should move to the next stage. A
	// worker holds a run at its stage (success=true, advance=false) when a
	// quality gate fails and an operator has to intervene.
	Advance bool
}

// StageWorker is implemented by each of the nine stages. Workers must be
// idempotent at the item level: re-invoking Process on a partially completed
// batch only processes unfinished items, selected through the Ledger.
//
// A non-nil error is fatal for the stage and fails the run; item-level
// failures are absorbed into StageResult counts instead.
type StageWorker interface {
	Name() string
	Process(ctx context.Context, batchID uuid.UUID) (StageResult, error)
}

// ItemError is a recoverable, item-local failure. Workers record it in the
// ledger and aggregate it into StageResult counts; it never propagates as a
// run-level failure.
type ItemError struct {
	ItemID uuid.UUID
	Err    error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %s: %v", e.ItemID, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }
