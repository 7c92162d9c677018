package postgres

import (
	"context"

	"github.com/google/uuid"
)

type CreateBatchParams struct {
	RunID        uuid.UUID
	SourcePrefix string
}

// CreateBatch inserts the single item batch owned by a run.
func (q *Queries) CreateBatch(ctx context.Context, params CreateBatchParams) (ItemBatch, error) {
	var b ItemBatch
	err := q.db.QueryRow(ctx,
		`INSERT INTO item_batches (run_id, source_prefix)
		 VALUES ($1, $2)
		 RETURNING id, run_id, source_prefix, created_at`,
		params.RunID, params.SourcePrefix).
		Scan(&b.ID, &b.RunID, &b.SourcePrefix, &b.CreatedAt)
	return b, err
}

func (q *Queries) GetBatch(ctx context.Context, id uuid.UUID) (ItemBatch, error) {
	var b ItemBatch
	err := q.db.QueryRow(ctx,
		`SELECT id, run_id, source_prefix, created_at
		 FROM item_batches WHERE id = $1`, id).
		Scan(&b.ID, &b.RunID, &b.SourcePrefix, &b.CreatedAt)
	return b, err
}

func (q *Queries) GetBatchByRun(ctx context.Context, runID uuid.UUID) (ItemBatch, error) {
	var b ItemBatch
	err := q.db.QueryRow(ctx,
		`SELECT id, run_id, source_prefix, created_at
		 FROM item_batches WHERE run_id = $1`, runID).
		Scan(&b.ID, &b.RunID, &b.SourcePrefix, &b.CreatedAt)
	return b, err
}
