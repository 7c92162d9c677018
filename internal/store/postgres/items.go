package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// stageStatusColumns maps stage names to their items status column. It doubles
// as a whitelist: column names are interpolated into SQL, so they must never
// come from anywhere but this map.
var stageStatusColumns = map[string]string{
	"intake":            "intake_status",
	"rights":            "rights_status",
	"lexicon":           "lexicon_status",
	"pools":             "pools_status",
	"graph":             "graph_status",
	"embeddings":        "embeddings_status",
	"literacy":          "literacy_status",
	"deliverables":      "deliverables_status",
	"fine_tune_dataset": "finetune_status",
}

// orderedStageColumns lists the status columns in pipeline order for scans.
var orderedStageColumns = []string{
	"intake_status", "rights_status", "lexicon_status", "pools_status",
	"graph_status", "embeddings_status", "literacy_status",
	"deliverables_status", "finetune_status",
}

var orderedStageNames = []string{
	"intake", "rights", "lexicon", "pools", "graph",
	"embeddings", "literacy", "deliverables", "fine_tune_dataset",
}

// StageStatusColumn resolves a stage name to its items column, erroring on
// anything outside the whitelist.
func StageStatusColumn(stage string) (string, error) {
	col, ok := stageStatusColumns[stage]
	if !ok {
		return "", fmt.Errorf("unknown stage %q", stage)
	}
	return col, nil
}

const itemColumns = `id, batch_id, object_key, title, content_type, size_bytes,
       intake_status, rights_status, lexicon_status, pools_status, graph_status,
       embeddings_status, literacy_status, deliverables_status, finetune_status,
       stage_metadata, created_at, updated_at`

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	statuses := make([]string, len(orderedStageColumns))
	dest := []any{
		&it.ID, &it.BatchID, &it.ObjectKey, &it.Title, &it.ContentType, &it.SizeBytes,
	}
	for i := range statuses {
		dest = append(dest, &statuses[i])
	}
	dest = append(dest, &it.StageMetadata, &it.CreatedAt, &it.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return Item{}, err
	}
	it.StageStatuses = make(map[string]string, len(orderedStageNames))
	for i, name := range orderedStageNames {
		it.StageStatuses[name] = statuses[i]
	}
	return it, nil
}

func collectItems(rows pgx.Rows) ([]Item, error) {
	defer rows.Close()
	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

type CreateItemParams struct {
	BatchID     uuid.UUID
	ObjectKey   string
	Title       string
	ContentType string
	SizeBytes   int64
}

// CreateItem inserts an item, ignoring duplicates of (batch_id, object_key) so
// intake can re-list a source without creating twins. Returns ErrNoRows-free:
// the second return reports whether a row was actually created.
func (q *Queries) CreateItem(ctx context.Context, params CreateItemParams) (Item, bool, error) {
	row := q.db.QueryRow(ctx,
		`INSERT INTO items (batch_id, object_key, title, content_type, size_bytes)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (batch_id, object_key) DO NOTHING
		 RETURNING `+itemColumns,
		params.BatchID, params.ObjectKey, params.Title, params.ContentType, params.SizeBytes)
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	return it, true, nil
}

func (q *Queries) GetItem(ctx context.Context, id uuid.UUID) (Item, error) {
	row := q.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
	return scanItem(row)
}

func (q *Queries) ListItemsByBatch(ctx context.Context, batchID uuid.UUID) ([]Item, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+itemColumns+` FROM items WHERE batch_id = $1 ORDER BY created_at, id`,
		batchID)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

// ItemsPendingForStage selects items still pending for a stage whose prior
// stage has reached a completing status. prevCol == "" means the first stage
// (no dependency gate). This query is what makes stage workers idempotently
// resumable: completed items are never re-selected.
func (q *Queries) ItemsPendingForStage(ctx context.Context, batchID uuid.UUID, col, prevCol string) ([]Item, error) {
	if err := validateColumn(col); err != nil {
		return nil, err
	}
	sql := `SELECT ` + itemColumns + ` FROM items WHERE batch_id = $1 AND ` + col + ` IN ('pending', 'running')`
	if prevCol != "" {
		if err := validateColumn(prevCol); err != nil {
			return nil, err
		}
		sql += ` AND ` + prevCol + ` IN ('completed', 'skipped')`
	}
	sql += ` ORDER BY created_at, id`
	rows, err := q.db.Query(ctx, sql, batchID)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

// ItemIDsWithStatus returns item IDs whose stage column holds the given status.
func (q *Queries) ItemIDsWithStatus(ctx context.Context, batchID uuid.UUID, col, status string) ([]uuid.UUID, error) {
	if err := validateColumn(col); err != nil {
		return nil, err
	}
	rows, err := q.db.Query(ctx,
		`SELECT id FROM items WHERE batch_id = $1 AND `+col+` = $2 ORDER BY created_at, id`,
		batchID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetItemStageStatus updates one stage column for one item.
func (q *Queries) SetItemStageStatus(ctx context.Context, itemID uuid.UUID, col, status string) error {
	if err := validateColumn(col); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx,
		`UPDATE items SET `+col+` = $2, updated_at = now() WHERE id = $1`,
		itemID, status)
	return err
}

// SetItemStageOutcome updates one stage column and merges a metadata patch in
// one statement. The patch is a JSON object; existing keys are overwritten.
func (q *Queries) SetItemStageOutcome(ctx context.Context, itemID uuid.UUID, col, status string, metadataPatch []byte) error {
	if err := validateColumn(col); err != nil {
		return err
	}
	if len(metadataPatch) == 0 {
		metadataPatch = []byte(`{}`)
	}
	_, err := q.db.Exec(ctx,
		`UPDATE items
		 SET `+col+` = $2,
		     stage_metadata = stage_metadata || $3::jsonb,
		     updated_at = now()
		 WHERE id = $1`,
		itemID, status, metadataPatch)
	return err
}

// CountItemStatusesForStage groups batch items by one stage column's value.
func (q *Queries) CountItemStatusesForStage(ctx context.Context, batchID uuid.UUID, col string) (map[string]int, error) {
	if err := validateColumn(col); err != nil {
		return nil, err
	}
	rows, err := q.db.Query(ctx,
		`SELECT `+col+`, COUNT(*) FROM items WHERE batch_id = $1 GROUP BY `+col,
		batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func validateColumn(col string) error {
	for _, c := range orderedStageColumns {
		if c == col {
			return nil
		}
	}
	return fmt.Errorf("invalid stage status column %q", col)
}
