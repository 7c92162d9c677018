package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const stageLogColumns = `id, run_id, stage_name, stage_number, items_processed,
       items_failed, counters, success, advance, error_message, started_at,
       finished_at, created_at`

func scanStageLog(row pgx.Row) (StageLog, error) {
	var l StageLog
	err := row.Scan(
		&l.ID, &l.RunID, &l.StageName, &l.StageNumber, &l.ItemsProcessed,
		&l.ItemsFailed, &l.Counters, &l.Success, &l.Advance, &l.ErrorMessage,
		&l.StartedAt, &l.FinishedAt, &l.CreatedAt,
	)
	return l, err
}

type AppendStageLogParams struct {
	RunID          uuid.UUID
	StageName      string
	StageNumber    int
	ItemsProcessed int
	ItemsFailed    int
	Counters       []byte
	Success        bool
	Advance        bool
	ErrorMessage   *string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// AppendStageLog inserts one stage-log entry. There is deliberately no update
// or delete query for stage_logs: the table is an append-only audit trail.
func (q *Queries) AppendStageLog(ctx context.Context, params AppendStageLogParams) (StageLog, error) {
	counters := params.Counters
	if len(counters) == 0 {
		counters = []byte(`{}`)
	}
	row := q.db.QueryRow(ctx,
		`INSERT INTO stage_logs (run_id, stage_name, stage_number, items_processed,
		                         items_failed, counters, success, advance,
		                         error_message, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+stageLogColumns,
		params.RunID, params.StageName, params.StageNumber, params.ItemsProcessed,
		params.ItemsFailed, counters, params.Success, params.Advance,
		params.ErrorMessage, params.StartedAt, params.FinishedAt)
	return scanStageLog(row)
}

func (q *Queries) ListStageLogsByRun(ctx context.Context, runID uuid.UUID) ([]StageLog, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+stageLogColumns+`
		 FROM stage_logs WHERE run_id = $1 ORDER BY created_at, id`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []StageLog
	for rows.Next() {
		l, err := scanStageLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
