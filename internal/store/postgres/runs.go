package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const runColumns = `id, status, current_stage_number, stage_statuses, failed_stage,
       error_message, auto_advance, started_at, completed_at, created_at, updated_at`

func scanRun(row pgx.Row) (PipelineRun, error) {
	var r PipelineRun
	var statuses []byte
	err := row.Scan(
		&r.ID, &r.Status, &r.CurrentStageNumber, &statuses, &r.FailedStage,
		&r.ErrorMessage, &r.AutoAdvance, &r.StartedAt, &r.CompletedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return PipelineRun{}, err
	}
	if len(statuses) > 0 {
		if err := json.Unmarshal(statuses, &r.StageStatuses); err != nil {
			return PipelineRun{}, fmt.Errorf("decode stage_statuses: %w", err)
		}
	}
	if r.StageStatuses == nil {
		r.StageStatuses = map[string]string{}
	}
	return r, nil
}

type CreateRunParams struct {
	AutoAdvance   bool
	StageStatuses map[string]string
}

// CreateRun inserts a run in the 'initialized' state with every stage pending.
func (q *Queries) CreateRun(ctx context.Context, params CreateRunParams) (PipelineRun, error) {
	statuses, err := json.Marshal(params.StageStatuses)
	if err != nil {
		return PipelineRun{}, fmt.Errorf("encode stage_statuses: %w", err)
	}
	row := q.db.QueryRow(ctx,
		`INSERT INTO pipeline_runs (auto_advance, stage_statuses)
		 VALUES ($1, $2)
		 RETURNING `+runColumns,
		params.AutoAdvance, statuses)
	return scanRun(row)
}

func (q *Queries) GetRun(ctx context.Context, id uuid.UUID) (PipelineRun, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id)
	return scanRun(row)
}

// GetRunForUpdate loads a run with a row lock. Must be called inside a
// transaction; it serializes state-machine transitions across processes.
func (q *Queries) GetRunForUpdate(ctx context.Context, id uuid.UUID) (PipelineRun, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1 FOR UPDATE`, id)
	return scanRun(row)
}

type ListRunsParams struct {
	Limit  int32
	Offset int32
}

func (q *Queries) ListRuns(ctx context.Context, params ListRunsParams) ([]PipelineRun, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+runColumns+`
		 FROM pipeline_runs
		 ORDER BY created_at DESC
		 LIMIT $1 OFFSET $2`,
		params.Limit, params.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type UpdateRunStateParams struct {
	ID                 uuid.UUID
	Status             string
	CurrentStageNumber int
	StageStatuses      map[string]string
	FailedStage        *string
	ErrorMessage       *string
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// UpdateRunState overwrites every mutable state-machine field in one statement.
// Only the state machine calls this; nothing else writes pipeline_runs.
func (q *Queries) UpdateRunState(ctx context.Context, params UpdateRunStateParams) (PipelineRun, error) {
	statuses, err := json.Marshal(params.StageStatuses)
	if err != nil {
		return PipelineRun{}, fmt.Errorf("encode stage_statuses: %w", err)
	}
	row := q.db.QueryRow(ctx,
		`UPDATE pipeline_runs
		 SET status = $2,
		     current_stage_number = $3,
		     stage_statuses = $4,
		     failed_stage = $5,
		     error_message = $6,
		     started_at = $7,
		     completed_at = $8,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+runColumns,
		params.ID, params.Status, params.CurrentStageNumber, statuses,
		params.FailedStage, params.ErrorMessage, params.StartedAt, params.CompletedAt)
	return scanRun(row)
}
