package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

// DetailedStatus is a read-only projection of a run's progress.
type DetailedStatus struct {
	RunID              uuid.UUID       `json:"run_id"`
	Status             string          `json:"status"`
	CurrentStageNumber int             `json:"current_stage_number"`
	CurrentStageName   string          `json:"current_stage_name,omitempty"`
	Progress           float64         `json:"progress"`
	AutoAdvance        bool            `json:"auto_advance"`
	FailedStage        *string         `json:"failed_stage,omitempty"`
	ErrorMessage       *string         `json:"error_message,omitempty"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	DurationSeconds    float64         `json:"duration_seconds,omitempty"`
	Stages             []StageProgress `json:"stages"`
}

// StageProgress is one stage's slice of a DetailedStatus.
type StageProgress struct {
	Number     int            `json:"number"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	ItemCounts map[string]int `json:"item_counts,omitempty"`
}

type monitorStore interface {
	GetRun(ctx context.Context, id uuid.UUID) (postgres.PipelineRun, error)
	GetBatchByRun(ctx context.Context, runID uuid.UUID) (postgres.ItemBatch, error)
	CountItemStatusesForStage(ctx context.Context, batchID uuid.UUID, col string) (map[string]int, error)
}

// Monitor computes DetailedStatus projections over stored state. It performs
// no writes.
type Monitor struct {
	store monitorStore
}

func NewMonitor(s monitorStore) *Monitor {
	return &Monitor{store: s}
}

// Status assembles the run's overall progress and per-stage item counts.
// Progress is stages completed (or skipped) over the total stage count.
func (m *Monitor) Status(ctx context.Context, runID uuid.UUID) (DetailedStatus, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return DetailedStatus{}, err
	}

	ds := DetailedStatus{
		RunID:              run.ID,
		Status:             run.Status,
		CurrentStageNumber: run.CurrentStageNumber,
		AutoAdvance:        run.AutoAdvance,
		FailedStage:        run.FailedStage,
		ErrorMessage:       run.ErrorMessage,
		StartedAt:          run.StartedAt,
		CompletedAt:        run.CompletedAt,
	}
	if stage, ok := StageByNumber(run.CurrentStageNumber); ok {
		ds.CurrentStageName = stage.Name
	}
	if run.StartedAt != nil {
		end := time.Now().UTC()
		if run.CompletedAt != nil {
			end = *run.CompletedAt
		}
		ds.DurationSeconds = end.Sub(*run.StartedAt).Seconds()
	}

	// Item counts are best-effort: a run created without a batch yet just
	// reports stage statuses.
	var counts map[int]map[string]int
	if batch, err := m.store.GetBatchByRun(ctx, runID); err == nil {
		counts = make(map[int]map[string]int, len(stages))
		for _, s := range stages {
			col, err := postgres.StageStatusColumn(s.Name)
			if err != nil {
				continue
			}
			if c, err := m.store.CountItemStatusesForStage(ctx, batch.ID, col); err == nil {
				counts[s.Number] = c
			}
		}
	}

	done := 0
	for _, s := range stages {
		st := run.StageStatuses[s.Name]
		if st == "" {
			st = StagePending
		}
		if st == StageCompleted || st == StageSkipped {
			done++
		}
		ds.Stages = append(ds.Stages, StageProgress{
			Number:     s.Number,
			Name:       s.Name,
			Status:     st,
			ItemCounts: counts[s.Number],
		})
	}
	ds.Progress = float64(done) / float64(LastStageNumber)

	return ds, nil
}
