package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

type fakeMonitorStore struct {
	run    postgres.PipelineRun
	batch  *postgres.ItemBatch
	counts map[string]map[string]int // status column -> counts
}

func (f *fakeMonitorStore) GetRun(context.Context, uuid.UUID) (postgres.PipelineRun, error) {
	return f.run, nil
}

func (f *fakeMonitorStore) GetBatchByRun(context.Context, uuid.UUID) (postgres.ItemBatch, error) {
	if f.batch == nil {
		return postgres.ItemBatch{}, pgx.ErrNoRows
	}
	return *f.batch, nil
}

func (f *fakeMonitorStore) CountItemStatusesForStage(_ context.Context, _ uuid.UUID, col string) (map[string]int, error) {
	return f.counts[col], nil
}

func TestMonitorStatus(t *testing.T) {
	started := time.Now().UTC().Add(-time.Minute)
	statuses := InitialStageStatuses()
	statuses["intake"] = StageCompleted
	statuses["rights"] = StageSkipped
	statuses["lexicon"] = StageRunning

	fs := &fakeMonitorStore{
		run: postgres.PipelineRun{
			ID:                 uuid.New(),
			Status:             string(StatusRunning),
			CurrentStageNumber: 3,
			StageStatuses:      statuses,
			AutoAdvance:        true,
			StartedAt:          &started,
		},
		batch: &postgres.ItemBatch{ID: uuid.New()},
		counts: map[string]map[string]int{
			"intake_status":  {ItemCompleted: 10},
			"lexicon_status": {ItemCompleted: 4, ItemPending: 5, ItemFailed: 1},
		},
	}

	ds, err := NewMonitor(fs).Status(context.Background(), fs.run.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	if ds.CurrentStageName != "lexicon" {
		t.Errorf("current stage name = %q, want lexicon", ds.CurrentStageName)
	}
	want := 2.0 / float64(LastStageNumber)
	if ds.Progress != want {
		t.Errorf("progress = %v, want %v", ds.Progress, want)
	}
	if ds.DurationSeconds <= 0 {
		t.Errorf("duration = %v, want positive", ds.DurationSeconds)
	}
	if len(ds.Stages) != LastStageNumber {
		t.Fatalf("stage slice length = %d, want %d", len(ds.Stages), LastStageNumber)
	}
	if ds.Stages[2].Status != StageRunning {
		t.Errorf("lexicon status = %q, want running", ds.Stages[2].Status)
	}
	if got := ds.Stages[2].ItemCounts[ItemFailed]; got != 1 {
		t.Errorf("lexicon failed count = %d, want 1", got)
	}
}

func TestMonitorStatusWithoutBatch(t *testing.T) {
	fs := &fakeMonitorStore{
		run: postgres.PipelineRun{
			ID:            uuid.New(),
			Status:        string(StatusInitialized),
			StageStatuses: InitialStageStatuses(),
		},
	}

	ds, err := NewMonitor(fs).Status(context.Background(), fs.run.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if ds.Progress != 0 {
		t.Errorf("progress = %v, want 0", ds.Progress)
	}
	for _, s := range ds.Stages {
		if s.ItemCounts != nil {
			t.Errorf("stage %s has item counts without a batch", s.Name)
		}
	}
}
