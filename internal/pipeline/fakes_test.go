package pipeline

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

// fakeRunStore is an in-memory RunStore. Mutate hands the callback a copy of
// the run so in-place map edits behave like a fresh row scan, and applies the
// returned update atomically under one mutex.
type fakeRunStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]postgres.PipelineRun
	logs []postgres.AppendStageLogParams
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[uuid.UUID]postgres.PipelineRun)}
}

func (f *fakeRunStore) seed(run postgres.PipelineRun) postgres.PipelineRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = string(StatusInitialized)
	}
	if run.StageStatuses == nil {
		run.StageStatuses = InitialStageStatuses()
	}
	run.CreatedAt = time.Now().UTC()
	run.UpdatedAt = run.CreatedAt
	f.runs[run.ID] = run
	return run
}

func (f *fakeRunStore) Get(_ context.Context, id uuid.UUID) (postgres.PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return postgres.PipelineRun{}, pgx.ErrNoRows
	}
	run.StageStatuses = maps.Clone(run.StageStatuses)
	return run, nil
}

func (f *fakeRunStore) Mutate(_ context.Context, id uuid.UUID, fn func(run postgres.PipelineRun) (RunUpdate, error)) (postgres.PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return postgres.PipelineRun{}, pgx.ErrNoRows
	}

	snapshot := run
	snapshot.StageStatuses = maps.Clone(run.StageStatuses)
	upd, err := fn(snapshot)
	if err != nil {
		return postgres.PipelineRun{}, err
	}

	run.Status = upd.State.Status
	run.CurrentStageNumber = upd.State.CurrentStageNumber
	run.StageStatuses = maps.Clone(upd.State.StageStatuses)
	run.FailedStage = upd.State.FailedStage
	run.ErrorMessage = upd.State.ErrorMessage
	run.StartedAt = upd.State.StartedAt
	run.CompletedAt = upd.State.CompletedAt
	run.UpdatedAt = time.Now().UTC()
	f.runs[id] = run

	if upd.Log != nil {
		f.logs = append(f.logs, *upd.Log)
	}

	result := run
	result.StageStatuses = maps.Clone(run.StageStatuses)
	return result, nil
}

func (f *fakeRunStore) logCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logs)
}

func (f *fakeRunStore) lastLog() postgres.AppendStageLogParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[len(f.logs)-1]
}

// fakeDispatcher records dispatch messages instead of touching a stream.
type fakeDispatcher struct {
	mu   sync.Mutex
	msgs []DispatchMessage
}

func (d *fakeDispatcher) Dispatch(_ context.Context, msg DispatchMessage) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return "0-1", nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

func (d *fakeDispatcher) last() DispatchMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.msgs[len(d.msgs)-1]
}

// fakeBatchStore resolves every run to one fixed batch.
type fakeBatchStore struct {
	batch postgres.ItemBatch
}

func (b *fakeBatchStore) GetBatchByRun(_ context.Context, runID uuid.UUID) (postgres.ItemBatch, error) {
	batch := b.batch
	batch.RunID = runID
	return batch, nil
}

// funcWorker adapts a function to the StageWorker interface.
type funcWorker struct {
	name string
	fn   func(ctx context.Context, batchID uuid.UUID) (StageResult, error)
}

func (w *funcWorker) Name() string { return w.name }
func (w *funcWorker) Process(ctx context.Context, batchID uuid.UUID) (StageResult, error) {
	return w.fn(ctx, batchID)
}
