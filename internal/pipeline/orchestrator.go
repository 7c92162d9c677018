package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

// ErrStageNotReady reports a manual advance whose preconditions don't hold:
// the current stage is already done, or its predecessor hasn't finished.
var ErrStageNotReady = errors.New("stage not ready to advance")

type batchStore interface {
	GetBatchByRun(ctx context.Context, runID uuid.UUID) (postgres.ItemBatch, error)
}

// Orchestrator drives pipeline runs: it applies operator commands to the
// state machine and dispatches stage work onto the task queue. Commands never
// block on worker execution — dispatch is fire-and-forget; workers report
// back through HandleStageCompletion.
type Orchestrator struct {
	machine      *Machine
	runs         RunStore
	batches      batchStore
	registry     *Registry
	queue        Dispatcher
	stageTimeout time.Duration
	logger       *slog.Logger

	// cancels maps runID to the in-flight worker's cancel func so Cancel
	// can signal a worker running in this process. Workers in other
	// processes notice via the ledger-side status poll and stale checks.
	cancels sync.Map
}

func NewOrchestrator(machine *Machine, runs RunStore, batches batchStore, registry *Registry, queue Dispatcher, stageTimeout time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		machine:      machine,
		runs:         runs,
		batches:      batches,
		registry:     registry,
		queue:        queue,
		stageTimeout: stageTimeout,
		logger:       logger,
	}
}

// Start begins a fresh run or resumes a paused one, then dispatches the
// current stage. Item-level idempotence makes re-dispatch safe mid-stage.
func (o *Orchestrator) Start(ctx context.Context, runID uuid.UUID) (postgres.PipelineRun, error) {
	run, err := o.machine.Start(ctx, runID)
	if err != nil {
		return postgres.PipelineRun{}, err
	}
	if err := o.dispatch(ctx, run, "start"); err != nil {
		return run, err
	}
	return run, nil
}

// HandleStageCompletion is the single entry point for worker results. It
// applies the result to the state machine and dispatches the next stage when
// the run should keep moving. Stale completions are logged and dropped; they
// are not errors.
func (o *Orchestrator) HandleStageCompletion(ctx context.Context, runID uuid.UUID, stageNumber int, res StageResult, workerErr error, startedAt, finishedAt time.Time) error {
	if workerErr != nil {
		run, err := o.machine.FailStage(ctx, runID, stageNumber, workerErr, res, startedAt, finishedAt)
		if err != nil {
			return o.dropIfStale(err, runID, stageNumber)
		}
		o.logger.Error("stage failed",
			slog.String("run_id", runID.String()),
			slog.Int("stage_number", stageNumber),
			slog.String("status", run.Status),
			slog.String("error", workerErr.Error()))
		return nil
	}

	run, err := o.machine.CompleteStage(ctx, runID, stageNumber, res, startedAt, finishedAt)
	if err != nil {
		return o.dropIfStale(err, runID, stageNumber)
	}

	o.logger.Info("stage completed",
		slog.String("run_id", runID.String()),
		slog.Int("stage_number", stageNumber),
		slog.Int("items_processed", res.ItemsProcessed),
		slog.Int("items_failed", res.ItemsFailed),
		slog.Bool("advance", res.Advance),
		slog.String("status", run.Status))

	advanced := res.Advance && run.CurrentStageNumber > stageNumber
	if RunStatus(run.Status) != StatusRunning || !advanced {
		return nil
	}
	if !run.AutoAdvance {
		o.logger.Info("auto-advance disabled, awaiting manual advance",
			slog.String("run_id", runID.String()),
			slog.Int("stage_number", run.CurrentStageNumber))
		return nil
	}
	return o.dispatch(ctx, run, "auto_advance")
}

// AdvanceStage dispatches the current stage of a run whose auto_advance is
// off. It re-validates against current state so a stale double-advance is
// rejected rather than double-dispatched.
func (o *Orchestrator) AdvanceStage(ctx context.Context, runID uuid.UUID) (postgres.PipelineRun, error) {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return postgres.PipelineRun{}, err
	}
	if RunStatus(run.Status) != StatusRunning {
		return run, &InvalidTransitionError{From: RunStatus(run.Status), Event: EventAdvance}
	}
	stage, ok := StageByNumber(run.CurrentStageNumber)
	if !ok {
		return run, fmt.Errorf("run %s has no current stage: %w", runID, ErrStageNotReady)
	}
	if st := run.StageStatuses[stage.Name]; st == StageCompleted || st == StageSkipped || st == StageRunning {
		return run, fmt.Errorf("stage %d (%s) is already %s: %w", stage.Number, stage.Name, st, ErrStageNotReady)
	}
	if prev, ok := StageByNumber(run.CurrentStageNumber - 1); ok {
		if st := run.StageStatuses[prev.Name]; st != StageCompleted && st != StageSkipped {
			return run, fmt.Errorf("stage %d (%s) has not finished: %w", prev.Number, prev.Name, ErrStageNotReady)
		}
	}
	if err := o.dispatch(ctx, run, "manual_advance"); err != nil {
		return run, err
	}
	return run, nil
}

// RetryFailedStage re-dispatches the current stage at the unchanged stage
// number: the failed stage of a failed run, or the gated stage of a run a
// quality gate is holding. Explicit operator action; never automatic.
func (o *Orchestrator) RetryFailedStage(ctx context.Context, runID uuid.UUID) (postgres.PipelineRun, error) {
	run, err := o.machine.Retry(ctx, runID)
	if err != nil {
		return postgres.PipelineRun{}, err
	}
	if err := o.dispatch(ctx, run, "retry"); err != nil {
		return run, err
	}
	return run, nil
}

// SkipFailedStage records the current stage — failed, or held by a quality
// gate — as skipped and moves on, dispatching the next stage when the run
// keeps running with auto-advance.
func (o *Orchestrator) SkipFailedStage(ctx context.Context, runID uuid.UUID) (postgres.PipelineRun, error) {
	run, err := o.machine.Skip(ctx, runID)
	if err != nil {
		return postgres.PipelineRun{}, err
	}
	if RunStatus(run.Status) == StatusRunning && run.AutoAdvance {
		if err := o.dispatch(ctx, run, "skip"); err != nil {
			return run, err
		}
	}
	return run, nil
}

// Pause suppresses further dispatch. The in-flight worker, if any, finishes
// and its completion is still recorded.
func (o *Orchestrator) Pause(ctx context.Context, runID uuid.UUID) (postgres.PipelineRun, error) {
	return o.machine.Pause(ctx, runID)
}

// Cancel terminates the run and signals an in-flight worker in this process
// to stop between items. The worker's late completion callback is dropped by
// the stale checks.
func (o *Orchestrator) Cancel(ctx context.Context, runID uuid.UUID) (postgres.PipelineRun, error) {
	run, err := o.machine.Cancel(ctx, runID)
	if err != nil {
		return postgres.PipelineRun{}, err
	}
	if cf, ok := o.cancels.Load(runID); ok {
		cf.(context.CancelFunc)()
	}
	return run, nil
}

// ExecuteStage runs the worker bound to a dispatched stage and feeds the
// result back through HandleStageCompletion. This is the queue consumer's
// handler. Worker execution is bounded by the stage timeout; exceeding it is
// a fatal stage error, not an item failure.
func (o *Orchestrator) ExecuteStage(ctx context.Context, msg DispatchMessage) error {
	run, err := o.machine.BeginStage(ctx, msg.RunID, msg.StageNumber)
	if err != nil {
		return o.dropIfStale(err, msg.RunID, msg.StageNumber)
	}

	stage, _ := StageByNumber(msg.StageNumber)
	worker, ok := o.registry.Worker(stage.Number)
	if !ok {
		err := fmt.Errorf("no worker registered for stage %d (%s)", stage.Number, stage.Name)
		now := time.Now().UTC()
		return o.HandleStageCompletion(ctx, msg.RunID, msg.StageNumber, StageResult{}, err, now, now)
	}

	batch, err := o.batches.GetBatchByRun(ctx, msg.RunID)
	if err != nil {
		return fmt.Errorf("load batch for run %s: %w", msg.RunID, err)
	}

	o.logger.Info("stage execution started",
		slog.String("run_id", run.ID.String()),
		slog.Int("stage_number", stage.Number),
		slog.String("stage", stage.Name),
		slog.String("trigger", msg.Trigger))

	wctx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	o.cancels.Store(msg.RunID, cancel)
	defer func() {
		o.cancels.Delete(msg.RunID)
		cancel()
	}()

	startedAt := time.Now().UTC()
	res, workerErr := worker.Process(wctx, batch.ID)
	finishedAt := time.Now().UTC()

	if workerErr == nil && wctx.Err() == context.DeadlineExceeded {
		workerErr = fmt.Errorf("stage %s exceeded timeout %s", stage.Name, o.stageTimeout)
	}

	return o.HandleStageCompletion(ctx, msg.RunID, msg.StageNumber, res, workerErr, startedAt, finishedAt)
}

func (o *Orchestrator) dispatch(ctx context.Context, run postgres.PipelineRun, trigger string) error {
	msg := DispatchMessage{RunID: run.ID, StageNumber: run.CurrentStageNumber, Trigger: trigger}
	if _, err := o.queue.Dispatch(ctx, msg); err != nil {
		return fmt.Errorf("dispatch stage %d: %w", run.CurrentStageNumber, err)
	}
	o.logger.Info("stage dispatched",
		slog.String("run_id", run.ID.String()),
		slog.Int("stage_number", run.CurrentStageNumber),
		slog.String("trigger", trigger))
	return nil
}

// dropIfStale swallows StaleCompletionError after logging it. Everything else
// propagates.
func (o *Orchestrator) dropIfStale(err error, runID uuid.UUID, stageNumber int) error {
	var stale *StaleCompletionError
	if errors.As(err, &stale) {
		o.logger.Warn("stale stage message dropped",
			slog.String("run_id", runID.String()),
			slog.Int("stage_number", stageNumber),
			slog.String("run_status", string(stale.Status)),
			slog.Int("current_stage", stale.CurrentStage))
		return nil
	}
	return err
}
