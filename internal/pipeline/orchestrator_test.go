package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

func newTestOrchestrator(stageTimeout time.Duration) (*Orchestrator, *fakeRunStore, *fakeDispatcher, *Registry) {
	runs := newFakeRunStore()
	queue := &fakeDispatcher{}
	registry := NewRegistry()
	batches := &fakeBatchStore{batch: postgres.ItemBatch{ID: uuid.New()}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := NewOrchestrator(NewMachine(runs), runs, batches, registry, queue, stageTimeout, logger)
	return o, runs, queue, registry
}

// Scenario: all items pass the first stage and the run advances to stage 2.
func TestOrchestratorCleanAdvance(t *testing.T) {
	ctx := context.Background()
	o, runs, queue, _ := newTestOrchestrator(time.Second)
	seeded := runs.seed(postgres.PipelineRun{AutoAdvance: true})

	run, err := o.Start(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if queue.count() != 1 || queue.last().StageNumber != 1 || queue.last().Trigger != "start" {
		t.Fatalf("unexpected dispatch after start: %+v", queue.last())
	}

	now := time.Now().UTC()
	res := StageResult{ItemsProcessed: 10, Success: true, Advance: true}
	if err := o.HandleStageCompletion(ctx, run.ID, 1, res, nil, now, now); err != nil {
		t.Fatalf("HandleStageCompletion: %v", err)
	}

	after, _ := runs.Get(ctx, run.ID)
	if after.CurrentStageNumber != 2 {
		t.Errorf("current_stage_number = %d, want 2", after.CurrentStageNumber)
	}
	if after.StageStatuses["intake"] != StageCompleted {
		t.Errorf("intake status = %q, want completed", after.StageStatuses["intake"])
	}
	if queue.count() != 2 || queue.last().StageNumber != 2 || queue.last().Trigger != "auto_advance" {
		t.Errorf("next stage not auto-dispatched: %+v", queue.last())
	}
	if log := runs.lastLog(); log.ItemsProcessed != 10 || log.ItemsFailed != 0 {
		t.Errorf("unexpected stage log: %+v", log)
	}
}

// Scenario: item failures are absorbed — 7 of 10 succeed and the run still
// advances; the 3 failures stay visible in the log counts.
func TestOrchestratorPartialItemFailures(t *testing.T) {
	ctx := context.Background()
	o, runs, queue, _ := newTestOrchestrator(time.Second)
	seeded := seedRunAt(runs, StatusRunning, 2)

	now := time.Now().UTC()
	res := StageResult{ItemsProcessed: 7, ItemsFailed: 3, Success: true, Advance: true}
	if err := o.HandleStageCompletion(ctx, seeded.ID, 2, res, nil, now, now); err != nil {
		t.Fatalf("HandleStageCompletion: %v", err)
	}

	after, _ := runs.Get(ctx, seeded.ID)
	if after.CurrentStageNumber != 3 {
		t.Errorf("current_stage_number = %d, want 3 (failures don't block)", after.CurrentStageNumber)
	}
	if after.Status != string(StatusRunning) {
		t.Errorf("status = %q, want running", after.Status)
	}
	if log := runs.lastLog(); log.ItemsProcessed != 7 || log.ItemsFailed != 3 {
		t.Errorf("log counts = %d/%d, want 7/3", log.ItemsProcessed, log.ItemsFailed)
	}
	if queue.count() != 1 {
		t.Errorf("dispatch count = %d, want 1", queue.count())
	}
}

// Scenario: a fatal stage error fails the run; retry re-dispatches the same
// stage, and a clean second pass advances.
func TestOrchestratorFatalErrorAndRetry(t *testing.T) {
	ctx := context.Background()
	o, runs, queue, _ := newTestOrchestrator(time.Second)
	seeded := seedRunAt(runs, StatusRunning, 5)

	now := time.Now().UTC()
	fatal := errors.New("graph store unreachable")
	if err := o.HandleStageCompletion(ctx, seeded.ID, 5, StageResult{}, fatal, now, now); err != nil {
		t.Fatalf("HandleStageCompletion: %v", err)
	}

	after, _ := runs.Get(ctx, seeded.ID)
	if after.Status != string(StatusFailed) {
		t.Fatalf("status = %q, want failed", after.Status)
	}
	if after.FailedStage == nil || *after.FailedStage != "graph" {
		t.Fatalf("failed_stage = %v, want graph", after.FailedStage)
	}
	if after.ErrorMessage == nil || !strings.Contains(*after.ErrorMessage, "unreachable") {
		t.Errorf("error_message = %v", after.ErrorMessage)
	}

	run, err := o.RetryFailedStage(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("RetryFailedStage: %v", err)
	}
	if run.Status != string(StatusRetrying) {
		t.Errorf("status = %q, want retrying", run.Status)
	}
	if queue.last().StageNumber != 5 || queue.last().Trigger != "retry" {
		t.Errorf("retry dispatch = %+v", queue.last())
	}

	// The worker picks the dispatch up and succeeds this time.
	if _, err := o.machine.BeginStage(ctx, seeded.ID, 5); err != nil {
		t.Fatalf("BeginStage: %v", err)
	}
	if err := o.HandleStageCompletion(ctx, seeded.ID, 5, StageResult{ItemsProcessed: 4, Success: true, Advance: true}, nil, now, now); err != nil {
		t.Fatalf("HandleStageCompletion after retry: %v", err)
	}
	after, _ = runs.Get(ctx, seeded.ID)
	if after.Status != string(StatusRunning) || after.CurrentStageNumber != 6 {
		t.Errorf("after retry success: status %q stage %d, want running/6", after.Status, after.CurrentStageNumber)
	}
}

// Scenario: cancel is immediate and a late completion callback is a no-op.
func TestOrchestratorCancelDropsLateCompletion(t *testing.T) {
	ctx := context.Background()
	o, runs, queue, _ := newTestOrchestrator(time.Second)
	seeded := seedRunAt(runs, StatusRunning, 3)

	run, err := o.Cancel(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if run.Status != string(StatusCancelled) {
		t.Fatalf("status = %q, want cancelled", run.Status)
	}

	now := time.Now().UTC()
	res := StageResult{ItemsProcessed: 3, Success: true, Advance: true}
	if err := o.HandleStageCompletion(ctx, seeded.ID, 3, res, nil, now, now); err != nil {
		t.Fatalf("late completion surfaced an error: %v", err)
	}

	after, _ := runs.Get(ctx, seeded.ID)
	if after.Status != string(StatusCancelled) {
		t.Errorf("status = %q, late completion must not revive the run", after.Status)
	}
	if after.CurrentStageNumber != 3 {
		t.Errorf("current_stage_number = %d, want 3", after.CurrentStageNumber)
	}
	if queue.count() != 0 {
		t.Errorf("dispatch count = %d, want 0", queue.count())
	}
	if runs.logCount() != 0 {
		t.Errorf("late completion appended %d log entries", runs.logCount())
	}
}

// Scenario: a quality gate holds the run at its stage without failing it, and
// nothing is re-dispatched automatically.
func TestOrchestratorGateHoldsRun(t *testing.T) {
	ctx := context.Background()
	o, runs, queue, _ := newTestOrchestrator(time.Second)
	seeded := seedRunAt(runs, StatusRunning, 7)

	now := time.Now().UTC()
	res := StageResult{
		ItemsProcessed: 10,
		Counters:       map[string]int{"literacy_score": 55},
		Success:        true,
		Advance:        false,
	}
	if err := o.HandleStageCompletion(ctx, seeded.ID, 7, res, nil, now, now); err != nil {
		t.Fatalf("HandleStageCompletion: %v", err)
	}

	after, _ := runs.Get(ctx, seeded.ID)
	if after.CurrentStageNumber != 7 {
		t.Errorf("current_stage_number = %d, want 7", after.CurrentStageNumber)
	}
	if after.Status != string(StatusRunning) {
		t.Errorf("status = %q, want running", after.Status)
	}
	if queue.count() != 0 {
		t.Errorf("dispatch count = %d, want 0 (no automatic retry)", queue.count())
	}
	if after.StageStatuses["literacy"] != StageGated {
		t.Errorf("literacy status = %q, want gated", after.StageStatuses["literacy"])
	}
	if log := runs.lastLog(); log.Advance || !log.Success {
		t.Errorf("gate log = success:%v advance:%v, want success without advance", log.Success, log.Advance)
	}
}

// A gate-held run must be revivable through the operator commands: retry
// re-dispatches the gated stage and skip overrides the gate and moves on.
func TestOrchestratorGateHeldRemediation(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	held := StageResult{Counters: map[string]int{"literacy_score": 55}, Success: true, Advance: false}

	holdAt := func(t *testing.T, o *Orchestrator, runs *fakeRunStore, stageNumber int) postgres.PipelineRun {
		t.Helper()
		seeded := seedRunAt(runs, StatusRunning, stageNumber)
		if err := o.HandleStageCompletion(ctx, seeded.ID, stageNumber, held, nil, now, now); err != nil {
			t.Fatalf("HandleStageCompletion: %v", err)
		}
		return seeded
	}

	t.Run("retry re-dispatches the gated stage", func(t *testing.T) {
		o, runs, queue, _ := newTestOrchestrator(time.Second)
		seeded := holdAt(t, o, runs, 7)

		run, err := o.RetryFailedStage(ctx, seeded.ID)
		if err != nil {
			t.Fatalf("RetryFailedStage: %v", err)
		}
		if run.Status != string(StatusRunning) || run.CurrentStageNumber != 7 {
			t.Errorf("after retry: status %q stage %d, want running/7", run.Status, run.CurrentStageNumber)
		}
		if run.StageStatuses["literacy"] != StagePending {
			t.Errorf("literacy status = %q, want pending", run.StageStatuses["literacy"])
		}
		if queue.count() != 1 || queue.last().StageNumber != 7 || queue.last().Trigger != "retry" {
			t.Fatalf("retry dispatch = %+v (count %d)", queue.last(), queue.count())
		}

		// The worker picks the dispatch up and passes the gate this time.
		if _, err := o.machine.BeginStage(ctx, seeded.ID, 7); err != nil {
			t.Fatalf("BeginStage: %v", err)
		}
		pass := StageResult{ItemsProcessed: 10, Success: true, Advance: true}
		if err := o.HandleStageCompletion(ctx, seeded.ID, 7, pass, nil, now, now); err != nil {
			t.Fatalf("HandleStageCompletion after retry: %v", err)
		}
		after, _ := runs.Get(ctx, seeded.ID)
		if after.CurrentStageNumber != 8 || after.StageStatuses["literacy"] != StageCompleted {
			t.Errorf("after gate pass: stage %d literacy %q, want 8/completed", after.CurrentStageNumber, after.StageStatuses["literacy"])
		}
	})

	t.Run("skip overrides the gate and advances", func(t *testing.T) {
		o, runs, queue, _ := newTestOrchestrator(time.Second)
		seeded := holdAt(t, o, runs, 7)

		run, err := o.SkipFailedStage(ctx, seeded.ID)
		if err != nil {
			t.Fatalf("SkipFailedStage: %v", err)
		}
		if run.Status != string(StatusRunning) || run.CurrentStageNumber != 8 {
			t.Errorf("after skip: status %q stage %d, want running/8", run.Status, run.CurrentStageNumber)
		}
		if run.StageStatuses["literacy"] != StageSkipped {
			t.Errorf("literacy status = %q, want skipped", run.StageStatuses["literacy"])
		}
		if queue.count() != 1 || queue.last().StageNumber != 8 || queue.last().Trigger != "skip" {
			t.Errorf("skip dispatch = %+v (count %d)", queue.last(), queue.count())
		}
	})

	t.Run("skip at the final stage completes the run", func(t *testing.T) {
		o, runs, _, _ := newTestOrchestrator(time.Second)
		seeded := holdAt(t, o, runs, 9)

		run, err := o.SkipFailedStage(ctx, seeded.ID)
		if err != nil {
			t.Fatalf("SkipFailedStage: %v", err)
		}
		if run.Status != string(StatusCompleted) || run.CompletedAt == nil {
			t.Errorf("after final skip: status %q completed_at %v", run.Status, run.CompletedAt)
		}
	})

	t.Run("retry without a held gate stays rejected", func(t *testing.T) {
		o, runs, queue, _ := newTestOrchestrator(time.Second)
		seeded := seedRunAt(runs, StatusRunning, 7)

		var invalid *InvalidTransitionError
		if _, err := o.RetryFailedStage(ctx, seeded.ID); !errors.As(err, &invalid) {
			t.Fatalf("RetryFailedStage error = %v, want InvalidTransitionError", err)
		}
		if queue.count() != 0 {
			t.Errorf("rejected retry dispatched %d messages", queue.count())
		}
	})
}

// Pause lets the in-flight stage finish and record its result, but the next
// stage is only dispatched after the run is started again.
func TestOrchestratorPauseSuppressesDispatch(t *testing.T) {
	ctx := context.Background()
	o, runs, queue, _ := newTestOrchestrator(time.Second)
	seeded := seedRunAt(runs, StatusRunning, 2)

	if _, err := o.Pause(ctx, seeded.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	now := time.Now().UTC()
	res := StageResult{ItemsProcessed: 5, Success: true, Advance: true}
	if err := o.HandleStageCompletion(ctx, seeded.ID, 2, res, nil, now, now); err != nil {
		t.Fatalf("HandleStageCompletion: %v", err)
	}

	after, _ := runs.Get(ctx, seeded.ID)
	if after.CurrentStageNumber != 3 {
		t.Errorf("current_stage_number = %d, want 3 (completion still recorded)", after.CurrentStageNumber)
	}
	if after.Status != string(StatusPaused) {
		t.Errorf("status = %q, want paused", after.Status)
	}
	if queue.count() != 0 {
		t.Fatalf("paused run dispatched %d messages", queue.count())
	}

	if _, err := o.Start(ctx, seeded.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if queue.count() != 1 || queue.last().StageNumber != 3 {
		t.Errorf("resume dispatch = %+v", queue.last())
	}
}

func TestOrchestratorManualAdvance(t *testing.T) {
	ctx := context.Background()
	o, runs, queue, _ := newTestOrchestrator(time.Second)

	statuses := InitialStageStatuses()
	statuses["intake"] = StageRunning
	now := time.Now().UTC()
	seeded := runs.seed(postgres.PipelineRun{
		Status:             string(StatusRunning),
		CurrentStageNumber: 1,
		StageStatuses:      statuses,
		AutoAdvance:        false,
		StartedAt:          &now,
	})

	res := StageResult{ItemsProcessed: 4, Success: true, Advance: true}
	if err := o.HandleStageCompletion(ctx, seeded.ID, 1, res, nil, now, now); err != nil {
		t.Fatalf("HandleStageCompletion: %v", err)
	}
	if queue.count() != 0 {
		t.Fatalf("auto_advance=false run dispatched %d messages", queue.count())
	}

	run, err := o.AdvanceStage(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}
	if run.CurrentStageNumber != 2 {
		t.Errorf("current_stage_number = %d, want 2", run.CurrentStageNumber)
	}
	if queue.count() != 1 || queue.last().StageNumber != 2 || queue.last().Trigger != "manual_advance" {
		t.Errorf("manual advance dispatch = %+v", queue.last())
	}

	t.Run("rejects non-running run", func(t *testing.T) {
		failed := seedRunAt(runs, StatusFailed, 3)
		_, err := o.AdvanceStage(ctx, failed.ID)
		var invalid *InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Errorf("error = %v, want *InvalidTransitionError", err)
		}
	})

	t.Run("rejects stage already in flight", func(t *testing.T) {
		statuses := InitialStageStatuses()
		statuses["intake"] = StageRunning
		inflight := runs.seed(postgres.PipelineRun{
			Status:             string(StatusRunning),
			CurrentStageNumber: 1,
			StageStatuses:      statuses,
		})
		if _, err := o.AdvanceStage(ctx, inflight.ID); !errors.Is(err, ErrStageNotReady) {
			t.Errorf("error = %v, want ErrStageNotReady", err)
		}
	})
}

func TestOrchestratorExecuteStage(t *testing.T) {
	ctx := context.Background()
	o, runs, queue, registry := newTestOrchestrator(time.Second)
	seeded := runs.seed(postgres.PipelineRun{AutoAdvance: true})

	var gotBatch uuid.UUID
	registry.Register(1, &funcWorker{name: "intake", fn: func(_ context.Context, batchID uuid.UUID) (StageResult, error) {
		gotBatch = batchID
		return StageResult{ItemsProcessed: 2, Success: true, Advance: true}, nil
	}})

	if _, err := o.Start(ctx, seeded.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.ExecuteStage(ctx, queue.last()); err != nil {
		t.Fatalf("ExecuteStage: %v", err)
	}

	if gotBatch == uuid.Nil {
		t.Error("worker did not receive a batch ID")
	}
	after, _ := runs.Get(ctx, seeded.ID)
	if after.CurrentStageNumber != 2 {
		t.Errorf("current_stage_number = %d, want 2", after.CurrentStageNumber)
	}
	if after.StageStatuses["intake"] != StageCompleted {
		t.Errorf("intake status = %q, want completed", after.StageStatuses["intake"])
	}
}

func TestOrchestratorExecuteStageStaleDispatch(t *testing.T) {
	ctx := context.Background()
	o, runs, _, registry := newTestOrchestrator(time.Second)
	seeded := seedRunAt(runs, StatusPaused, 2)

	invoked := false
	registry.Register(2, &funcWorker{name: "rights", fn: func(context.Context, uuid.UUID) (StageResult, error) {
		invoked = true
		return StageResult{Success: true, Advance: true}, nil
	}})

	msg := DispatchMessage{RunID: seeded.ID, StageNumber: 2, Trigger: "auto_advance"}
	if err := o.ExecuteStage(ctx, msg); err != nil {
		t.Fatalf("stale dispatch surfaced an error: %v", err)
	}
	if invoked {
		t.Error("worker ran against a paused run")
	}
}

func TestOrchestratorStageTimeout(t *testing.T) {
	ctx := context.Background()
	o, runs, queue, registry := newTestOrchestrator(20 * time.Millisecond)
	seeded := runs.seed(postgres.PipelineRun{AutoAdvance: true})

	registry.Register(1, &funcWorker{name: "intake", fn: func(wctx context.Context, _ uuid.UUID) (StageResult, error) {
		<-wctx.Done()
		return StageResult{}, nil
	}})

	if _, err := o.Start(ctx, seeded.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.ExecuteStage(ctx, queue.last()); err != nil {
		t.Fatalf("ExecuteStage: %v", err)
	}

	after, _ := runs.Get(ctx, seeded.ID)
	if after.Status != string(StatusFailed) {
		t.Fatalf("status = %q, want failed after timeout", after.Status)
	}
	if after.ErrorMessage == nil || !strings.Contains(*after.ErrorMessage, "timeout") {
		t.Errorf("error_message = %v, want timeout text", after.ErrorMessage)
	}
}

func TestOrchestratorCancelSignalsWorker(t *testing.T) {
	ctx := context.Background()
	o, runs, queue, registry := newTestOrchestrator(time.Second)
	seeded := runs.seed(postgres.PipelineRun{AutoAdvance: true})

	registry.Register(1, &funcWorker{name: "intake", fn: func(wctx context.Context, _ uuid.UUID) (StageResult, error) {
		// Operator cancels mid-stage; the worker notices between items.
		if _, err := o.Cancel(ctx, seeded.ID); err != nil {
			return StageResult{}, err
		}
		<-wctx.Done()
		return StageResult{ItemsProcessed: 1}, wctx.Err()
	}})

	if _, err := o.Start(ctx, seeded.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.ExecuteStage(ctx, queue.last()); err != nil {
		t.Fatalf("ExecuteStage: %v", err)
	}

	after, _ := runs.Get(ctx, seeded.ID)
	if after.Status != string(StatusCancelled) {
		t.Errorf("status = %q, want cancelled (late failure callback dropped)", after.Status)
	}
}
