package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

// Machine applies state-machine transitions to persisted pipeline runs. It is
// the only writer of a run's status, current_stage_number and stage_statuses;
// every operation loads the run under an exclusive lock, applies the pure
// Transition function, and commits the new state together with any stage-log
// entry in one transaction.
type Machine struct {
	runs RunStore
}

func NewMachine(runs RunStore) *Machine {
	return &Machine{runs: runs}
}

// stateParams copies a run's current mutable fields so an operation only has
// to set what it changes.
func stateParams(run postgres.PipelineRun) postgres.UpdateRunStateParams {
	return postgres.UpdateRunStateParams{
		ID:                 run.ID,
		Status:             run.Status,
		CurrentStageNumber: run.CurrentStageNumber,
		StageStatuses:      run.StageStatuses,
		FailedStage:        run.FailedStage,
		ErrorMessage:       run.ErrorMessage,
		StartedAt:          run.StartedAt,
		CompletedAt:        run.CompletedAt,
	}
}

func stageLogParams(runID uuid.UUID, stage Stage, res StageResult, errMsg *string, startedAt, finishedAt time.Time) postgres.AppendStageLogParams {
	var counters []byte
	if len(res.Counters) > 0 {
		counters, _ = json.Marshal(res.Counters)
	}
	return postgres.AppendStageLogParams{
		RunID:          runID,
		StageName:      stage.Name,
		StageNumber:    stage.Number,
		ItemsProcessed: res.ItemsProcessed,
		ItemsFailed:    res.ItemsFailed,
		Counters:       counters,
		Success:        res.Success,
		Advance:        res.Advance,
		ErrorMessage:   errMsg,
		StartedAt:      startedAt,
		FinishedAt:     finishedAt,
	}
}

// Start moves a run into running. A fresh run is positioned at the first
// stage; a paused run resumes at its current stage. Sets started_at on first
// start only.
func (m *Machine) Start(ctx context.Context, runID uuid.UUID) (postgres.PipelineRun, error) {
	return m.runs.Mutate(ctx, runID, func(run postgres.PipelineRun) (RunUpdate, error) {
		next, err := Transition(RunStatus(run.Status), EventStart)
		if err != nil {
			return RunUpdate{}, err
		}
		params := stateParams(run)
		params.Status = string(next)
		if run.CurrentStageNumber == 0 {
			params.CurrentStageNumber = FirstStage().Number
		}
		if run.StartedAt == nil {
			now := time.Now().UTC()
			params.StartedAt = &now
		}
		return RunUpdate{State: params}, nil
	})
}

// BeginStage records that a dispatched worker is about to execute a stage. A
// retrying run moves back to running. Dispatches that no longer match the
// run's state — wrong stage number, terminal, failed or paused run — return
// StaleCompletionError so the consumer drops the message (duplicate queue
// delivery, or an operator acted between dispatch and pickup).
func (m *Machine) BeginStage(ctx context.Context, runID uuid.UUID, stageNumber int) (postgres.PipelineRun, error) {
	return m.runs.Mutate(ctx, runID, func(run postgres.PipelineRun) (RunUpdate, error) {
		status := RunStatus(run.Status)
		if run.CurrentStageNumber != stageNumber || (status != StatusRunning && status != StatusRetrying) {
			return RunUpdate{}, &StaleCompletionError{
				RunID:        runID,
				Status:       status,
				StageNumber:  stageNumber,
				CurrentStage: run.CurrentStageNumber,
			}
		}
		stage, ok := StageByNumber(stageNumber)
		if !ok {
			return RunUpdate{}, &StaleCompletionError{RunID: runID, Status: status, StageNumber: stageNumber, CurrentStage: run.CurrentStageNumber}
		}

		params := stateParams(run)
		if status == StatusRetrying {
			next, err := Transition(status, EventStart)
			if err != nil {
				return RunUpdate{}, err
			}
			params.Status = string(next)
		}
		params.StageStatuses[stage.Name] = StageRunning
		return RunUpdate{State: params}, nil
	})
}

// CompleteStage applies a successful worker result. With advance=true the run
// moves to the next stage, or to completed if the final stage just finished.
// With advance=false the run idles at the current stage (quality gate held it)
// awaiting operator action. Late or duplicate completions — run cancelled,
// failed, or already past this stage — return StaleCompletionError and leave
// state untouched. The stage-log entry is committed atomically with the state
// change.
func (m *Machine) CompleteStage(ctx context.Context, runID uuid.UUID, stageNumber int, res StageResult, startedAt, finishedAt time.Time) (postgres.PipelineRun, error) {
	return m.runs.Mutate(ctx, runID, func(run postgres.PipelineRun) (RunUpdate, error) {
		status := RunStatus(run.Status)
		if status.Terminal() || status == StatusFailed || run.CurrentStageNumber != stageNumber {
			return RunUpdate{}, &StaleCompletionError{
				RunID:        runID,
				Status:       status,
				StageNumber:  stageNumber,
				CurrentStage: run.CurrentStageNumber,
			}
		}
		stage, ok := StageByNumber(stageNumber)
		if !ok {
			return RunUpdate{}, &StaleCompletionError{RunID: runID, Status: status, StageNumber: stageNumber, CurrentStage: run.CurrentStageNumber}
		}

		params := stateParams(run)
		logEntry := stageLogParams(run.ID, stage, res, nil, startedAt, finishedAt)

		if !res.Advance {
			// Gate held the run at this stage. Retry and Skip accept
			// the gated status; no automatic retry is ever scheduled.
			params.StageStatuses[stage.Name] = StageGated
			return RunUpdate{State: params, Log: &logEntry}, nil
		}

		params.StageStatuses[stage.Name] = StageCompleted
		params.FailedStage = nil
		params.ErrorMessage = nil

		if next, ok := NextStage(stageNumber); ok {
			params.CurrentStageNumber = next.Number
			if status == StatusRetrying {
				ns, err := Transition(status, EventStart)
				if err != nil {
					return RunUpdate{}, err
				}
				params.Status = string(ns)
			}
		} else {
			ns, err := Transition(status, EventComplete)
			if err != nil {
				return RunUpdate{}, err
			}
			params.Status = string(ns)
			done := finishedAt.UTC()
			params.CompletedAt = &done
		}
		return RunUpdate{State: params, Log: &logEntry}, nil
	})
}

// FailStage records a fatal stage error. Calling it on an already-failed run
// never errors and only refreshes error_message — a repeat failure must not
// trip the transition guard. Failures on terminal runs or mismatched stage
// numbers are stale and dropped.
func (m *Machine) FailStage(ctx context.Context, runID uuid.UUID, stageNumber int, failErr error, res StageResult, startedAt, finishedAt time.Time) (postgres.PipelineRun, error) {
	return m.runs.Mutate(ctx, runID, func(run postgres.PipelineRun) (RunUpdate, error) {
		status := RunStatus(run.Status)
		if status.Terminal() || run.CurrentStageNumber != stageNumber {
			return RunUpdate{}, &StaleCompletionError{
				RunID:        runID,
				Status:       status,
				StageNumber:  stageNumber,
				CurrentStage: run.CurrentStageNumber,
			}
		}
		stage, ok := StageByNumber(stageNumber)
		if !ok {
			return RunUpdate{}, &StaleCompletionError{RunID: runID, Status: status, StageNumber: stageNumber, CurrentStage: run.CurrentStageNumber}
		}

		msg := failErr.Error()
		params := stateParams(run)
		params.ErrorMessage = &msg
		logEntry := stageLogParams(run.ID, stage, res, &msg, startedAt, finishedAt)
		logEntry.Success = false
		logEntry.Advance = false

		if status == StatusFailed {
			return RunUpdate{State: params, Log: &logEntry}, nil
		}

		next, err := Transition(status, EventFail)
		if err != nil {
			return RunUpdate{}, err
		}
		name := stage.Name
		params.Status = string(next)
		params.FailedStage = &name
		params.StageStatuses[stage.Name] = StageFailed
		return RunUpdate{State: params, Log: &logEntry}, nil
	})
}

// Pause stops further stage dispatch. An in-flight worker is not preempted;
// its completion is still recorded and may advance the stage number, but no
// next stage is dispatched until the run is started again.
func (m *Machine) Pause(ctx context.Context, runID uuid.UUID) (postgres.PipelineRun, error) {
	return m.runs.Mutate(ctx, runID, func(run postgres.PipelineRun) (RunUpdate, error) {
		next, err := Transition(RunStatus(run.Status), EventPause)
		if err != nil {
			return RunUpdate{}, err
		}
		params := stateParams(run)
		params.Status = string(next)
		return RunUpdate{State: params}, nil
	})
}

// Cancel terminates a run. In-flight workers are not killed; their late
// completion callbacks are dropped by the stale checks.
func (m *Machine) Cancel(ctx context.Context, runID uuid.UUID) (postgres.PipelineRun, error) {
	return m.runs.Mutate(ctx, runID, func(run postgres.PipelineRun) (RunUpdate, error) {
		next, err := Transition(RunStatus(run.Status), EventCancel)
		if err != nil {
			return RunUpdate{}, err
		}
		params := stateParams(run)
		params.Status = string(next)
		return RunUpdate{State: params}, nil
	})
}

// Retry re-arms the current stage for another dispatch. A failed run moves
// into retrying and its failed stage goes back to pending. A running run whose
// current stage is gated just re-arms that stage, staying running: the gate
// withheld advancement without failing, so there is no failure state to leave.
// The stage number never changes.
func (m *Machine) Retry(ctx context.Context, runID uuid.UUID) (postgres.PipelineRun, error) {
	return m.runs.Mutate(ctx, runID, func(run postgres.PipelineRun) (RunUpdate, error) {
		status := RunStatus(run.Status)
		params := stateParams(run)

		if status == StatusRunning {
			stage, ok := StageByNumber(run.CurrentStageNumber)
			if !ok || run.StageStatuses[stage.Name] != StageGated {
				return RunUpdate{}, &InvalidTransitionError{From: status, Event: EventRetry}
			}
			params.StageStatuses[stage.Name] = StagePending
			return RunUpdate{State: params}, nil
		}

		next, err := Transition(status, EventRetry)
		if err != nil {
			return RunUpdate{}, err
		}
		params.Status = string(next)
		if run.FailedStage != nil {
			params.StageStatuses[*run.FailedStage] = StagePending
		}
		return RunUpdate{State: params}, nil
	})
}

// Skip marks the current stage as skipped and advances past it. It accepts a
// failed run (skipping the failed stage) and a running run whose current stage
// is gated (overriding the quality gate). Skipping the final stage completes
// the run. The skip is recorded in the stage log so the audit trail shows the
// operator action.
func (m *Machine) Skip(ctx context.Context, runID uuid.UUID) (postgres.PipelineRun, error) {
	return m.runs.Mutate(ctx, runID, func(run postgres.PipelineRun) (RunUpdate, error) {
		status := RunStatus(run.Status)
		stage, ok := StageByNumber(run.CurrentStageNumber)
		if !ok {
			return RunUpdate{}, &InvalidTransitionError{From: status, Event: EventSkip}
		}

		var next RunStatus
		if status == StatusRunning {
			if run.StageStatuses[stage.Name] != StageGated {
				return RunUpdate{}, &InvalidTransitionError{From: status, Event: EventSkip}
			}
			next = StatusRunning
		} else {
			var err error
			next, err = Transition(status, EventSkip)
			if err != nil {
				return RunUpdate{}, err
			}
		}

		now := time.Now().UTC()
		params := stateParams(run)
		params.StageStatuses[stage.Name] = StageSkipped
		params.FailedStage = nil
		params.ErrorMessage = nil

		res := StageResult{Success: true, Advance: true, Counters: map[string]int{"operator_skip": 1}}
		logEntry := stageLogParams(run.ID, stage, res, nil, now, now)

		if nextStage, ok := NextStage(run.CurrentStageNumber); ok {
			params.CurrentStageNumber = nextStage.Number
			params.Status = string(next)
		} else {
			final, err := Transition(next, EventComplete)
			if err != nil {
				return RunUpdate{}, err
			}
			params.Status = string(final)
			params.CompletedAt = &now
		}
		return RunUpdate{State: params, Log: &logEntry}, nil
	})
}
