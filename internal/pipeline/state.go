package pipeline

import (
	"fmt"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of one pipeline run.
type RunStatus string

const (
	StatusInitialized RunStatus = "initialized"
	StatusRunning     RunStatus = "running"
	StatusPaused      RunStatus = "paused"
	StatusRetrying    RunStatus = "retrying"
	StatusFailed      RunStatus = "failed"
	StatusCancelled   RunStatus = "cancelled"
	StatusCompleted   RunStatus = "completed"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Event is a requested state-machine transition.
type Event string

const (
	EventStart    Event = "start"
	EventPause    Event = "pause"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
	EventRetry    Event = "retry"
	EventSkip     Event = "skip"
	EventCancel   Event = "cancel"

	// EventAdvance never appears in the transition table; it only labels
	// guard errors for the manual-advance operation.
	EventAdvance Event = "advance"
)

// Per-stage statuses stored in pipeline_runs.stage_statuses. StageGated marks
// a stage whose worker finished successfully but withheld advancement (a
// quality gate); the run stays running and waits for an operator to retry or
// skip the stage.
const (
	StagePending   = "pending"
	StageRunning   = "running"
	StageCompleted = "completed"
	StageFailed    = "failed"
	StageSkipped   = "skipped"
	StageGated     = "gated"
)

// transitions is the complete state-machine table. Anything not listed is an
// InvalidTransitionError. Note failed--fail-->failed: repeat failures are
// legal and only refresh the error message, they must never trip the guard.
var transitions = map[RunStatus]map[Event]RunStatus{
	StatusInitialized: {
		EventStart:  StatusRunning,
		EventCancel: StatusCancelled,
	},
	StatusRunning: {
		EventPause:    StatusPaused,
		EventComplete: StatusCompleted,
		EventFail:     StatusFailed,
		EventCancel:   StatusCancelled,
	},
	StatusPaused: {
		EventStart:    StatusRunning,
		EventComplete: StatusCompleted,
		EventFail:     StatusFailed,
		EventCancel:   StatusCancelled,
	},
	StatusRetrying: {
		EventStart:    StatusRunning,
		EventComplete: StatusCompleted,
		EventFail:     StatusFailed,
		EventCancel:   StatusCancelled,
	},
	StatusFailed: {
		EventRetry: StatusRetrying,
		EventSkip:  StatusRunning,
		EventFail:  StatusFailed,
	},
}

// Transition applies an event to a status and returns the resulting status.
// Pure: no side effects, no I/O. Disallowed combinations return the current
// status unchanged along with an InvalidTransitionError.
func Transition(current RunStatus, event Event) (RunStatus, error) {
	if next, ok := transitions[current][event]; ok {
		return next, nil
	}
	return current, &InvalidTransitionError{From: current, Event: event}
}

// InvalidTransitionError reports a requested transition that is not permitted
// from the current state. It is returned to the caller, never panicked.
type InvalidTransitionError struct {
	From  RunStatus
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a run in state %q", e.Event, e.From)
}

// StaleCompletionError reports a dispatch or completion callback that no
// longer matches the run's current state: the run was cancelled, failed, or
// already advanced past the stage in question (duplicate queue delivery).
// Callers drop it after logging; it never surfaces as an operation failure.
type StaleCompletionError struct {
	RunID        uuid.UUID
	Status       RunStatus
	StageNumber  int
	CurrentStage int
}

func (e *StaleCompletionError) Error() string {
	return fmt.Sprintf("stale completion for run %s stage %d (status %q, current stage %d)",
		e.RunID, e.StageNumber, e.Status, e.CurrentStage)
}
