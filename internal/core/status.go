package core

import "fmt"

// MissionStatus is the status DAG position of a mission.
type MissionStatus string

const (
	MissionCreated           MissionStatus = "CREATED"
	MissionClassifying       MissionStatus = "CLASSIFYING"
	MissionUploading         MissionStatus = "UPLOADING"
	MissionClarifying        MissionStatus = "CLARIFYING"
	MissionSpecifying        MissionStatus = "SPECIFYING"
	MissionPlanning          MissionStatus = "PLANNING"
	MissionAwaitingApproval  MissionStatus = "AWAITING_APPROVAL"
	MissionExecuting         MissionStatus = "EXECUTING"
	MissionCompleted         MissionStatus = "COMPLETED"
	MissionFailed            MissionStatus = "FAILED"
)

// missionStatusOrder gives the linear index of each non-terminal status in the
// DAG. FAILED is absorbing from any state and is not part of the order.
var missionStatusOrder = map[MissionStatus]int{
	MissionCreated:          0,
	MissionClassifying:      1,
	MissionUploading:        2,
	MissionClarifying:       3,
	MissionSpecifying:       4,
	MissionPlanning:         5,
	MissionAwaitingApproval: 6,
	MissionExecuting:        7,
	MissionCompleted:        8,
}

// CanTransition reports whether moving from `from` to `to` is legal under the
// monotone status DAG: forward-only along the linear order, or
// to FAILED from any non-terminal state, or a no-op (same state).
func CanTransition(from, to MissionStatus) bool {
	if from == to {
		return true
	}
	if to == MissionFailed {
		return from != MissionCompleted && from != MissionFailed
	}
	if from == MissionFailed || from == MissionCompleted {
		return false
	}
	fromOrd, fromOK := missionStatusOrder[from]
	toOrd, toOK := missionStatusOrder[to]
	if !fromOK || !toOK {
		return false
	}
	// COMPLETED is only reachable once the mission has entered its execution
	// phase: converge runs after scheduling, never straight out of planning.
	if to == MissionCompleted {
		return from == MissionExecuting || from == MissionAwaitingApproval
	}
	// Elsewhere forward-only: node tables may legally skip intermediate
	// stages (classify commits UPLOADING directly from CREATED).
	return toOrd > fromOrd
}

// Validate returns an InvariantViolation error if `to` cannot legally follow `from`.
func ValidateTransition(from, to MissionStatus) error {
	if !CanTransition(from, to) {
		return ErrInvariantViolation(CodeInvalidState,
			fmt.Sprintf("illegal mission status transition %s -> %s", from, to))
	}
	return nil
}

// IsTerminal reports whether the mission has converged.
func (s MissionStatus) IsTerminal() bool {
	return s == MissionCompleted || s == MissionFailed
}

// TaskStatus is the monotone-within-attempt status of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskExecuting  TaskStatus = "EXECUTING"
	TaskPassed     TaskStatus = "PASSED"
	TaskFailed     TaskStatus = "FAILED"
	TaskVerifying  TaskStatus = "VERIFYING"
)

// IsTerminal reports whether the task attempt has reached a final outcome
// for this attempt (PASSED/FAILED). VERIFYING and EXECUTING are not terminal.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskPassed || s == TaskFailed
}

// OnFailure names the strategy applied when a task's quality gate denies
// or a non-gated task fails outright.
type OnFailure string

const (
	FailureRetry    OnFailure = "RETRY"
	FailureSkip     OnFailure = "SKIP"
	FailureEscalate OnFailure = "ESCALATE"
	FailureReplan   OnFailure = "REPLAN"
)

// ExecutionStrategy controls wave composition.
type ExecutionStrategy string

const (
	StrategySequential ExecutionStrategy = "SEQUENTIAL"
	StrategyParallel   ExecutionStrategy = "PARALLEL"
)

// InteractionMode controls whether planning pauses for human approval.
type InteractionMode string

const (
	InteractionFullAuto     InteractionMode = "FULL_AUTO"
	InteractionApprovePlan  InteractionMode = "APPROVE_PLAN"
)
