package flow

import (
	"github.com/archflow/archflow/pkg/errors"
)

// Status represents the lifecycle state of a flow run.
type Status string

const (
	// StatusInitialized indicates the run has been admitted but not started.
	StatusInitialized Status = "INITIALIZED"
	// StatusRunning indicates steps are being executed.
	StatusRunning Status = "RUNNING"
	// StatusPaused indicates the run halted at a safe suspension point.
	StatusPaused Status = "PAUSED"
	// StatusCompleted indicates all branches finished without fatal errors.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the run terminated with a fatal error.
	StatusFailed Status = "FAILED"
	// StatusStopped indicates the run was cancelled by a caller.
	StatusStopped Status = "STOPPED"
)

// validTransitions encodes the lifecycle:
// INITIALIZED -> RUNNING -> {PAUSED <-> RUNNING} -> {COMPLETED | FAILED | STOPPED}.
var validTransitions = map[Status][]Status{
	StatusInitialized: {StatusRunning, StatusFailed, StatusStopped},
	StatusRunning:     {StatusPaused, StatusCompleted, StatusFailed, StatusStopped},
	StatusPaused:      {StatusRunning, StatusFailed, StatusStopped},
	StatusCompleted:   {},
	StatusFailed:      {},
	StatusStopped:     {},
}

// IsFinal reports whether the status is terminal. A run reaches a
// terminal status exactly once.
func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// CanContinue reports whether a run in this status may resume execution.
func (s Status) CanContinue() bool {
	return s == StatusInitialized || s == StatusRunning || s == StatusPaused
}

// CanTransitionTo reports whether the transition s -> next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// checkTransition returns a StateError when the transition is illegal.
func checkTransition(current, next Status) error {
	if !current.CanTransitionTo(next) {
		return &errors.StateError{
			Current:   string(current),
			Operation: "transition to " + string(next),
		}
	}
	return nil
}

// PathStatus represents the state of one execution path.
type PathStatus string

const (
	PathStarted   PathStatus = "STARTED"
	PathRunning   PathStatus = "RUNNING"
	PathPaused    PathStatus = "PAUSED"
	PathCompleted PathStatus = "COMPLETED"
	PathFailed    PathStatus = "FAILED"
	PathMerged    PathStatus = "MERGED"
)

// IsTerminal reports whether the path status is terminal.
func (s PathStatus) IsTerminal() bool {
	return s == PathCompleted || s == PathFailed || s == PathMerged
}

// StepStatus represents the execution status of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
	StepCancelled StepStatus = "CANCELLED"
	StepPaused    StepStatus = "PAUSED"
	StepTimeout   StepStatus = "TIMEOUT"
)
