package api

import (
	"errors"
	"fmt"
)

var (
	ErrGraphConstruction     = errors.New("graph construction error")
	ErrResumeMismatch        = errors.New("resume mismatch")
	ErrNoBranchMatched       = errors.New("no branch predicate matched")
	ErrLoopLimitExceeded     = errors.New("loop iteration limit exceeded")
	ErrStepResultUnavailable = errors.New("step result unavailable")
	ErrResultAlreadyRecorded = errors.New("step result already recorded")
	ErrStepPanicked          = errors.New("step panicked")
	ErrRunNotFound           = errors.New("run not found")
	ErrNotCommitted          = errors.New("workflow not committed")
	ErrRunAlreadyStarted     = errors.New("run already started")
	ErrRunConflict           = errors.New("run changed since it was read")
	ErrMappingPath           = errors.New("mapping path not found")
	ErrWorkflowMismatch      = errors.New("workflow definition mismatch")
	ErrWorkflowNotFound      = errors.New("workflow not registered")
)

// StepExecutionError wraps an error returned (or panic raised) by a step.
type StepExecutionError struct {
	StepID string
	Err    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s: %v", e.StepID, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// GraphConstructionError reports a malformed flow. It matches
// ErrGraphConstruction with errors.Is.
type GraphConstructionError struct {
	GraphID string
	Reason  string
}

func (e *GraphConstructionError) Error() string {
	if e.GraphID == "" {
		return "graph construction error: " + e.Reason
	}
	return fmt.Sprintf("graph construction error in %s: %s", e.GraphID, e.Reason)
}

func (e *GraphConstructionError) Is(target error) bool {
	return target == ErrGraphConstruction
}

// ResumeMismatchError is returned when a resume targets a run or step that is
// not currently suspended. It matches ErrResumeMismatch with errors.Is.
type ResumeMismatchError struct {
	RunID  string
	StepID string
	Reason string
}

func (e *ResumeMismatchError) Error() string {
	return fmt.Sprintf("resume mismatch for run %s step %s: %s", e.RunID, e.StepID, e.Reason)
}

func (e *ResumeMismatchError) Is(target error) bool {
	return target == ErrResumeMismatch
}

// SuspendError is returned by a step to pause the run. Steps normally create
// it with ExecuteParams.Suspend.
type SuspendError struct {
	Payload any
}

func (e *SuspendError) Error() string {
	return "step suspended"
}

// NewSuspendError is for steps that do not have their ExecuteParams at hand.
func NewSuspendError(payload any) error {
	return &SuspendError{Payload: payload}
}

// IsSuspend returns (payload, true) if err requests suspension.
func IsSuspend(err error) (any, bool) {
	var s *SuspendError
	if errors.As(err, &s) {
		return s.Payload, true
	}
	return nil, false
}
