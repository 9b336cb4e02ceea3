package api

import (
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// StepStatus is the recorded outcome of one flow entry.
type StepStatus string

const (
	StepSuccess   StepStatus = "success"
	StepFailed    StepStatus = "failed"
	StepSuspended StepStatus = "suspended"
)

// StepResult is a RunContext entry. Exactly one of Output, Err or Payload is
// meaningful depending on Status.
type StepResult struct {
	Status  StepStatus
	Output  any
	Err     error
	Payload any

	StartedAt time.Time
	EndedAt   time.Time
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunSuspended RunStatus = "suspended"
)

// SuspendInfo identifies one suspended step. StepID is the fully qualified
// context key; EntryIndex is the top-level entry that contains it.
type SuspendInfo struct {
	StepID     string
	EntryIndex int
	Payload    any
}

// RunResult is what Start and Resume return.
type RunResult struct {
	RunID  string
	Status RunStatus

	// Result is the output of the last flow entry; set only on success.
	Result any

	// Steps is the context snapshot at the time the run settled.
	Steps map[string]StepResult

	// StepOrder lists the keys of Steps in recording order.
	StepOrder []string

	// Error is the aggregate failure; set only when Status is RunFailed.
	Error error

	// Suspended lists every suspended step; set only when Status is
	// RunSuspended.
	Suspended []SuspendInfo
}

// SuspendedStep returns the first suspended step, which is the one callers
// usually resume.
func (r *RunResult) SuspendedStep() (SuspendInfo, bool) {
	if r == nil || len(r.Suspended) == 0 {
		return SuspendInfo{}, false
	}
	return r.Suspended[0], true
}

// RunSnapshot is the persisted form of a run, sufficient to resume it in
// another process holding the same committed graph.
type RunSnapshot struct {
	RunID       string
	GraphID     string
	Fingerprint string
	Status      RunStatus
	Input       any

	Steps     map[string]StepResult
	StepOrder []string
	Suspended []SuspendInfo

	Result any
	Error  string

	CreatedAt time.Time
	UpdatedAt time.Time
}
