package api

import "context"

// ExecutionEngine executes committed graphs. DefaultExecutionEngine is the
// in-process implementation; alternate engines can be plugged into a
// workflow without touching Workflow or Run.
type ExecutionEngine interface {
	// Execute runs graph from its first entry. A failed run returns both a
	// result (with the per-step context) and the aggregate error. A
	// suspended run is not an error.
	Execute(ctx context.Context, graph *ExecutionGraph, runID string, input any) (*RunResult, error)

	// Resume re-enters a suspended run at stepID, threading data into that
	// step as its resume input.
	Resume(ctx context.Context, graph *ExecutionGraph, snap *RunSnapshot, stepID string, data any) (*RunResult, error)
}

// RunFilter controls which runs ListRuns returns.
// Zero values mean "no filter" for that field.
type RunFilter struct {
	GraphID string
	Status  RunStatus
}

// RunStore persists run snapshots so suspended runs survive process
// restarts.
type RunStore interface {
	SaveRun(ctx context.Context, snap *RunSnapshot) error

	// GetRun returns ErrRunNotFound for unknown ids.
	GetRun(ctx context.Context, runID string) (*RunSnapshot, error)

	// ClaimRun replaces the stored snapshot with next only while the stored
	// one still has prev's Status and UpdatedAt. Otherwise it returns
	// ErrRunConflict, or ErrRunNotFound when the run is gone.
	ClaimRun(ctx context.Context, prev, next *RunSnapshot) error

	ListRuns(ctx context.Context, filter RunFilter) ([]*RunSnapshot, error)
	DeleteRun(ctx context.Context, runID string) error
}

// Runner starts and resumes runs of registered workflows by id. Workers
// drive runs through this interface.
type Runner interface {
	StartRun(ctx context.Context, workflowID, runID string, input any) (*RunResult, error)
	ResumeRun(ctx context.Context, workflowID, runID, stepID string, data any) (*RunResult, error)
}
