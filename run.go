package stepflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/pkg/api"
)

// Run is one execution of a committed workflow. Every state change is
// saved to the workflow's RunStore, so a suspended run can be resumed
// later, also from another process via Workflow.LoadRun.
type Run struct {
	mu sync.Mutex

	id     string
	graph  *api.ExecutionGraph
	engine api.ExecutionEngine
	store  api.RunStore
	now    func() time.Time

	started bool
	snap    *api.RunSnapshot
}

func newRun(g *api.ExecutionGraph, e api.ExecutionEngine, s api.RunStore) *Run {
	return &Run{
		id:     uuid.NewString(),
		graph:  g,
		engine: e,
		store:  s,
		now:    time.Now,
	}
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.id
}

// Status returns the run's current status.
func (r *Run) Status() api.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap == nil {
		return api.RunPending
	}
	return r.snap.Status
}

// GetState returns a copy of the run context: every recorded step result
// keyed by its scoped id.
func (r *Run) GetState() map[string]api.StepResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]api.StepResult)
	if r.snap != nil {
		for k, v := range r.snap.Steps {
			out[k] = v
		}
	}
	return out
}

// Snapshot returns a copy of the latest persisted state, or nil before
// Start.
func (r *Run) Snapshot() *api.RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap == nil {
		return nil
	}
	cp := *r.snap
	cp.Steps = make(map[string]api.StepResult, len(r.snap.Steps))
	for k, v := range r.snap.Steps {
		cp.Steps[k] = v
	}
	cp.StepOrder = append([]string(nil), r.snap.StepOrder...)
	cp.Suspended = append([]api.SuspendInfo(nil), r.snap.Suspended...)
	return &cp
}

// Start executes the run from its first entry. It returns when the run
// succeeds, fails or suspends; suspension is not an error. On failure
// both the result and the aggregate error are returned.
//
// A run starts once. An id whose stored run has not failed is rejected
// with ErrRunAlreadyStarted; a failed run may be started again.
func (r *Run) Start(ctx context.Context, input any) (*api.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil, fmt.Errorf("%w: %s", api.ErrRunAlreadyStarted, r.id)
	}
	prev, err := r.store.GetRun(ctx, r.id)
	switch {
	case err == nil && prev.Status != api.RunFailed:
		return nil, fmt.Errorf("%w: %s (%s)", api.ErrRunAlreadyStarted, r.id, prev.Status)
	case err != nil && !errors.Is(err, api.ErrRunNotFound):
		return nil, fmt.Errorf("load run %s: %w", r.id, err)
	}
	r.started = true

	now := r.now()
	r.snap = &api.RunSnapshot{
		RunID:       r.id,
		GraphID:     r.graph.ID,
		Fingerprint: r.graph.Fingerprint,
		Status:      api.RunRunning,
		Input:       input,
		Steps:       map[string]api.StepResult{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.SaveRun(ctx, r.snap); err != nil {
		return nil, fmt.Errorf("save run %s: %w", r.id, err)
	}

	res, runErr := r.engine.Execute(ctx, r.graph, r.id, input)
	return r.settle(ctx, res, runErr)
}

// Resume continues a suspended run. stepID names the suspended step, by
// its scoped key or by its plain id when that is unambiguous; data is
// delivered to it as ResumeData. Completed steps are not re-executed.
//
// The stored run is authoritative: it is reloaded on every call and
// claimed before any step runs, so a suspension is resumed at most once
// across handles and processes. Losing that race is a ResumeMismatchError.
func (r *Run) Resume(ctx context.Context, stepID string, data any) (*api.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mismatch := func(reason string) error {
		return &api.ResumeMismatchError{RunID: r.id, StepID: stepID, Reason: reason}
	}

	stored, err := r.store.GetRun(ctx, r.id)
	if err != nil {
		if errors.Is(err, api.ErrRunNotFound) {
			return nil, mismatch("run has not been started")
		}
		return nil, fmt.Errorf("load run %s: %w", r.id, err)
	}
	r.started = true
	r.snap = stored
	if stored.Status != api.RunSuspended {
		return nil, mismatch(fmt.Sprintf("run is %s, not suspended", stored.Status))
	}

	claimed := *stored
	claimed.Status = api.RunRunning
	claimed.UpdatedAt = r.now()
	if err := r.store.ClaimRun(ctx, stored, &claimed); err != nil {
		if errors.Is(err, api.ErrRunConflict) || errors.Is(err, api.ErrRunNotFound) {
			return nil, mismatch("run was resumed concurrently")
		}
		return nil, fmt.Errorf("claim run %s: %w", r.id, err)
	}
	r.snap = &claimed

	res, runErr := r.engine.Resume(ctx, r.graph, stored, stepID, data)
	if res == nil {
		// Nothing ran; hand the suspension back.
		if err := r.store.ClaimRun(ctx, &claimed, stored); err != nil {
			return nil, errors.Join(runErr, fmt.Errorf("release run %s: %w", r.id, err))
		}
		r.snap = stored
		return nil, runErr
	}
	return r.settle(ctx, res, runErr)
}

// settle folds an engine result into the snapshot and persists it.
func (r *Run) settle(ctx context.Context, res *api.RunResult, runErr error) (*api.RunResult, error) {
	snap := r.snap
	snap.UpdatedAt = r.now()

	if res == nil {
		// The graph was rejected before anything ran.
		snap.Status = api.RunFailed
		snap.Error = runErr.Error()
	} else {
		snap.Status = res.Status
		snap.Steps = res.Steps
		snap.StepOrder = res.StepOrder
		snap.Suspended = res.Suspended
		snap.Result = res.Result
		snap.Error = ""
		if res.Error != nil {
			snap.Error = res.Error.Error()
		}
	}

	if err := r.store.SaveRun(ctx, snap); err != nil {
		return res, errors.Join(runErr, fmt.Errorf("save run %s: %w", r.id, err))
	}
	return res, runErr
}
