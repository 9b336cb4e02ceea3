package stepflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

// Registry maps workflow ids to committed workflows so runs can be started
// and resumed by id, for example by a worker. It implements api.Runner.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow

	engine api.ExecutionEngine
	store  api.RunStore
}

var _ api.Runner = (*Registry)(nil)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryEngine runs registered workflows on e unless they were built
// with WithEngine.
func WithRegistryEngine(e api.ExecutionEngine) RegistryOption {
	return func(r *Registry) { r.engine = e }
}

// WithRegistryStore persists runs of registered workflows to s unless they
// were built with WithRunStore.
func WithRegistryStore(s api.RunStore) RegistryOption {
	return func(r *Registry) { r.store = s }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{workflows: make(map[string]*Workflow)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register commits w and adds it. Registering a different graph under an
// existing id fails with ErrWorkflowMismatch; re-registering the same
// graph is a no-op.
func (r *Registry) Register(w *Workflow) error {
	g, err := w.Commit()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.workflows[g.ID]; ok {
		if eg := existing.Graph(); eg != nil && eg.Fingerprint == g.Fingerprint {
			return nil
		}
		return fmt.Errorf("%w: %s is already registered with another definition", api.ErrWorkflowMismatch, g.ID)
	}
	w.bind(r.engine, r.store)
	r.workflows[g.ID] = w
	return nil
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (r *Registry) MustRegister(w *Workflow) {
	if err := r.Register(w); err != nil {
		panic(err)
	}
}

// Get returns the workflow registered under id.
func (r *Registry) Get(id string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, id)
	}
	return w, nil
}

// IDs returns the registered workflow ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workflows))
	for id := range r.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartRun starts a run of the workflow registered under workflowID. An
// empty runID generates one.
func (r *Registry) StartRun(ctx context.Context, workflowID, runID string, input any) (*api.RunResult, error) {
	w, err := r.Get(workflowID)
	if err != nil {
		return nil, err
	}
	run, err := w.CreateRun(WithRunID(runID))
	if err != nil {
		return nil, err
	}
	return run.Start(ctx, input)
}

// ResumeRun loads a persisted run and resumes its suspended step.
func (r *Registry) ResumeRun(ctx context.Context, workflowID, runID, stepID string, data any) (*api.RunResult, error) {
	w, err := r.Get(workflowID)
	if err != nil {
		return nil, err
	}
	run, err := w.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.Resume(ctx, stepID, data)
}

// GetRun returns the persisted snapshot of a run of workflowID.
func (r *Registry) GetRun(ctx context.Context, workflowID, runID string) (*api.RunSnapshot, error) {
	w, err := r.Get(workflowID)
	if err != nil {
		return nil, err
	}
	_, _, store := w.runtime()
	return store.GetRun(ctx, runID)
}
