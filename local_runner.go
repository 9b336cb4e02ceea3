package stepflow

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/worker"
)

// LocalRunner bundles a Registry, an in-memory task queue, and a Worker
// to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := stepflow.NewLocalRunner(worker.Config{})
//	runner.Registry.MustRegister(flow)
//
//	// Synchronous run (no queue/worker involved):
//	res, err := runner.Registry.StartRun(ctx, flow.ID(), "", input)
//
//	// Asynchronous run:
//	_ = runner.StartWorkers(ctx)
//	_ = runner.StartRunAsync(ctx, flow.ID(), "run-1", input)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Registry holds the workflows tasks refer to.
	Registry *Registry

	// Queue is the in-memory task queue used by the Worker.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue against Registry.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory run store
// and queue. Registry options select another engine or store.
func NewLocalRunner(cfg worker.Config, opts ...RegistryOption) *LocalRunner {
	reg := NewRegistry(opts...)
	q := taskqueue.NewInMemoryQueue()
	return &LocalRunner{
		Registry: reg,
		Queue:    q,
		Worker:   worker.New(reg, q, cfg),
	}
}

// StartWorkers runs the worker in the background until Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("stepflow: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.err = nil
	r.running = true

	go func() {
		defer close(done)
		err := r.Worker.Run(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
	}()
	return nil
}

// Stop cancels the worker goroutines and waits for them to exit. It
// returns the error that stopped the worker, if it was not Stop itself.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// StartRunAsync enqueues a task that starts a run of workflowID. The
// workflow must be registered on Registry.
func (r *LocalRunner) StartRunAsync(ctx context.Context, workflowID, runID string, input any) error {
	return r.Worker.EnqueueStartRun(ctx, workflowID, runID, input)
}

// ResumeAsync enqueues a task that resumes stepID of a suspended run.
func (r *LocalRunner) ResumeAsync(ctx context.Context, workflowID, runID, stepID string, data any) error {
	return r.Worker.EnqueueResume(ctx, workflowID, runID, stepID, data)
}
