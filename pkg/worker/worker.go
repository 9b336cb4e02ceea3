package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/log"
)

// ErrUnknownTaskType is returned for tasks no handler exists for.
var ErrUnknownTaskType = errors.New("worker: unknown task type")

// TaskError reports a dequeued task that failed for good.
type TaskError struct {
	TaskID string
	Type   taskqueue.TaskType
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s): %v", e.TaskID, e.Type, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Config tunes retries and parallelism.
type Config struct {
	// MaxAttempts is the total number of deliveries of a failing task.
	// Values below 1 mean a single attempt.
	MaxAttempts int

	// Backoff is the delay before the first retry; it doubles on every
	// further attempt.
	Backoff time.Duration

	// Concurrency is the number of tasks Run processes in parallel.
	// Defaults to 1.
	Concurrency int

	Logger *slog.Logger
}

// Worker pulls tasks from a Queue and executes them using a Runner.
type Worker struct {
	runner api.Runner
	queue  taskqueue.Queue
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new Worker.
func New(runner api.Runner, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		runner: runner,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// EnqueueStartRun enqueues a task to start a run asynchronously. An empty
// runID lets the runner pick one.
func (w *Worker) EnqueueStartRun(ctx context.Context, workflowID, runID string, input any) error {
	return w.EnqueueStartRunAt(ctx, workflowID, runID, input, time.Time{})
}

// EnqueueStartRunAt enqueues a start-run task that becomes eligible at at.
func (w *Worker) EnqueueStartRunAt(ctx context.Context, workflowID, runID string, input any, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeStartRun,
		WorkflowID: workflowID,
		RunID:      runID,
		Payload:    input,
		EnqueuedAt: w.now(),
		NotBefore:  at,
	})
}

// EnqueueResume enqueues a task resuming stepID of a suspended run with data.
func (w *Worker) EnqueueResume(ctx context.Context, workflowID, runID, stepID string, data any) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeResumeRun,
		WorkflowID: workflowID,
		RunID:      runID,
		StepID:     stepID,
		Payload:    data,
		EnqueuedAt: w.now(),
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained, err is the dequeue error
//   - processed == true: a task was handled; err is non-nil only when the
//     task failed and no retry was scheduled.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	logger := w.logger.With(
		slog.String("task_id", task.ID),
		slog.String("task_type", string(task.Type)),
		log.RunID(task.RunID),
	)

	res, runErr := w.handle(ctx, task)
	if runErr == nil {
		if res != nil {
			logger.Debug("task done", log.Status(res.Status))
		}
		return true, nil
	}

	if w.retryable(task, runErr) {
		next := *task
		next.Attempts++
		next.NotBefore = w.now().Add(w.backoff(next.Attempts))
		if err := w.queue.Enqueue(ctx, next); err != nil {
			return true, fmt.Errorf("requeue task %s: %w", task.ID, errors.Join(runErr, err))
		}
		logger.Warn("task failed, retry scheduled",
			slog.Int("attempt", next.Attempts),
			slog.Time("not_before", next.NotBefore),
			log.Error(runErr),
		)
		return true, nil
	}

	logger.Error("task failed", slog.Int("attempts", task.Attempts+1), log.Error(runErr))
	return true, &TaskError{TaskID: task.ID, Type: task.Type, Err: runErr}
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) (*api.RunResult, error) {
	switch task.Type {
	case taskqueue.TaskTypeStartRun:
		return w.runner.StartRun(ctx, task.WorkflowID, task.RunID, task.Payload)
	case taskqueue.TaskTypeResumeRun:
		return w.runner.ResumeRun(ctx, task.WorkflowID, task.RunID, task.StepID, task.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, task.Type)
	}
}

// retryable reports whether task deserves another delivery. Errors that a
// retry cannot fix are never retried.
func (w *Worker) retryable(task *taskqueue.Task, err error) bool {
	if task.Attempts+1 >= w.cfg.MaxAttempts {
		return false
	}
	switch {
	case errors.Is(err, ErrUnknownTaskType),
		errors.Is(err, api.ErrGraphConstruction),
		errors.Is(err, api.ErrResumeMismatch),
		errors.Is(err, api.ErrRunNotFound),
		errors.Is(err, api.ErrRunAlreadyStarted),
		errors.Is(err, api.ErrWorkflowMismatch),
		errors.Is(err, api.ErrWorkflowNotFound),
		errors.Is(err, api.ErrNotCommitted):
		return false
	}
	// Resume tasks only make sense once; the run is no longer suspended
	// after a failed resume.
	return task.Type == taskqueue.TaskTypeStartRun
}

func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Run processes tasks with Config.Concurrency goroutines until ctx is
// cancelled. Task failures are logged and do not stop the worker.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				_, err := w.ProcessOne(gctx)
				if gctx.Err() != nil {
					return nil
				}
				if err != nil && !isTaskError(err) {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func isTaskError(err error) bool {
	var te *TaskError
	return errors.As(err, &te)
}
