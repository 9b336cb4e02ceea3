// Package taskqueue holds the run tasks workers consume: start a run of a
// registered workflow, or resume a suspended one.
package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	TaskTypeStartRun  TaskType = "start-run"
	TaskTypeResumeRun TaskType = "resume-run"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	WorkflowID string
	RunID      string

	// For resume-run tasks
	StepID string

	// Payload is the run input for start-run tasks and the resume data
	// for resume-run tasks.
	Payload any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time

	// Attempts counts previous failed deliveries.
	Attempts int
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}

// prepare fills the id and timestamps every backend stores.
func prepare(t *Task, now time.Time) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
}

// pollTimer returns a stopped timer for idle polling loops.
func pollTimer() *time.Timer {
	tmr := time.NewTimer(0)
	stopTimer(tmr)
	return tmr
}

func stopTimer(tmr *time.Timer) {
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
}

func wait(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		stopTimer(tmr)
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
