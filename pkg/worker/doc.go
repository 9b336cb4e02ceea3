// Package worker drives workflow runs from a task queue.
//
// A Worker dequeues start-run and resume-run tasks and hands them to an
// api.Runner, usually the stepflow Registry. Failed tasks are re-enqueued
// with exponential backoff until Config.MaxAttempts is reached. Several
// workers may share one queue; the SQL, Redis and MongoDB queues claim
// each task exactly once.
//
// Typical use:
//
//	w := worker.New(registry, queue, worker.Config{Concurrency: 4})
//	_ = w.EnqueueStartRun(ctx, "orders", "", input)
//	err := w.Run(ctx) // until ctx is cancelled
package worker
