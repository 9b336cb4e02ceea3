package stepflow

import (
	"database/sql"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/worker"
)

// WorkerBundle wires together a Registry, a durable task queue, and a
// Worker that consumes tasks from that queue.
type WorkerBundle struct {
	Registry *Registry
	Store    RunStore
	Worker   *worker.Worker

	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable store + queue + worker combo
// sharing the same SQLite database. Run snapshots and queued tasks are
// persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:stepflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := stepflow.NewSQLiteBundle(db, worker.Config{MaxAttempts: 3})
//	bundle.Registry.MustRegister(flow)
//	_ = bundle.Worker.EnqueueStartRun(ctx, flow.ID(), "", input)
//	_ = bundle.Worker.Run(ctx)
func NewSQLiteBundle(db *sql.DB, cfg worker.Config, opts ...RegistryOption) (*WorkerBundle, error) {
	store, err := persistence.NewSQLiteRunStore(db)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	reg := NewRegistry(append([]RegistryOption{WithRegistryStore(store)}, opts...)...)
	return &WorkerBundle{
		Registry: reg,
		Store:    store,
		Worker:   worker.New(reg, q, cfg),
		queue:    q,
	}, nil
}

// Pending returns the number of queued tasks, including delayed ones.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}
