// Package stepflow provides an embeddable workflow engine for Go.
//
// Workflows are composed from steps with a fluent builder, committed into
// an immutable ExecutionGraph, and executed by an engine that compiles the
// graph into a state machine and runs each step as its own actor
// goroutine. A step may suspend the run; the run's state is persisted and
// it can be resumed later, also from another process.
//
// # Core Concepts
//
//  1. Step
//  2. Workflow
//  3. ExecutionGraph
//  4. Run
//  5. Registry and Worker
//
// # Steps
//
// A Step pairs an id with an ExecuteFunc. The function receives the output
// of the preceding entry as InputData, the workflow input as InitData, and
// can read any earlier step's output with GetStepResult:
//
//	fetch := stepflow.NewStep("fetch", func(ctx context.Context, p stepflow.ExecuteParams) (any, error) {
//	    return loadOrder(ctx, p.InputData.(string))
//	})
//
// TypedStep derives input and output schemas from Go types, which Commit
// uses to check that adjacent entries fit together.
//
// # Workflows
//
// Workflow composes entries in order:
//
//   - Then: a step or a nested workflow
//   - Parallel: members run concurrently; output is keyed by member id
//   - Branch: every branch whose predicate holds runs
//   - Map: builds an object from earlier results, the input or constants
//   - DoUntil, DoWhile: repeat a committed sub-workflow
//
// Commit validates the entries and returns the ExecutionGraph. Builder
// calls after Commit require another Commit.
//
// # Runs
//
// CreateRun returns a Run of the committed graph. Start executes it and
// returns when the run succeeds, fails or suspends. A suspended step is
// resumed with Run.Resume, which re-enters the run at that step without
// re-executing completed ones:
//
//	res, _ := run.Start(ctx, input)
//	if res.Status == stepflow.RunSuspended {
//	    res, err = run.Resume(ctx, "approve", decision)
//	}
//
// Runs persist to a RunStore: in memory by default, or SQLite, Postgres,
// Redis, MongoDB or a Go CDK blob bucket. Workflow.LoadRun rebinds a
// persisted run in a fresh process.
//
// # Workers
//
// A Registry maps workflow ids to workflows. A Worker from pkg/worker pulls
// start and resume tasks from a queue and drives them through the
// Registry, retrying failed starts with backoff. LocalRunner and
// NewSQLiteBundle assemble the pieces.
package stepflow
