// Package api contains the core building blocks used by the stepflow
// execution engine: steps, flow entries, execution graphs, run results and
// the contracts engines, stores and observers implement.
//
// Most users interact with the higher-level stepflow package, which builds
// graphs through its Workflow DSL and re-exports selected types from this
// package. The api package is intended for custom engines, storage backends
// and contributors extending the engine itself.
//
// # Steps
//
// A Step is an immutable description of work: an id, declared input and
// output shapes, and an ExecuteFunc. The engine calls ExecuteFunc with
// ExecuteParams carrying the predecessor's output, the run's initial input,
// a result lookup for already completed steps and, when resuming, the
// caller-supplied resume data.
//
// A step pauses the run by returning the error produced by
// ExecuteParams.Suspend. The run settles as suspended; a later resume
// re-invokes the step with Resumed set and ResumeData populated.
//
// # Graphs
//
// An ExecutionGraph is the frozen, ordered list of FlowEntry values a
// workflow commits to. Entries are a tagged variant: a single step, a
// parallel group, a conditional group, a loop over a nested graph, a nested
// workflow, or a pure projection (map). ValidateGraph enforces the
// structural rules and reports violations as GraphConstructionError.
//
// # Results
//
// Every entry records a StepResult into the run's RunContext under its
// context key. Keys of nested workflows are prefixed with the nested entry
// id ("child.step"), and loop iterations with the loop id and iteration
// number ("loop[2].step"). RunResult exposes the settled status, the last
// entry's output and a snapshot of the context.
//
// # Observability
//
// Engines report lifecycle events to an Observer. NoopObserver,
// CompositeObserver, LoggingObserver (log/slog), BasicMetrics and
// EventObserver are provided.
package api
