package stepflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// Workflow provides a fluent API for composing steps into a flow:
//
//	wf := stepflow.New("onboard").
//	    Then(createAccount).
//	    Parallel(sendWelcome, provisionQuota).
//	    Then(activate)
//
//	if _, err := wf.Commit(); err != nil {
//	    log.Fatal(err)
//	}
//	run, _ := wf.CreateRun()
//	res, err := run.Start(ctx, input)
//
// Builder calls after Commit invalidate the committed graph; the next
// Commit builds a new one.
type Workflow struct {
	mu sync.Mutex

	id      string
	entries []api.FlowEntry

	inputSchema   api.Schema
	outputSchema  api.Schema
	maxIterations int

	engine    api.ExecutionEngine
	store     api.RunStore
	engineSet bool
	storeSet  bool

	parallels, branches, maps int

	graph *api.ExecutionGraph
	err   error
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithEngine sets the engine runs of this workflow execute on.
func WithEngine(e api.ExecutionEngine) Option {
	return func(w *Workflow) {
		w.engine = e
		w.engineSet = true
	}
}

// WithRunStore sets where runs of this workflow persist their snapshots.
func WithRunStore(s api.RunStore) Option {
	return func(w *Workflow) {
		w.store = s
		w.storeSet = true
	}
}

func WithInputSchema(s api.Schema) Option {
	return func(w *Workflow) { w.inputSchema = s }
}

func WithOutputSchema(s api.Schema) Option {
	return func(w *Workflow) { w.outputSchema = s }
}

// WithMaxIterations caps the iterations of every loop added to this
// workflow. Zero leaves the engine default.
func WithMaxIterations(n int) Option {
	return func(w *Workflow) { w.maxIterations = n }
}

// Branch is one arm of a conditional group.
type Branch struct {
	When api.ConditionFunc
	Run  api.Node
}

// New creates an empty workflow with the given id.
func New(id string, opts ...Option) *Workflow {
	w := &Workflow{id: id}
	for _, opt := range opts {
		opt(w)
	}
	if w.engine == nil {
		w.engine = engine.New(engine.Options{})
	}
	if w.store == nil {
		w.store = persistence.NewInMemoryRunStore()
	}
	return w
}

// ID returns the workflow id.
func (w *Workflow) ID() string {
	return w.id
}

// Then appends a step or a nested workflow.
func (w *Workflow) Then(node api.Node) *Workflow {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entryOf(node, "Then")
	if ok {
		w.add(e)
	}
	return w
}

// Parallel appends a group whose members run concurrently. The group's
// output maps each member id to its output.
func (w *Workflow) Parallel(nodes ...api.Node) *Workflow {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.parallels++
	group := api.FlowEntry{
		Kind: api.EntryParallel,
		ID:   fmt.Sprintf("parallel_%d", w.parallels),
	}
	for _, n := range nodes {
		e, ok := w.entryOf(n, "Parallel")
		if !ok {
			return w
		}
		group.Members = append(group.Members, e)
	}
	w.add(group)
	return w
}

// Branch appends a conditional group. Every branch whose predicate holds
// runs; the output maps each executed branch's entry id to its output.
func (w *Workflow) Branch(branches ...Branch) *Workflow {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.branches++
	group := api.FlowEntry{
		Kind: api.EntryConditional,
		ID:   fmt.Sprintf("branch_%d", w.branches),
	}
	for _, b := range branches {
		e, ok := w.entryOf(b.Run, "Branch")
		if !ok {
			return w
		}
		group.Branches = append(group.Branches, api.Branch{When: b.When, Entry: e})
	}
	w.add(group)
	return w
}

// Map appends an entry that builds an object from earlier results, the
// workflow input, the previous output or constants.
func (w *Workflow) Map(m api.Mapping) *Workflow {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.maps++
	w.add(api.FlowEntry{
		Kind:    api.EntryMap,
		ID:      fmt.Sprintf("map_%d", w.maps),
		Mapping: m,
	})
	return w
}

// DoUntil runs body repeatedly, feeding each iteration's output into the
// next, until until holds for the latest output.
func (w *Workflow) DoUntil(body *Workflow, until api.ConditionFunc) *Workflow {
	return w.loop(body, until, false, "DoUntil")
}

// DoWhile runs body at least once and repeats it while cond holds.
func (w *Workflow) DoWhile(body *Workflow, cond api.ConditionFunc) *Workflow {
	return w.loop(body, cond, true, "DoWhile")
}

func (w *Workflow) loop(body *Workflow, cond api.ConditionFunc, while bool, op string) *Workflow {
	w.mu.Lock()
	defer w.mu.Unlock()

	if body == nil || body == w {
		w.fail(op, "invalid loop body")
		return w
	}
	nested := body.Entry()
	w.add(api.FlowEntry{
		Kind:          api.EntryLoop,
		ID:            nested.ID,
		Graph:         nested.Graph,
		Until:         cond,
		LoopWhile:     while,
		MaxIterations: w.maxIterations,
	})
	return w
}

// Entry makes a committed workflow usable as a node of another workflow.
// An uncommitted workflow yields an entry without a graph, which fails
// the parent's Commit.
func (w *Workflow) Entry() api.FlowEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return api.FlowEntry{Kind: api.EntryWorkflow, ID: w.id, Graph: w.graph}
}

// Commit freezes the entries into a validated ExecutionGraph. Repeated
// calls without intervening builder calls return the same graph.
func (w *Workflow) Commit() (*api.ExecutionGraph, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return nil, w.err
	}
	if w.graph != nil {
		return w.graph, nil
	}

	entries := make([]api.FlowEntry, len(w.entries))
	for i, e := range w.entries {
		entries[i] = e.Clone()
	}
	g := &api.ExecutionGraph{
		ID:           w.id,
		Entries:      entries,
		Wires:        api.DeriveWires(entries),
		InputSchema:  w.inputSchema,
		OutputSchema: w.outputSchema,
	}
	if len(entries) > 0 {
		if g.InputSchema.IsZero() {
			g.InputSchema = api.InputSchemaOf(entries[0])
		}
		if g.OutputSchema.IsZero() {
			g.OutputSchema = api.OutputSchemaOf(entries[len(entries)-1])
		}
	}
	if err := api.ValidateGraph(g); err != nil {
		return nil, err
	}
	g.Fingerprint = api.ComputeGraphFingerprint(g)

	w.graph = g
	return g, nil
}

// Graph returns the committed graph, or nil.
func (w *Workflow) Graph() *api.ExecutionGraph {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.graph
}

// RunOption configures a Run created by CreateRun.
type RunOption func(*Run)

// WithRunID overrides the generated run id.
func WithRunID(id string) RunOption {
	return func(r *Run) {
		if id != "" {
			r.id = id
		}
	}
}

// CreateRun returns a fresh Run of the committed graph.
func (w *Workflow) CreateRun(opts ...RunOption) (*Run, error) {
	g, eng, store := w.runtime()
	if g == nil {
		return nil, fmt.Errorf("%w: %s", api.ErrNotCommitted, w.id)
	}
	r := newRun(g, eng, store)
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// LoadRun rebinds a persisted run to this workflow, typically in another
// process, so it can be resumed. The run must have been created from a
// graph with the same id and fingerprint.
func (w *Workflow) LoadRun(ctx context.Context, runID string) (*Run, error) {
	g, eng, store := w.runtime()
	if g == nil {
		return nil, fmt.Errorf("%w: %s", api.ErrNotCommitted, w.id)
	}
	snap, err := store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if snap.GraphID != g.ID || snap.Fingerprint != g.Fingerprint {
		return nil, fmt.Errorf("%w: run %s was created from %s (%s)",
			api.ErrWorkflowMismatch, runID, snap.GraphID, snap.Fingerprint)
	}
	r := newRun(g, eng, store)
	r.id = runID
	r.started = true
	r.snap = snap
	return r, nil
}

// ListRuns lists the persisted runs of this workflow. An empty status
// lists every run.
func (w *Workflow) ListRuns(ctx context.Context, status api.RunStatus) ([]*api.RunSnapshot, error) {
	_, _, store := w.runtime()
	return store.ListRuns(ctx, api.RunFilter{GraphID: w.id, Status: status})
}

func (w *Workflow) runtime() (*api.ExecutionGraph, api.ExecutionEngine, api.RunStore) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.graph, w.engine, w.store
}

// bind sets the engine and store unless they were given explicitly.
func (w *Workflow) bind(e api.ExecutionEngine, s api.RunStore) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e != nil && !w.engineSet {
		w.engine = e
	}
	if s != nil && !w.storeSet {
		w.store = s
	}
}

func (w *Workflow) add(e api.FlowEntry) {
	w.entries = append(w.entries, e)
	w.graph = nil
}

func (w *Workflow) entryOf(node api.Node, op string) (api.FlowEntry, bool) {
	if node == nil {
		w.fail(op, "nil node")
		return api.FlowEntry{}, false
	}
	if s, ok := node.(*api.Step); ok && s == nil {
		w.fail(op, "nil step")
		return api.FlowEntry{}, false
	}
	if nested, ok := node.(*Workflow); ok {
		if nested == w {
			w.fail(op, "workflow cannot contain itself")
			return api.FlowEntry{}, false
		}
	}
	return node.Entry(), true
}

// fail records the first builder error; Commit reports it.
func (w *Workflow) fail(op, reason string) {
	w.graph = nil
	if w.err == nil {
		w.err = &api.GraphConstructionError{GraphID: w.id, Reason: op + ": " + reason}
	}
}
