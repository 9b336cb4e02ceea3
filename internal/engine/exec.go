package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/log"
)

// outcome is how a state (or a whole machine) settled.
type outcome struct {
	status    api.StepStatus
	output    any
	err       error
	suspended []api.SuspendInfo
}

func succeeded(output any) outcome {
	return outcome{status: api.StepSuccess, output: output}
}

func failed(err error) outcome {
	return outcome{status: api.StepFailed, err: err}
}

// runner holds the state of one Execute or Resume call.
type runner struct {
	e    *DefaultExecutionEngine
	info api.RunInfo
	rc   *api.RunContext

	// resumeKey is the context key of the step being resumed.
	resumeKey  string
	resumeData any
}

func (e *DefaultExecutionEngine) newRunner(runID string, g *api.ExecutionGraph, rc *api.RunContext) *runner {
	return &runner{
		e:    e,
		info: api.RunInfo{RunID: runID, GraphID: g.ID},
		rc:   rc,
	}
}

// drive walks the machine from state from until it reaches a terminal state.
// init is the input the machine's graph was entered with.
func (r *runner) drive(ctx context.Context, m *machine, sc *scope, from int, input, init any) outcome {
	current := from
	for {
		if err := ctx.Err(); err != nil {
			return failed(err)
		}

		st := m.states[current]
		out := r.enter(ctx, st, sc, input, init)

		next := st.next
		switch out.status {
		case api.StepFailed:
			next = stateFailed
		case api.StepSuspended:
			next = stateSuspended
			if sc.parent == nil {
				for i := range out.suspended {
					out.suspended[i].EntryIndex = current
				}
			}
		}

		if next == stateCompleted || next == stateFailed || next == stateSuspended {
			return out
		}
		current = next
		input = out.output
	}
}

// enter executes one state and records its result under its scoped key.
// Entries that already hold a success result are reused without running
// again, which is what makes a resume replay idempotent.
func (r *runner) enter(ctx context.Context, st *state, sc *scope, input, init any) outcome {
	entry := st.entry
	key := sc.key(entry.ID)

	if res, ok := r.rc.Get(key); ok && res.Status == api.StepSuccess {
		registerEntry(r.rc, sc, entry, sc.prefix)
		return succeeded(res.Output)
	}

	if entry.Kind == api.EntryStep {
		return r.runStep(ctx, entry.Step, sc, key, input, init)
	}

	started := r.e.now()
	var out outcome
	switch entry.Kind {
	case api.EntryWorkflow:
		out = r.drive(ctx, st.sub, sc.child(key), 0, input, input)
	case api.EntryParallel:
		out = r.runGroup(ctx, st.children, sc, input, init)
	case api.EntryConditional:
		out = r.runBranches(ctx, st, sc, key, input, init)
	case api.EntryLoop:
		out = r.runLoop(ctx, st, sc, key, input)
	case api.EntryMap:
		out = r.runMap(st.entry, sc, key, input, init)
	default:
		out = failed(fmt.Errorf("entry %q has unknown kind %q", entry.ID, entry.Kind))
	}

	out = r.record(key, out, started)
	if out.status == api.StepSuccess {
		registerEntry(r.rc, sc, entry, sc.prefix)
	}
	return out
}

// record writes the settled outcome of key into the run context.
func (r *runner) record(key string, out outcome, started time.Time) outcome {
	res := api.StepResult{
		Status:    out.status,
		StartedAt: started,
		EndedAt:   r.e.now(),
	}
	switch out.status {
	case api.StepSuccess:
		res.Output = out.output
	case api.StepFailed:
		res.Err = out.err
	case api.StepSuspended:
		if len(out.suspended) == 1 {
			res.Payload = out.suspended[0].Payload
		}
	}

	if err := r.rc.Record(key, res); err != nil {
		r.e.logger.Error("record step result",
			log.RunID(r.info.RunID),
			log.StepID(key),
			log.Error(err),
		)
		return failed(err)
	}
	return out
}

func (r *runner) params(sc *scope, key string, input, init any) api.ExecuteParams {
	p := api.ExecuteParams{
		RunID:     r.info.RunID,
		StepID:    key,
		InputData: input,
		InitData:  init,
		Lookup: func(step *api.Step) (any, error) {
			return sc.lookup(r.rc, step)
		},
	}
	if key == r.resumeKey {
		p.ResumeData = r.resumeData
		p.Resumed = true
	}
	return p
}

// runGroup runs children concurrently with the same input and joins all of
// them. A failing child cancels the context of its siblings; the group still
// waits for every child to settle.
func (r *runner) runGroup(ctx context.Context, children []*state, sc *scope, input, init any) outcome {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]outcome, len(children))

	for i, child := range children {
		hidden := make(map[*api.Step]struct{})
		for j, sibling := range children {
			if j != i {
				stepsOf(sibling.entry, hidden)
			}
		}
		view := sc.view(hidden)

		g.Go(func() error {
			results[i] = r.enter(gctx, child, view, input, init)
			if results[i].status == api.StepFailed {
				return results[i].err
			}
			return nil
		})
	}
	_ = g.Wait()

	var (
		errs      []error
		suspended []api.SuspendInfo
	)
	merged := make(map[string]any, len(children))
	for i, child := range children {
		switch results[i].status {
		case api.StepFailed:
			errs = append(errs, results[i].err)
		case api.StepSuspended:
			suspended = append(suspended, results[i].suspended...)
		default:
			merged[child.entry.ID] = results[i].output
		}
	}

	if len(errs) > 0 {
		return failed(errors.Join(errs...))
	}
	if len(suspended) > 0 {
		return outcome{status: api.StepSuspended, suspended: suspended}
	}
	return succeeded(merged)
}

// runBranches evaluates every gate against the group input and runs all
// children whose gate holds.
func (r *runner) runBranches(ctx context.Context, st *state, sc *scope, key string, input, init any) outcome {
	p := r.params(sc, key, input, init)

	var selected []*state
	for i, gate := range st.gates {
		ok, err := gate(ctx, p)
		if err != nil {
			return failed(&api.StepExecutionError{
				StepID: key,
				Err:    fmt.Errorf("branch %d predicate: %w", i, err),
			})
		}
		if ok {
			selected = append(selected, st.children[i])
		}
	}
	if len(selected) == 0 {
		return failed(fmt.Errorf("%s: %w", key, api.ErrNoBranchMatched))
	}
	return r.runGroup(ctx, selected, sc, input, init)
}

// runLoop runs the body until the predicate over the iteration output holds
// (or stops holding, for while-loops). Each iteration's output feeds the
// next iteration's input.
func (r *runner) runLoop(ctx context.Context, st *state, sc *scope, key string, input any) outcome {
	limit := st.entry.MaxIterations
	if limit <= 0 {
		limit = r.e.maxLoops
	}

	current := input
	for i := 0; ; i++ {
		if i >= limit {
			return failed(fmt.Errorf("%s: %w (%d)", key, api.ErrLoopLimitExceeded, limit))
		}

		iterKey := iterationKey(key, i)
		var out outcome
		if res, ok := r.rc.Get(iterKey); ok && res.Status == api.StepSuccess {
			out = succeeded(res.Output)
		} else {
			started := r.e.now()
			out = r.drive(ctx, st.sub, sc.child(iterKey), 0, current, current)
			out = r.record(iterKey, out, started)
			if out.status != api.StepSuccess {
				return out
			}
		}
		current = out.output

		p := r.params(sc, key, current, input)
		done, err := st.entry.Until(ctx, p)
		if err != nil {
			return failed(&api.StepExecutionError{
				StepID: key,
				Err:    fmt.Errorf("loop predicate: %w", err),
			})
		}
		if st.entry.LoopWhile {
			done = !done
		}
		if done {
			return succeeded(current)
		}
	}
}
