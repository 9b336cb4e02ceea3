package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/pkg/api"
)

func parallel(id string, nodes ...api.Node) api.FlowEntry {
	e := api.FlowEntry{Kind: api.EntryParallel, ID: id}
	for _, n := range nodes {
		e.Members = append(e.Members, n.Entry())
	}
	return e
}

func when(pred func(v any) bool) api.ConditionFunc {
	return func(ctx context.Context, p api.ExecuteParams) (bool, error) {
		return pred(p.InputData), nil
	}
}

func nested(g *api.ExecutionGraph) api.FlowEntry {
	return api.FlowEntry{Kind: api.EntryWorkflow, ID: g.ID, Graph: g}
}

func TestParallel_JoinsAllMembers(t *testing.T) {
	var finished atomic.Int32
	slow := fnStep("A", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		time.Sleep(30 * time.Millisecond)
		finished.Add(1)
		return p.InputData.(int) * 10, nil
	})
	fast := fnStep("B", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		finished.Add(1)
		return p.InputData.(int) + 1, nil
	})

	eng := engine.New(engine.Options{})
	res, err := eng.Execute(context.Background(), graph("par", parallel("parallel_1", slow, fast)), "r", 4)
	require.NoError(t, err)

	assert.Equal(t, int32(2), finished.Load())
	want := map[string]any{"A": 40, "B": 5}
	assert.Equal(t, want, res.Result)
	assert.Equal(t, want, res.Steps["parallel_1"].Output)
	assert.Equal(t, 40, res.Steps["A"].Output)
	assert.Equal(t, 5, res.Steps["B"].Output)
}

func TestParallel_SiblingsAreInvisible(t *testing.T) {
	before := constStep("before", "seen")
	a := constStep("A", "a")
	var lookupErr, beforeErr error
	b := fnStep("B", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		time.Sleep(20 * time.Millisecond)
		_, lookupErr = p.GetStepResult(a)
		_, beforeErr = p.GetStepResult(before)
		return "b", nil
	})
	after := fnStep("after", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		return p.GetStepResult(a)
	})

	eng := engine.New(engine.Options{})
	res, err := eng.Execute(context.Background(),
		graph("vis", before.Entry(), parallel("parallel_1", a, b), after.Entry()), "r", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, lookupErr, api.ErrStepResultUnavailable)
	assert.NoError(t, beforeErr)
	assert.Equal(t, "a", res.Result, "members become visible after the join")
}

func TestParallel_FailureCancelsSiblings(t *testing.T) {
	cause := errors.New("member failed")
	broken := fnStep("broken", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		return nil, cause
	})
	waiter := fnStep("waiter", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "late", nil
		}
	})

	eng := engine.New(engine.Options{})
	start := time.Now()
	res, err := eng.Execute(context.Background(), graph("par-fail", parallel("parallel_1", broken, waiter)), "r", nil)
	require.ErrorIs(t, err, cause)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, api.RunFailed, res.Status)
	assert.Equal(t, api.StepFailed, res.Steps["parallel_1"].Status)
	assert.Equal(t, api.StepFailed, res.Steps["broken"].Status)
	assert.Equal(t, api.StepFailed, res.Steps["waiter"].Status)
	assert.ErrorIs(t, res.Steps["waiter"].Err, context.Canceled)
}

func TestBranch_OnlyMatchingBranchRuns(t *testing.T) {
	stepA := constStep("stepA", "A")
	stepB := constStep("stepB", "B")
	group := api.FlowEntry{
		Kind: api.EntryConditional,
		ID:   "branch_1",
		Branches: []api.Branch{
			{When: when(func(v any) bool { return v.(int) > 10 }), Entry: stepA.Entry()},
			{When: when(func(v any) bool { return v.(int) <= 10 }), Entry: stepB.Entry()},
		},
	}

	eng := engine.New(engine.Options{})
	res, err := eng.Execute(context.Background(), graph("branch", group), "r", 3)
	require.NoError(t, err)

	_, ranA := res.Steps["stepA"]
	assert.False(t, ranA)
	assert.Equal(t, "B", res.Steps["stepB"].Output)
	assert.Equal(t, map[string]any{"stepB": "B"}, res.Result)
}

func TestBranch_AllMatchingBranchesRun(t *testing.T) {
	stepA := constStep("stepA", "A")
	stepB := constStep("stepB", "B")
	yes := when(func(any) bool { return true })
	group := api.FlowEntry{
		Kind:     api.EntryConditional,
		ID:       "branch_1",
		Branches: []api.Branch{{When: yes, Entry: stepA.Entry()}, {When: yes, Entry: stepB.Entry()}},
	}

	eng := engine.New(engine.Options{})
	res, err := eng.Execute(context.Background(), graph("fanout", group), "r", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"stepA": "A", "stepB": "B"}, res.Result)
}

func TestBranch_NoMatchFails(t *testing.T) {
	var ran atomic.Bool
	never := when(func(any) bool { return false })
	stepA := fnStep("stepA", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	group := api.FlowEntry{
		Kind:     api.EntryConditional,
		ID:       "branch_1",
		Branches: []api.Branch{{When: never, Entry: stepA.Entry()}},
	}

	eng := engine.New(engine.Options{})
	res, err := eng.Execute(context.Background(), graph("nomatch", group), "r", nil)
	require.ErrorIs(t, err, api.ErrNoBranchMatched)
	assert.False(t, ran.Load())
	assert.Equal(t, api.StepFailed, res.Steps["branch_1"].Status)
}

func TestBranch_PredicateError(t *testing.T) {
	cause := errors.New("bad predicate")
	group := api.FlowEntry{
		Kind: api.EntryConditional,
		ID:   "branch_1",
		Branches: []api.Branch{{
			When: func(ctx context.Context, p api.ExecuteParams) (bool, error) {
				return false, cause
			},
			Entry: constStep("a", 1).Entry(),
		}},
	}

	eng := engine.New(engine.Options{})
	_, err := eng.Execute(context.Background(), graph("prederr", group), "r", nil)
	require.ErrorIs(t, err, cause)
}

func TestNestedWorkflow_NamespacesContext(t *testing.T) {
	inner := fnStep("inner", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		assert.Equal(t, "child.inner", p.StepID)
		assert.Equal(t, 2, p.InitData)
		return p.InputData.(int) * 3, nil
	})
	child := graph("child", inner.Entry())

	first := constStep("first", 2)
	outer := fnStep("outer", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		v, err := p.GetStepResult(inner)
		if err != nil {
			return nil, err
		}
		return v.(int) + p.InputData.(int), nil
	})

	eng := engine.New(engine.Options{})
	res, err := eng.Execute(context.Background(), graph("parent", first.Entry(), nested(child), outer.Entry()), "r", nil)
	require.NoError(t, err)

	assert.Equal(t, 6, res.Steps["child.inner"].Output)
	assert.Equal(t, 6, res.Steps["child"].Output)
	assert.Equal(t, 12, res.Result)
}

func TestNestedWorkflow_InnerSeesOuterSteps(t *testing.T) {
	first := constStep("first", "outer value")
	inner := fnStep("inner", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		return p.GetStepResult(first)
	})
	child := graph("child", inner.Entry())

	eng := engine.New(engine.Options{})
	res, err := eng.Execute(context.Background(), graph("parent", first.Entry(), nested(child)), "r", nil)
	require.NoError(t, err)
	assert.Equal(t, "outer value", res.Result)
}

func TestLoop_RunsUntilPredicateHolds(t *testing.T) {
	inc := fnStep("inc", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		return p.InputData.(int) + 1, nil
	})
	body := graph("counter", inc.Entry())
	loop := api.FlowEntry{
		Kind:  api.EntryLoop,
		ID:    "counter",
		Graph: body,
		Until: when(func(v any) bool { return v.(int) >= 3 }),
	}

	eng := engine.New(engine.Options{})
	res, err := eng.Execute(context.Background(), graph("loop", loop), "r", 0)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Result)
	assert.Equal(t, 1, res.Steps["counter[0].inc"].Output)
	assert.Equal(t, 2, res.Steps["counter[1].inc"].Output)
	assert.Equal(t, 3, res.Steps["counter[2].inc"].Output)
	_, extra := res.Steps["counter[3].inc"]
	assert.False(t, extra)
	assert.Equal(t, 3, res.Steps["counter"].Output)
}

func TestLoop_WhileVariant(t *testing.T) {
	inc := fnStep("inc", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		return p.InputData.(int) + 1, nil
	})
	loop := api.FlowEntry{
		Kind:      api.EntryLoop,
		ID:        "counter",
		Graph:     graph("counter", inc.Entry()),
		Until:     when(func(v any) bool { return v.(int) < 5 }),
		LoopWhile: true,
	}

	eng := engine.New(engine.Options{})
	res, err := eng.Execute(context.Background(), graph("while", loop), "r", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Result)
}

func TestLoop_IterationCap(t *testing.T) {
	var calls atomic.Int32
	spin := fnStep("spin", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		calls.Add(1)
		return p.InputData, nil
	})
	loop := api.FlowEntry{
		Kind:  api.EntryLoop,
		ID:    "forever",
		Graph: graph("forever", spin.Entry()),
		Until: when(func(any) bool { return false }),
	}

	eng := engine.New(engine.Options{MaxLoopIterations: 4})
	res, err := eng.Execute(context.Background(), graph("cap", loop), "r", 0)
	require.ErrorIs(t, err, api.ErrLoopLimitExceeded)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, api.StepFailed, res.Steps["forever"].Status)

	loop.MaxIterations = 2
	calls.Store(0)
	_, err = eng.Execute(context.Background(), graph("cap2", loop), "r", 0)
	require.ErrorIs(t, err, api.ErrLoopLimitExceeded)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMap_ProjectsUpstreamOutputs(t *testing.T) {
	double := constStep("double", map[string]any{"y": 10, "meta": map[string]any{"tag": "x"}})
	other := constStep("other", []int{1, 2, 3})
	consume := fnStep("consume", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		return p.InputData, nil
	})
	mapEntry := api.FlowEntry{
		Kind: api.EntryMap,
		ID:   "map_1",
		Mapping: api.Mapping{
			"value":   {Kind: api.SourceStep, Step: double, Path: "y"},
			"tag":     {Kind: api.SourceStep, Step: double, Path: "meta.tag"},
			"second":  {Kind: api.SourcePrevious, Path: "1"},
			"orderID": {Kind: api.SourceInput, Path: "order_id"},
			"fixed":   {Kind: api.SourceValue, Value: "v1"},
		},
	}

	eng := engine.New(engine.Options{})
	res, err := eng.Execute(context.Background(),
		graph("map", double.Entry(), other.Entry(), mapEntry, consume.Entry()),
		"r", map[string]any{"order_id": "o-9"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"value":   float64(10),
		"tag":     "x",
		"second":  float64(2),
		"orderID": "o-9",
		"fixed":   "v1",
	}, res.Result)
}

func TestMap_MissingPathFails(t *testing.T) {
	src := constStep("src", map[string]any{"a": 1})
	mapEntry := api.FlowEntry{
		Kind:    api.EntryMap,
		ID:      "map_1",
		Mapping: api.Mapping{"b": {Kind: api.SourceStep, Step: src, Path: "b"}},
	}

	eng := engine.New(engine.Options{})
	res, err := eng.Execute(context.Background(), graph("map", src.Entry(), mapEntry), "r", nil)
	require.ErrorIs(t, err, api.ErrMappingPath)
	assert.Equal(t, api.StepFailed, res.Steps["map_1"].Status)
}

func TestMap_FromLoopBodyStep(t *testing.T) {
	inc := fnStep("inc", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		return p.InputData.(int) + 1, nil
	})
	loop := api.FlowEntry{
		Kind:  api.EntryLoop,
		ID:    "counter",
		Graph: graph("counter", inc.Entry()),
		Until: when(func(v any) bool { return v.(int) >= 3 }),
	}
	mapEntry := api.FlowEntry{
		Kind:    api.EntryMap,
		ID:      "map_1",
		Mapping: api.Mapping{"last": {Kind: api.SourceStep, Step: inc}},
	}
	g := graph("loopmap", loop, mapEntry)
	require.NoError(t, api.ValidateGraph(g))

	eng := engine.New(engine.Options{})
	res, err := eng.Execute(context.Background(), g, "r", 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"last": 3}, res.Result)
}
