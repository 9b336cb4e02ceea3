package engine_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/pkg/api"
)

type approvalRequest struct {
	Reason string
}

// approvalStep suspends on first invocation and returns the resume data
// once resumed.
func approvalStep(id string, calls *atomic.Int32) *api.Step {
	return fnStep(id, func(ctx context.Context, p api.ExecuteParams) (any, error) {
		if calls != nil {
			calls.Add(1)
		}
		if !p.Resumed {
			return nil, p.Suspend(approvalRequest{Reason: "needs sign-off"})
		}
		return p.ResumeData, nil
	})
}

func TestSuspendResume_RoundTrip(t *testing.T) {
	var prepCalls, approveCalls, finishCalls atomic.Int32
	prep := fnStep("prep", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		prepCalls.Add(1)
		return "prepared", nil
	})
	approve := approvalStep("approve", &approveCalls)
	finish := fnStep("finish", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		finishCalls.Add(1)
		prepared, err := p.GetStepResult(prep)
		if err != nil {
			return nil, err
		}
		return map[string]any{"prep": prepared, "approval": p.InputData}, nil
	})
	g := graph("approval", prep.Entry(), approve.Entry(), finish.Entry())

	metrics := &api.BasicMetrics{}
	eng := engine.New(engine.Options{Observer: metrics})
	res, err := eng.Execute(context.Background(), g, "run-1", "input")
	require.NoError(t, err)

	assert.Equal(t, api.RunSuspended, res.Status)
	info, ok := res.SuspendedStep()
	require.True(t, ok)
	assert.Equal(t, "approve", info.StepID)
	assert.Equal(t, 1, info.EntryIndex)
	assert.Equal(t, approvalRequest{Reason: "needs sign-off"}, info.Payload)
	assert.Equal(t, api.StepSuspended, res.Steps["approve"].Status)
	assert.Equal(t, approvalRequest{Reason: "needs sign-off"}, res.Steps["approve"].Payload)
	assert.Zero(t, finishCalls.Load())

	res, err = eng.Resume(context.Background(), g, snapshotOf(g, "input", res), "approve", "yes")
	require.NoError(t, err)
	assert.Equal(t, api.RunSuccess, res.Status)
	assert.Equal(t, map[string]any{"prep": "prepared", "approval": "yes"}, res.Result)
	assert.Equal(t, api.StepSuccess, res.Steps["approve"].Status)
	assert.Equal(t, "yes", res.Steps["approve"].Output)

	assert.Equal(t, int32(1), prepCalls.Load(), "completed steps are not re-executed")
	assert.Equal(t, int32(2), approveCalls.Load())
	assert.Equal(t, int32(1), finishCalls.Load())

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.RunsSuspended)
	assert.Equal(t, int64(1), snap.RunsResumed)
	assert.Equal(t, int64(1), snap.RunsCompleted)
}

func TestSuspendResume_FirstStep(t *testing.T) {
	g := graph("first", approvalStep("approve", nil).Entry(), constStep("done", "ok").Entry())
	eng := engine.New(engine.Options{})

	res, err := eng.Execute(context.Background(), g, "r", "in")
	require.NoError(t, err)
	require.Equal(t, api.RunSuspended, res.Status)

	res, err = eng.Resume(context.Background(), g, snapshotOf(g, "in", res), "approve", 42)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Result)
	assert.Equal(t, 42, res.Steps["approve"].Output)
}

func TestSuspendResume_Mismatches(t *testing.T) {
	g := graph("approval", approvalStep("approve", nil).Entry())
	eng := engine.New(engine.Options{})

	res, err := eng.Execute(context.Background(), g, "r", nil)
	require.NoError(t, err)
	snap := snapshotOf(g, nil, res)

	cases := map[string]func() (*api.RunResult, error){
		"unknown step": func() (*api.RunResult, error) {
			return eng.Resume(context.Background(), g, snap, "nope", nil)
		},
		"missing context": func() (*api.RunResult, error) {
			return eng.Resume(context.Background(), g, nil, "approve", nil)
		},
		"not suspended": func() (*api.RunResult, error) {
			done := *snap
			done.Status = api.RunSuccess
			return eng.Resume(context.Background(), g, &done, "approve", nil)
		},
		"other graph": func() (*api.RunResult, error) {
			other := graph("other", approvalStep("approve", nil).Entry())
			return eng.Resume(context.Background(), other, snap, "approve", nil)
		},
		"changed graph": func() (*api.RunResult, error) {
			changed := graph("approval", approvalStep("approve", nil).Entry(), constStep("extra", 1).Entry())
			return eng.Resume(context.Background(), changed, snap, "approve", nil)
		},
	}

	for name, call := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := call()
			require.ErrorIs(t, err, api.ErrResumeMismatch)
			assert.Nil(t, res)
		})
	}
}

func TestSuspendResume_ParallelMembers(t *testing.T) {
	left := approvalStep("left", nil)
	right := approvalStep("right", nil)
	g := graph("dual", parallel("parallel_1", left, right), constStep("after", "done").Entry())
	eng := engine.New(engine.Options{})

	res, err := eng.Execute(context.Background(), g, "r", nil)
	require.NoError(t, err)
	require.Equal(t, api.RunSuspended, res.Status)
	require.Len(t, res.Suspended, 2)
	assert.ElementsMatch(t, []string{"left", "right"},
		[]string{res.Suspended[0].StepID, res.Suspended[1].StepID})

	res, err = eng.Resume(context.Background(), g, snapshotOf(g, nil, res), "left", "L")
	require.NoError(t, err)
	require.Equal(t, api.RunSuspended, res.Status)
	require.Len(t, res.Suspended, 1)
	assert.Equal(t, "right", res.Suspended[0].StepID)
	assert.Equal(t, "L", res.Steps["left"].Output)

	res, err = eng.Resume(context.Background(), g, snapshotOf(g, nil, res), "right", "R")
	require.NoError(t, err)
	assert.Equal(t, api.RunSuccess, res.Status)
	assert.Equal(t, "done", res.Result)
	assert.Equal(t, map[string]any{"left": "L", "right": "R"}, res.Steps["parallel_1"].Output)
}

func TestSuspendResume_InsideNestedWorkflow(t *testing.T) {
	child := graph("review", approvalStep("approve", nil).Entry())
	g := graph("parent", constStep("start", 1).Entry(), nested(child))
	eng := engine.New(engine.Options{})

	res, err := eng.Execute(context.Background(), g, "r", nil)
	require.NoError(t, err)
	info, ok := res.SuspendedStep()
	require.True(t, ok)
	assert.Equal(t, "review.approve", info.StepID)
	assert.Equal(t, 1, info.EntryIndex)

	// The plain id resolves when it is unambiguous.
	res, err = eng.Resume(context.Background(), g, snapshotOf(g, nil, res), "approve", "ok")
	require.NoError(t, err)
	assert.Equal(t, api.RunSuccess, res.Status)
	assert.Equal(t, "ok", res.Result)
}

func TestSuspendResume_InsideLoop(t *testing.T) {
	var bodyCalls atomic.Int32
	gate := fnStep("gate", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		bodyCalls.Add(1)
		n := p.InputData.(int)
		if n == 1 && !p.Resumed {
			return nil, p.Suspend("checkpoint")
		}
		return n + 1, nil
	})
	loop := api.FlowEntry{
		Kind:  api.EntryLoop,
		ID:    "steps",
		Graph: graph("steps", gate.Entry()),
		Until: when(func(v any) bool { return v.(int) >= 3 }),
	}
	g := graph("looping", loop)
	eng := engine.New(engine.Options{})

	res, err := eng.Execute(context.Background(), g, "r", 0)
	require.NoError(t, err)
	info, ok := res.SuspendedStep()
	require.True(t, ok)
	assert.Equal(t, "steps[1].gate", info.StepID)

	res, err = eng.Resume(context.Background(), g, snapshotOf(g, 0, res), info.StepID, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Result)
	// iteration 0 ran once, iteration 1 twice (suspend + resume), iteration 2 once.
	assert.Equal(t, int32(4), bodyCalls.Load())
}

func TestSuspendResume_SuspendAgain(t *testing.T) {
	twice := fnStep("twice", func(ctx context.Context, p api.ExecuteParams) (any, error) {
		if !p.Resumed || p.ResumeData != "final" {
			return nil, p.Suspend("again")
		}
		return "finished", nil
	})
	g := graph("twice", twice.Entry())
	eng := engine.New(engine.Options{})

	res, err := eng.Execute(context.Background(), g, "r", nil)
	require.NoError(t, err)

	res, err = eng.Resume(context.Background(), g, snapshotOf(g, nil, res), "twice", "partial")
	require.NoError(t, err)
	require.Equal(t, api.RunSuspended, res.Status)

	res, err = eng.Resume(context.Background(), g, snapshotOf(g, nil, res), "twice", "final")
	require.NoError(t, err)
	assert.Equal(t, "finished", res.Result)
}
