package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

type actorResult struct {
	output any
	err    error
}

// spawn runs step.Execute in its own goroutine. The returned channel is
// buffered so an abandoned actor can always deliver and exit.
func spawn(ctx context.Context, step *api.Step, p api.ExecuteParams) <-chan actorResult {
	ch := make(chan actorResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- actorResult{err: fmt.Errorf("%w: %v", api.ErrStepPanicked, rec)}
			}
		}()
		out, err := step.Execute(ctx, p)
		ch <- actorResult{output: out, err: err}
	}()
	return ch
}

// runStep is the Step state: spawn an actor, wait for it to settle, record
// the result and report the transition.
func (r *runner) runStep(ctx context.Context, step *api.Step, sc *scope, key string, input, init any) outcome {
	actx := ctx
	if r.e.stepTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, r.e.stepTimeout)
		defer cancel()
	}

	p := r.params(sc, key, input, init)
	started := r.e.now()
	r.e.observer.OnStepStart(ctx, r.info, key)

	var res actorResult
	select {
	case res = <-spawn(actx, step, p):
	case <-actx.Done():
		res = actorResult{err: actx.Err()}
	}

	var out outcome
	if res.err == nil {
		out = succeeded(res.output)
	} else if payload, ok := api.IsSuspend(res.err); ok {
		out = outcome{
			status:    api.StepSuspended,
			suspended: []api.SuspendInfo{{StepID: key, Payload: payload}},
		}
	} else {
		out = failed(&api.StepExecutionError{StepID: key, Err: res.err})
	}

	out = r.record(key, out, started)
	r.e.observer.OnStepCompleted(ctx, r.info, key, out.status, out.err, time.Since(started))
	if out.status == api.StepSuccess {
		sc.register(step, key)
	}
	return out
}
