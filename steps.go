package stepflow

import (
	"context"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// StepOption configures a step built by NewStep.
type StepOption func(*api.Step)

// Describe sets the step's human-readable description.
func Describe(desc string) StepOption {
	return func(s *api.Step) { s.Description = desc }
}

// Accepts declares the fields the step expects in its input.
func Accepts(schema api.Schema) StepOption {
	return func(s *api.Step) { s.InputSchema = schema }
}

// Produces declares the fields of the step's output.
func Produces(schema api.Schema) StepOption {
	return func(s *api.Step) { s.OutputSchema = schema }
}

// NewStep returns a step with the given id and Execute function.
func NewStep(id string, fn api.ExecuteFunc, opts ...StepOption) *api.Step {
	s := &api.Step{ID: id, Execute: fn}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TypedStep wraps a strongly-typed function into a step. The input is
// converted to I by type assertion or a JSON round trip, and the input
// and output schemas are derived from I and O.
// Example:
//
//	stepflow.TypedStep("double", func(ctx context.Context, in Order) (Totals, error) { ... })
func TypedStep[I, O any](id string, fn func(context.Context, I) (O, error)) *api.Step {
	return &api.Step{
		ID:           id,
		InputSchema:  api.SchemaOf[I](),
		OutputSchema: api.SchemaOf[O](),
		Execute: func(ctx context.Context, p api.ExecuteParams) (any, error) {
			in, err := api.Convert[I](p.InputData)
			if err != nil {
				return nil, err
			}
			return fn(ctx, in)
		},
	}
}

// SleepStep returns a step that sleeps for the given duration and passes
// its input through.
func SleepStep(id string, d time.Duration) *api.Step {
	return NewStep(id, func(ctx context.Context, p api.ExecuteParams) (any, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return p.InputData, nil
		}
	})
}

// ApprovalStep returns a step that suspends with payload on its first
// execution and outputs the resume data once resumed.
func ApprovalStep(id string, payload any) *api.Step {
	return NewStep(id, func(ctx context.Context, p api.ExecuteParams) (any, error) {
		if !p.Resumed {
			return nil, p.Suspend(payload)
		}
		return p.ResumeData, nil
	})
}

// Mapping sources

// FromStep reads path from the output of an earlier step.
func FromStep(step *api.Step, path string) api.MapSource {
	return api.MapSource{Kind: api.SourceStep, Step: step, Path: path}
}

// FromInput reads path from the workflow's initial input.
func FromInput(path string) api.MapSource {
	return api.MapSource{Kind: api.SourceInput, Path: path}
}

// FromPrevious reads path from the output of the preceding entry.
func FromPrevious(path string) api.MapSource {
	return api.MapSource{Kind: api.SourcePrevious, Path: path}
}

// Value is a constant.
func Value(v any) api.MapSource {
	return api.MapSource{Kind: api.SourceValue, Value: v}
}
