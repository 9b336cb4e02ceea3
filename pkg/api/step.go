package api

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// ExecuteFunc is the only side-effecting call site the engine invokes for a
// step. The returned value becomes the step's recorded output and the input
// of the next flow entry.
type ExecuteFunc func(ctx context.Context, p ExecuteParams) (any, error)

// ResultLookup resolves the recorded output of a step by identity.
type ResultLookup func(step *Step) (any, error)

// Step is an immutable description of a unit of work. All mutable run state
// lives in the engine; a Step can be shared between workflows and runs.
type Step struct {
	ID          string
	Description string

	// InputSchema and OutputSchema are shape contracts. The engine checks
	// them against neighbouring entries at commit time but never validates
	// values at run time.
	InputSchema  Schema
	OutputSchema Schema

	Execute ExecuteFunc
}

// Entry makes a Step usable as a flow node.
func (s *Step) Entry() FlowEntry {
	return FlowEntry{
		Kind: EntryStep,
		ID:   s.ID,
		Step: s,
	}
}

// ExecuteParams is handed to ExecuteFunc on every invocation.
type ExecuteParams struct {
	RunID string

	// StepID is the fully qualified context key of this invocation. For
	// top-level steps it equals Step.ID; nested workflows and loop
	// iterations prefix it with their entry id.
	StepID string

	// InputData is the output of the preceding flow entry, or the run input
	// for the first entry.
	InputData any

	// InitData is the input the enclosing (sub-)workflow was started with.
	InitData any

	// ResumeData carries the caller-supplied value when this invocation is
	// the resumption of a suspended step. Resumed distinguishes a nil resume
	// value from a first invocation.
	ResumeData any
	Resumed    bool

	Lookup ResultLookup
}

// GetStepResult returns the recorded output of step. Only steps that already
// completed successfully and are visible from the current scope resolve.
func (p ExecuteParams) GetStepResult(step *Step) (any, error) {
	if step == nil {
		return nil, fmt.Errorf("%w: nil step reference", ErrStepResultUnavailable)
	}
	if p.Lookup == nil {
		return nil, fmt.Errorf("%w: %s", ErrStepResultUnavailable, step.ID)
	}
	return p.Lookup(step)
}

// Suspend returns the error a step must return to pause the run. The payload
// is surfaced to the caller and stored with the suspended step's result.
//
//	if !p.Resumed {
//	    return nil, p.Suspend(ApprovalRequest{...})
//	}
func (p ExecuteParams) Suspend(payload any) error {
	return &SuspendError{Payload: payload}
}

// StepResultAs is a typed variant of ExecuteParams.GetStepResult.
func StepResultAs[T any](p ExecuteParams, step *Step) (T, error) {
	v, err := p.GetStepResult(step)
	if err != nil {
		var zero T
		return zero, err
	}
	return Convert[T](v)
}

// Schema is a declared shape contract for a step's input or output. Fields
// lists the top-level keys the payload is expected to carry; an empty Fields
// means the shape is undeclared.
type Schema struct {
	Name   string
	Fields []string
}

// IsZero reports whether the schema declares no fields.
func (s Schema) IsZero() bool {
	return len(s.Fields) == 0
}

// Missing returns the declared fields not present in available.
func (s Schema) Missing(available []string) []string {
	have := make(map[string]struct{}, len(available))
	for _, f := range available {
		have[f] = struct{}{}
	}
	var out []string
	for _, f := range s.Fields {
		if _, ok := have[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}

// SchemaOf derives a Schema from the exported fields of a struct type,
// honouring json tags. Non-struct types produce an undeclared schema.
func SchemaOf[T any]() Schema {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return Schema{Name: t.String()}
	}

	fields := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		fields = append(fields, name)
	}
	return Schema{Name: t.Name(), Fields: fields}
}

// RetryPolicy controls how a step wrapped with a retry helper re-invokes its
// Execute function. MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// Backoff is the delay before the first retry. With BackoffMultiplier > 1
// each further delay grows by that factor, capped by MaxBackoff when set.
type RetryPolicy struct {
	MaxAttempts       int
	Backoff           time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}
