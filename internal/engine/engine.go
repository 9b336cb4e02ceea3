package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/log"
)

// DefaultMaxLoopIterations caps loops that declare no limit of their own.
const DefaultMaxLoopIterations = 1000

// Options describes how to construct a DefaultExecutionEngine.
type Options struct {
	Observer api.Observer
	Logger   *slog.Logger

	// MaxLoopIterations applies to loops without their own limit. Zero
	// means DefaultMaxLoopIterations.
	MaxLoopIterations int

	// StepTimeout bounds every step actor when positive.
	StepTimeout time.Duration
}

// DefaultExecutionEngine compiles execution graphs into state machines and
// drives them in-process, one actor goroutine per step.
type DefaultExecutionEngine struct {
	observer    api.Observer
	logger      *slog.Logger
	maxLoops    int
	stepTimeout time.Duration

	now func() time.Time
}

var _ api.ExecutionEngine = (*DefaultExecutionEngine)(nil)

// New creates a DefaultExecutionEngine.
func New(opts Options) *DefaultExecutionEngine {
	obs := opts.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxLoops := opts.MaxLoopIterations
	if maxLoops <= 0 {
		maxLoops = DefaultMaxLoopIterations
	}
	return &DefaultExecutionEngine{
		observer:    obs,
		logger:      logger,
		maxLoops:    maxLoops,
		stepTimeout: opts.StepTimeout,
		now:         time.Now,
	}
}

// Execute runs graph from its first entry with input as the initial input.
func (e *DefaultExecutionEngine) Execute(ctx context.Context, graph *api.ExecutionGraph, runID string, input any) (*api.RunResult, error) {
	m, err := e.compile(graph)
	if err != nil {
		return nil, err
	}

	r := e.newRunner(runID, graph, api.NewRunContext())
	e.observer.OnRunStart(ctx, r.info)

	root := newScope("", nil)
	out := r.drive(ctx, m, root, 0, input, input)
	return e.settle(ctx, r, out)
}

// Resume re-enters a suspended run at stepID. stepID is either the fully
// qualified context key reported in SuspendInfo or, when unambiguous, the
// plain step id.
func (e *DefaultExecutionEngine) Resume(ctx context.Context, graph *api.ExecutionGraph, snap *api.RunSnapshot, stepID string, data any) (*api.RunResult, error) {
	m, err := e.compile(graph)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, &api.ResumeMismatchError{StepID: stepID, Reason: "run context not found"}
	}
	mismatch := func(format string, args ...any) error {
		return &api.ResumeMismatchError{RunID: snap.RunID, StepID: stepID, Reason: fmt.Sprintf(format, args...)}
	}

	if snap.Status != api.RunSuspended {
		return nil, mismatch("run is %s, not suspended", snap.Status)
	}
	if snap.GraphID != graph.ID {
		return nil, mismatch("run belongs to graph %q, not %q", snap.GraphID, graph.ID)
	}
	if snap.Fingerprint != "" && graph.Fingerprint != "" && snap.Fingerprint != graph.Fingerprint {
		return nil, mismatch("graph %q changed since the run was suspended", graph.ID)
	}

	target, err := findSuspended(snap.Suspended, stepID)
	if err != nil {
		return nil, mismatch("%v", err)
	}
	if target.EntryIndex < 0 || target.EntryIndex >= len(m.states) {
		return nil, mismatch("suspended entry %d is outside the graph", target.EntryIndex)
	}

	rc := api.RestoreRunContext(snap.Steps, snap.StepOrder)
	r := e.newRunner(snap.RunID, graph, rc)
	r.resumeKey = target.StepID
	r.resumeData = data

	// Rebuild visibility for entries that settled before the suspension.
	root := newScope("", nil)
	input := snap.Input
	for i := 0; i < target.EntryIndex; i++ {
		entry := graph.Entries[i]
		registerEntry(rc, root, entry, "")
		res, ok := rc.Get(entry.ID)
		if !ok || res.Status != api.StepSuccess {
			return nil, mismatch("entry %q before the suspended step has no successful result", entry.ID)
		}
		input = res.Output
	}

	e.observer.OnRunResumed(ctx, r.info, target.StepID)
	out := r.drive(ctx, m, root, target.EntryIndex, input, snap.Input)
	return e.settle(ctx, r, out)
}

func findSuspended(suspended []api.SuspendInfo, stepID string) (api.SuspendInfo, error) {
	for _, s := range suspended {
		if s.StepID == stepID {
			return s, nil
		}
	}

	var matches []api.SuspendInfo
	for _, s := range suspended {
		if plainID(s.StepID) == stepID {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return api.SuspendInfo{}, fmt.Errorf("step %q is not suspended", stepID)
	default:
		keys := make([]string, len(matches))
		for i, s := range matches {
			keys[i] = s.StepID
		}
		return api.SuspendInfo{}, fmt.Errorf("step %q is ambiguous, use one of %s", stepID, strings.Join(keys, ", "))
	}
}

// plainID strips scope prefixes from a context key.
func plainID(key string) string {
	if i := strings.LastIndex(key, "."); i >= 0 {
		return key[i+1:]
	}
	return key
}

func (e *DefaultExecutionEngine) settle(ctx context.Context, r *runner, out outcome) (*api.RunResult, error) {
	res := &api.RunResult{
		RunID:     r.info.RunID,
		Steps:     r.rc.Snapshot(),
		StepOrder: r.rc.Keys(),
	}

	switch out.status {
	case api.StepSuccess:
		res.Status = api.RunSuccess
		res.Result = out.output
		e.observer.OnRunCompleted(ctx, r.info)
		return res, nil

	case api.StepSuspended:
		res.Status = api.RunSuspended
		res.Suspended = out.suspended
		e.observer.OnRunSuspended(ctx, r.info, out.suspended)
		return res, nil

	default:
		res.Status = api.RunFailed
		res.Error = out.err
		e.observer.OnRunFailed(ctx, r.info, out.err)
		e.logger.DebugContext(ctx, "run failed",
			log.RunID(r.info.RunID),
			log.GraphID(r.info.GraphID),
			log.Error(out.err),
		)
		return res, out.err
	}
}
