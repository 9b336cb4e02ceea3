package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/petrijr/stepflow/pkg/log"
)

// RunInfo identifies the run an observer callback refers to.
type RunInfo struct {
	RunID   string
	GraphID string
}

// Observer receives callbacks from the execution engine for logging and
// metrics.
//
// Members of a parallel group report concurrently, so implementations must be
// safe for concurrent use. They should also be fast and non-blocking.
type Observer interface {
	// OnRunStart is called once when a run is first started, before the first
	// entry executes.
	OnRunStart(ctx context.Context, run RunInfo)

	// OnRunResumed is called when a suspended run re-enters the engine.
	OnRunResumed(ctx context.Context, run RunInfo, stepID string)

	OnRunCompleted(ctx context.Context, run RunInfo)

	// OnRunSuspended is called when the run halts with at least one
	// suspended step.
	OnRunSuspended(ctx context.Context, run RunInfo, suspended []SuspendInfo)

	OnRunFailed(ctx context.Context, run RunInfo, err error)

	// OnStepStart is called before a step actor is spawned. stepID is the
	// fully qualified context key.
	OnStepStart(ctx context.Context, run RunInfo, stepID string)

	// OnStepCompleted is called after the actor settles, whatever the
	// outcome.
	OnStepCompleted(ctx context.Context, run RunInfo, stepID string, status StepStatus, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(context.Context, RunInfo)                     {}
func (NoopObserver) OnRunResumed(context.Context, RunInfo, string)           {}
func (NoopObserver) OnRunCompleted(context.Context, RunInfo)                 {}
func (NoopObserver) OnRunSuspended(context.Context, RunInfo, []SuspendInfo) {}
func (NoopObserver) OnRunFailed(context.Context, RunInfo, error)            {}
func (NoopObserver) OnStepStart(context.Context, RunInfo, string)           {}
func (NoopObserver) OnStepCompleted(context.Context, RunInfo, string, StepStatus, error, time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run RunInfo) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunResumed(ctx context.Context, run RunInfo, stepID string) {
	for _, o := range c.observers {
		o.OnRunResumed(ctx, run, stepID)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, run RunInfo) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunSuspended(ctx context.Context, run RunInfo, suspended []SuspendInfo) {
	for _, o := range c.observers {
		o.OnRunSuspended(ctx, run, suspended)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run RunInfo, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run RunInfo, stepID string) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, stepID)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run RunInfo, stepID string, status StepStatus, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, stepID, status, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run RunInfo) {
	o.Logger.InfoContext(ctx, "run_start",
		log.GraphID(run.GraphID),
		log.RunID(run.RunID),
	)
}

func (o *LoggingObserver) OnRunResumed(ctx context.Context, run RunInfo, stepID string) {
	o.Logger.InfoContext(ctx, "run_resumed",
		log.GraphID(run.GraphID),
		log.RunID(run.RunID),
		log.StepID(stepID),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, run RunInfo) {
	o.Logger.InfoContext(ctx, "run_completed",
		log.GraphID(run.GraphID),
		log.RunID(run.RunID),
	)
}

func (o *LoggingObserver) OnRunSuspended(ctx context.Context, run RunInfo, suspended []SuspendInfo) {
	ids := make([]string, len(suspended))
	for i, s := range suspended {
		ids[i] = s.StepID
	}
	o.Logger.InfoContext(ctx, "run_suspended",
		log.GraphID(run.GraphID),
		log.RunID(run.RunID),
		slog.Any("steps", ids),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run RunInfo, err error) {
	o.Logger.ErrorContext(ctx, "run_failed",
		log.GraphID(run.GraphID),
		log.RunID(run.RunID),
		log.Error(err),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run RunInfo, stepID string) {
	o.Logger.DebugContext(ctx, "step_start",
		log.GraphID(run.GraphID),
		log.RunID(run.RunID),
		log.StepID(stepID),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run RunInfo, stepID string, status StepStatus, err error, d time.Duration) {
	level := slog.LevelDebug
	if status == StepFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		log.GraphID(run.GraphID),
		log.RunID(run.RunID),
		log.StepID(stepID),
		log.Status(status),
		slog.Duration("duration", d),
		log.Error(err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted       atomic.Int64
	runsCompleted     atomic.Int64
	runsFailed        atomic.Int64
	runsSuspended     atomic.Int64
	runsResumed       atomic.Int64
	stepsCompleted    atomic.Int64
	stepsFailed       atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsSuspended int64
	RunsResumed   int64

	StepsCompleted  int64
	StepsFailed     int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(context.Context, RunInfo) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunResumed(context.Context, RunInfo, string) {
	m.runsResumed.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(context.Context, RunInfo) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunSuspended(context.Context, RunInfo, []SuspendInfo) {
	m.runsSuspended.Add(1)
}

func (m *BasicMetrics) OnRunFailed(context.Context, RunInfo, error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(_ context.Context, _ RunInfo, _ string, status StepStatus, _ error, d time.Duration) {
	switch status {
	case StepSuccess:
		// Only successful steps count towards the average duration.
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	case StepFailed:
		m.stepsFailed.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:     m.runsStarted.Load(),
		RunsCompleted:   m.runsCompleted.Load(),
		RunsFailed:      m.runsFailed.Load(),
		RunsSuspended:   m.runsSuspended.Load(),
		RunsResumed:     m.runsResumed.Load(),
		StepsCompleted:  steps,
		StepsFailed:     m.stepsFailed.Load(),
		AvgStepDuration: avg,
	}
}
