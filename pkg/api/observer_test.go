package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	starts    int
	resumes   int
	completes int
	suspends  int
	fails     int

	stepStarts    int
	stepCompletes int

	lastRun          RunInfo
	lastResumedStep  string
	lastSuspended    []SuspendInfo
	lastFailErr      error
	lastStepStart    string
	lastStepComplete struct {
		StepID   string
		Status   StepStatus
		Err      error
		Duration time.Duration
	}
}

func (o *testObserver) OnRunStart(ctx context.Context, run RunInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
	o.lastRun = run
}

func (o *testObserver) OnRunResumed(ctx context.Context, run RunInfo, stepID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resumes++
	o.lastResumedStep = stepID
}

func (o *testObserver) OnRunCompleted(ctx context.Context, run RunInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes++
}

func (o *testObserver) OnRunSuspended(ctx context.Context, run RunInfo, suspended []SuspendInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.suspends++
	o.lastSuspended = suspended
}

func (o *testObserver) OnRunFailed(ctx context.Context, run RunInfo, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails++
	o.lastFailErr = err
}

func (o *testObserver) OnStepStart(ctx context.Context, run RunInfo, stepID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepStarts++
	o.lastStepStart = stepID
}

func (o *testObserver) OnStepCompleted(ctx context.Context, run RunInfo, stepID string, status StepStatus, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepCompletes++
	o.lastStepComplete.StepID = stepID
	o.lastStepComplete.Status = status
	o.lastStepComplete.Err = err
	o.lastStepComplete.Duration = d
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Copy to avoid reuse issues.
	cpy := slog.Record{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
	}
	r.Attrs(func(a slog.Attr) bool {
		cpy.AddAttrs(a)
		return true
	})
	h.records = append(h.records, cpy)
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	return h
}

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestRun() RunInfo {
	return RunInfo{RunID: "run-123", GraphID: "wf-test"}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	run := newTestRun()
	var o Observer = NoopObserver{}

	// These calls should simply not panic.
	o.OnRunStart(ctx, run)
	o.OnRunResumed(ctx, run, "approve")
	o.OnRunCompleted(ctx, run)
	o.OnRunSuspended(ctx, run, []SuspendInfo{{StepID: "approve"}})
	o.OnRunFailed(ctx, run, errors.New("boom"))
	o.OnStepStart(ctx, run, "step-1")
	o.OnStepCompleted(ctx, run, "step-1", StepSuccess, nil, time.Second)
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil) // include a nil to ensure it is filtered

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	run := newTestRun()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	err := errors.New("step failed")
	suspended := []SuspendInfo{{StepID: "approve", Payload: "ask"}}
	co.OnRunStart(ctx, run)
	co.OnRunResumed(ctx, run, "approve")
	co.OnRunCompleted(ctx, run)
	co.OnRunSuspended(ctx, run, suspended)
	co.OnRunFailed(ctx, run, err)
	co.OnStepStart(ctx, run, "step-1")
	co.OnStepCompleted(ctx, run, "step-1", StepFailed, err, 2*time.Second)

	for i, o := range []*testObserver{o1, o2} {
		if o.starts != 1 || o.resumes != 1 || o.completes != 1 || o.suspends != 1 || o.fails != 1 ||
			o.stepStarts != 1 || o.stepCompletes != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastRun != run {
			t.Fatalf("observer %d run mismatch: %+v", i+1, o.lastRun)
		}
		if o.lastResumedStep != "approve" || len(o.lastSuspended) != 1 {
			t.Fatalf("observer %d suspend/resume mismatch", i+1)
		}
		if o.lastFailErr != err {
			t.Fatalf("observer %d fail error mismatch", i+1)
		}
		if o.lastStepStart != "step-1" {
			t.Fatalf("observer %d stepStart mismatch: %q", i+1, o.lastStepStart)
		}
		if o.lastStepComplete.StepID != "step-1" || o.lastStepComplete.Status != StepFailed ||
			o.lastStepComplete.Err != err || o.lastStepComplete.Duration != 2*time.Second {
			t.Fatalf("observer %d stepComplete mismatch: %+v", i+1, o.lastStepComplete)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnRunStart_EmitsInfoLog(t *testing.T) {
	ctx := context.Background()
	run := newTestRun()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnRunStart(ctx, run)

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}

	rec := h.records[0]
	if rec.Level != slog.LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", rec.Level)
	}
	if rec.Message != "run_start" {
		t.Fatalf("expected message run_start, got %q", rec.Message)
	}

	attrs := attrsToMap(rec)
	if attrs["graph_id"] != run.GraphID {
		t.Fatalf("expected graph_id=%q, got %v", run.GraphID, attrs["graph_id"])
	}
	if attrs["run_id"] != run.RunID {
		t.Fatalf("expected run_id=%q, got %v", run.RunID, attrs["run_id"])
	}
}

func TestLoggingObserver_OnStepCompleted_LevelDependsOnStatus(t *testing.T) {
	ctx := context.Background()
	run := newTestRun()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnStepCompleted(ctx, run, "step-ok", StepSuccess, nil, time.Second)
	err := errors.New("boom")
	o.OnStepCompleted(ctx, run, "step-fail", StepFailed, err, 2*time.Second)

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}

	successRec := h.records[0]
	failRec := h.records[1]

	if successRec.Level != slog.LevelDebug {
		t.Fatalf("expected success record LevelDebug, got %v", successRec.Level)
	}
	if failRec.Level != slog.LevelError {
		t.Fatalf("expected failure record LevelError, got %v", failRec.Level)
	}

	attrs := attrsToMap(failRec)
	if attrs["step_id"] != "step-fail" {
		t.Fatalf("expected step_id=step-fail, got %v", attrs["step_id"])
	}
	if attrs["error"] != "boom" {
		t.Fatalf("expected error=boom, got %v", attrs["error"])
	}
	if attrs["status"] != "failed" {
		t.Fatalf("expected status=failed, got %v", attrs["status"])
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_RunCountersAndSnapshot(t *testing.T) {
	var m BasicMetrics

	ctx := context.Background()
	run := newTestRun()

	m.OnRunStart(ctx, run)
	m.OnRunStart(ctx, run)
	m.OnRunStart(ctx, run)

	m.OnRunCompleted(ctx, run)
	m.OnRunFailed(ctx, run, errors.New("fail"))
	m.OnRunSuspended(ctx, run, nil)
	m.OnRunResumed(ctx, run, "approve")

	snap := m.Snapshot()

	if snap.RunsStarted != 3 {
		t.Fatalf("RunsStarted=%d, want 3", snap.RunsStarted)
	}
	if snap.RunsCompleted != 1 || snap.RunsFailed != 1 || snap.RunsSuspended != 1 || snap.RunsResumed != 1 {
		t.Fatalf("unexpected run counters: %+v", snap)
	}
	if snap.StepsCompleted != 0 || snap.AvgStepDuration != 0 {
		t.Fatalf("expected no step metrics yet: %+v", snap)
	}
}

func TestBasicMetrics_OnStepCompleted_SuccessOnlyCountsDuration(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	run := newTestRun()

	m.OnStepCompleted(ctx, run, "step-1", StepSuccess, nil, 1*time.Second)
	m.OnStepCompleted(ctx, run, "step-2", StepSuccess, nil, 3*time.Second)
	m.OnStepCompleted(ctx, run, "step-3", StepFailed, errors.New("fail"), 10*time.Second)
	m.OnStepCompleted(ctx, run, "step-4", StepSuspended, nil, 10*time.Second)

	snap := m.Snapshot()

	if snap.StepsCompleted != 2 {
		t.Fatalf("StepsCompleted=%d, want 2", snap.StepsCompleted)
	}
	if snap.StepsFailed != 1 {
		t.Fatalf("StepsFailed=%d, want 1", snap.StepsFailed)
	}

	wantAvg := 2 * time.Second // (1s + 3s) / 2
	if snap.AvgStepDuration != wantAvg {
		t.Fatalf("AvgStepDuration=%v, want %v", snap.AvgStepDuration, wantAvg)
	}
}

//
// EventObserver
//

type sliceSink struct {
	mu     sync.Mutex
	events []RunEvent
}

func (s *sliceSink) AppendEvent(ctx context.Context, ev RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func TestEventObserver_RecordsLifecycle(t *testing.T) {
	ctx := context.Background()
	run := newTestRun()
	sink := &sliceSink{}
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	o := NewEventObserver(sink)
	o.Now = func() time.Time { return fixed }

	o.OnRunStart(ctx, run)
	o.OnStepStart(ctx, run, "a")
	o.OnStepCompleted(ctx, run, "a", StepSuccess, nil, time.Millisecond)
	o.OnStepCompleted(ctx, run, "b", StepSuspended, nil, time.Millisecond)
	o.OnStepCompleted(ctx, run, "c", StepFailed, errors.New("bad"), time.Millisecond)
	o.OnRunSuspended(ctx, run, []SuspendInfo{{StepID: "b"}, {StepID: "x.y"}})
	o.OnRunFailed(ctx, run, errors.New("bad"))

	want := []EventType{
		EventRunStarted, EventStepStarted, EventStepCompleted,
		EventStepSuspended, EventStepFailed, EventRunSuspended, EventRunFailed,
	}
	if len(sink.events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(sink.events))
	}
	for i, typ := range want {
		ev := sink.events[i]
		if ev.Type != typ {
			t.Fatalf("event %d: type=%s, want %s", i, ev.Type, typ)
		}
		if ev.RunID != run.RunID || ev.GraphID != run.GraphID || !ev.At.Equal(fixed) {
			t.Fatalf("event %d: unexpected envelope %+v", i, ev)
		}
	}
	if sink.events[4].Detail != "bad" {
		t.Fatalf("expected failure detail, got %q", sink.events[4].Detail)
	}
	if sink.events[5].Detail != "b,x.y" {
		t.Fatalf("expected suspended detail, got %q", sink.events[5].Detail)
	}
}
