package api

import (
	"context"
	"strings"
	"time"
)

// EventType identifies a run history event.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunResumed   EventType = "run.resumed"
	EventRunSuspended EventType = "run.suspended"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"

	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
	EventStepSuspended EventType = "step.suspended"
)

// RunEvent is a minimal append-only history record for audit/debugging.
type RunEvent struct {
	RunID   string
	At      time.Time
	Type    EventType
	GraphID string
	StepID  string

	// Small, human-oriented details (e.g. error string, suspended step ids).
	// Keep this low-volume: do NOT dump large payloads here.
	Detail string
}

// EventSink receives run events.
type EventSink interface {
	AppendEvent(ctx context.Context, ev RunEvent) error
}

// EventObserver turns observer callbacks into RunEvents. Append errors are
// dropped so history recording never fails a run.
type EventObserver struct {
	NoopObserver

	Sink EventSink
	Now  func() time.Time
}

// NewEventObserver returns an Observer recording into sink.
func NewEventObserver(sink EventSink) *EventObserver {
	return &EventObserver{Sink: sink, Now: time.Now}
}

func (o *EventObserver) emit(ctx context.Context, run RunInfo, typ EventType, stepID, detail string) {
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	_ = o.Sink.AppendEvent(ctx, RunEvent{
		RunID:   run.RunID,
		At:      now().UTC(),
		Type:    typ,
		GraphID: run.GraphID,
		StepID:  stepID,
		Detail:  detail,
	})
}

func (o *EventObserver) OnRunStart(ctx context.Context, run RunInfo) {
	o.emit(ctx, run, EventRunStarted, "", "")
}

func (o *EventObserver) OnRunResumed(ctx context.Context, run RunInfo, stepID string) {
	o.emit(ctx, run, EventRunResumed, stepID, "")
}

func (o *EventObserver) OnRunCompleted(ctx context.Context, run RunInfo) {
	o.emit(ctx, run, EventRunCompleted, "", "")
}

func (o *EventObserver) OnRunSuspended(ctx context.Context, run RunInfo, suspended []SuspendInfo) {
	ids := make([]string, len(suspended))
	for i, s := range suspended {
		ids[i] = s.StepID
	}
	o.emit(ctx, run, EventRunSuspended, "", strings.Join(ids, ","))
}

func (o *EventObserver) OnRunFailed(ctx context.Context, run RunInfo, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	o.emit(ctx, run, EventRunFailed, "", detail)
}

func (o *EventObserver) OnStepStart(ctx context.Context, run RunInfo, stepID string) {
	o.emit(ctx, run, EventStepStarted, stepID, "")
}

func (o *EventObserver) OnStepCompleted(ctx context.Context, run RunInfo, stepID string, status StepStatus, err error, _ time.Duration) {
	switch status {
	case StepFailed:
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		o.emit(ctx, run, EventStepFailed, stepID, detail)
	case StepSuspended:
		o.emit(ctx, run, EventStepSuspended, stepID, "")
	default:
		o.emit(ctx, run, EventStepCompleted, stepID, "")
	}
}
