package taskqueue

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"
)

// queueSuite runs the same checks against every Queue backend.
type queueSuite struct {
	suite.Suite
	newQueue func() Queue
	queue    Queue
}

func (s *queueSuite) SetupTest() {
	s.queue = s.newQueue()
}

func (s *queueSuite) dequeue(timeout time.Duration) (*Task, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.queue.Dequeue(ctx)
}

func (s *queueSuite) TestFIFO() {
	ctx := context.Background()
	for _, id := range []string{"wf1", "wf2", "wf3"} {
		s.Require().NoError(s.queue.Enqueue(ctx, Task{Type: TaskTypeStartRun, WorkflowID: id, Payload: id + "-in"}))
	}
	s.Equal(3, s.queue.Len())

	for _, want := range []string{"wf1", "wf2", "wf3"} {
		got, err := s.dequeue(2 * time.Second)
		s.Require().NoError(err)
		s.Equal(want, got.WorkflowID)
		s.Equal(want+"-in", got.Payload)
		s.NotEmpty(got.ID)
		s.False(got.EnqueuedAt.IsZero())
	}
	s.Equal(0, s.queue.Len())
}

func (s *queueSuite) TestResumeTaskRoundTrip() {
	task := Task{
		ID:         "resume-1",
		Type:       TaskTypeResumeRun,
		WorkflowID: "approval",
		RunID:      "run-9",
		StepID:     "approve",
		Payload:    map[string]any{"approved": true},
		Attempts:   2,
	}
	s.Require().NoError(s.queue.Enqueue(context.Background(), task))

	got, err := s.dequeue(2 * time.Second)
	s.Require().NoError(err)
	s.Equal("resume-1", got.ID)
	s.Equal(TaskTypeResumeRun, got.Type)
	s.Equal("run-9", got.RunID)
	s.Equal("approve", got.StepID)
	s.Equal(map[string]any{"approved": true}, got.Payload)
	s.Equal(2, got.Attempts)
}

func (s *queueSuite) TestBlocksUntilTaskArrives() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	type result struct {
		task *Task
		err  error
	}
	done := make(chan result, 1)
	go func() {
		t, err := s.queue.Dequeue(ctx)
		done <- result{t, err}
	}()

	select {
	case <-done:
		s.FailNow("Dequeue returned before a task was enqueued")
	case <-time.After(100 * time.Millisecond):
	}

	s.Require().NoError(s.queue.Enqueue(context.Background(), Task{Type: TaskTypeStartRun, WorkflowID: "late"}))

	r := <-done
	s.Require().NoError(r.err)
	s.Equal("late", r.task.WorkflowID)
}

func (s *queueSuite) TestNotBeforeDelaysDelivery() {
	ctx := context.Background()
	s.Require().NoError(s.queue.Enqueue(ctx, Task{
		Type:       TaskTypeStartRun,
		WorkflowID: "delayed",
		NotBefore:  time.Now().Add(300 * time.Millisecond),
	}))
	s.Require().NoError(s.queue.Enqueue(ctx, Task{Type: TaskTypeStartRun, WorkflowID: "now"}))

	first, err := s.dequeue(2 * time.Second)
	s.Require().NoError(err)
	s.Equal("now", first.WorkflowID)

	_, err = s.dequeue(50 * time.Millisecond)
	s.ErrorIs(err, context.DeadlineExceeded)

	second, err := s.dequeue(2 * time.Second)
	s.Require().NoError(err)
	s.Equal("delayed", second.WorkflowID)
}

func (s *queueSuite) TestDequeueHonorsCancel() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.queue.Dequeue(ctx)
	s.ErrorIs(err, context.Canceled)
}
