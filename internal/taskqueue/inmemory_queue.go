package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue is a Queue kept in process memory, ordered by NotBefore
// and then enqueue order. It is safe for concurrent use.
type InMemoryQueue struct {
	mu     sync.Mutex
	tasks  []Task
	signal chan struct{}
	now    func() time.Time
}

var _ Queue = (*InMemoryQueue)(nil)

// memoryPollInterval bounds how long a waiting Dequeue sleeps when another
// consumer took the wakeup signal.
const memoryPollInterval = 50 * time.Millisecond

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		signal: make(chan struct{}, 1),
		now:    time.Now,
	}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prepare(&t, q.now())

	q.mu.Lock()
	i := sort.Search(len(q.tasks), func(i int) bool {
		return q.tasks[i].NotBefore.After(t.NotBefore)
	})
	q.tasks = append(q.tasks, Task{})
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = t
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		task, delay := q.pop()
		if task != nil {
			return task, nil
		}
		if delay <= 0 || delay > memoryPollInterval {
			delay = memoryPollInterval
		}

		tmr.Reset(delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
			stopTimer(tmr)
		case <-tmr.C:
		}
	}
}

// pop claims the head task if it is due. Otherwise it returns how long
// until the head becomes due, or zero when the queue is empty.
func (q *InMemoryQueue) pop() (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, 0
	}
	head := q.tasks[0]
	if d := head.NotBefore.Sub(q.now()); d > 0 {
		return nil, d
	}
	q.tasks = q.tasks[1:]
	return &head, 0
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
