package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// InMemoryEventStore keeps run events per run id.
type InMemoryEventStore struct {
	mu     sync.Mutex
	events map[string][]api.RunEvent
}

var _ EventStore = (*InMemoryEventStore)(nil)

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{events: make(map[string][]api.RunEvent)}
}

func (s *InMemoryEventStore) AppendEvent(ctx context.Context, ev api.RunEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	return nil
}

func (s *InMemoryEventStore) ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.RunEvent(nil), s.events[runID]...), nil
}

// NoopEventStore drops every event.
type NoopEventStore struct{}

var _ EventStore = NoopEventStore{}

func (NoopEventStore) AppendEvent(context.Context, api.RunEvent) error { return nil }

func (NoopEventStore) ListEvents(context.Context, string) ([]api.RunEvent, error) {
	return nil, nil
}
