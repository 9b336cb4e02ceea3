package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

// InMemoryRunStore keeps snapshots in process memory. Snapshots are copied
// on the way in and out; step values themselves are shared.
type InMemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*api.RunSnapshot
}

var _ api.RunStore = (*InMemoryRunStore)(nil)

func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{runs: make(map[string]*api.RunSnapshot)}
}

func (s *InMemoryRunStore) SaveRun(ctx context.Context, snap *api.RunSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[snap.RunID] = cloneSnapshot(snap)
	return nil
}

func (s *InMemoryRunStore) GetRun(ctx context.Context, runID string) (*api.RunSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneSnapshot(snap), nil
}

func (s *InMemoryRunStore) ClaimRun(ctx context.Context, prev, next *api.RunSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[prev.RunID]
	if !ok {
		return ErrRunNotFound
	}
	if !sameVersion(stored, prev) {
		return ErrRunConflict
	}
	s.runs[prev.RunID] = cloneSnapshot(next)
	return nil
}

func (s *InMemoryRunStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.RunSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.RunSnapshot
	for _, snap := range s.runs {
		if matches(snap, filter) {
			out = append(out, cloneSnapshot(snap))
		}
	}
	sortRuns(out)
	return out, nil
}

func (s *InMemoryRunStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

func cloneSnapshot(snap *api.RunSnapshot) *api.RunSnapshot {
	cp := *snap
	if snap.Steps != nil {
		cp.Steps = make(map[string]api.StepResult, len(snap.Steps))
		for k, v := range snap.Steps {
			cp.Steps[k] = v
		}
	}
	cp.StepOrder = append([]string(nil), snap.StepOrder...)
	cp.Suspended = append([]api.SuspendInfo(nil), snap.Suspended...)
	return &cp
}
