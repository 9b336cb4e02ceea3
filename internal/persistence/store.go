package persistence

import (
	"context"
	"sort"

	"github.com/petrijr/stepflow/pkg/api"
)

var (
	// ErrRunNotFound is returned when a run snapshot is not found.
	ErrRunNotFound = api.ErrRunNotFound

	// ErrRunConflict is returned by ClaimRun when the stored snapshot moved on.
	ErrRunConflict = api.ErrRunConflict
)

// EventStore is an append-only history store for run events.
type EventStore interface {
	api.EventSink
	ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error)
}

// Persistence bundles the stores a runner depends on.
type Persistence struct {
	Runs   api.RunStore
	Events EventStore
}

func matches(snap *api.RunSnapshot, f api.RunFilter) bool {
	if f.GraphID != "" && snap.GraphID != f.GraphID {
		return false
	}
	if f.Status != "" && snap.Status != f.Status {
		return false
	}
	return true
}

// sameVersion reports whether stored is still the snapshot prev was read as.
func sameVersion(stored, prev *api.RunSnapshot) bool {
	return stored.Status == prev.Status && stored.UpdatedAt.Equal(prev.UpdatedAt)
}

// sortRuns orders snapshots by creation time, then id.
func sortRuns(out []*api.RunSnapshot) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
}
