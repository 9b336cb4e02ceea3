package persistence

import (
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/stepflow/pkg/api"
)

type samplePayload struct {
	Msg string
	N   int
}

func init() {
	gob.Register(samplePayload{})
}

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleSnapshot(id, graphID string, status api.RunStatus, offset time.Duration) *api.RunSnapshot {
	created := baseTime.Add(offset)
	return &api.RunSnapshot{
		RunID:       id,
		GraphID:     graphID,
		Fingerprint: "fp-" + graphID,
		Status:      status,
		Input:       map[string]any{"x": 5},
		Steps: map[string]api.StepResult{
			"double": {
				Status:    api.StepSuccess,
				Output:    10,
				StartedAt: created,
				EndedAt:   created.Add(time.Second),
			},
			"approve": {
				Status:  api.StepSuspended,
				Payload: samplePayload{Msg: "sign", N: 1},
			},
		},
		StepOrder: []string{"double", "approve"},
		Suspended: []api.SuspendInfo{{StepID: "approve", EntryIndex: 1, Payload: samplePayload{Msg: "sign", N: 1}}},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// runStoreSuite runs the same behavioural checks against every RunStore.
type runStoreSuite struct {
	suite.Suite
	newStore func() api.RunStore
	store    api.RunStore
	ctx      context.Context
}

func (s *runStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

func (s *runStoreSuite) TestSaveAndGet() {
	snap := sampleSnapshot("run-1", "approval", api.RunSuspended, 0)
	s.Require().NoError(s.store.SaveRun(s.ctx, snap))

	got, err := s.store.GetRun(s.ctx, "run-1")
	s.Require().NoError(err)
	s.Equal(snap.RunID, got.RunID)
	s.Equal(snap.GraphID, got.GraphID)
	s.Equal(snap.Fingerprint, got.Fingerprint)
	s.Equal(api.RunSuspended, got.Status)
	s.Equal(snap.Input, got.Input)
	s.Equal(snap.Steps, got.Steps)
	s.Equal(snap.StepOrder, got.StepOrder)
	s.Equal(snap.Suspended, got.Suspended)
	s.True(snap.CreatedAt.Equal(got.CreatedAt))
}

func (s *runStoreSuite) TestGetMissing() {
	_, err := s.store.GetRun(s.ctx, "nope")
	s.ErrorIs(err, ErrRunNotFound)
	s.ErrorIs(err, api.ErrRunNotFound)
}

func (s *runStoreSuite) TestSaveOverwrites() {
	snap := sampleSnapshot("run-1", "approval", api.RunSuspended, 0)
	s.Require().NoError(s.store.SaveRun(s.ctx, snap))

	done := sampleSnapshot("run-1", "approval", api.RunFailed, 0)
	done.Suspended = nil
	done.Error = "step approve: rejected"
	done.Steps["approve"] = api.StepResult{Status: api.StepFailed, Err: errors.New("rejected")}
	s.Require().NoError(s.store.SaveRun(s.ctx, done))

	got, err := s.store.GetRun(s.ctx, "run-1")
	s.Require().NoError(err)
	s.Equal(api.RunFailed, got.Status)
	s.Equal("step approve: rejected", got.Error)
	s.Empty(got.Suspended)
	s.Equal(api.StepFailed, got.Steps["approve"].Status)
	s.EqualError(got.Steps["approve"].Err, "rejected")

	all, err := s.store.ListRuns(s.ctx, api.RunFilter{})
	s.Require().NoError(err)
	s.Len(all, 1)

	suspended, err := s.store.ListRuns(s.ctx, api.RunFilter{Status: api.RunSuspended})
	s.Require().NoError(err)
	s.Empty(suspended)
}

func (s *runStoreSuite) TestListFilters() {
	s.Require().NoError(s.store.SaveRun(s.ctx, sampleSnapshot("b", "orders", api.RunSuspended, 2*time.Minute)))
	s.Require().NoError(s.store.SaveRun(s.ctx, sampleSnapshot("a", "orders", api.RunSuccess, time.Minute)))
	s.Require().NoError(s.store.SaveRun(s.ctx, sampleSnapshot("c", "billing", api.RunSuspended, 0)))

	ids := func(f api.RunFilter) []string {
		runs, err := s.store.ListRuns(s.ctx, f)
		s.Require().NoError(err)
		out := make([]string, 0, len(runs))
		for _, r := range runs {
			out = append(out, r.RunID)
		}
		return out
	}

	s.Equal([]string{"c", "a", "b"}, ids(api.RunFilter{}))
	s.Equal([]string{"a", "b"}, ids(api.RunFilter{GraphID: "orders"}))
	s.Equal([]string{"c", "b"}, ids(api.RunFilter{Status: api.RunSuspended}))
	s.Equal([]string{"b"}, ids(api.RunFilter{GraphID: "orders", Status: api.RunSuspended}))
	s.Empty(ids(api.RunFilter{GraphID: "unknown"}))
}

func (s *runStoreSuite) TestDelete() {
	s.Require().NoError(s.store.SaveRun(s.ctx, sampleSnapshot("run-1", "g", api.RunSuccess, 0)))
	s.Require().NoError(s.store.DeleteRun(s.ctx, "run-1"))

	_, err := s.store.GetRun(s.ctx, "run-1")
	s.ErrorIs(err, ErrRunNotFound)

	runs, err := s.store.ListRuns(s.ctx, api.RunFilter{GraphID: "g"})
	s.Require().NoError(err)
	s.Empty(runs)

	s.NoError(s.store.DeleteRun(s.ctx, "run-1"), "deleting twice is not an error")
}

func (s *runStoreSuite) TestClaimRun() {
	suspended := sampleSnapshot("run-1", "approval", api.RunSuspended, 0)
	s.Require().NoError(s.store.SaveRun(s.ctx, suspended))

	read, err := s.store.GetRun(s.ctx, "run-1")
	s.Require().NoError(err)

	claimed := sampleSnapshot("run-1", "approval", api.RunRunning, 0)
	claimed.UpdatedAt = baseTime.Add(time.Minute)
	s.Require().NoError(s.store.ClaimRun(s.ctx, read, claimed))

	got, err := s.store.GetRun(s.ctx, "run-1")
	s.Require().NoError(err)
	s.Equal(api.RunRunning, got.Status)
	s.True(claimed.UpdatedAt.Equal(got.UpdatedAt))

	// A second claimant still holding the suspended read loses.
	again := sampleSnapshot("run-1", "approval", api.RunRunning, 0)
	again.UpdatedAt = baseTime.Add(2 * time.Minute)
	s.ErrorIs(s.store.ClaimRun(s.ctx, read, again), ErrRunConflict)

	got, err = s.store.GetRun(s.ctx, "run-1")
	s.Require().NoError(err)
	s.True(claimed.UpdatedAt.Equal(got.UpdatedAt))

	running, err := s.store.ListRuns(s.ctx, api.RunFilter{Status: api.RunRunning})
	s.Require().NoError(err)
	s.Len(running, 1)
	left, err := s.store.ListRuns(s.ctx, api.RunFilter{Status: api.RunSuspended})
	s.Require().NoError(err)
	s.Empty(left)
}

func (s *runStoreSuite) TestClaimRunSameStatusNewerVersion() {
	first := sampleSnapshot("run-1", "approval", api.RunSuspended, 0)
	s.Require().NoError(s.store.SaveRun(s.ctx, first))

	later := sampleSnapshot("run-1", "approval", api.RunSuspended, 0)
	later.UpdatedAt = baseTime.Add(time.Hour)
	s.Require().NoError(s.store.SaveRun(s.ctx, later))

	next := sampleSnapshot("run-1", "approval", api.RunRunning, 0)
	s.ErrorIs(s.store.ClaimRun(s.ctx, first, next), ErrRunConflict)
}

func (s *runStoreSuite) TestClaimMissingRun() {
	prev := sampleSnapshot("ghost", "approval", api.RunSuspended, 0)
	next := sampleSnapshot("ghost", "approval", api.RunRunning, 0)
	s.ErrorIs(s.store.ClaimRun(s.ctx, prev, next), ErrRunNotFound)

	_, err := s.store.GetRun(s.ctx, "ghost")
	s.ErrorIs(err, ErrRunNotFound)
}
