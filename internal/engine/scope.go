package engine

import (
	"fmt"
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

// scope is one level of GetStepResult visibility. Nested workflows and loop
// iterations open a child scope with a longer key prefix; parallel members
// run in a view of their parent scope that hides their siblings.
type scope struct {
	prefix string
	parent *scope
	hidden map[*api.Step]struct{}

	mu    sync.RWMutex
	steps map[*api.Step]string
}

func newScope(prefix string, parent *scope) *scope {
	return &scope{
		prefix: prefix,
		parent: parent,
		steps:  make(map[*api.Step]string),
	}
}

// key returns the context key of an entry id in this scope.
func (s *scope) key(id string) string {
	return s.prefix + id
}

// child opens a nested scope whose keys live under key.
func (s *scope) child(key string) *scope {
	return newScope(key+".", s)
}

// view returns a scope with the same prefix that cannot see hidden.
func (s *scope) view(hidden map[*api.Step]struct{}) *scope {
	v := newScope(s.prefix, s)
	v.hidden = hidden
	return v
}

func (s *scope) register(step *api.Step, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[step] = key
}

func (s *scope) lookupKey(step *api.Step) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.steps[step]
	return k, ok
}

// lookup resolves step innermost scope first. Only success entries are
// visible.
func (s *scope) lookup(rc *api.RunContext, step *api.Step) (any, error) {
	if step == nil {
		return nil, fmt.Errorf("%w: nil step reference", api.ErrStepResultUnavailable)
	}
	for cur := s; cur != nil; cur = cur.parent {
		if _, ok := cur.hidden[step]; ok {
			return nil, fmt.Errorf("%w: %s runs in parallel with the caller", api.ErrStepResultUnavailable, step.ID)
		}
		key, ok := cur.lookupKey(step)
		if !ok {
			continue
		}
		if res, ok := rc.Get(key); ok && res.Status == api.StepSuccess {
			return res.Output, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", api.ErrStepResultUnavailable, step.ID)
}

// registerEntry makes the steps of a settled entry visible in s. Only keys
// that hold a recorded result are registered, so it serves both a live run
// and a replay from a restored context. prefix is the key prefix of the
// scope the entry ran in.
func registerEntry(rc *api.RunContext, s *scope, e api.FlowEntry, prefix string) {
	key := prefix + e.ID
	switch e.Kind {
	case api.EntryStep:
		if _, ok := rc.Get(key); ok {
			s.register(e.Step, key)
		}
	case api.EntryWorkflow:
		registerGraph(rc, s, e.Graph, key+".")
	case api.EntryParallel, api.EntryConditional:
		// Group members share the group's scope.
		for _, m := range members(e) {
			registerEntry(rc, s, m, prefix)
		}
	case api.EntryLoop:
		last := -1
		for i := 0; ; i++ {
			if _, ok := rc.Get(iterationKey(key, i)); !ok {
				break
			}
			last = i
		}
		if last >= 0 {
			registerGraph(rc, s, e.Graph, iterationKey(key, last)+".")
		}
	}
}

func registerGraph(rc *api.RunContext, s *scope, g *api.ExecutionGraph, prefix string) {
	if g == nil {
		return
	}
	for _, inner := range g.Entries {
		registerEntry(rc, s, inner, prefix)
	}
}

// members returns the entries a group fans out to.
func members(e api.FlowEntry) []api.FlowEntry {
	switch e.Kind {
	case api.EntryParallel:
		return e.Members
	case api.EntryConditional:
		out := make([]api.FlowEntry, len(e.Branches))
		for i, b := range e.Branches {
			out[i] = b.Entry
		}
		return out
	}
	return nil
}

// stepsOf returns every step reachable from e, including those inside nested
// graphs.
func stepsOf(e api.FlowEntry, into map[*api.Step]struct{}) {
	switch e.Kind {
	case api.EntryStep:
		into[e.Step] = struct{}{}
	case api.EntryParallel, api.EntryConditional:
		for _, m := range members(e) {
			stepsOf(m, into)
		}
	case api.EntryWorkflow, api.EntryLoop:
		if e.Graph != nil {
			for _, inner := range e.Graph.Entries {
				stepsOf(inner, into)
			}
		}
	}
}

func iterationKey(key string, i int) string {
	return fmt.Sprintf("%s[%d]", key, i)
}
