package api

import "context"

// EntryKind tags the variant held by a FlowEntry.
type EntryKind string

const (
	EntryStep        EntryKind = "step"
	EntryParallel    EntryKind = "parallel"
	EntryConditional EntryKind = "conditional"
	EntryLoop        EntryKind = "loop"
	EntryMap         EntryKind = "map"
	EntryWorkflow    EntryKind = "workflow"
)

// Node is anything that can be placed into a flow: a *Step or a workflow.
type Node interface {
	Entry() FlowEntry
}

// ConditionFunc is a branch or loop predicate. For branches it receives the
// input entering the group; for loops it receives the output of the
// iteration that just finished.
type ConditionFunc func(ctx context.Context, p ExecuteParams) (bool, error)

// FlowEntry is one node of a workflow's ordered sequence. Only the fields
// relevant to Kind are set.
type FlowEntry struct {
	Kind EntryKind
	ID   string

	// EntryStep
	Step *Step

	// EntryWorkflow and EntryLoop: the committed sub-graph.
	Graph *ExecutionGraph

	// EntryParallel
	Members []FlowEntry

	// EntryConditional
	Branches []Branch

	// EntryLoop. With LoopWhile set the body repeats while Until holds
	// instead of until it holds.
	Until         ConditionFunc
	LoopWhile     bool
	MaxIterations int

	// EntryMap
	Mapping Mapping
}

// Branch pairs a predicate with the entry executed when it holds.
type Branch struct {
	When  ConditionFunc
	Entry FlowEntry
}

// Clone returns a deep copy of the entry's structure. Steps, predicates and
// committed sub-graphs are immutable and shared.
func (e FlowEntry) Clone() FlowEntry {
	out := e
	if e.Members != nil {
		out.Members = make([]FlowEntry, len(e.Members))
		for i, m := range e.Members {
			out.Members[i] = m.Clone()
		}
	}
	if e.Branches != nil {
		out.Branches = make([]Branch, len(e.Branches))
		for i, b := range e.Branches {
			out.Branches[i] = Branch{When: b.When, Entry: b.Entry.Clone()}
		}
	}
	if e.Mapping != nil {
		out.Mapping = make(Mapping, len(e.Mapping))
		for k, v := range e.Mapping {
			out.Mapping[k] = v
		}
	}
	return out
}

// MapSourceKind selects where a mapped value is read from.
type MapSourceKind string

const (
	SourceStep     MapSourceKind = "step"
	SourceInput    MapSourceKind = "input"
	SourcePrevious MapSourceKind = "previous"
	SourceValue    MapSourceKind = "value"
)

// MapSource describes one projected field of a Map entry. Path is a gjson
// path evaluated against the JSON form of the source value; an empty path
// selects the whole value.
type MapSource struct {
	Kind  MapSourceKind
	Step  *Step
	Path  string
	Value any
}

// Mapping maps output keys to their sources.
type Mapping map[string]MapSource

// WireInitial is the From side of the wire feeding the first entry.
const WireInitial = "__initial__"

// Wire is the explicit data edge between two consecutive entries. Projection
// is set when the target is a Map entry.
type Wire struct {
	From       string
	To         string
	Projection Mapping
}
