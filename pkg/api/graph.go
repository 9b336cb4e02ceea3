package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// ExecutionGraph is the frozen, ordered list of flow entries produced by
// committing a workflow. It is a value object: engines compile it but never
// mutate it.
type ExecutionGraph struct {
	ID      string
	Entries []FlowEntry
	Wires   []Wire

	InputSchema  Schema
	OutputSchema Schema

	// Fingerprint identifies the graph's structure. Persisted runs record it
	// so a resume against a changed graph is rejected.
	Fingerprint string

	compiled sync.Map
}

// Compiled returns the value stored on g under key, calling build and
// storing its result on first use. Engines keep their compiled form of a
// graph here, so it is released together with the graph.
func (g *ExecutionGraph) Compiled(key any, build func() (any, error)) (any, error) {
	if v, ok := g.compiled.Load(key); ok {
		return v, nil
	}
	v, err := build()
	if err != nil {
		return nil, err
	}
	actual, _ := g.compiled.LoadOrStore(key, v)
	return actual, nil
}

// DeriveWires builds the positional wires between consecutive entries.
func DeriveWires(entries []FlowEntry) []Wire {
	wires := make([]Wire, 0, len(entries))
	from := WireInitial
	for _, e := range entries {
		w := Wire{From: from, To: e.ID}
		if e.Kind == EntryMap {
			w.Projection = e.Mapping
		}
		wires = append(wires, w)
		from = e.ID
	}
	return wires
}

// ValidateGraph checks the structural rules every executable graph must
// satisfy. Nested graphs are assumed to have been validated when committed.
func ValidateGraph(g *ExecutionGraph) error {
	if g == nil {
		return &GraphConstructionError{Reason: "nil graph"}
	}
	if g.ID == "" {
		return &GraphConstructionError{Reason: "graph id must not be empty"}
	}
	if len(g.Entries) == 0 {
		return &GraphConstructionError{GraphID: g.ID, Reason: "flow has no entries"}
	}

	seen := make(map[string]struct{})
	earlier := make(map[*Step]struct{})
	for i, e := range g.Entries {
		if err := validateEntry(g.ID, e, seen); err != nil {
			return err
		}
		if e.Kind == EntryMap {
			for key, src := range e.Mapping {
				if src.Kind != SourceStep {
					continue
				}
				if src.Step == nil {
					return &GraphConstructionError{GraphID: g.ID, Reason: fmt.Sprintf("map %q: key %q references a nil step", e.ID, key)}
				}
				if _, ok := earlier[src.Step]; !ok {
					return &GraphConstructionError{GraphID: g.ID, Reason: fmt.Sprintf("map %q: key %q references step %q which is not an earlier entry", e.ID, key, src.Step.ID)}
				}
			}
		}
		collectSteps(e, earlier)

		if i > 0 {
			if err := checkWire(g.ID, g.Entries[i-1], e); err != nil {
				return err
			}
		}
	}

	if len(g.Wires) != 0 && len(g.Wires) != len(g.Entries) {
		return &GraphConstructionError{GraphID: g.ID, Reason: "wires do not match entries"}
	}
	return nil
}

func validateEntry(graphID string, e FlowEntry, seen map[string]struct{}) error {
	fail := func(format string, args ...any) error {
		return &GraphConstructionError{GraphID: graphID, Reason: fmt.Sprintf(format, args...)}
	}

	if e.ID == "" {
		return fail("%s entry has an empty id", e.Kind)
	}
	if _, dup := seen[e.ID]; dup {
		return fail("duplicate entry id %q", e.ID)
	}
	seen[e.ID] = struct{}{}

	switch e.Kind {
	case EntryStep:
		if e.Step == nil {
			return fail("step entry %q has no step", e.ID)
		}
		if e.Step.Execute == nil {
			return fail("step %q has no execute function", e.ID)
		}
	case EntryWorkflow:
		if e.Graph == nil {
			return fail("nested workflow %q was not committed", e.ID)
		}
	case EntryParallel:
		if len(e.Members) == 0 {
			return fail("parallel group %q is empty", e.ID)
		}
		for _, m := range e.Members {
			if err := validateEntry(graphID, m, seen); err != nil {
				return err
			}
		}
	case EntryConditional:
		if len(e.Branches) == 0 {
			return fail("branch group %q is empty", e.ID)
		}
		for i, b := range e.Branches {
			if b.When == nil {
				return fail("branch %d of %q has no predicate", i, e.ID)
			}
			if err := validateEntry(graphID, b.Entry, seen); err != nil {
				return err
			}
		}
	case EntryLoop:
		if e.Graph == nil {
			return fail("loop %q has no body", e.ID)
		}
		if e.Until == nil {
			return fail("loop %q has no predicate", e.ID)
		}
	case EntryMap:
		if len(e.Mapping) == 0 {
			return fail("map %q has no keys", e.ID)
		}
	default:
		return fail("entry %q has unknown kind %q", e.ID, e.Kind)
	}
	return nil
}

func collectSteps(e FlowEntry, into map[*Step]struct{}) {
	switch e.Kind {
	case EntryStep:
		into[e.Step] = struct{}{}
	case EntryParallel:
		for _, m := range e.Members {
			collectSteps(m, into)
		}
	case EntryConditional:
		for _, b := range e.Branches {
			collectSteps(b.Entry, into)
		}
	case EntryWorkflow, EntryLoop:
		if e.Graph == nil {
			return
		}
		for _, inner := range e.Graph.Entries {
			collectSteps(inner, into)
		}
	}
}

func checkWire(graphID string, from, to FlowEntry) error {
	out := OutputSchemaOf(from)
	if out.IsZero() {
		return nil
	}
	targets := []FlowEntry{to}
	if to.Kind == EntryParallel {
		targets = to.Members
	}
	for _, t := range targets {
		in := InputSchemaOf(t)
		if in.IsZero() {
			continue
		}
		if missing := in.Missing(out.Fields); len(missing) > 0 {
			return &GraphConstructionError{
				GraphID: graphID,
				Reason: fmt.Sprintf("wire %s -> %s: input fields %s not provided by %s output",
					from.ID, t.ID, strings.Join(missing, ","), from.ID),
			}
		}
	}
	return nil
}

// InputSchemaOf returns the declared input shape of an entry.
func InputSchemaOf(e FlowEntry) Schema {
	switch e.Kind {
	case EntryStep:
		if e.Step != nil {
			return e.Step.InputSchema
		}
	case EntryWorkflow, EntryLoop:
		if e.Graph != nil {
			return e.Graph.InputSchema
		}
	}
	return Schema{}
}

// OutputSchemaOf returns the declared output shape of an entry. Groups and
// maps produce objects keyed by member id or mapping key.
func OutputSchemaOf(e FlowEntry) Schema {
	switch e.Kind {
	case EntryStep:
		if e.Step != nil {
			return e.Step.OutputSchema
		}
	case EntryWorkflow, EntryLoop:
		if e.Graph != nil {
			return e.Graph.OutputSchema
		}
	case EntryParallel:
		fields := make([]string, 0, len(e.Members))
		for _, m := range e.Members {
			fields = append(fields, m.ID)
		}
		return Schema{Name: e.ID, Fields: fields}
	case EntryMap:
		fields := make([]string, 0, len(e.Mapping))
		for k := range e.Mapping {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		return Schema{Name: e.ID, Fields: fields}
	}
	return Schema{}
}

// ComputeGraphFingerprint hashes the graph's structure: entry kinds, ids,
// schemas, mapping sources and nested fingerprints. Function values are not
// part of the hash.
func ComputeGraphFingerprint(g *ExecutionGraph) string {
	h := sha256.New()
	writeGraph(h, g)
	return hex.EncodeToString(h.Sum(nil))
}

func writeGraph(w io.Writer, g *ExecutionGraph) {
	fmt.Fprintf(w, "graph:%s;in:%s;out:%s;", g.ID, schemaKey(g.InputSchema), schemaKey(g.OutputSchema))
	for _, e := range g.Entries {
		writeEntry(w, e)
	}
	fmt.Fprint(w, "end;")
}

func writeEntry(w io.Writer, e FlowEntry) {
	fmt.Fprintf(w, "%s:%s;", e.Kind, e.ID)
	switch e.Kind {
	case EntryStep:
		if e.Step != nil {
			fmt.Fprintf(w, "in:%s;out:%s;", schemaKey(e.Step.InputSchema), schemaKey(e.Step.OutputSchema))
		}
	case EntryWorkflow:
		if e.Graph != nil {
			fmt.Fprintf(w, "sub:%s;", subFingerprint(e.Graph))
		}
	case EntryLoop:
		fmt.Fprintf(w, "while:%t;max:%d;", e.LoopWhile, e.MaxIterations)
		if e.Graph != nil {
			fmt.Fprintf(w, "body:%s;", subFingerprint(e.Graph))
		}
	case EntryParallel:
		for _, m := range e.Members {
			writeEntry(w, m)
		}
		fmt.Fprint(w, "join;")
	case EntryConditional:
		for i, b := range e.Branches {
			fmt.Fprintf(w, "case%d;", i)
			writeEntry(w, b.Entry)
		}
		fmt.Fprint(w, "esac;")
	case EntryMap:
		keys := make([]string, 0, len(e.Mapping))
		for k := range e.Mapping {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			src := e.Mapping[k]
			stepID := ""
			if src.Step != nil {
				stepID = src.Step.ID
			}
			fmt.Fprintf(w, "%s=%s:%s:%s;", k, src.Kind, stepID, src.Path)
			if src.Kind == SourceValue {
				fmt.Fprintf(w, "%v;", src.Value)
			}
		}
	}
}

func subFingerprint(g *ExecutionGraph) string {
	if g.Fingerprint != "" {
		return g.Fingerprint
	}
	return ComputeGraphFingerprint(g)
}

func schemaKey(s Schema) string {
	return s.Name + "(" + strings.Join(s.Fields, ",") + ")"
}
