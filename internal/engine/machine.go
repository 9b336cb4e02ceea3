package engine

import (
	"log/slog"

	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/log"
)

// Terminal states of a machine.
const (
	stateCompleted = -1
	stateFailed    = -2
	stateSuspended = -3
)

// state is one compiled flow entry. Success moves to next; failure and
// suspension always move to the terminal failed and suspended states.
type state struct {
	entry api.FlowEntry
	next  int

	// children are the compiled members of a parallel or conditional group,
	// gates the predicates guarding conditional children.
	children []*state
	gates    []api.ConditionFunc

	// sub is the compiled body of a nested workflow or loop.
	sub *machine
}

// machine is the finite-state form of an ExecutionGraph. States are entries
// in graph order.
type machine struct {
	graph  *api.ExecutionGraph
	states []*state
}

// machineKey marks compiled machines in an ExecutionGraph's cache.
type machineKey struct{}

// compile returns the machine cached on g, validating and compiling it on
// first use.
func (e *DefaultExecutionEngine) compile(g *api.ExecutionGraph) (*machine, error) {
	v, err := g.Compiled(machineKey{}, func() (any, error) {
		if err := api.ValidateGraph(g); err != nil {
			return nil, err
		}

		m := &machine{graph: g, states: make([]*state, len(g.Entries))}
		for i, entry := range g.Entries {
			st, err := e.compileEntry(entry)
			if err != nil {
				return nil, err
			}
			st.next = i + 1
			if i == len(g.Entries)-1 {
				st.next = stateCompleted
			}
			m.states[i] = st
		}
		e.logger.Debug("machine compiled",
			log.GraphID(g.ID),
			slog.Int("states", len(m.states)),
		)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*machine), nil
}

func (e *DefaultExecutionEngine) compileEntry(entry api.FlowEntry) (*state, error) {
	st := &state{entry: entry, next: stateCompleted}
	switch entry.Kind {
	case api.EntryParallel:
		for _, m := range entry.Members {
			child, err := e.compileEntry(m)
			if err != nil {
				return nil, err
			}
			st.children = append(st.children, child)
		}
	case api.EntryConditional:
		for _, b := range entry.Branches {
			child, err := e.compileEntry(b.Entry)
			if err != nil {
				return nil, err
			}
			st.children = append(st.children, child)
			st.gates = append(st.gates, b.When)
		}
	case api.EntryWorkflow, api.EntryLoop:
		sub, err := e.compile(entry.Graph)
		if err != nil {
			return nil, err
		}
		st.sub = sub
	}
	return st, nil
}
