// Package nmdp holds the canonical Nested Markov Decision Process produced
// from an accumulated LTMDP. States are exactly the distinct transition
// targets, numbered densely; each owns a continuation graph rebuilt into one
// append-once arena that is read-only after conversion. Enumeration happens
// through lazy, restartable cursors over states, distributions and
// transitions.
package nmdp

import (
	"github.com/veristate/veristate/pkg/fault"
	"github.com/veristate/veristate/pkg/ltmdp"
	"github.com/veristate/veristate/pkg/model"
)

// Location names one node of the result arena.
type Location int32

// NoLocation marks an unset arena reference.
const NoLocation Location = -1

// Node is one result-arena entry. Leaves reference their target state by
// dense id; forwards from the source graph appear as single-child
// nondeterministic nodes whose child range is the shared location.
type Node struct {
	Probability float64
	Reward      float64
	State       ltmdp.StateID
	From, To    Location
	Kind        ltmdp.Kind
}

// State pairs a root continuation with the propositions holding in it.
type State struct {
	Root     Location
	Labeling model.Labeling
}

// Model is the finished result graph.
type Model struct {
	nodes   []Node
	states  []State
	initial Location
	atoms   []string
}

// StateCount returns the number of states.
func (m *Model) StateCount() int { return len(m.states) }

// State returns the given state's root and labeling.
func (m *Model) State(id ltmdp.StateID) State { return m.states[id] }

// InitialRoot returns the root location of the initial distribution.
func (m *Model) InitialRoot() Location { return m.initial }

// Nodes exposes the arena. It must not be modified.
func (m *Model) Nodes() []Node { return m.nodes }

// NodeAt returns a copy of the node at loc.
func (m *Model) NodeAt(loc Location) Node { return m.nodes[loc] }

// Atoms returns the atomic propositions in labeling bit order.
func (m *Model) Atoms() []string { return m.atoms }

// AtomBit returns the labeling bit of the named proposition.
func (m *Model) AtomBit(name string) (int, error) {
	for i, a := range m.atoms {
		if a == name {
			return i, nil
		}
	}
	return 0, fault.Formulaf("proposition %q was not part of the build", name)
}

// atomNames lists the atoms set in l, falling back to bit numbers when the
// model carries no atom names.
func (m *Model) atomNames(l model.Labeling) []string {
	if len(m.atoms) == 0 {
		if l == 0 {
			return nil
		}
		return []string{l.String()}
	}
	var names []string
	for i, a := range m.atoms {
		if l.Holds(i) {
			names = append(names, a)
		}
	}
	return names
}
