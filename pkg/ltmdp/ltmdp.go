// Package ltmdp accumulates the branching behavior discovered during state
// exploration into a Labeled Transition Markov Decision Process. Workers
// record one state's decisions at a time in a private StepGraph; finished
// graphs are committed into one shared, fixed-capacity node arena, and the
// transition targets they reach are deduplicated into dense state ids by a
// TargetIndex. The accumulated LTMDP is consumed exactly once by the
// conversion into the canonical result model and is then retired.
package ltmdp

import (
	"math"
	"sync/atomic"

	"github.com/veristate/veristate/pkg/fault"
)

// Config sizes the shared accumulator. Both capacities are hard limits;
// exceeding one during a build is a capacity fault.
type Config struct {
	// NodeCapacity bounds the total number of continuation-graph nodes
	// across all states.
	NodeCapacity int64

	// StateCapacity bounds the number of distinct transition targets.
	StateCapacity int64
}

// LTMDP is the shared accumulator. Commit and SetStateRoot may be called
// concurrently by exploration workers; each state id is written by exactly
// one worker. Reads must not start before exploration has finished.
type LTMDP struct {
	nodes       []Node
	next        atomic.Int64
	roots       []CID
	initialRoot CID
}

// New allocates an accumulator with the configured capacities.
func New(cfg Config) (*LTMDP, error) {
	if cfg.NodeCapacity <= 0 || cfg.NodeCapacity > math.MaxInt32 {
		return nil, fault.Capacityf("node capacity %d outside (0, %d]", cfg.NodeCapacity, math.MaxInt32)
	}
	if cfg.StateCapacity <= 0 || cfg.StateCapacity > math.MaxInt32 {
		return nil, fault.Capacityf("state capacity %d outside (0, %d]", cfg.StateCapacity, math.MaxInt32)
	}
	m := &LTMDP{
		nodes:       make([]Node, cfg.NodeCapacity),
		roots:       make([]CID, cfg.StateCapacity),
		initialRoot: NoCID,
	}
	for i := range m.roots {
		m.roots[i] = NoCID
	}
	return m, nil
}

// Commit copies a finished step graph into the shared arena, rebasing its
// local cids onto a freshly reserved contiguous block, and returns the
// rebased root. The graph must contain no pending nodes.
func (m *LTMDP) Commit(g *StepGraph) (CID, error) {
	count := int64(g.Len())
	if count == 0 {
		return NoCID, fault.Consistencyf("committing an empty step graph")
	}
	base := m.next.Add(count) - count
	if base+count > int64(len(m.nodes)) {
		return NoCID, fault.Capacityf("continuation arena exhausted at %d nodes", len(m.nodes))
	}
	for i, n := range g.nodes {
		if n.Kind == KindPending {
			return NoCID, fault.Consistencyf("committing pending continuation %d", i)
		}
		if n.From != NoCID {
			n.From += CID(base)
			n.To += CID(base)
		}
		m.nodes[base+int64(i)] = n
	}
	return CID(base), nil
}

// SetStateRoot records the committed root continuation of one state.
func (m *LTMDP) SetStateRoot(id StateID, root CID) error {
	if id < 0 || int64(id) >= int64(len(m.roots)) {
		return fault.Capacityf("state %d outside root table of %d", id, len(m.roots))
	}
	m.roots[id] = root
	return nil
}

// SetInitialRoot records the root of the initial distribution.
func (m *LTMDP) SetInitialRoot(root CID) { m.initialRoot = root }

// RootOf returns the root continuation of the given state, or NoCID if the
// state was never explored.
func (m *LTMDP) RootOf(id StateID) CID {
	if id < 0 || int64(id) >= int64(len(m.roots)) {
		return NoCID
	}
	return m.roots[id]
}

// InitialRoot returns the root of the initial distribution.
func (m *LTMDP) InitialRoot() CID { return m.initialRoot }

// NodeCount returns the number of committed nodes.
func (m *LTMDP) NodeCount() int64 {
	n := m.next.Load()
	if n > int64(len(m.nodes)) {
		return int64(len(m.nodes))
	}
	return n
}

// Nodes exposes the committed arena for conversion. It returns nil once the
// accumulator has been retired.
func (m *LTMDP) Nodes() []Node {
	if m.nodes == nil {
		return nil
	}
	return m.nodes[:m.NodeCount()]
}

// Retire releases the arena. The accumulator must not be read afterwards;
// retiring bounds peak memory while the result model is being built up.
func (m *LTMDP) Retire() {
	m.nodes = nil
	m.roots = nil
}
