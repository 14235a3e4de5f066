package ltmdp

import (
	"math"

	"github.com/veristate/veristate/pkg/fault"
)

// defaultStepGraphCapacity sizes a fresh step graph; the arena grows as
// needed, this only avoids reallocation for typical states.
const defaultStepGraphCapacity = 256

// StepGraph records the branching structure of one state while its step is
// replayed. It is worker-local and reused across states via Reset. Node 0
// is the root of the current state's graph.
//
// Contract violations raise faults as panics; the exploration boundary
// recovers them into errors.
type StepGraph struct {
	nodes []Node
}

// NewStepGraph returns an empty step graph. Reset must be called before the
// first path of a state is recorded.
func NewStepGraph() *StepGraph {
	return &StepGraph{nodes: make([]Node, 0, defaultStepGraphCapacity)}
}

// Reset discards the previous state's graph and allocates a fresh root.
func (g *StepGraph) Reset() {
	g.nodes = g.nodes[:0]
	g.nodes = append(g.nodes, Node{Probability: 1, From: NoCID, To: NoCID, Kind: KindPending})
}

// Root returns the cid of the current state's root continuation.
func (g *StepGraph) Root() CID { return 0 }

// Len returns the number of allocated nodes.
func (g *StepGraph) Len() int { return len(g.nodes) }

// NodeAt returns a copy of the node named by cid.
func (g *StepGraph) NodeAt(cid CID) Node {
	g.check(cid)
	return g.nodes[cid]
}

// SplitNondeterministic turns the pending node at parent into an n-way
// nondeterministic decision and returns the first child cid. Children are
// allocated as one contiguous block, each with probability 1.
func (g *StepGraph) SplitNondeterministic(parent CID, valueCount int) CID {
	if valueCount <= 0 {
		panic(fault.Consistencyf("nondeterministic decision with %d alternatives", valueCount))
	}
	first := g.expand(parent, valueCount)
	for i := 0; i < valueCount; i++ {
		g.nodes[first+CID(i)] = Node{Probability: 1, From: NoCID, To: NoCID, Kind: KindPending}
	}
	g.nodes[parent].Kind = KindNondeterministic
	return first
}

// SplitProbabilistic turns the pending node at parent into a weighted
// decision and returns the first child cid. Weights must be non-negative
// and sum to 1 within tolerance; they are copied onto the children.
func (g *StepGraph) SplitProbabilistic(parent CID, weights []float64) CID {
	if len(weights) == 0 {
		panic(fault.Consistencyf("probabilistic decision with no weights"))
	}
	sum := 0.0
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) {
			panic(fault.Consistencyf("probabilistic weight %d is %v", i, w))
		}
		sum += w
	}
	if math.Abs(sum-1) > probabilityTolerance {
		panic(fault.Consistencyf("probabilistic weights sum to %v, want 1", sum))
	}
	first := g.expand(parent, len(weights))
	for i, w := range weights {
		g.nodes[first+CID(i)] = Node{Probability: w, From: NoCID, To: NoCID, Kind: KindPending}
	}
	g.nodes[parent].Kind = KindProbabilistic
	return first
}

// Forward rewrites the pending node at cid into a redirect to target.
// Targets must belong to the same state's graph.
func (g *StepGraph) Forward(cid, target CID) {
	g.check(cid)
	g.check(target)
	n := &g.nodes[cid]
	if n.Kind != KindPending {
		panic(fault.Consistencyf("forwarding %s node %d", n.Kind, cid))
	}
	n.Kind = KindForward
	n.From, n.To = target, target
}

// FinishLeaf rewrites the pending node at cid into a leaf carrying the
// transition target of the path that just completed.
func (g *StepGraph) FinishLeaf(cid CID, target TransitionTarget, reward float64) {
	g.check(cid)
	n := &g.nodes[cid]
	if n.Kind != KindPending {
		panic(fault.Consistencyf("finishing %s node %d as leaf", n.Kind, cid))
	}
	n.Kind = KindLeaf
	n.Target = target
	n.Reward = reward
}

// expand reserves a contiguous child block under parent and wires the
// parent's child range. The caller fills in the children.
func (g *StepGraph) expand(parent CID, count int) CID {
	g.check(parent)
	if g.nodes[parent].Kind != KindPending {
		panic(fault.Consistencyf("splitting %s node %d", g.nodes[parent].Kind, parent))
	}
	if int64(len(g.nodes))+int64(count) > math.MaxInt32 {
		panic(fault.Capacityf("step graph exceeds %d nodes", math.MaxInt32))
	}
	first := CID(len(g.nodes))
	g.nodes = append(g.nodes, make([]Node, count)...)
	g.nodes[parent].From = first
	g.nodes[parent].To = first + CID(count) - 1
	return first
}

func (g *StepGraph) check(cid CID) {
	if cid < 0 || int(cid) >= len(g.nodes) {
		panic(fault.Consistencyf("continuation %d outside step graph of %d nodes", cid, len(g.nodes)))
	}
}
