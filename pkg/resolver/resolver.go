// Package resolver replays one state's step logic once per combination of
// the decisions it makes. The model sees a plain Chooser; behind it the
// resolver records every decision on a stack and advances through the
// combinations like a mixed-radix odometer, reusing the step graph's
// already-built prefixes on replay. One resolver serves one exploration
// worker and is never shared.
package resolver

import (
	"github.com/veristate/veristate/pkg/fault"
	"github.com/veristate/veristate/pkg/ltmdp"
	"github.com/veristate/veristate/pkg/model"
)

type entry struct {
	valueCount int32
	chosen     int32
	firstChild ltmdp.CID
	kind       ltmdp.Kind

	// forwarded excludes the decision from odometer iteration while its
	// declared valueCount keeps matching the model's replayed call.
	forwarded bool
}

// Resolver enumerates the decision combinations of one state. Contract
// violations by the model raise faults as panics; the exploration boundary
// recovers them into errors.
type Resolver struct {
	graph    *ltmdp.StepGraph
	stack    []entry
	scratch  []float64
	resolved int
	current  ltmdp.CID
	first    bool
}

var (
	_ model.Chooser      = (*Resolver)(nil)
	_ model.ChoicePruner = (*Resolver)(nil)
)

// New returns a resolver recording into the given step graph.
func New(graph *ltmdp.StepGraph) *Resolver {
	return &Resolver{graph: graph, stack: make([]entry, 0, 32)}
}

// PrepareNextState resets the resolver and its step graph for a new state.
func (r *Resolver) PrepareNextState() {
	r.graph.Reset()
	r.stack = r.stack[:0]
	r.resolved = 0
	r.current = r.graph.Root()
	r.first = true
}

// PrepareNextPath advances to the next unexplored decision combination and
// reports whether one exists. The first call after PrepareNextState always
// yields the all-zero path (or the path seeded by SetChoices).
func (r *Resolver) PrepareNextPath() bool {
	if r.first {
		r.first = false
		r.resolved = 0
		r.current = r.graph.Root()
		return true
	}
	if r.resolved != len(r.stack) {
		panic(fault.Consistencyf("path resolved %d of %d recorded decisions", r.resolved, len(r.stack)))
	}
	for len(r.stack) > 0 {
		e := &r.stack[len(r.stack)-1]
		if !e.forwarded && e.chosen+1 < e.valueCount {
			e.chosen++
			break
		}
		r.stack = r.stack[:len(r.stack)-1]
	}
	if len(r.stack) == 0 {
		return false
	}
	r.resolved = 0
	r.current = r.graph.Root()
	return true
}

// Choose resolves an n-way nondeterministic decision.
func (r *Resolver) Choose(n int) int {
	return r.handle(ltmdp.KindNondeterministic, n, nil)
}

// ChooseWeighted2 resolves a binary probabilistic decision.
func (r *Resolver) ChooseWeighted2(w0, w1 float64) int {
	r.scratch = append(r.scratch[:0], w0, w1)
	return r.handle(ltmdp.KindProbabilistic, 2, r.scratch)
}

// ChooseWeighted3 resolves a ternary probabilistic decision.
func (r *Resolver) ChooseWeighted3(w0, w1, w2 float64) int {
	r.scratch = append(r.scratch[:0], w0, w1, w2)
	return r.handle(ltmdp.KindProbabilistic, 3, r.scratch)
}

// ChooseWeightedFrom resolves an n-ary probabilistic decision.
func (r *Resolver) ChooseWeightedFrom(ws []float64) int {
	return r.handle(ltmdp.KindProbabilistic, len(ws), ws)
}

// handle replays or records the decision at the current stack position and
// descends into the chosen child continuation.
func (r *Resolver) handle(kind ltmdp.Kind, valueCount int, weights []float64) int {
	idx := r.resolved
	if idx < len(r.stack) {
		e := &r.stack[idx]
		if e.firstChild == ltmdp.NoCID {
			// Seeded by SetChoices; the decision shape is learned now.
			if e.chosen >= int32(valueCount) {
				panic(fault.Consistencyf("seeded value %d outside %d alternatives at decision %d", e.chosen, valueCount, idx))
			}
			e.valueCount = int32(valueCount)
			e.kind = kind
			e.firstChild = r.split(kind, valueCount, weights)
		} else if e.kind != kind || int(e.valueCount) != valueCount {
			panic(fault.Consistencyf("decision %d changed from %s/%d to %s/%d between paths",
				idx, e.kind, e.valueCount, kind, valueCount))
		}
		r.current = e.firstChild + ltmdp.CID(e.chosen)
		r.resolved++
		return int(e.chosen)
	}

	first := r.split(kind, valueCount, weights)
	r.stack = append(r.stack, entry{
		valueCount: int32(valueCount),
		firstChild: first,
		kind:       kind,
	})
	r.current = first
	r.resolved++
	return 0
}

func (r *Resolver) split(kind ltmdp.Kind, valueCount int, weights []float64) ltmdp.CID {
	if kind == ltmdp.KindProbabilistic {
		return r.graph.SplitProbabilistic(r.current, weights)
	}
	return r.graph.SplitNondeterministic(r.current, valueCount)
}

// LastChoiceIndex returns the stack index of the most recent decision on
// the current path, or -1 before any decision was made.
func (r *Resolver) LastChoiceIndex() int { return r.resolved - 1 }

// ForwardUntakenChoicesAtIndex collapses the nondeterministic decision at
// the given index into a single-valued one: the untaken alternatives are
// rewritten as forwards to the taken branch and never enumerated. The
// current path must have taken value 0 there.
func (r *Resolver) ForwardUntakenChoicesAtIndex(index int) {
	if index < 0 || index >= r.resolved {
		panic(fault.Consistencyf("decision %d not resolved on this path", index))
	}
	e := &r.stack[index]
	if e.chosen != 0 {
		panic(fault.Consistencyf("forwarding decision %d while value %d is taken, want 0", index, e.chosen))
	}
	if e.kind != ltmdp.KindNondeterministic {
		panic(fault.Consistencyf("forwarding %s decision %d", e.kind, index))
	}
	if e.forwarded || e.valueCount == 1 {
		return
	}
	for j := int32(1); j < e.valueCount; j++ {
		r.graph.Forward(e.firstChild+ltmdp.CID(j), e.firstChild)
	}
	e.forwarded = true
}

// SetChoices pre-seeds the stack so the next path replays an externally
// supplied decision sequence. Enumeration continues from that path. It may
// only be called directly after PrepareNextState.
func (r *Resolver) SetChoices(values []int) {
	if !r.first || len(r.stack) != 0 {
		panic(fault.Orderingf("SetChoices after path enumeration started"))
	}
	for _, v := range values {
		if v < 0 {
			panic(fault.Consistencyf("seeded value %d is negative", v))
		}
		r.stack = append(r.stack, entry{
			chosen:     int32(v),
			firstChild: ltmdp.NoCID,
			kind:       ltmdp.KindPending,
		})
	}
}

// ContinuationID returns the continuation the current path is positioned
// at; after the step finished this is the path's leaf.
func (r *Resolver) ContinuationID() ltmdp.CID { return r.current }
