package nmdp

import (
	"github.com/veristate/veristate/pkg/fault"
	"github.com/veristate/veristate/pkg/ltmdp"
	"github.com/veristate/veristate/pkg/model"
)

// Transition is one resolved edge of a distribution: the probability of
// reaching Target once every nondeterministic decision of the distribution
// is fixed, with the reward of the path that produced it.
type Transition struct {
	Probability float64
	Reward      float64
	Target      ltmdp.StateID
}

// StateCursor enumerates the states of a model in dense-id order. The
// zero-adjacent pattern follows the storage readers elsewhere in this
// module: Next advances and reports validity, accessors read the current
// position, Reset restarts.
type StateCursor struct {
	m  *Model
	id int
}

// States returns a cursor over all states.
func (m *Model) States() *StateCursor {
	return &StateCursor{m: m, id: -1}
}

// Next advances to the next state and reports whether one exists.
func (c *StateCursor) Next() bool {
	if c.id+1 >= len(c.m.states) {
		return false
	}
	c.id++
	return true
}

// Reset restarts the cursor before the first state.
func (c *StateCursor) Reset() { c.id = -1 }

// ID returns the current state's dense id.
func (c *StateCursor) ID() ltmdp.StateID { return ltmdp.StateID(c.id) }

// Labeling returns the current state's proposition labeling.
func (c *StateCursor) Labeling() model.Labeling { return c.m.states[c.id].Labeling }

// Distributions returns a cursor over the current state's distributions.
func (c *StateCursor) Distributions() *DistributionCursor {
	return c.m.Distributions(c.m.states[c.id].Root)
}

// decision is one nondeterministic node encountered while resolving a
// distribution, with the child currently taken.
type decision struct {
	loc    Location
	count  int32
	chosen int32
}

// DistributionCursor enumerates the distributions reachable under one
// continuation root: one distribution per combination of values for the
// nondeterministic decisions in the graph. It advances through the
// combinations like the exploration resolver's odometer, so the most
// recently encountered decision varies fastest. Probabilistic branching
// below the fixed decisions is flattened into the distribution's
// transitions with multiplied probabilities.
type DistributionCursor struct {
	m     *Model
	root  Location
	stack []decision
	seen  map[Location]int
	trans []Transition
	walk  []walkFrame
	first bool
	done  bool
}

type walkFrame struct {
	loc  Location
	prob float64
}

// Distributions returns a cursor over the distributions rooted at loc.
// The initial distribution is enumerated with Distributions(m.InitialRoot()).
func (m *Model) Distributions(root Location) *DistributionCursor {
	return &DistributionCursor{m: m, root: root, seen: make(map[Location]int), first: true}
}

// Next resolves the next combination of nondeterministic decisions and
// reports whether one exists.
func (c *DistributionCursor) Next() bool {
	if c.done {
		return false
	}
	if c.first {
		c.first = false
		c.resolve()
		return true
	}
	for len(c.stack) > 0 {
		d := &c.stack[len(c.stack)-1]
		if d.chosen+1 < d.count {
			d.chosen++
			break
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	if len(c.stack) == 0 {
		c.done = true
		return false
	}
	c.resolve()
	return true
}

// Reset restarts the cursor before the first distribution.
func (c *DistributionCursor) Reset() {
	c.stack = c.stack[:0]
	c.first = true
	c.done = false
}

// Transitions returns a cursor over the current distribution's resolved
// transitions.
func (c *DistributionCursor) Transitions() *TransitionCursor {
	return &TransitionCursor{trans: c.trans, pos: -1}
}

// resolve re-walks the graph under the cursor's root, replaying the first
// len(stack) decisions from the odometer and taking value 0 at decisions
// encountered beyond it. Traversal order is deterministic, so the replay
// prefix always meets the same decisions in the same order.
func (c *DistributionCursor) resolve() {
	c.trans = c.trans[:0]
	clear(c.seen)
	replayed := 0

	root := c.m.nodes[c.root]
	c.walk = append(c.walk[:0], walkFrame{loc: c.root, prob: root.Probability})
	for len(c.walk) > 0 {
		fr := c.walk[len(c.walk)-1]
		c.walk = c.walk[:len(c.walk)-1]
		n := c.m.nodes[fr.loc]

		switch n.Kind {
		case ltmdp.KindLeaf:
			c.trans = append(c.trans, Transition{
				Probability: fr.prob,
				Reward:      n.Reward,
				Target:      n.State,
			})

		case ltmdp.KindProbabilistic:
			// All children contribute; pushed in reverse so the walk
			// visits them left to right.
			for loc := n.To; loc >= n.From; loc-- {
				c.walk = append(c.walk, walkFrame{loc: loc, prob: fr.prob * c.m.nodes[loc].Probability})
			}

		case ltmdp.KindNondeterministic:
			count := int32(n.To - n.From + 1)
			if count == 1 {
				// Converted forwards and collapsed decisions: nothing to
				// choose, descend into the shared child.
				child := n.From
				c.walk = append(c.walk, walkFrame{loc: child, prob: fr.prob * c.m.nodes[child].Probability})
				continue
			}
			var chosen int32
			if idx, ok := c.seen[fr.loc]; ok {
				// A shared decision already fixed on this resolution.
				chosen = c.stack[idx].chosen
			} else if replayed < len(c.stack) {
				if c.stack[replayed].loc != fr.loc {
					panic(fault.Consistencyf("distribution replay met decision at %d, recorded %d", fr.loc, c.stack[replayed].loc))
				}
				chosen = c.stack[replayed].chosen
				c.seen[fr.loc] = replayed
				replayed++
			} else {
				c.stack = append(c.stack, decision{loc: fr.loc, count: count})
				c.seen[fr.loc] = len(c.stack) - 1
				replayed++
			}
			child := n.From + Location(chosen)
			c.walk = append(c.walk, walkFrame{loc: child, prob: fr.prob * c.m.nodes[child].Probability})

		default:
			panic(fault.Consistencyf("resolving %s node %d", n.Kind, fr.loc))
		}
	}
}

// TransitionCursor enumerates the transitions of one resolved distribution.
// It stays valid until its DistributionCursor advances.
type TransitionCursor struct {
	trans []Transition
	pos   int
}

// Next advances to the next transition and reports whether one exists.
func (c *TransitionCursor) Next() bool {
	if c.pos+1 >= len(c.trans) {
		return false
	}
	c.pos++
	return true
}

// Reset restarts the cursor before the first transition.
func (c *TransitionCursor) Reset() { c.pos = -1 }

// Probability returns the current transition's resolved probability.
func (c *TransitionCursor) Probability() float64 { return c.trans[c.pos].Probability }

// Reward returns the reward of the path behind the current transition.
func (c *TransitionCursor) Reward() float64 { return c.trans[c.pos].Reward }

// Target returns the current transition's target state.
func (c *TransitionCursor) Target() ltmdp.StateID { return c.trans[c.pos].Target }
