package nmdp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veristate/veristate/pkg/fault"
	"github.com/veristate/veristate/pkg/ltmdp"
	"github.com/veristate/veristate/pkg/model"
	"github.com/veristate/veristate/pkg/nmdp"
)

func target(lab model.Labeling, sid int32) ltmdp.TransitionTarget {
	return ltmdp.TransitionTarget{Labeling: lab, StorageID: sid}
}

// accumulator builds a hand-made LTMDP for conversion tests: targets are
// registered on first use and every registered state gets a root.
type accumulator struct {
	t   *testing.T
	acc *ltmdp.LTMDP
	idx *ltmdp.TargetIndex
	g   *ltmdp.StepGraph
}

func newAccumulator(t *testing.T) *accumulator {
	t.Helper()
	acc, err := ltmdp.New(ltmdp.Config{NodeCapacity: 256, StateCapacity: 32})
	require.NoError(t, err)
	idx, err := ltmdp.NewTargetIndex(32)
	require.NoError(t, err)
	return &accumulator{t: t, acc: acc, idx: idx, g: ltmdp.NewStepGraph()}
}

func (a *accumulator) state(key ltmdp.TransitionTarget) ltmdp.StateID {
	a.t.Helper()
	id, _, err := a.idx.Put(key)
	require.NoError(a.t, err)
	return id
}

func (a *accumulator) commit(build func(g *ltmdp.StepGraph)) ltmdp.CID {
	a.t.Helper()
	a.g.Reset()
	build(a.g)
	root, err := a.acc.Commit(a.g)
	require.NoError(a.t, err)
	return root
}

func (a *accumulator) commitFor(id ltmdp.StateID, build func(g *ltmdp.StepGraph)) {
	a.t.Helper()
	require.NoError(a.t, a.acc.SetStateRoot(id, a.commit(build)))
}

func (a *accumulator) commitInitial(build func(g *ltmdp.StepGraph)) {
	a.t.Helper()
	a.acc.SetInitialRoot(a.commit(build))
}

func TestConvert_RebuildsStatesAndProbabilisticSplit(t *testing.T) {
	a := newAccumulator(t)
	keyA, keyB := target(1, 0), target(2, 1)
	idA, idB := a.state(keyA), a.state(keyB)

	a.commitInitial(func(g *ltmdp.StepGraph) {
		g.FinishLeaf(g.Root(), keyA, 0)
	})
	a.commitFor(idA, func(g *ltmdp.StepGraph) {
		first := g.SplitProbabilistic(g.Root(), []float64{0.6, 0.4})
		g.FinishLeaf(first, keyA, 0)
		g.FinishLeaf(first+1, keyB, 0)
	})
	a.commitFor(idB, func(g *ltmdp.StepGraph) {
		g.FinishLeaf(g.Root(), keyB, 0)
	})

	sourceNodes := a.acc.NodeCount()
	m, err := nmdp.Convert(a.acc, a.idx, nmdp.WithAtoms([]string{"low", "high"}))
	require.NoError(t, err)

	assert.Equal(t, 2, m.StateCount())
	assert.Equal(t, int(sourceNodes), len(m.Nodes()))
	assert.Nil(t, a.acc.Nodes(), "source must be retired after conversion")

	init := m.NodeAt(m.InitialRoot())
	require.Equal(t, ltmdp.KindLeaf, init.Kind)
	assert.Equal(t, idA, init.State)

	stA := m.State(idA)
	assert.Equal(t, model.Labeling(1), stA.Labeling)
	rootA := m.NodeAt(stA.Root)
	require.Equal(t, ltmdp.KindProbabilistic, rootA.Kind)
	require.Equal(t, nmdp.Location(2), rootA.To-rootA.From+1)

	c0, c1 := m.NodeAt(rootA.From), m.NodeAt(rootA.To)
	assert.InDelta(t, 0.6, c0.Probability, 1e-12)
	assert.Equal(t, idA, c0.State)
	assert.InDelta(t, 0.4, c1.Probability, 1e-12)
	assert.Equal(t, idB, c1.State)
	assert.InDelta(t, 1.0, c0.Probability+c1.Probability, 1e-9)
}

func TestConvert_ForwardExpandsTargetOnce(t *testing.T) {
	a := newAccumulator(t)
	keyA, keyB, keyC := target(1, 0), target(2, 1), target(4, 2)
	idA := a.state(keyA)
	a.state(keyB)
	a.state(keyC)

	a.commitInitial(func(g *ltmdp.StepGraph) {
		g.FinishLeaf(g.Root(), keyA, 0)
	})
	// Two-way nondeterministic decision: the first branch is a three-way
	// probabilistic split, the second converges onto it via a forward.
	a.commitFor(idA, func(g *ltmdp.StepGraph) {
		first := g.SplitNondeterministic(g.Root(), 2)
		split := g.SplitProbabilistic(first, []float64{0.5, 0.3, 0.2})
		g.FinishLeaf(split, keyA, 0)
		g.FinishLeaf(split+1, keyB, 0)
		g.FinishLeaf(split+2, keyC, 0)
		g.Forward(first+1, first)
	})
	for _, key := range []ltmdp.TransitionTarget{keyB, keyC} {
		id, _ := a.idx.Lookup(key)
		a.commitFor(id, func(g *ltmdp.StepGraph) {
			g.FinishLeaf(g.Root(), key, 0)
		})
	}

	sourceNodes := a.acc.NodeCount()
	m, err := nmdp.Convert(a.acc, a.idx)
	require.NoError(t, err)

	// Node count tracks the source graph, not its path count: the forward
	// target is rebuilt exactly once.
	assert.Equal(t, int(sourceNodes), len(m.Nodes()))

	rootA := m.NodeAt(m.State(idA).Root)
	require.Equal(t, ltmdp.KindNondeterministic, rootA.Kind)
	split := m.NodeAt(rootA.From)
	require.Equal(t, ltmdp.KindProbabilistic, split.Kind)

	fwd := m.NodeAt(rootA.To)
	require.Equal(t, ltmdp.KindNondeterministic, fwd.Kind)
	assert.Equal(t, fwd.From, fwd.To, "converted forward is a single-child decision")
	assert.Equal(t, rootA.From, fwd.From, "forward shares the split's location")
}

func TestConvert_FaultsOnForwardOutsideConversionScope(t *testing.T) {
	a := newAccumulator(t)
	keyA, keyB := target(1, 0), target(2, 1)
	idA, idB := a.state(keyA), a.state(keyB)

	a.commitInitial(func(g *ltmdp.StepGraph) {
		g.FinishLeaf(g.Root(), keyA, 0)
	})

	// One committed graph serves both states: state B's root is aimed at
	// the forward node inside A's block, so its conversion scope starts
	// past the forward's target.
	var fwd ltmdp.CID
	a.commitFor(idA, func(g *ltmdp.StepGraph) {
		first := g.SplitNondeterministic(g.Root(), 2)
		g.FinishLeaf(first, keyA, 0)
		g.Forward(first+1, first)
		fwd = first + 1
	})
	root := a.acc.RootOf(idA)
	require.NoError(t, a.acc.SetStateRoot(idB, root+fwd))

	// A committed but unrooted graph keeps the result arena from running
	// out before the forward is resolved.
	a.commit(func(g *ltmdp.StepGraph) {
		g.FinishLeaf(g.Root(), keyA, 0)
	})

	_, err := nmdp.Convert(a.acc, a.idx)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrConsistency)
}

func TestConvert_FaultsOnRetiredOrIncompleteSource(t *testing.T) {
	a := newAccumulator(t)
	keyA := target(1, 0)
	idA := a.state(keyA)

	a.commitInitial(func(g *ltmdp.StepGraph) {
		g.FinishLeaf(g.Root(), keyA, 0)
	})
	a.commitFor(idA, func(g *ltmdp.StepGraph) {
		g.FinishLeaf(g.Root(), keyA, 0)
	})

	// A discovered but never explored state is an ordering fault.
	a.state(target(2, 1))
	_, err := nmdp.Convert(a.acc, a.idx)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrOrdering)

	a.acc.Retire()
	_, err = nmdp.Convert(a.acc, a.idx)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrOrdering)
}

// convertRelation builds a chain/fan model purely from a target relation and
// converts it. Each entry lists one state's probabilistic successors.
func convertRelation(t *testing.T, order []int, rel map[int][]struct {
	p  float64
	to int
}) *nmdp.Model {
	t.Helper()
	a := newAccumulator(t)

	keys := make(map[int]ltmdp.TransitionTarget, len(order))
	for _, s := range order {
		keys[s] = target(model.Labeling(1)<<uint(s), int32(s))
	}
	// Registration order drives the dense numbering; the relation does not.
	for _, s := range order {
		a.state(keys[s])
	}
	a.commitInitial(func(g *ltmdp.StepGraph) {
		g.FinishLeaf(g.Root(), keys[order[0]], 0)
	})
	for _, s := range order {
		id, _ := a.idx.Lookup(keys[s])
		succs := rel[s]
		a.commitFor(id, func(g *ltmdp.StepGraph) {
			if len(succs) == 1 {
				g.FinishLeaf(g.Root(), keys[succs[0].to], 0)
				return
			}
			ws := make([]float64, len(succs))
			for i, succ := range succs {
				ws[i] = succ.p
			}
			first := g.SplitProbabilistic(g.Root(), ws)
			for i, succ := range succs {
				g.FinishLeaf(first+ltmdp.CID(i), keys[succ.to], 0)
			}
		})
	}

	m, err := nmdp.Convert(a.acc, a.idx)
	require.NoError(t, err)
	return m
}

// TestConvert_DedupIsomorphicAcrossOrderings checks that two accumulation
// orders of the same target relation convert to the same model up to state
// renumbering. The labeling is the renumbering-independent identity.
func TestConvert_DedupIsomorphicAcrossOrderings(t *testing.T) {
	rel := map[int][]struct {
		p  float64
		to int
	}{
		0: {{0.5, 1}, {0.5, 2}},
		1: {{1, 2}},
		2: {{0.25, 0}, {0.75, 2}},
	}

	relation := func(m *nmdp.Model) map[string]float64 {
		edges := make(map[string]float64)
		states := m.States()
		for states.Next() {
			dists := states.Distributions()
			for dists.Next() {
				trans := dists.Transitions()
				for trans.Next() {
					from := states.Labeling().String()
					to := m.State(trans.Target()).Labeling.String()
					edges[from+"->"+to] += trans.Probability()
				}
			}
		}
		return edges
	}

	m1 := convertRelation(t, []int{0, 1, 2}, rel)
	m2 := convertRelation(t, []int{0, 2, 1}, rel)

	assert.Equal(t, m1.StateCount(), m2.StateCount())
	r1, r2 := relation(m1), relation(m2)
	require.Equal(t, len(r1), len(r2))
	for edge, p := range r1 {
		assert.InDelta(t, p, r2[edge], 1e-12, "edge %s", edge)
	}
}
