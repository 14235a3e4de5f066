package checker_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veristate/veristate/pkg/checker"
	"github.com/veristate/veristate/pkg/fault"
	"github.com/veristate/veristate/pkg/formula"
	"github.com/veristate/veristate/pkg/ltmdp"
	"github.com/veristate/veristate/pkg/model"
)

// toy is a three-state chain for end-to-end checker tests: the start state
// splits probabilistically (or nondeterministically) between two absorbing
// states named "a" and "b".
type toy struct {
	atoms  []string
	nondet bool
	state  byte
	reward float64
}

func toyFactory(nondet bool) model.Factory {
	return func(atoms []string) (model.Model, error) {
		return &toy{atoms: atoms, nondet: nondet}, nil
	}
}

func (m *toy) StateVectorSize() int  { return 1 }
func (m *toy) WriteState(dst []byte) { dst[0] = m.state }
func (m *toy) ReadState(src []byte)  { m.state = src[0] }
func (m *toy) StepReward() float64   { return m.reward }

func (m *toy) ExecuteInitialStep(model.Chooser) error {
	m.state = 0
	m.reward = 0
	return nil
}

func (m *toy) ExecuteStep(c model.Chooser) error {
	m.reward = 0
	if m.state != 0 {
		return nil
	}
	var v int
	if m.nondet {
		v = c.Choose(2)
	} else {
		v = c.ChooseWeighted2(0.6, 0.4)
	}
	m.state = byte(1 + v)
	if m.state == 1 {
		m.reward = 3
	}
	return nil
}

func (m *toy) Labeling() (model.Labeling, error) {
	var l model.Labeling
	for i, atom := range m.atoms {
		if (atom == "a" && m.state == 1) || (atom == "b" && m.state == 2) {
			l = l.With(i)
		}
	}
	return l, nil
}

func reachA() formula.Formula {
	return formula.Probability{Path: formula.Finally{Inner: formula.Atom{Name: "a"}}}
}

func TestChecker_ProbabilisticReachability(t *testing.T) {
	c, err := checker.New(toyFactory(false))
	require.NoError(t, err)

	calc, err := c.CalculateProbability(reachA())
	require.NoError(t, err)

	require.NoError(t, c.BuildProbabilityMatrix())

	res, err := calc.Compute()
	require.NoError(t, err)
	assert.Equal(t, formula.KindProbability, res.Kind)
	assert.InDelta(t, 0.6, res.Value, 1e-9)

	resMin, err := calc.Minimal().Compute()
	require.NoError(t, err)
	assert.InDelta(t, 0.6, resMin.Value, 1e-9, "no nondeterminism, both policies agree")
}

func TestChecker_QuantifiersOverNondeterminism(t *testing.T) {
	c, err := checker.New(toyFactory(true))
	require.NoError(t, err)

	calc, err := c.CalculateProbability(reachA())
	require.NoError(t, err)
	require.NoError(t, c.BuildProbabilityMatrix())

	max, err := calc.Compute()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, max.Value, 1e-9)

	min, err := calc.Minimal().Compute()
	require.NoError(t, err)
	assert.InDelta(t, 0.0, min.Value, 1e-9)
}

func TestChecker_BoundedAndGloballyOperators(t *testing.T) {
	c, err := checker.New(toyFactory(false))
	require.NoError(t, err)

	bounded, err := c.CalculateProbability(formula.Probability{
		Path: formula.Finally{Inner: formula.Atom{Name: "a"}, Bound: 1},
	})
	require.NoError(t, err)
	never, err := c.CalculateProbability(formula.Probability{
		Path: formula.Globally{Inner: formula.Not{Inner: formula.Atom{Name: "a"}}},
	})
	require.NoError(t, err)
	require.NoError(t, c.BuildProbabilityMatrix())

	res, err := bounded.Compute()
	require.NoError(t, err)
	assert.InDelta(t, 0.6, res.Value, 1e-9)

	res, err = never.Compute()
	require.NoError(t, err)
	assert.InDelta(t, 0.4, res.Value, 1e-9)
}

func TestChecker_ExpectedReward(t *testing.T) {
	c, err := checker.New(toyFactory(true))
	require.NoError(t, err)

	calc, err := c.CalculateReward(formula.ExpectedReward{
		Path: formula.Finally{Inner: formula.Or{
			Left:  formula.Atom{Name: "a"},
			Right: formula.Atom{Name: "b"},
		}},
	})
	require.NoError(t, err)
	require.NoError(t, c.BuildProbabilityMatrix())

	max, err := calc.Compute()
	require.NoError(t, err)
	assert.InDelta(t, 3.0, max.Value, 1e-9, "maximal policy schedules the rewarded branch")

	min, err := calc.Minimal().Compute()
	require.NoError(t, err)
	assert.InDelta(t, 0.0, min.Value, 1e-9)
}

func TestChecker_BooleanFormulaOverInitialStates(t *testing.T) {
	c, err := checker.New(toyFactory(false))
	require.NoError(t, err)

	notYetA, err := c.CalculateFormula(formula.Not{Inner: formula.Atom{Name: "a"}})
	require.NoError(t, err)
	require.NoError(t, c.BuildProbabilityMatrix())

	res, err := notYetA.Compute()
	require.NoError(t, err)
	assert.Equal(t, formula.KindBoolean, res.Kind)
	assert.True(t, res.Holds)
}

func TestChecker_RejectsKindMismatch(t *testing.T) {
	c, err := checker.New(toyFactory(false))
	require.NoError(t, err)

	_, err = c.CalculateProbability(formula.Atom{Name: "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrFormula)

	_, err = c.CalculateFormula(reachA())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrFormula)

	_, err = c.CalculateReward(reachA())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrFormula)
}

func TestChecker_OrderingFaults(t *testing.T) {
	c, err := checker.New(toyFactory(false))
	require.NoError(t, err)

	calc, err := c.CalculateProbability(reachA())
	require.NoError(t, err)

	// Query before the build finished.
	_, err = calc.Compute()
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrOrdering)

	require.NoError(t, c.BuildProbabilityMatrix())

	// Registration after the build started.
	_, err = c.CalculateProbability(reachA())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrOrdering)
}

func TestChecker_BuildRunsExactlyOnce(t *testing.T) {
	c, err := checker.New(toyFactory(false))
	require.NoError(t, err)
	_, err = c.CalculateProbability(reachA())
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.BuildProbabilityMatrix()
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		assert.NoError(t, errs[i])
	}
	assert.Equal(t, int64(1), c.Builds())
}

func TestChecker_MatrixProbabilitiesSumToOne(t *testing.T) {
	c, err := checker.New(toyFactory(false))
	require.NoError(t, err)
	_, err = c.CalculateProbability(reachA())
	require.NoError(t, err)
	require.NoError(t, c.BuildProbabilityMatrix())

	space, err := c.Space()
	require.NoError(t, err)
	mx := space.Matrix

	assert.Equal(t, 3, mx.StateCount())
	for s := 0; s < mx.StateCount(); s++ {
		id := ltmdp.StateID(s)
		for d := 0; d < mx.DistributionCount(id); d++ {
			sum := 0.0
			for _, tr := range mx.Transitions(id, d) {
				sum += tr.Probability
			}
			assert.InDelta(t, 1.0, sum, 1e-9, "state %d distribution %d", s, d)
		}
	}
}

// ComputeWith must accept any conforming back end.
type constantEvaluator struct{ value float64 }

func (e constantEvaluator) Evaluate(*checker.StateSpace, formula.Formula, checker.Quantifier) (checker.Result, error) {
	return checker.Result{Kind: formula.KindProbability, Value: e.value}, nil
}

func TestCalculator_ComputeWithExternalEvaluator(t *testing.T) {
	c, err := checker.New(toyFactory(false))
	require.NoError(t, err)
	calc, err := c.CalculateProbability(reachA())
	require.NoError(t, err)
	require.NoError(t, c.BuildProbabilityMatrix())

	res, err := calc.ComputeWith(constantEvaluator{value: 0.25})
	require.NoError(t, err)
	assert.InDelta(t, 0.25, res.Value, 1e-12)
}

func TestChecker_RejectsOversizedCapacities(t *testing.T) {
	_, err := checker.New(toyFactory(false), checker.WithStateCapacity(1<<33))
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrCapacity)
}
