package checker

import (
	"math"

	"github.com/veristate/veristate/pkg/fault"
	"github.com/veristate/veristate/pkg/formula"
	"github.com/veristate/veristate/pkg/ltmdp"
)

const (
	defaultEpsilon       = 1e-9
	defaultMaxIterations = 1 << 20
)

// Quantifier selects which policy resolves the nondeterministic decisions
// during evaluation.
type Quantifier int

const (
	// Maximal resolves every decision towards the largest value.
	Maximal Quantifier = iota

	// Minimal resolves every decision towards the smallest value.
	Minimal
)

func (q Quantifier) String() string {
	if q == Minimal {
		return "minimal"
	}
	return "maximal"
}

// dual flips the quantifier, for operators evaluated through their negation.
func (q Quantifier) dual() Quantifier {
	if q == Minimal {
		return Maximal
	}
	return Minimal
}

// Evaluator computes a formula's value against a built state space. The
// default is the value-iteration evaluator; ComputeWith accepts any other
// numeric back end satisfying this interface.
type Evaluator interface {
	Evaluate(space *StateSpace, f formula.Formula, q Quantifier) (Result, error)
}

// Result is the outcome of one formula evaluation. Value carries
// probability- and reward-valued results; Holds carries boolean ones.
type Result struct {
	Kind  formula.Kind
	Value float64
	Holds bool
}

// ValueIterator is the default numeric back end: qualitative evaluation for
// boolean formulas and fixpoint value iteration for probability and reward
// ones. The zero value uses the package defaults.
type ValueIterator struct {
	// Epsilon stops unbounded iteration once the largest per-state change
	// falls below it.
	Epsilon float64

	// MaxIterations caps unbounded iteration; diverging reward queries
	// (goal unreachable with positive probability) fault instead of
	// spinning forever.
	MaxIterations int
}

func (v ValueIterator) epsilon() float64 {
	if v.Epsilon > 0 {
		return v.Epsilon
	}
	return defaultEpsilon
}

func (v ValueIterator) maxIterations() int {
	if v.MaxIterations > 0 {
		return v.MaxIterations
	}
	return defaultMaxIterations
}

// Evaluate computes f over the given state space under quantifier q.
func (v ValueIterator) Evaluate(space *StateSpace, f formula.Formula, q Quantifier) (Result, error) {
	kind, err := formula.KindOf(f)
	if err != nil {
		return Result{}, err
	}

	switch t := f.(type) {
	case formula.Probability:
		x, err := v.pathProbability(space, t.Path, q)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: kind, Value: combineInitial(space.Matrix, x, q)}, nil

	case formula.ExpectedReward:
		fin, ok := t.Path.(formula.Finally)
		if !ok {
			return Result{}, fault.Formulaf("expected reward supports reachability only, got %s", t.Path)
		}
		if fin.Bound != 0 {
			return Result{}, fault.Formulaf("expected reward does not support bounded reachability")
		}
		goal, err := satStates(space, fin.Inner)
		if err != nil {
			return Result{}, err
		}
		x, err := v.reachReward(space.Matrix, goal, q)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: kind, Value: combineInitialReward(space.Matrix, x, q)}, nil

	default:
		sat, err := satStates(space, f)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: kind, Holds: holdsInitially(space.Matrix, sat)}, nil
	}
}

// satStates evaluates a propositional state formula against every state's
// labeling.
func satStates(space *StateSpace, f formula.Formula) ([]bool, error) {
	mx := space.Matrix
	sat := make([]bool, mx.StateCount())
	for s := range sat {
		holds, err := satState(space, f, ltmdp.StateID(s))
		if err != nil {
			return nil, err
		}
		sat[s] = holds
	}
	return sat, nil
}

func satState(space *StateSpace, f formula.Formula, s ltmdp.StateID) (bool, error) {
	switch t := f.(type) {
	case formula.Atom:
		bit, err := space.Model.AtomBit(t.Name)
		if err != nil {
			return false, err
		}
		return space.Matrix.Labeling(s).Holds(bit), nil
	case formula.Constant:
		return t.Value, nil
	case formula.Not:
		h, err := satState(space, t.Inner, s)
		return !h, err
	case formula.And:
		l, err := satState(space, t.Left, s)
		if err != nil || !l {
			return false, err
		}
		return satState(space, t.Right, s)
	case formula.Or:
		l, err := satState(space, t.Left, s)
		if err != nil || l {
			return l, err
		}
		return satState(space, t.Right, s)
	case formula.Implies:
		l, err := satState(space, t.Left, s)
		if err != nil || !l {
			return true, err
		}
		return satState(space, t.Right, s)
	default:
		return false, fault.Formulaf("%s is not a state formula", f)
	}
}

// holdsInitially reports whether sat holds in every support state of every
// initial distribution.
func holdsInitially(mx *Matrix, sat []bool) bool {
	for d := 0; d < mx.InitialDistributionCount(); d++ {
		for _, tr := range mx.InitialTransitions(d) {
			if tr.Probability > 0 && !sat[tr.Target] {
				return false
			}
		}
	}
	return true
}

// pathProbability computes, per state, the probability of the path formula
// holding under quantifier q.
func (v ValueIterator) pathProbability(space *StateSpace, p formula.Path, q Quantifier) ([]float64, error) {
	switch t := p.(type) {
	case formula.Next:
		sat, err := satStates(space, t.Inner)
		if err != nil {
			return nil, err
		}
		return nextProbability(space.Matrix, sat, q), nil

	case formula.Finally:
		sat, err := satStates(space, t.Inner)
		if err != nil {
			return nil, err
		}
		all := make([]bool, space.Matrix.StateCount())
		for i := range all {
			all[i] = true
		}
		return v.untilProbability(space.Matrix, all, sat, t.Bound, q), nil

	case formula.Until:
		left, err := satStates(space, t.Left)
		if err != nil {
			return nil, err
		}
		right, err := satStates(space, t.Right)
		if err != nil {
			return nil, err
		}
		return v.untilProbability(space.Matrix, left, right, t.Bound, q), nil

	case formula.Globally:
		// P_q(G phi) = 1 - P_dual(F !phi).
		sat, err := satStates(space, t.Inner)
		if err != nil {
			return nil, err
		}
		notSat := make([]bool, len(sat))
		all := make([]bool, len(sat))
		for i, h := range sat {
			notSat[i] = !h
			all[i] = true
		}
		x := v.untilProbability(space.Matrix, all, notSat, t.Bound, q.dual())
		for i := range x {
			x[i] = 1 - x[i]
		}
		return x, nil

	default:
		return nil, fault.Formulaf("unsupported path operator %s", p)
	}
}

// nextProbability is the single-step Bellman operator over a target set.
func nextProbability(mx *Matrix, sat []bool, q Quantifier) []float64 {
	x := make([]float64, mx.StateCount())
	for s := range x {
		x[s] = optDistributions(mx, ltmdp.StateID(s), q, func(trans []Transition) float64 {
			sum := 0.0
			for _, tr := range trans {
				if sat[tr.Target] {
					sum += tr.Probability
				}
			}
			return sum
		})
	}
	return x
}

// untilProbability iterates the Bellman operator for left U right. Bound 0
// iterates to the epsilon fixpoint; a positive bound runs exactly that many
// steps. Iterating from zero converges to the least fixpoint, which is the
// correct reachability value for both quantifiers.
func (v ValueIterator) untilProbability(mx *Matrix, left, right []bool, bound int, q Quantifier) []float64 {
	n := mx.StateCount()
	x := make([]float64, n)
	next := make([]float64, n)
	for s := range x {
		if right[s] {
			x[s] = 1
		}
	}

	steps := v.maxIterations()
	if bound > 0 {
		steps = bound
	}
	for iter := 0; iter < steps; iter++ {
		delta := 0.0
		for s := 0; s < n; s++ {
			switch {
			case right[s]:
				next[s] = 1
			case !left[s]:
				next[s] = 0
			default:
				next[s] = optDistributions(mx, ltmdp.StateID(s), q, func(trans []Transition) float64 {
					sum := 0.0
					for _, tr := range trans {
						sum += tr.Probability * x[tr.Target]
					}
					return sum
				})
			}
			if d := math.Abs(next[s] - x[s]); d > delta {
				delta = d
			}
		}
		x, next = next, x
		if bound == 0 && delta < v.epsilon() {
			break
		}
	}
	return x
}

// reachReward iterates the expected accumulated reward until the goal set
// is reached. Goal states contribute nothing; a query whose goal is not
// reached with probability 1 diverges and faults at the iteration cap.
func (v ValueIterator) reachReward(mx *Matrix, goal []bool, q Quantifier) ([]float64, error) {
	n := mx.StateCount()
	x := make([]float64, n)
	next := make([]float64, n)

	for iter := 0; iter < v.maxIterations(); iter++ {
		delta := 0.0
		for s := 0; s < n; s++ {
			if goal[s] {
				next[s] = 0
				continue
			}
			next[s] = optDistributions(mx, ltmdp.StateID(s), q, func(trans []Transition) float64 {
				sum := 0.0
				for _, tr := range trans {
					sum += tr.Probability * (tr.Reward + x[tr.Target])
				}
				return sum
			})
			if d := math.Abs(next[s] - x[s]); d > delta {
				delta = d
			}
		}
		x, next = next, x
		if delta < v.epsilon() {
			return x, nil
		}
	}
	return nil, fault.Formulaf("expected reward did not converge in %d iterations; the goal is not almost surely reached", v.maxIterations())
}

// optDistributions applies f to every distribution of s and keeps the
// optimum under q. A state without distributions contributes zero.
func optDistributions(mx *Matrix, s ltmdp.StateID, q Quantifier, f func([]Transition) float64) float64 {
	count := mx.DistributionCount(s)
	if count == 0 {
		return 0
	}
	best := f(mx.Transitions(s, 0))
	for d := 1; d < count; d++ {
		val := f(mx.Transitions(s, d))
		if (q == Maximal && val > best) || (q == Minimal && val < best) {
			best = val
		}
	}
	return best
}

// combineInitial folds per-state values through the initial distributions.
func combineInitial(mx *Matrix, x []float64, q Quantifier) float64 {
	count := mx.InitialDistributionCount()
	if count == 0 {
		return 0
	}
	best := math.Inf(1)
	if q == Maximal {
		best = math.Inf(-1)
	}
	for d := 0; d < count; d++ {
		sum := 0.0
		for _, tr := range mx.InitialTransitions(d) {
			sum += tr.Probability * x[tr.Target]
		}
		if (q == Maximal && sum > best) || (q == Minimal && sum < best) {
			best = sum
		}
	}
	return best
}

// combineInitialReward folds reward values through the initial
// distributions, counting the initial step's own rewards.
func combineInitialReward(mx *Matrix, x []float64, q Quantifier) float64 {
	count := mx.InitialDistributionCount()
	if count == 0 {
		return 0
	}
	best := math.Inf(1)
	if q == Maximal {
		best = math.Inf(-1)
	}
	for d := 0; d < count; d++ {
		sum := 0.0
		for _, tr := range mx.InitialTransitions(d) {
			sum += tr.Probability * (tr.Reward + x[tr.Target])
		}
		if (q == Maximal && sum > best) || (q == Minimal && sum < best) {
			best = sum
		}
	}
	return best
}
