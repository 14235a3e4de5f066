// Package model declares the contract between the exploration engine and
// the steppable models it analyzes. A model is anything that can save and
// restore its state as a fixed-width byte vector and execute one macro step,
// making nondeterministic and probabilistic decisions through a Chooser.
// The engine replays each state's step once per decision combination, so
// step logic must be deterministic apart from the choices it requests.
package model

import (
	"math/bits"
	"strconv"
	"strings"
)

// MaxPropositions is the number of atomic propositions a labeling can hold.
const MaxPropositions = 64

// Labeling records which atomic propositions hold in a state, one bit per
// registered proposition. It is part of the state-deduplication key, so it
// must stay a comparable fixed-width value.
type Labeling uint64

// With returns the labeling with proposition bit i set.
func (l Labeling) With(i int) Labeling {
	return l | 1<<uint(i)
}

// Holds reports whether proposition bit i is set.
func (l Labeling) Holds(i int) bool {
	return l&(1<<uint(i)) != 0
}

// Count returns the number of propositions that hold.
func (l Labeling) Count() int {
	return bits.OnesCount64(uint64(l))
}

func (l Labeling) String() string {
	if l == 0 {
		return "{}"
	}
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	for i := 0; i < MaxPropositions; i++ {
		if !l.Holds(i) {
			continue
		}
		if !first {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(i))
		first = false
	}
	sb.WriteByte('}')
	return sb.String()
}

// Chooser is the decision protocol handed to a model during one step.
// Calls must happen in the same order on every replay of the same state;
// the engine enforces this and treats divergence as a contract violation.
type Chooser interface {
	// Choose resolves an n-way nondeterministic decision and returns the
	// value to take on the current path, in [0, n).
	Choose(n int) int

	// ChooseWeighted2 resolves a binary probabilistic decision. The weights
	// must sum to 1; they are recorded on the branching structure, not
	// consumed here.
	ChooseWeighted2(w0, w1 float64) int

	// ChooseWeighted3 resolves a ternary probabilistic decision.
	ChooseWeighted3(w0, w1, w2 float64) int

	// ChooseWeightedFrom resolves an n-ary probabilistic decision over the
	// given weights.
	ChooseWeightedFrom(ws []float64) int
}

// Model is one instance of a steppable model. Instances are never shared
// between exploration workers; the Factory produces one per worker.
type Model interface {
	// StateVectorSize returns the fixed byte width of serialized states.
	StateVectorSize() int

	// WriteState serializes the current state into dst, which is exactly
	// StateVectorSize bytes long.
	WriteState(dst []byte)

	// ReadState restores the state previously written by WriteState.
	ReadState(src []byte)

	// ExecuteInitialStep produces the initial distribution: it runs the
	// model from its pristine configuration to the first stable states,
	// requesting decisions through c. It is replayed exactly like a
	// regular step.
	ExecuteInitialStep(c Chooser) error

	// ExecuteStep advances the restored state by one macro step,
	// requesting decisions through c.
	ExecuteStep(c Chooser) error

	// Labeling evaluates the configured atomic propositions against the
	// current (post-step) state.
	Labeling() (Labeling, error)
}

// ChoicePruner is implemented by choosers that can collapse a decision whose
// untaken alternatives are known to be irrelevant. A model may call
// ForwardUntakenChoicesAtIndex only while the current path took value 0 at
// that decision; remaining alternatives are redirected to the taken branch
// and never enumerated.
type ChoicePruner interface {
	// LastChoiceIndex returns the stack index of the most recent decision
	// on the current path, or -1 if none was made yet.
	LastChoiceIndex() int

	// ForwardUntakenChoicesAtIndex collapses the decision at the given
	// stack index into a single-valued one.
	ForwardUntakenChoicesAtIndex(index int)
}

// RewardSource is optionally implemented by models that accumulate a reward
// during a step. The engine reads it once per completed path and attaches
// it to the resulting transition.
type RewardSource interface {
	StepReward() float64
}

// Factory constructs an independent model instance that evaluates the given
// atomic propositions, in order: proposition i populates labeling bit i.
type Factory func(props []string) (Model, error)
