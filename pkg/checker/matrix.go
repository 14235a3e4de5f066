package checker

import (
	"math"

	"github.com/veristate/veristate/pkg/fault"
	"github.com/veristate/veristate/pkg/ltmdp"
	"github.com/veristate/veristate/pkg/model"
	"github.com/veristate/veristate/pkg/nmdp"
)

// Transition is one compact-matrix edge: the resolved probability of
// reaching Target under one distribution, with the reward of the path
// behind it.
type Transition struct {
	Probability float64
	Reward      float64
	Target      ltmdp.StateID
}

// span is a half-open [From, To) range into one of the matrix arrays.
type span struct {
	From, To int32
}

// Matrix is the flattened form of a result model: per state, the
// distributions the nondeterministic decisions allow; per distribution, the
// resolved transitions. It is derived once per build and read-only
// afterwards; numeric back ends consume it instead of re-walking the
// continuation graphs every iteration.
type Matrix struct {
	labels  []model.Labeling
	rows    []span
	dists   []span
	trans   []Transition
	initial span
}

// deriveMatrix flattens every state's distributions through the model's
// cursors. The initial distribution set is appended after the per-state
// rows.
func deriveMatrix(m *nmdp.Model) (*Matrix, error) {
	mx := &Matrix{
		labels: make([]model.Labeling, m.StateCount()),
		rows:   make([]span, m.StateCount()),
	}

	states := m.States()
	for states.Next() {
		from, err := mx.appendDistributions(states.Distributions())
		if err != nil {
			return nil, err
		}
		mx.rows[states.ID()] = span{From: from, To: int32(len(mx.dists))}
		mx.labels[states.ID()] = states.Labeling()
	}

	from, err := mx.appendDistributions(m.Distributions(m.InitialRoot()))
	if err != nil {
		return nil, err
	}
	mx.initial = span{From: from, To: int32(len(mx.dists))}

	return mx, nil
}

func (m *Matrix) appendDistributions(dists *nmdp.DistributionCursor) (int32, error) {
	if int64(len(m.dists)) >= math.MaxInt32 {
		return 0, fault.Capacityf("matrix exceeds %d distributions", math.MaxInt32)
	}
	from := int32(len(m.dists))
	for dists.Next() {
		if int64(len(m.trans)) >= math.MaxInt32 {
			return 0, fault.Capacityf("matrix exceeds %d transitions", math.MaxInt32)
		}
		tFrom := int32(len(m.trans))
		trans := dists.Transitions()
		for trans.Next() {
			m.trans = append(m.trans, Transition{
				Probability: trans.Probability(),
				Reward:      trans.Reward(),
				Target:      trans.Target(),
			})
		}
		m.dists = append(m.dists, span{From: tFrom, To: int32(len(m.trans))})
	}
	return from, nil
}

// StateCount returns the number of states.
func (m *Matrix) StateCount() int { return len(m.labels) }

// Labeling returns the proposition labeling of state s.
func (m *Matrix) Labeling(s ltmdp.StateID) model.Labeling { return m.labels[s] }

// DistributionCount returns how many distributions state s offers.
func (m *Matrix) DistributionCount(s ltmdp.StateID) int {
	r := m.rows[s]
	return int(r.To - r.From)
}

// Transitions returns the transitions of state s's d-th distribution. The
// slice aliases the matrix and must not be modified.
func (m *Matrix) Transitions(s ltmdp.StateID, d int) []Transition {
	sp := m.dists[m.rows[s].From+int32(d)]
	return m.trans[sp.From:sp.To:sp.To]
}

// InitialDistributionCount returns how many initial distributions exist.
func (m *Matrix) InitialDistributionCount() int {
	return int(m.initial.To - m.initial.From)
}

// InitialTransitions returns the transitions of the d-th initial
// distribution.
func (m *Matrix) InitialTransitions(d int) []Transition {
	sp := m.dists[m.initial.From+int32(d)]
	return m.trans[sp.From:sp.To:sp.To]
}

// TransitionCount returns the total number of matrix transitions.
func (m *Matrix) TransitionCount() int { return len(m.trans) }
