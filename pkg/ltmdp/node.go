package ltmdp

import (
	"fmt"

	"github.com/veristate/veristate/pkg/model"
)

// CID names one continuation-graph node by its arena index. A contiguous
// cid range always denotes one decision's full sibling set.
type CID int32

// NoCID marks an unset continuation reference.
const NoCID CID = -1

// StateID is the dense identifier assigned to a unique transition target.
type StateID int32

// NoState marks an unassigned state id.
const NoState StateID = -1

// probabilityTolerance bounds how far the weights of one probabilistic
// decision may drift from summing to 1.
const probabilityTolerance = 1e-9

// Kind discriminates the continuation-graph node variants.
type Kind uint8

const (
	// KindPending marks an allocated node whose role is not yet decided.
	// No committed graph may contain one.
	KindPending Kind = iota

	// KindLeaf ends a path; the node carries the transition target.
	KindLeaf

	// KindForward redirects to an already-built node instead of
	// re-deriving its subtree.
	KindForward

	// KindProbabilistic splits into weighted children.
	KindProbabilistic

	// KindNondeterministic splits into freely chosen children.
	KindNondeterministic
)

func (k Kind) String() string {
	switch k {
	case KindPending:
		return "pending"
	case KindLeaf:
		return "leaf"
	case KindForward:
		return "forward"
	case KindProbabilistic:
		return "probabilistic"
	case KindNondeterministic:
		return "nondeterministic"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// TransitionTarget is the identity key of a reached state: the propositions
// that held when the step finished plus the storage id of the serialized
// state vector. Two paths reaching the same key reach the same state.
type TransitionTarget struct {
	Labeling  model.Labeling
	StorageID int32
}

// Node is one continuation-graph arena entry. Probability is relative to
// the parent decision: weights for probabilistic children, 1 otherwise.
// Splits use From..To as their child cid block; forwards store the
// destination in From and To alike; leaves keep both at NoCID.
type Node struct {
	Probability float64
	Reward      float64
	Target      TransitionTarget
	From, To    CID
	Kind        Kind
}
