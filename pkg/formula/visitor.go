package formula

import (
	"github.com/veristate/veristate/pkg/fault"
)

// Visitor is invoked by Walk for each node, parents before children.
// A nil return prunes the subtree, mirroring go/ast.
type Visitor interface {
	Visit(n Node) Visitor
}

// Walk traverses the AST rooted at n in depth-first order.
func Walk(v Visitor, n Node) {
	if v = v.Visit(n); v == nil {
		return
	}

	switch t := n.(type) {
	case Atom, Constant:
	case Not:
		Walk(v, t.Inner)
	case And:
		Walk(v, t.Left)
		Walk(v, t.Right)
	case Or:
		Walk(v, t.Left)
		Walk(v, t.Right)
	case Implies:
		Walk(v, t.Left)
		Walk(v, t.Right)
	case Next:
		Walk(v, t.Inner)
	case Finally:
		Walk(v, t.Inner)
	case Globally:
		Walk(v, t.Inner)
	case Until:
		Walk(v, t.Left)
		Walk(v, t.Right)
	case Probability:
		Walk(v, t.Path)
	case ExpectedReward:
		Walk(v, t.Path)
	}
}

// Kind is the semantic kind of a formula: what value evaluating it yields.
type Kind int

const (
	// KindBoolean formulas evaluate to a truth value per state.
	KindBoolean Kind = iota

	// KindProbability formulas evaluate to a probability in [0,1].
	KindProbability

	// KindReward formulas evaluate to an expected accumulated reward.
	KindReward
)

func (k Kind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindProbability:
		return "probability"
	case KindReward:
		return "reward"
	default:
		return "unknown"
	}
}

type kindVisitor struct {
	depth int
	err   error
}

func (v *kindVisitor) Visit(n Node) Visitor {
	if v.err != nil {
		return nil
	}
	switch n.(type) {
	case Probability, ExpectedReward:
		// depth -1 is the root itself; anything deeper is nested.
		if v.depth >= 0 {
			v.err = fault.Formulaf("quantitative operator %s nested below the root", n)
			return nil
		}
	}
	v.depth++
	return v
}

// KindOf classifies a formula. Probability and ExpectedReward are only
// valid as the root of a formula; nesting them is a formula fault.
func KindOf(f Formula) (Kind, error) {
	root := KindBoolean
	switch f.(type) {
	case Probability:
		root = KindProbability
	case ExpectedReward:
		root = KindReward
	}

	v := &kindVisitor{depth: -1}
	Walk(v, f)
	if v.err != nil {
		return root, v.err
	}
	return root, nil
}

type atomCollector struct {
	seen  map[string]struct{}
	names []string
}

func (c *atomCollector) Visit(n Node) Visitor {
	if a, ok := n.(Atom); ok {
		if _, dup := c.seen[a.Name]; !dup {
			c.seen[a.Name] = struct{}{}
			c.names = append(c.names, a.Name)
		}
	}
	return c
}

// CollectAtoms returns the distinct atomic propositions referenced by the
// given formulas, in first-appearance order. The order is what fixes each
// proposition's labeling bit, so it must be deterministic.
func CollectAtoms(fs ...Formula) []string {
	c := &atomCollector{seen: make(map[string]struct{})}
	for _, f := range fs {
		Walk(c, f)
	}
	return c.names
}
