// Package formula defines the temporal-formula AST accepted by the checker
// and the semantic-kind analysis that validates a formula against the
// operation it is registered for. Formulas are plain value structs; build
// them directly:
//
//	formula.Probability{Path: formula.Finally{Inner: formula.Atom{Name: "tank ruptured"}}}
//
// Atoms reference atomic propositions by name. The checker collects the
// atoms of all registered formulas and fixes their labeling-bit order before
// the state space is built.
package formula

import (
	"fmt"
	"strconv"
)

// Node is any vertex of the formula AST.
type Node interface {
	fmt.Stringer
	node()
}

// Formula is a state formula or a quantitative root (probability/reward).
type Formula interface {
	Node
	formula()
}

// Path is a path formula usable under Probability or ExpectedReward.
type Path interface {
	Node
	path()
}

// Atom references one atomic proposition by name.
type Atom struct {
	Name string
}

// Constant is the literal true/false state formula.
type Constant struct {
	Value bool
}

// Not negates a state formula.
type Not struct {
	Inner Formula
}

// And conjoins two state formulas.
type And struct {
	Left, Right Formula
}

// Or disjoins two state formulas.
type Or struct {
	Left, Right Formula
}

// Implies is material implication over state formulas.
type Implies struct {
	Left, Right Formula
}

// Next holds when the inner formula holds after exactly one transition.
type Next struct {
	Inner Formula
}

// Finally holds on paths that eventually reach a state satisfying Inner.
// Bound > 0 restricts the reach to that many transitions; 0 is unbounded.
type Finally struct {
	Inner Formula
	Bound int
}

// Globally holds on paths along which Inner holds forever.
// Bound > 0 restricts the window to that many transitions; 0 is unbounded.
type Globally struct {
	Inner Formula
	Bound int
}

// Until holds on paths where Left holds until Right does.
// Bound > 0 restricts the reach to that many transitions; 0 is unbounded.
type Until struct {
	Left, Right Formula
	Bound       int
}

// Probability is the probability-valued root: the probability measure of
// paths satisfying Path, under the policy the calculator selects.
type Probability struct {
	Path Path
}

// ExpectedReward is the reward-valued root: the expected reward accumulated
// until Path is satisfied.
type ExpectedReward struct {
	Path Path
}

func (Atom) node()           {}
func (Constant) node()       {}
func (Not) node()            {}
func (And) node()            {}
func (Or) node()             {}
func (Implies) node()        {}
func (Next) node()           {}
func (Finally) node()        {}
func (Globally) node()       {}
func (Until) node()          {}
func (Probability) node()    {}
func (ExpectedReward) node() {}

func (Atom) formula()           {}
func (Constant) formula()       {}
func (Not) formula()            {}
func (And) formula()            {}
func (Or) formula()             {}
func (Implies) formula()        {}
func (Probability) formula()    {}
func (ExpectedReward) formula() {}

func (Next) path()     {}
func (Finally) path()  {}
func (Globally) path() {}
func (Until) path()    {}

func (a Atom) String() string     { return strconv.Quote(a.Name) }
func (c Constant) String() string { return strconv.FormatBool(c.Value) }
func (n Not) String() string      { return "!" + n.Inner.String() }
func (a And) String() string      { return "(" + a.Left.String() + " && " + a.Right.String() + ")" }
func (o Or) String() string       { return "(" + o.Left.String() + " || " + o.Right.String() + ")" }
func (i Implies) String() string  { return "(" + i.Left.String() + " -> " + i.Right.String() + ")" }
func (n Next) String() string     { return "X " + n.Inner.String() }

func (f Finally) String() string {
	return "F" + boundSuffix(f.Bound) + " " + f.Inner.String()
}

func (g Globally) String() string {
	return "G" + boundSuffix(g.Bound) + " " + g.Inner.String()
}

func (u Until) String() string {
	return "(" + u.Left.String() + " U" + boundSuffix(u.Bound) + " " + u.Right.String() + ")"
}

func (p Probability) String() string    { return "P[" + p.Path.String() + "]" }
func (r ExpectedReward) String() string { return "R[" + r.Path.String() + "]" }

func boundSuffix(bound int) string {
	if bound <= 0 {
		return ""
	}
	return "<=" + strconv.Itoa(bound)
}
