// Package props compiles atomic propositions into labeling evaluators.
// A proposition is a boolean CEL expression over the model's state
// variables; its source text doubles as the proposition name referenced by
// formula atoms, so the checker can hand a model factory exactly the
// expressions its formulas need.
package props

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/veristate/veristate/pkg/fault"
	"github.com/veristate/veristate/pkg/model"
)

// NewBoolEnv returns a CEL environment declaring the given state variables.
// Declarations are applied in name order so two models with the same schema
// compile identically.
func NewBoolEnv(vars map[string]*cel.Type) (*cel.Env, error) {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := make([]cel.EnvOption, 0, len(names))
	for _, name := range names {
		opts = append(opts, cel.Variable(name, vars[name]))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("prop env: %w", err)
	}
	return env, nil
}

// Set is an ordered collection of compiled propositions. Proposition i
// populates labeling bit i; the order is fixed at compile time and must
// match the order the checker registered the atoms in.
type Set struct {
	names []string
	progs []cel.Program
	pool  *activationPool
}

// Compile compiles each expression against env. Every expression must
// type-check to bool; anything else is rejected before exploration starts.
func Compile(env *cel.Env, exprs []string) (*Set, error) {
	if len(exprs) > model.MaxPropositions {
		return nil, fault.Capacityf("%d propositions exceed the %d-bit labeling", len(exprs), model.MaxPropositions)
	}

	s := &Set{
		names: make([]string, len(exprs)),
		progs: make([]cel.Program, len(exprs)),
		pool:  newActivationPool(),
	}

	for i, src := range exprs {
		ast, issues := env.Compile(src)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile proposition %q: %w", src, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fault.Formulaf("proposition %q evaluates to %s, want bool", src, ast.OutputType())
		}
		prog, err := env.Program(ast, cel.EvalOptions(cel.OptOptimize))
		if err != nil {
			return nil, fmt.Errorf("program proposition %q: %w", src, err)
		}
		s.names[i] = src
		s.progs[i] = prog
	}

	return s, nil
}

// Len returns the number of propositions.
func (s *Set) Len() int { return len(s.progs) }

// Names returns the proposition sources in bit order.
func (s *Set) Names() []string { return s.names }

// Evaluate runs every proposition against the given state variables and
// returns the resulting labeling. Evaluation errors (e.g. a variable the
// model failed to provide) abort the whole labeling; a partially labeled
// state would silently corrupt deduplication.
func (s *Set) Evaluate(vars map[string]any) (model.Labeling, error) {
	act := s.pool.get(vars)
	defer s.pool.put(act)

	var l model.Labeling
	for i, prog := range s.progs {
		out, _, err := prog.Eval(act)
		if err != nil {
			return 0, fmt.Errorf("eval proposition %q: %w", s.names[i], err)
		}
		holds, ok := out.Value().(bool)
		if !ok {
			return 0, fmt.Errorf("eval proposition %q: got %T, want bool", s.names[i], out.Value())
		}
		if holds {
			l = l.With(i)
		}
	}
	return l, nil
}
