package props

import (
	"sync"

	"github.com/google/cel-go/interpreter"
)

// varActivation adapts a plain variable map to the CEL activation interface
// without the per-call allocation of interpreter.NewActivation.
type varActivation struct {
	vars map[string]any
}

var _ interpreter.Activation = (*varActivation)(nil)

func (a *varActivation) ResolveName(name string) (any, bool) {
	v, ok := a.vars[name]
	return v, ok
}

func (a *varActivation) Parent() interpreter.Activation { return nil }

// activationPool recycles activations across Evaluate calls. Labeling runs
// once per discovered state, so the allocation would otherwise scale with
// the state space.
type activationPool struct {
	pool sync.Pool
}

func newActivationPool() *activationPool {
	return &activationPool{
		pool: sync.Pool{
			New: func() any { return &varActivation{} },
		},
	}
}

func (p *activationPool) get(vars map[string]any) *varActivation {
	act := p.pool.Get().(*varActivation)
	act.vars = vars
	return act
}

func (p *activationPool) put(act *varActivation) {
	act.vars = nil
	p.pool.Put(act)
}
