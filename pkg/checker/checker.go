// Package checker orchestrates one verification run end to end: formulas
// are registered first, the probability matrix is built exactly once, and
// every registered formula can then be evaluated against the published
// state space. Registration is append-only until the build starts; the
// built space is write-once and read-many afterwards.
package checker

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veristate/veristate/pkg/explorer"
	"github.com/veristate/veristate/pkg/fault"
	"github.com/veristate/veristate/pkg/formula"
	"github.com/veristate/veristate/pkg/ltmdp"
	"github.com/veristate/veristate/pkg/model"
	"github.com/veristate/veristate/pkg/nmdp"
	"github.com/veristate/veristate/pkg/resultstore"
)

// StateSpace is the published artifact of one build: the canonical result
// model, its flattened matrix, and the exploration statistics.
type StateSpace struct {
	Model  *nmdp.Model
	Matrix *Matrix
	Stats  explorer.Stats
}

// Option adjusts a Checker.
type Option func(*Checker)

// WithWorkers sets the number of exploration goroutines.
func WithWorkers(n int) Option {
	return func(c *Checker) { c.explorerCfg.Workers = n }
}

// WithStateCapacity bounds the number of distinct states a build may
// discover.
func WithStateCapacity(n int64) Option {
	return func(c *Checker) { c.explorerCfg.StateCapacity = n }
}

// WithNodeCapacity bounds the shared continuation arena.
func WithNodeCapacity(n int64) Option {
	return func(c *Checker) { c.explorerCfg.NodeCapacity = n }
}

// WithEpsilon sets the convergence threshold of the default evaluator.
func WithEpsilon(eps float64) Option {
	return func(c *Checker) { c.eval.Epsilon = eps }
}

// WithLogger routes the checker's output through the given logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Checker) { c.log = l }
}

// WithResultStore records every default-evaluator computation in the given
// registry under the named model.
func WithResultStore(s *resultstore.Store, modelName string) Option {
	return func(c *Checker) {
		c.store = s
		c.modelName = modelName
	}
}

// WithOnStateExplored forwards a progress observer to the exploration
// engine.
func WithOnStateExplored(fn func(id ltmdp.StateID, paths int)) Option {
	return func(c *Checker) { c.onState = fn }
}

// Checker coordinates one model's verification. Formulas registered through
// the Calculate entry points become computable after BuildProbabilityMatrix
// has run. A checker is safe for concurrent use.
type Checker struct {
	factory     model.Factory
	explorerCfg explorer.Config
	eval        ValueIterator
	log         *slog.Logger
	store       *resultstore.Store
	modelName   string
	onState     func(ltmdp.StateID, int)

	mu      sync.Mutex
	pending []*Calculator

	started  atomic.Bool
	builds   atomic.Int64
	space    atomic.Pointer[StateSpace]
	buildErr atomic.Pointer[error]
}

// New prepares a checker for the given model factory. Capacity limits are
// validated eagerly: the matrix addresses states with int32 indices, so a
// wider capacity cannot be deferred to the build.
func New(factory model.Factory, opts ...Option) (*Checker, error) {
	if factory == nil {
		return nil, fault.Consistencyf("nil model factory")
	}
	c := &Checker{factory: factory}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "checker")
	if c.explorerCfg.StateCapacity > math.MaxInt32 {
		return nil, fault.Capacityf("state capacity %d exceeds int32 addressing", c.explorerCfg.StateCapacity)
	}
	if c.explorerCfg.NodeCapacity > math.MaxInt32 {
		return nil, fault.Capacityf("node capacity %d exceeds int32 addressing", c.explorerCfg.NodeCapacity)
	}
	c.explorerCfg.Logger = c.log
	return c, nil
}

// CalculateProbability registers a probability-valued formula and returns
// its deferred calculator. Registration fails once the build has started.
func (c *Checker) CalculateProbability(f formula.Formula) (*Calculator, error) {
	return c.register(f, formula.KindProbability)
}

// CalculateFormula registers a boolean-valued formula.
func (c *Checker) CalculateFormula(f formula.Formula) (*Calculator, error) {
	return c.register(f, formula.KindBoolean)
}

// CalculateReward registers a reward-valued formula.
func (c *Checker) CalculateReward(f formula.Formula) (*Calculator, error) {
	return c.register(f, formula.KindReward)
}

func (c *Checker) register(f formula.Formula, want formula.Kind) (*Calculator, error) {
	kind, err := formula.KindOf(f)
	if err != nil {
		return nil, err
	}
	if kind != want {
		return nil, fault.Formulaf("%s is %s-valued, want %s", f, kind, want)
	}
	if c.started.Load() {
		return nil, fault.Orderingf("registering %s after the build started", f)
	}

	calc := &Calculator{c: c, f: f, kind: kind, q: Maximal}
	c.mu.Lock()
	defer c.mu.Unlock()
	// The flag may have flipped between the check and the lock; the build
	// freezes the pending set under the same lock, so re-check inside it.
	if c.started.Load() {
		return nil, fault.Orderingf("registering %s after the build started", f)
	}
	c.pending = append(c.pending, calc)
	return calc, nil
}

// BuildProbabilityMatrix explores the model's state space, converts it into
// the canonical result model, and publishes the flattened matrix. Exactly
// one caller performs the build; concurrent and later callers return
// immediately. The first error is latched and returned to them.
func (c *Checker) BuildProbabilityMatrix() error {
	if !c.started.CompareAndSwap(false, true) {
		if errp := c.buildErr.Load(); errp != nil {
			return *errp
		}
		return nil
	}
	c.builds.Add(1)

	if err := c.build(); err != nil {
		c.buildErr.Store(&err)
		return err
	}
	return nil
}

func (c *Checker) build() error {
	start := time.Now()

	c.mu.Lock()
	pending := make([]*Calculator, len(c.pending))
	copy(pending, c.pending)
	c.mu.Unlock()

	formulas := make([]formula.Formula, len(pending))
	for i, calc := range pending {
		formulas[i] = calc.f
	}
	atoms := formula.CollectAtoms(formulas...)

	c.log.Info("building probability matrix",
		"formulas", len(formulas),
		"atoms", len(atoms))

	var opts []explorer.Option
	if c.onState != nil {
		opts = append(opts, explorer.WithOnStateExplored(c.onState))
	}
	engine, err := explorer.New(c.factory, atoms, c.explorerCfg, opts...)
	if err != nil {
		return err
	}
	res, err := engine.Explore()
	if err != nil {
		return fmt.Errorf("explore: %w", err)
	}
	// Vectors are only needed while states are being expanded; conversion
	// works on target keys alone.
	res.Storage.Free()

	m, err := nmdp.Convert(res.LTMDP, res.Index, nmdp.WithAtoms(atoms))
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}

	mx, err := deriveMatrix(m)
	if err != nil {
		return fmt.Errorf("derive matrix: %w", err)
	}

	space := &StateSpace{Model: m, Matrix: mx, Stats: res.Stats}
	c.space.Store(space)

	c.log.Info("probability matrix built",
		"states", mx.StateCount(),
		"transitions", mx.TransitionCount(),
		"elapsed", time.Since(start))
	return nil
}

// Space returns the published state space, or an ordering fault while no
// build has finished.
func (c *Checker) Space() (*StateSpace, error) {
	space := c.space.Load()
	if space == nil {
		return nil, fault.Orderingf("query before the probability matrix was built")
	}
	return space, nil
}

// Builds returns how many times the expensive build path actually ran.
func (c *Checker) Builds() int64 { return c.builds.Load() }

// Calculator is a formula bound to its checker, computable once the build
// has published the state space. Compute uses the checker's default
// evaluator; ComputeWith accepts an external numeric back end.
type Calculator struct {
	c    *Checker
	f    formula.Formula
	kind formula.Kind
	q    Quantifier
}

// Formula returns the registered formula.
func (calc *Calculator) Formula() formula.Formula { return calc.f }

// Kind returns the formula's semantic kind.
func (calc *Calculator) Kind() formula.Kind { return calc.kind }

// Minimal returns a calculator resolving nondeterminism towards the
// smallest value.
func (calc *Calculator) Minimal() *Calculator {
	out := *calc
	out.q = Minimal
	return &out
}

// Maximal returns a calculator resolving nondeterminism towards the
// largest value.
func (calc *Calculator) Maximal() *Calculator {
	out := *calc
	out.q = Maximal
	return &out
}

// Compute evaluates the formula with the checker's default evaluator.
func (calc *Calculator) Compute() (Result, error) {
	res, err := calc.ComputeWith(calc.c.eval)
	if err != nil {
		return Result{}, err
	}
	calc.c.record(calc, res)
	return res, nil
}

// ComputeWith evaluates the formula with an externally supplied evaluator.
func (calc *Calculator) ComputeWith(ev Evaluator) (Result, error) {
	space, err := calc.c.Space()
	if err != nil {
		return Result{}, err
	}
	return ev.Evaluate(space, calc.f, calc.q)
}

// record writes one computed result into the configured registry. A failed
// recording does not fail the computation.
func (c *Checker) record(calc *Calculator, res Result) {
	if c.store == nil {
		return
	}
	space := c.space.Load()
	rec := resultstore.Record{
		ID:          uuid.NewString(),
		Model:       c.modelName,
		Formula:     calc.f.String(),
		Kind:        calc.kind.String(),
		Quantifier:  calc.q.String(),
		Value:       res.Value,
		Holds:       res.Holds,
		States:      int64(space.Matrix.StateCount()),
		Transitions: int64(space.Matrix.TransitionCount()),
		Elapsed:     space.Stats.Elapsed,
		CheckedAt:   time.Now().UTC(),
	}
	if err := c.store.Put(rec); err != nil {
		c.log.Warn("recording result failed", "formula", rec.Formula, "error", err)
	}
}
