// Package explorer discovers the reachable state space of a steppable
// model. Workers pull states from a level-synchronized frontier, replay
// each state's step once per decision combination through a resolver, and
// accumulate the discovered branching into a shared LTMDP.
package explorer

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veristate/veristate/pkg/fault"
	"github.com/veristate/veristate/pkg/ltmdp"
	"github.com/veristate/veristate/pkg/model"
	"github.com/veristate/veristate/pkg/resolver"
)

const (
	defaultStateCapacity = 1 << 20
	defaultNodeCapacity  = 1 << 22
)

// Config tunes one exploration run.
type Config struct {
	// Workers is the number of exploration goroutines. Defaults to
	// GOMAXPROCS.
	Workers int

	// StateCapacity bounds distinct states and stored vectors.
	StateCapacity int64

	// NodeCapacity bounds the shared continuation arena.
	NodeCapacity int64

	// Logger receives progress output. Defaults to slog.Default.
	Logger *slog.Logger
}

// Option adjusts an Engine beyond its Config.
type Option func(*Engine)

// WithOnStateExplored registers an observer invoked after each state is
// fully explored, with the state's id and the number of paths replayed.
// The observer must be safe for concurrent use.
func WithOnStateExplored(fn func(id ltmdp.StateID, paths int)) Option {
	return func(e *Engine) { e.onState = fn }
}

// Stats summarizes one exploration run.
type Stats struct {
	States  int64
	Paths   int64
	Nodes   int64
	Rounds  int
	Elapsed time.Duration
}

// Result carries the raw state space. The caller owns the storage and the
// accumulator and decides when to free them.
type Result struct {
	LTMDP   *ltmdp.LTMDP
	Index   *ltmdp.TargetIndex
	Storage *StateStorage
	Stats   Stats
}

// Engine drives one exploration run. It is single-use.
type Engine struct {
	cfg     Config
	factory model.Factory
	props   []string
	log     *slog.Logger
	onState func(ltmdp.StateID, int)

	statesExplored atomic.Int64
	pathsExecuted  atomic.Int64
}

// New validates the configuration and prepares an engine. The factory is
// invoked once per worker; props name the atomic propositions each model
// instance must evaluate, in labeling bit order.
func New(factory model.Factory, props []string, cfg Config, opts ...Option) (*Engine, error) {
	if factory == nil {
		return nil, fault.Consistencyf("nil model factory")
	}
	if len(props) > model.MaxPropositions {
		return nil, fault.Capacityf("%d propositions exceed the %d-bit labeling", len(props), model.MaxPropositions)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.StateCapacity <= 0 {
		cfg.StateCapacity = defaultStateCapacity
	}
	if cfg.NodeCapacity <= 0 {
		cfg.NodeCapacity = defaultNodeCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Engine{
		cfg:     cfg,
		factory: factory,
		props:   props,
		log:     cfg.Logger.With("component", "explorer"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// stateRef names one discovered, not yet explored state.
type stateRef struct {
	id        ltmdp.StateID
	storageID int32
}

// worker bundles the per-goroutine exploration state.
type worker struct {
	model   model.Model
	rewards model.RewardSource
	graph   *ltmdp.StepGraph
	res     *resolver.Resolver
	scratch []byte
	next    []stateRef
}

// Explore builds the full reachable state space and returns the accumulated
// LTMDP together with the target index and vector storage.
func (e *Engine) Explore() (*Result, error) {
	start := time.Now()

	workers := make([]*worker, e.cfg.Workers)
	for i := range workers {
		m, err := e.factory(e.props)
		if err != nil {
			return nil, fmt.Errorf("model instance %d: %w", i, err)
		}
		w := &worker{model: m, graph: ltmdp.NewStepGraph()}
		w.res = resolver.New(w.graph)
		w.rewards, _ = m.(model.RewardSource)
		workers[i] = w
	}

	vecSize := workers[0].model.StateVectorSize()
	storage, err := NewStateStorage("state-vectors", vecSize, e.cfg.StateCapacity)
	if err != nil {
		return nil, err
	}
	done := false
	defer func() {
		if !done {
			storage.Free()
		}
	}()
	for _, w := range workers {
		w.scratch = make([]byte, vecSize)
	}

	index, err := ltmdp.NewTargetIndex(e.cfg.StateCapacity)
	if err != nil {
		return nil, err
	}
	acc, err := ltmdp.New(ltmdp.Config{NodeCapacity: e.cfg.NodeCapacity, StateCapacity: e.cfg.StateCapacity})
	if err != nil {
		return nil, err
	}

	frontier, err := e.exploreInitial(workers[0], storage, index, acc)
	if err != nil {
		return nil, err
	}

	rounds := 0
	for len(frontier) > 0 {
		rounds++
		next, err := e.round(workers, frontier, storage, index, acc)
		if err != nil {
			return nil, err
		}
		e.log.Debug("round explored",
			"round", rounds,
			"frontier", len(frontier),
			"discovered", len(next),
			"states", e.statesExplored.Load())
		frontier = next
	}

	stats := Stats{
		States:  index.Count(),
		Paths:   e.pathsExecuted.Load(),
		Nodes:   acc.NodeCount(),
		Rounds:  rounds,
		Elapsed: time.Since(start),
	}
	e.log.Info("exploration finished",
		"states", stats.States,
		"paths", stats.Paths,
		"nodes", stats.Nodes,
		"rounds", stats.Rounds,
		"elapsed", stats.Elapsed)

	done = true
	return &Result{LTMDP: acc, Index: index, Storage: storage, Stats: stats}, nil
}

// exploreInitial replays the initial step and seeds the frontier with the
// initial distribution's targets. The initial root is recorded on the
// accumulator rather than on any state.
func (e *Engine) exploreInitial(w *worker, storage *StateStorage, index *ltmdp.TargetIndex, acc *ltmdp.LTMDP) (refs []stateRef, err error) {
	defer fault.Recover(&err)

	w.next = w.next[:0]
	w.res.PrepareNextState()
	for w.res.PrepareNextPath() {
		if err := w.model.ExecuteInitialStep(w.res); err != nil {
			return nil, fmt.Errorf("initial step: %w", err)
		}
		target, reward, err := w.capture(storage, index)
		if err != nil {
			return nil, err
		}
		w.graph.FinishLeaf(w.res.ContinuationID(), target, reward)
		e.pathsExecuted.Add(1)
	}
	root, err := acc.Commit(w.graph)
	if err != nil {
		return nil, err
	}
	acc.SetInitialRoot(root)
	return w.next, nil
}

// round fans the frontier out over the workers and collects the next one.
func (e *Engine) round(workers []*worker, frontier []stateRef, storage *StateStorage, index *ltmdp.TargetIndex, acc *ltmdp.LTMDP) ([]stateRef, error) {
	active := len(workers)
	if len(frontier) < active {
		active = len(frontier)
	}

	errs := make([]error, active)
	var wg sync.WaitGroup
	for i := 0; i < active; i++ {
		lo := len(frontier) * i / active
		hi := len(frontier) * (i + 1) / active
		w := workers[i]
		w.next = w.next[:0]
		wg.Add(1)
		go func(i int, w *worker, refs []stateRef) {
			defer wg.Done()
			for _, ref := range refs {
				if err := e.exploreState(w, ref, storage, index, acc); err != nil {
					errs[i] = fmt.Errorf("state %d: %w", ref.id, err)
					return
				}
			}
		}(i, w, frontier[lo:hi])
	}
	wg.Wait()

	var next []stateRef
	for i := 0; i < active; i++ {
		if errs[i] != nil {
			return nil, errs[i]
		}
		next = append(next, workers[i].next...)
	}
	return next, nil
}

// exploreState replays every decision combination of one state and commits
// the resulting continuation graph. Faults raised by the resolver or the
// step graph surface as errors here.
func (e *Engine) exploreState(w *worker, ref stateRef, storage *StateStorage, index *ltmdp.TargetIndex, acc *ltmdp.LTMDP) (err error) {
	defer fault.Recover(&err)

	vec, err := storage.VectorAt(ref.storageID)
	if err != nil {
		return err
	}

	paths := 0
	w.res.PrepareNextState()
	for w.res.PrepareNextPath() {
		w.model.ReadState(vec)
		if err := w.model.ExecuteStep(w.res); err != nil {
			return fmt.Errorf("step: %w", err)
		}
		target, reward, err := w.capture(storage, index)
		if err != nil {
			return err
		}
		w.graph.FinishLeaf(w.res.ContinuationID(), target, reward)
		paths++
	}

	root, err := acc.Commit(w.graph)
	if err != nil {
		return err
	}
	if err := acc.SetStateRoot(ref.id, root); err != nil {
		return err
	}

	e.statesExplored.Add(1)
	e.pathsExecuted.Add(int64(paths))
	if e.onState != nil {
		e.onState(ref.id, paths)
	}
	return nil
}

// capture serializes the model's post-step state, deduplicates it and
// returns the transition target of the path that just finished. Targets
// seen for the first time are queued for the next round.
func (w *worker) capture(storage *StateStorage, index *ltmdp.TargetIndex) (ltmdp.TransitionTarget, float64, error) {
	w.model.WriteState(w.scratch)
	sid, _, err := storage.Put(w.scratch)
	if err != nil {
		return ltmdp.TransitionTarget{}, 0, err
	}
	lab, err := w.model.Labeling()
	if err != nil {
		return ltmdp.TransitionTarget{}, 0, fmt.Errorf("labeling: %w", err)
	}
	key := ltmdp.TransitionTarget{Labeling: lab, StorageID: sid}
	id, inserted, err := index.Put(key)
	if err != nil {
		return ltmdp.TransitionTarget{}, 0, err
	}
	if inserted {
		w.next = append(w.next, stateRef{id: id, storageID: sid})
	}
	var reward float64
	if w.rewards != nil {
		reward = w.rewards.StepReward()
	}
	return key, reward, nil
}
