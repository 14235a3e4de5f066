// Package tank models a pressure tank kept filled by two redundant pumps.
// Each step the controller nondeterministically schedules one working pump;
// the scheduled pump may fail permanently with a fixed chance. The tank
// drains one unit per step and ruptures when the pressure limit is reached;
// rupture and depletion are absorbing. The model exists to exercise the
// engine end to end and as a template for writing steppable models.
package tank

import (
	"github.com/google/cel-go/cel"

	"github.com/veristate/veristate/pkg/fault"
	"github.com/veristate/veristate/pkg/model"
	"github.com/veristate/veristate/pkg/props"
)

// Proposition sources over the tank's state variables, for use as formula
// atoms.
const (
	PropRuptured = "level >= limit"
	PropDry      = "level == 0"
	PropNoPumps  = "!pump1ok && !pump2ok"
)

// Config shapes one tank model.
type Config struct {
	// Limit is the rupture pressure. Levels are clamped to [0, Limit].
	Limit int

	// Initial is the pressure after the initial step.
	Initial int

	// FailChance is the probability that a scheduled pump fails.
	FailChance float64

	// PumpYield is how much pressure one pump stroke adds before the
	// per-step drain of one unit.
	PumpYield int
}

// NewFactory returns a model factory for the given tank configuration.
func NewFactory(cfg Config) (model.Factory, error) {
	if cfg.PumpYield <= 0 {
		cfg.PumpYield = 2
	}
	// Levels live in an int8 state vector byte; the pre-clamp maximum is
	// limit-1 plus one pump yield.
	if cfg.Limit <= 0 || cfg.Limit+cfg.PumpYield > 127 {
		return nil, fault.Capacityf("tank limit %d with yield %d outside int8 levels", cfg.Limit, cfg.PumpYield)
	}
	if cfg.Initial < 0 || cfg.Initial > cfg.Limit {
		return nil, fault.Consistencyf("initial level %d outside [0, %d]", cfg.Initial, cfg.Limit)
	}
	if cfg.FailChance < 0 || cfg.FailChance > 1 {
		return nil, fault.Consistencyf("fail chance %v outside [0, 1]", cfg.FailChance)
	}

	env, err := props.NewBoolEnv(map[string]*cel.Type{
		"level":   cel.IntType,
		"limit":   cel.IntType,
		"pump1ok": cel.BoolType,
		"pump2ok": cel.BoolType,
	})
	if err != nil {
		return nil, err
	}

	return func(atoms []string) (model.Model, error) {
		set, err := props.Compile(env, atoms)
		if err != nil {
			return nil, err
		}
		return &tank{cfg: cfg, props: set, vars: make(map[string]any, 4)}, nil
	}, nil
}

// tank is one model instance. Instances are worker-local and never shared.
type tank struct {
	cfg   Config
	props *props.Set
	vars  map[string]any

	level   int8
	pump1ok bool
	pump2ok bool
	reward  float64
}

var _ model.Model = (*tank)(nil)
var _ model.RewardSource = (*tank)(nil)

// StateVectorSize returns the serialized width: level plus two pump flags.
func (t *tank) StateVectorSize() int { return 3 }

func (t *tank) WriteState(dst []byte) {
	dst[0] = byte(t.level)
	dst[1] = flag(t.pump1ok)
	dst[2] = flag(t.pump2ok)
}

func (t *tank) ReadState(src []byte) {
	t.level = int8(src[0])
	t.pump1ok = src[1] != 0
	t.pump2ok = src[2] != 0
}

// ExecuteInitialStep moves the pristine tank to its starting pressure with
// both pumps intact. The initial distribution is deterministic.
func (t *tank) ExecuteInitialStep(model.Chooser) error {
	t.level = int8(t.cfg.Initial)
	t.pump1ok = true
	t.pump2ok = true
	t.reward = 0
	return nil
}

// ExecuteStep advances the tank by one controller cycle. Rupture and
// depletion are absorbing, so the reachable space stays finite.
func (t *tank) ExecuteStep(c model.Chooser) error {
	t.reward = 0
	if t.ruptured() || t.dry() {
		return nil
	}

	// The schedulable pumps are a function of the restored state, so the
	// decision sequence is identical on every replay.
	var pumps [2]*bool
	count := 0
	if t.pump1ok {
		pumps[count] = &t.pump1ok
		count++
	}
	if t.pump2ok {
		pumps[count] = &t.pump2ok
		count++
	}

	if count > 0 {
		scheduled := pumps[c.Choose(count)]
		t.reward = 1 // one stroke of pump energy
		if c.ChooseWeighted2(1-t.cfg.FailChance, t.cfg.FailChance) == 1 {
			*scheduled = false
		} else {
			t.level += int8(t.cfg.PumpYield)
		}
	}

	t.level--
	if t.level < 0 {
		t.level = 0
	}
	if t.level > int8(t.cfg.Limit) {
		t.level = int8(t.cfg.Limit)
	}
	return nil
}

// Labeling evaluates the compiled propositions against the current state.
func (t *tank) Labeling() (model.Labeling, error) {
	t.vars["level"] = int64(t.level)
	t.vars["limit"] = int64(t.cfg.Limit)
	t.vars["pump1ok"] = t.pump1ok
	t.vars["pump2ok"] = t.pump2ok
	return t.props.Evaluate(t.vars)
}

// StepReward reports the pump energy spent on the path that just finished.
func (t *tank) StepReward() float64 { return t.reward }

func (t *tank) ruptured() bool { return t.level >= int8(t.cfg.Limit) }
func (t *tank) dry() bool      { return t.level == 0 }

func flag(b bool) byte {
	if b {
		return 1
	}
	return 0
}
