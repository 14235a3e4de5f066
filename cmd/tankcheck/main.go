// Command tankcheck explores the pressure-tank example model, checks its
// safety properties, and optionally exports the built state space for
// inspection.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/veristate/veristate/models/tank"
	"github.com/veristate/veristate/pkg/checker"
	"github.com/veristate/veristate/pkg/formula"
	"github.com/veristate/veristate/pkg/resultstore"
)

func main() {
	var (
		limit      = flag.Int("limit", 60, "rupture pressure")
		initial    = flag.Int("initial", 30, "starting pressure")
		failChance = flag.Float64("fail-chance", 0.01, "per-stroke pump failure probability")
		workers    = flag.Int("workers", 0, "exploration workers (0 = GOMAXPROCS)")
		dotPath    = flag.String("dot", "", "write the state space as Graphviz DOT to this file")
		jsonPath   = flag.String("json", "", "write the state space as JSON to this file")
		storePath  = flag.String("store", "", "record results in this bbolt registry")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(*limit, *initial, *failChance, *workers, *dotPath, *jsonPath, *storePath, log); err != nil {
		log.Error("tankcheck failed", "error", err)
		os.Exit(1)
	}
}

func run(limit, initial int, failChance float64, workers int, dotPath, jsonPath, storePath string, log *slog.Logger) error {
	factory, err := tank.NewFactory(tank.Config{
		Limit:      limit,
		Initial:    initial,
		FailChance: failChance,
	})
	if err != nil {
		return err
	}

	opts := []checker.Option{
		checker.WithLogger(log),
		checker.WithWorkers(workers),
	}
	if storePath != "" {
		store, err := resultstore.Open(storePath)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, checker.WithResultStore(store, "tank"))
	}

	c, err := checker.New(factory, opts...)
	if err != nil {
		return err
	}

	rupture, err := c.CalculateProbability(formula.Probability{
		Path: formula.Finally{Inner: formula.Atom{Name: tank.PropRuptured}},
	})
	if err != nil {
		return err
	}
	dry, err := c.CalculateProbability(formula.Probability{
		Path: formula.Finally{Inner: formula.Atom{Name: tank.PropDry}},
	})
	if err != nil {
		return err
	}
	energy, err := c.CalculateReward(formula.ExpectedReward{
		Path: formula.Finally{Inner: formula.Or{
			Left:  formula.Atom{Name: tank.PropRuptured},
			Right: formula.Atom{Name: tank.PropDry},
		}},
	})
	if err != nil {
		return err
	}

	if err := c.BuildProbabilityMatrix(); err != nil {
		return err
	}

	for _, query := range []struct {
		name string
		calc *checker.Calculator
	}{
		{"rupture", rupture},
		{"dry", dry},
	} {
		calc := query.calc
		max, err := calc.Compute()
		if err != nil {
			return err
		}
		min, err := calc.Minimal().Compute()
		if err != nil {
			return err
		}
		fmt.Printf("P(F %s): min=%.6g max=%.6g\n", query.name, min.Value, max.Value)
	}
	worst, err := energy.Compute()
	if err != nil {
		return err
	}
	fmt.Printf("E(pump strokes until shutdown): max=%.6g\n", worst.Value)

	space, err := c.Space()
	if err != nil {
		return err
	}
	if dotPath != "" {
		if err := export(dotPath, space.Model.WriteDOT); err != nil {
			return err
		}
		log.Info("state space exported", "format", "dot", "path", dotPath)
	}
	if jsonPath != "" {
		if err := export(jsonPath, space.Model.WriteJSON); err != nil {
			return err
		}
		log.Info("state space exported", "format", "json", "path", jsonPath)
	}
	return nil
}

func export(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("export %s: %w", path, err)
	}
	return f.Close()
}
