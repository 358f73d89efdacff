package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/swarmd/internal/layout"
	"github.com/fyrsmithlabs/swarmd/internal/lease"
	"github.com/fyrsmithlabs/swarmd/internal/liveness"
	"github.com/fyrsmithlabs/swarmd/internal/logging"
	"github.com/fyrsmithlabs/swarmd/internal/orchestrator"
	"github.com/fyrsmithlabs/swarmd/internal/phase"
	"github.com/fyrsmithlabs/swarmd/internal/registry"
	"github.com/fyrsmithlabs/swarmd/internal/retry"
	"github.com/fyrsmithlabs/swarmd/internal/store"
	"github.com/fyrsmithlabs/swarmd/internal/worker"
)

// simOptions configures a simulated swarm.
type simOptions struct {
	Agents      int
	Tasks       int
	FailRate    float64
	Seed        uint64
	MaxAttempts int
	MaxRounds   int
	Timeout     time.Duration
	LogLevel    string
}

var simOpts = simOptions{}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a swarm of in-process agents against an in-memory repository",
	Long: `Run several agents concurrently against an in-memory store with a scripted
worker that fails at a configurable rate. Useful for watching the claim,
retry and validation protocol without a git remote or a worker CLI.

Examples:
  swarmd simulate --agents 4 --tasks 12 --fail-rate 0.3`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSimulation(cmd, simOpts)
	},
}

func init() {
	f := simulateCmd.Flags()
	f.IntVar(&simOpts.Agents, "agents", 3, "number of agents")
	f.IntVar(&simOpts.Tasks, "tasks", 8, "number of backlog tasks, plus one final task")
	f.Float64Var(&simOpts.FailRate, "fail-rate", 0.2, "probability that a worker attempt fails")
	f.Uint64Var(&simOpts.Seed, "seed", 1, "random seed for worker failures")
	f.IntVar(&simOpts.MaxAttempts, "max-attempts", retry.DefaultMaxAttempts, "attempts per task")
	f.IntVar(&simOpts.MaxRounds, "max-rounds", phase.DefaultMaxRounds, "validation rounds")
	f.DurationVar(&simOpts.Timeout, "timeout", 2*time.Minute, "abort the simulation after this long")
	f.StringVar(&simOpts.LogLevel, "log-level", "warn", "agent log level")
	rootCmd.AddCommand(simulateCmd)
}

// sim is the shared scripted world: one remote, one failure source.
type sim struct {
	opts   simOptions
	layout layout.Layout
	mu     sync.Mutex
	rng    *rand.Rand
}

func (s *sim) fails() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.opts.FailRate
}

func (s *sim) jitter() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rng.IntN(3)) * time.Millisecond
}

func (s *sim) plan(context.Context) ([]registry.Task, error) {
	tasks := make([]registry.Task, 0, s.opts.Tasks+1)
	for i := 1; i <= s.opts.Tasks; i++ {
		id := fmt.Sprintf("task-%02d", i)
		tasks = append(tasks, registry.Task{ID: id, Description: "implement " + id})
	}
	tasks = append(tasks, registry.Task{ID: "final-report", Description: "summarize the work"})
	return tasks, nil
}

// validate passes once nothing failed and queues one fix task per failure.
func (s *sim) validate(_ context.Context, reg *registry.Registry, round int) (phase.Verdict, error) {
	var fixes []registry.Task
	failed := 0
	for _, t := range reg.Tasks() {
		if t.Status != registry.Failed {
			continue
		}
		failed++
		id := "fix-" + t.ID
		if _, ok := reg.Get(id); ok {
			continue
		}
		fixes = append(fixes, registry.Task{ID: id, Description: "repair " + t.ID})
	}
	if failed == 0 {
		return phase.Verdict{Passed: true, Summary: fmt.Sprintf("round %d: all tasks done", round)}, nil
	}
	return phase.Verdict{
		Summary:     fmt.Sprintf("round %d: %d failed tasks", round, failed),
		Remediation: fixes,
	}, nil
}

func (s *sim) worker(local *store.MemoryStore) worker.Func {
	return func(ctx context.Context, t registry.Task) (worker.Result, error) {
		start := time.Now()
		select {
		case <-ctx.Done():
			return worker.Result{}, ctx.Err()
		case <-time.After(s.jitter()):
		}
		if s.fails() {
			return worker.Result{Output: "scripted failure", Duration: time.Since(start)}, nil
		}
		local.WriteFile("work/"+t.ID+".txt", []byte(t.Description+"\n"))
		return worker.Result{Success: true, Duration: time.Since(start)}, nil
	}
}

func runSimulation(cmd *cobra.Command, opts simOptions) error {
	if opts.Agents < 1 {
		return errors.New("--agents must be at least 1")
	}
	if opts.Tasks < 1 {
		return errors.New("--tasks must be at least 1")
	}
	if opts.FailRate < 0 || opts.FailRate > 1 {
		return fmt.Errorf("--fail-rate must be between 0 and 1, got %g", opts.FailRate)
	}

	logCfg, err := logging.FromSettings(opts.LogLevel, "console", "swarmd-sim")
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	s := &sim{opts: opts, layout: layout.New(".swarm"), rng: rand.New(rand.NewPCG(opts.Seed, opts.Seed))}
	remote := store.NewMemoryRemote()
	detector := lease.NewDetector(liveness.AlwaysAlive, lease.DefaultTTL)

	terms := make([]orchestrator.Termination, opts.Agents)
	g, ctx := errgroup.WithContext(ctx)
	for i := range opts.Agents {
		local := remote.Client(s.layout)
		holder := fmt.Sprintf("sim-%d", i+1)
		agent, err := orchestrator.New(local, orchestrator.Options{
			Layout:    s.layout,
			Holder:    holder,
			Detector:  detector,
			Policy:    retry.NewPolicy(opts.MaxAttempts),
			MaxRounds: opts.MaxRounds,
			Backoff:   orchestrator.Backoff{Min: time.Millisecond, Max: 20 * time.Millisecond},
			Worker:    s.worker(local),
			Planner:   phase.PlannerFunc(s.plan),
			Validator: phase.ValidatorFunc(s.validate),
			Logger:    logger.Named(holder),
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			term, err := agent.Run(ctx)
			if err != nil {
				return fmt.Errorf("agent %s: %w", holder, err)
			}
			terms[i] = term
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	final := remote.Client(s.layout)
	if _, err := final.Sync(context.Background()); err != nil {
		return err
	}
	view := statusView{MaxRounds: opts.MaxRounds}
	if view.State, err = phase.ReadState(final, s.layout); err != nil {
		return err
	}
	if view.Registry, err = registry.Load(final, s.layout); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, term := range terms {
		fmt.Fprintf(out, "sim-%d: %s\n", i+1, term)
	}
	fmt.Fprintf(out, "%d commits\n\n", remote.Version())
	fmt.Fprint(out, renderStatus(view))
	return nil
}
