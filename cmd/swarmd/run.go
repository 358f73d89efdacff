package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	swarmhttp "github.com/fyrsmithlabs/swarmd/internal/http"
	"github.com/fyrsmithlabs/swarmd/internal/liveness"
	"github.com/fyrsmithlabs/swarmd/internal/logging"
	"github.com/fyrsmithlabs/swarmd/internal/orchestrator"
	"github.com/fyrsmithlabs/swarmd/internal/retry"
	"github.com/fyrsmithlabs/swarmd/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one agent until the swarm finishes",
	Long: `Run one agent of the swarm. The agent plans the backlog if nobody has,
claims and executes tasks through the worker CLI, runs validation once
every task is finished, and stops when validation passes or its rounds are
used up.

SIGINT and SIGTERM stop the agent after the current step; a running worker
is killed and its attempt recorded as a failure.

Examples:
  # Run against the repository in the current directory
  swarmd run

  # Seed the backlog from a file and expose status on :9464
  SWARM_PLANNER_PLAN_FILE=plan.yaml SWARM_STATUS_PORT=9464 swarmd run`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, _ []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := initDeps(ctx, depsOptions{})
	if err != nil {
		return err
	}
	defer closeDeps(d, &err)

	cfg := d.cfg
	ctx = logging.WithHolder(ctx, d.holder)
	d.logger.Info(ctx, "starting swarmd",
		zap.String("version", version),
		zap.String("workdir", cfg.Store.Workdir),
		zap.String("branch", cfg.Store.Branch),
		zap.String("liveness", cfg.Liveness.Probe))

	if d.nats != nil {
		responder, err := liveness.Respond(d.nats, d.holder)
		if err != nil {
			return fmt.Errorf("answer liveness pings: %w", err)
		}
		defer func() { _ = responder.Close() }()
	}

	cli := d.worker()
	planner, err := d.planner(cli)
	if err != nil {
		return err
	}
	g, err := d.guard()
	if err != nil {
		return err
	}
	var scanner orchestrator.Scanner
	if g != nil {
		scanner = g
	}

	agent, err := orchestrator.New(d.store, orchestrator.Options{
		Layout:           d.layout,
		Holder:           d.holder,
		Detector:         d.detector,
		Policy:           retry.NewPolicy(cfg.Retry.MaxAttempts),
		MaxRounds:        cfg.Validation.MaxRounds,
		AppendAttempts:   cfg.Retry.AppendAttempts,
		TerminalPrefix:   cfg.Agent.TerminalPrefix,
		MaxIterations:    cfg.Agent.MaxIterations,
		MaxPhaseFailures: cfg.Agent.MaxPhaseFailures,
		Backoff: orchestrator.Backoff{
			Min: cfg.Agent.BackoffMin.Duration(),
			Max: cfg.Agent.BackoffMax.Duration(),
		},
		Worker:    cli,
		Planner:   planner,
		Validator: worker.NewCommandValidator(cli),
		Setup:     &worker.ShellSetup{Command: cfg.Worker.SetupCommand, Dir: cfg.Store.Workdir},
		Guard:     scanner,
		Logger:    d.logger,
		Tracer:    d.telemetry.Tracer("swarmd"),
		Meter:     d.telemetry.Meter("swarmd"),
	})
	if err != nil {
		return err
	}

	if cfg.Status.Port > 0 {
		srv, err := swarmhttp.NewServer(agent, d.logger, &swarmhttp.Config{
			Host:    cfg.Status.Host,
			Port:    cfg.Status.Port,
			Version: version,
			Meter:   d.telemetry.Meter("swarmd"),
		})
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Start(); err != nil {
				d.logger.Error(ctx, "status server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Status.ShutdownTimeout.Duration())
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				d.logger.Warn(shutdownCtx, "status server shutdown", zap.Error(err))
			}
		}()
	}

	term, err := agent.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		d.logger.Info(ctx, "interrupted, agent stopped")
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "agent %s stopped: %s\n", d.holder, term)
	return nil
}
