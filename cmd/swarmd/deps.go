package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/claim"
	"github.com/fyrsmithlabs/swarmd/internal/config"
	"github.com/fyrsmithlabs/swarmd/internal/guard"
	"github.com/fyrsmithlabs/swarmd/internal/layout"
	"github.com/fyrsmithlabs/swarmd/internal/lease"
	"github.com/fyrsmithlabs/swarmd/internal/liveness"
	"github.com/fyrsmithlabs/swarmd/internal/logging"
	"github.com/fyrsmithlabs/swarmd/internal/phase"
	"github.com/fyrsmithlabs/swarmd/internal/retry"
	"github.com/fyrsmithlabs/swarmd/internal/store"
	"github.com/fyrsmithlabs/swarmd/internal/telemetry"
	"github.com/fyrsmithlabs/swarmd/internal/worker"
)

// deps holds everything a command needs, built from configuration.
type deps struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	layout    layout.Layout
	holder    string
	store     *store.GitStore
	detector  *lease.Detector
	nats      *nats.Conn
}

// depsOptions selects what initDeps builds.
type depsOptions struct {
	// freshHolder ignores --holder and the configured holder.
	freshHolder bool
}

// initDeps loads configuration and initializes logging, telemetry, the
// shared store and the liveness probe.
func initDeps(ctx context.Context, opts depsOptions) (_ *deps, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	d := &deps{cfg: cfg, layout: layout.New(cfg.Store.StateDir)}
	defer func() {
		if err != nil {
			_ = d.Close(context.Background())
		}
	}()

	d.telemetry, err = telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Observability.LogLevel, cfg.Observability.LogFormat, cfg.Observability.ServiceName)
	if err != nil {
		return nil, err
	}
	d.logger, err = logging.NewLogger(logCfg, d.telemetry.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if degraded, cause := d.telemetry.Degraded(); degraded {
		d.logger.Warn(ctx, "telemetry degraded", zap.Error(cause))
	}

	d.holder, err = resolveHolder(holderFlag, cfg.Agent.Holder, opts.freshHolder)
	if err != nil {
		return nil, err
	}

	d.store, err = store.OpenGit(ctx, store.GitOptions{
		URL:             cfg.Store.URL,
		Branch:          cfg.Store.Branch,
		Workdir:         cfg.Store.Workdir,
		Layout:          d.layout,
		Username:        cfg.Store.Username,
		Token:           cfg.Store.Token.Value(),
		AuthorName:      cfg.Store.AuthorName,
		AuthorEmail:     cfg.Store.AuthorEmail,
		MinSyncInterval: cfg.Store.MinSyncInterval.Duration(),
		Watch:           cfg.Store.Watch,
		Logger:          d.logger,
	})
	if err != nil {
		return nil, err
	}

	prober, err := d.prober()
	if err != nil {
		return nil, err
	}
	d.detector = lease.NewDetector(prober, cfg.Lease.TTL())
	return d, nil
}

// resolveHolder picks the holder id: flag, then configuration, then a new
// host/pid/nonce id for this process.
func resolveHolder(flag, configured string, fresh bool) (string, error) {
	if !fresh {
		if flag != "" {
			return flag, nil
		}
		if configured != "" {
			return configured, nil
		}
	}
	h, err := liveness.NewHolder()
	if err != nil {
		return "", fmt.Errorf("holder id: %w", err)
	}
	return h.String(), nil
}

func (d *deps) prober() (liveness.Prober, error) {
	timeout := d.cfg.Liveness.Timeout.Duration()
	switch d.cfg.Liveness.Probe {
	case config.ProbeNone:
		return liveness.AlwaysAlive, nil
	case config.ProbeNATS:
		conn, err := nats.Connect(d.cfg.Liveness.NATSURL,
			nats.Name("swarmd "+d.holder),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS at %s: %w", d.cfg.Liveness.NATSURL, err)
		}
		d.nats = conn
		return liveness.NewNATSProbe(conn, timeout), nil
	default:
		self, err := selfHolder(d.holder)
		if err != nil {
			return nil, err
		}
		return liveness.NewHostProbe(self, timeout), nil
	}
}

// selfHolder is the identity the host check treats as this process. A
// host-form holder id is used as is so our own leases never look stale;
// any other id gets a fresh host/pid/nonce.
func selfHolder(holder string) (liveness.Holder, error) {
	if h, err := liveness.ParseHolder(holder); err == nil {
		return h, nil
	}
	return liveness.NewHolder()
}

func (d *deps) protocol(holdings *lease.Holdings) (*claim.Protocol, error) {
	return claim.New(d.store, claim.Options{
		Layout:         d.layout,
		Holder:         d.holder,
		Detector:       d.detector,
		Policy:         retry.NewPolicy(d.cfg.Retry.MaxAttempts),
		AppendAttempts: d.cfg.Retry.AppendAttempts,
		TerminalPrefix: d.cfg.Agent.TerminalPrefix,
		Holdings:       holdings,
		Logger:         d.logger,
		Tracer:         d.telemetry.Tracer("swarmd"),
		Meter:          d.telemetry.Meter("swarmd"),
	})
}

func (d *deps) gate(holdings *lease.Holdings) (*phase.Gate, error) {
	return phase.NewGate(d.store, phase.Options{
		Layout:         d.layout,
		Holder:         d.holder,
		Detector:       d.detector,
		Holdings:       holdings,
		MaxRounds:      d.cfg.Validation.MaxRounds,
		AppendAttempts: d.cfg.Retry.AppendAttempts,
		Logger:         d.logger,
		Tracer:         d.telemetry.Tracer("swarmd"),
		Meter:          d.telemetry.Meter("swarmd"),
	})
}

// worker returns the CLI worker shared by tasks, planning and validation.
func (d *deps) worker() *worker.Command {
	return worker.NewCommand(worker.CommandOptions{
		Name:    d.cfg.Worker.Command,
		Model:   d.cfg.Worker.Model,
		Args:    d.cfg.Worker.ExtraArgs(),
		Dir:     d.cfg.Store.Workdir,
		Timeout: d.cfg.Worker.Timeout.Duration(),
		Logger:  d.logger.Named("worker"),
	})
}

// planner returns the file planner when a plan file is configured, the
// CLI planner otherwise.
func (d *deps) planner(cmd *worker.Command) (phase.Planner, error) {
	if d.cfg.Planner.PlanFile != "" {
		return &worker.FilePlanner{Path: d.workPath(d.cfg.Planner.PlanFile)}, nil
	}
	var brief string
	if d.cfg.Planner.Brief != "" {
		data, err := os.ReadFile(d.workPath(d.cfg.Planner.Brief))
		if err != nil {
			return nil, fmt.Errorf("read planner brief: %w", err)
		}
		brief = string(data)
	}
	return worker.NewCommandPlanner(cmd, brief), nil
}

// guard returns the publish guard, nil when disabled.
func (d *deps) guard() (*guard.Guard, error) {
	if !d.cfg.Guard.ScanSecrets {
		return nil, nil
	}
	allowlist, err := guard.LoadAllowlist(d.cfg.Store.Workdir)
	if err != nil {
		return nil, err
	}
	return guard.New(allowlist)
}

func (d *deps) workPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.cfg.Store.Workdir, p)
}

// Close releases everything initDeps opened.
func (d *deps) Close(ctx context.Context) error {
	var errs []error
	if d.nats != nil {
		d.nats.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if err := d.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}
	if d.logger != nil {
		_ = d.logger.Sync()
	}
	return errors.Join(errs...)
}

// closeDeps closes d within the shutdown timeout and joins any error into
// *errp.
func closeDeps(d *deps, errp *error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Status.ShutdownTimeout.Duration())
	defer cancel()
	*errp = errors.Join(*errp, d.Close(ctx))
}
