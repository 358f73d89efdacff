package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/claim"
	"github.com/fyrsmithlabs/swarmd/internal/guard"
	"github.com/fyrsmithlabs/swarmd/internal/layout"
	"github.com/fyrsmithlabs/swarmd/internal/lease"
	"github.com/fyrsmithlabs/swarmd/internal/logging"
	"github.com/fyrsmithlabs/swarmd/internal/phase"
	"github.com/fyrsmithlabs/swarmd/internal/registry"
	"github.com/fyrsmithlabs/swarmd/internal/retry"
	"github.com/fyrsmithlabs/swarmd/internal/selector"
	"github.com/fyrsmithlabs/swarmd/internal/store"
	"github.com/fyrsmithlabs/swarmd/internal/worker"
)

const instrumentationName = "github.com/fyrsmithlabs/swarmd/internal/orchestrator"

var (
	// ErrSetupFailed stops the agent before it executes any task.
	ErrSetupFailed = errors.New("project setup failed")

	// ErrPhaseGaveUp stops the agent after a phase failed too many times in a row.
	ErrPhaseGaveUp = errors.New("phase keeps failing")
)

// DefaultMaxPhaseFailures is the number of consecutive planner or validator
// errors tolerated per phase.
const DefaultMaxPhaseFailures = 3

// Termination is why Run returned without error.
type Termination string

const (
	TerminatedValidated  Termination = "validated"
	TerminatedExhausted  Termination = "rounds_exhausted"
	TerminatedIterations Termination = "max_iterations"
)

// Cycle results, also used as the result attribute of swarm.agent.cycles.
const (
	resultWorked     = "worked"
	resultPlanned    = "planned"
	resultValidation = "validation"
	resultSkipped    = "skipped"
	resultIdle       = "idle"
	resultConflict   = "conflict"
	resultError      = "error"
	resultTerminated = "terminated"
)

// Scanner checks unpublished worker output before it is released.
type Scanner interface {
	Check(ctx context.Context, s store.Store) ([]guard.Finding, error)
}

// Options configures an Agent.
type Options struct {
	Layout         layout.Layout
	Holder         string
	Detector       *lease.Detector
	Policy         retry.Policy
	MaxRounds      int
	AppendAttempts int
	TerminalPrefix string
	// MaxIterations caps loop cycles. Zero runs until termination.
	MaxIterations int
	// MaxPhaseFailures bounds consecutive errors of one phase before Run
	// returns ErrPhaseGaveUp. Zero uses DefaultMaxPhaseFailures.
	MaxPhaseFailures int
	Backoff          Backoff

	Worker    worker.Worker
	Planner   phase.Planner
	Validator phase.Validator
	// Setup runs once before the first claim. Optional.
	Setup worker.Setup
	// Guard scans output before it is published. Optional.
	Guard Scanner

	Logger *logging.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
}

// Agent is one participant of the swarm. It drives the coordination
// protocol in a single goroutine; Snapshot may be called concurrently.
type Agent struct {
	store     store.Store
	layout    layout.Layout
	holder    string
	leases    *lease.Manager
	protocol  *claim.Protocol
	gate      *phase.Gate
	selector  selector.Selector
	worker    worker.Worker
	planner   phase.Planner
	validator phase.Validator
	setup     worker.Setup
	guard     Scanner

	maxIterations    int
	maxPhaseFailures int
	backoff          Backoff
	changes          <-chan struct{}

	logger *logging.Logger
	tracer trace.Tracer
	cycles metric.Int64Counter

	setupDone bool
	// releases holds outcomes whose release exhausted its append attempts.
	releases map[string]retry.Outcome
	// phaseFailures counts consecutive errors per phase.
	phaseFailures map[string]int

	mu   sync.RWMutex
	snap Snapshot
}

// New returns an Agent working against s.
func New(s store.Store, opts Options) (*Agent, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	switch {
	case opts.Worker == nil:
		return nil, errors.New("worker is required")
	case opts.Planner == nil:
		return nil, errors.New("planner is required")
	case opts.Validator == nil:
		return nil, errors.New("validator is required")
	}
	if opts.Layout == (layout.Layout{}) {
		opts.Layout = layout.New("")
	}
	if opts.Setup == nil {
		opts.Setup = worker.NoSetup
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(instrumentationName)
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter(instrumentationName)
	}
	opts.Backoff.applyDefaults()
	if opts.MaxPhaseFailures <= 0 {
		opts.MaxPhaseFailures = DefaultMaxPhaseFailures
	}

	holdings := lease.NewHoldings()
	protocol, err := claim.New(s, claim.Options{
		Layout:         opts.Layout,
		Holder:         opts.Holder,
		Detector:       opts.Detector,
		Policy:         opts.Policy,
		AppendAttempts: opts.AppendAttempts,
		TerminalPrefix: opts.TerminalPrefix,
		Holdings:       holdings,
		Logger:         opts.Logger,
		Tracer:         opts.Tracer,
		Meter:          opts.Meter,
	})
	if err != nil {
		return nil, err
	}
	gate, err := phase.NewGate(s, phase.Options{
		Layout:         opts.Layout,
		Holder:         opts.Holder,
		Detector:       opts.Detector,
		Holdings:       holdings,
		MaxRounds:      opts.MaxRounds,
		AppendAttempts: opts.AppendAttempts,
		Logger:         opts.Logger,
		Tracer:         opts.Tracer,
		Meter:          opts.Meter,
	})
	if err != nil {
		return nil, err
	}

	cycles, err := opts.Meter.Int64Counter(
		"swarm.agent.cycles",
		metric.WithDescription("Orchestrator loop cycles by result"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, fmt.Errorf("init agent metrics: %w", err)
	}

	a := &Agent{
		store:            s,
		layout:           opts.Layout,
		holder:           opts.Holder,
		leases:           lease.NewManager(opts.Layout),
		protocol:         protocol,
		gate:             gate,
		selector:         selector.New(opts.TerminalPrefix),
		worker:           opts.Worker,
		planner:          opts.Planner,
		validator:        opts.Validator,
		setup:            opts.Setup,
		guard:            opts.Guard,
		maxIterations:    opts.MaxIterations,
		maxPhaseFailures: opts.MaxPhaseFailures,
		backoff:          opts.Backoff,
		logger:           opts.Logger.Named("agent"),
		tracer:           opts.Tracer,
		cycles:           cycles,
		releases:         make(map[string]retry.Outcome),
		phaseFailures:    make(map[string]int),
		snap:             newSnapshot(opts.Holder, gate.MaxRounds()),
	}
	if n, ok := s.(store.Notifier); ok {
		a.changes = n.Changes()
	}
	return a, nil
}

// Holder returns the agent's holder id.
func (a *Agent) Holder() string { return a.holder }

// Run loops until the pipeline terminates, the iteration cap is reached,
// setup fails, or ctx is cancelled.
func (a *Agent) Run(ctx context.Context) (Termination, error) {
	ctx = logging.WithHolder(ctx, a.holder)
	a.logger.Info(ctx, "agent started", zap.Int("max_iterations", a.maxIterations))

	for iteration := 0; a.maxIterations == 0 || iteration < a.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			a.stop("")
			return "", err
		}

		result, term, err := a.cycle(ctx, iteration)
		if err != nil {
			a.stop("")
			return "", err
		}
		if term != "" {
			a.stop(term)
			a.logger.Info(ctx, "agent stopped", zap.String("termination", string(term)), zap.Int("cycles", iteration+1))
			return term, nil
		}

		var waitErr error
		switch result {
		case resultWorked, resultPlanned, resultValidation:
			a.backoff.Reset()
		case resultConflict, resultSkipped:
			waitErr = a.wait(ctx, a.backoff.Short(), false)
		default:
			waitErr = a.wait(ctx, a.backoff.Next(), true)
		}
		if waitErr != nil {
			a.stop("")
			return "", waitErr
		}
	}

	a.stop(TerminatedIterations)
	a.logger.Info(ctx, "iteration cap reached", zap.Int("max_iterations", a.maxIterations))
	return TerminatedIterations, nil
}

func (a *Agent) cycle(ctx context.Context, iteration int) (string, Termination, error) {
	ctx, span := a.tracer.Start(ctx, "orchestrator.Cycle", trace.WithAttributes(
		attribute.Int("iteration", iteration),
		attribute.String("agent.holder", a.holder),
	))
	defer span.End()

	result, term, err := a.step(ctx)
	span.SetAttributes(attribute.String("result", result))
	a.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	a.update(func(s *Snapshot) {
		s.Iteration = iteration + 1
		s.Cycles[result]++
		s.PendingReleases = len(a.releases)
		s.UpdatedAt = time.Now().UTC()
	})
	return result, term, err
}

func (a *Agent) step(ctx context.Context) (string, Termination, error) {
	res, err := a.store.Sync(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return resultError, "", ctx.Err()
		}
		a.logger.Warn(ctx, "sync failed", zap.Error(err))
		return resultError, "", nil
	}
	if res.LostOutput() {
		a.logger.Warn(ctx, "sync discarded unpublished output",
			zap.Int("discarded", res.Discarded),
			zap.Strings("overwritten", res.Overwritten))
		for id, outcome := range a.releases {
			if outcome == retry.Success {
				a.releases[id] = retry.Failure
			}
		}
	}

	a.flushReleases(ctx)

	if _, err := a.protocol.Reclaim(ctx); err != nil {
		a.logger.Warn(ctx, "reclaim sweep failed", zap.Error(err))
	}

	st, err := phase.ReadState(a.store, a.layout)
	if err != nil {
		a.logger.Error(ctx, "read phase state", zap.Error(err))
		return resultError, "", nil
	}
	if !st.RegistryExists {
		a.setState(StatePlanning, "")
		r, err := a.gate.RunPlanning(ctx, a.planner)
		return a.phaseResult(ctx, resultPlanned, r, err)
	}

	reg, err := registry.Load(a.store, a.layout)
	if err != nil {
		a.logger.Error(ctx, "load registry", zap.Error(err))
		return resultError, "", nil
	}
	a.observe(st, reg)

	task, ok := a.selector.Next(reg)
	if !ok {
		return a.idle(ctx, st, reg)
	}
	return a.work(ctx, task)
}

// idle decides what to do when no task is selectable.
func (a *Agent) idle(ctx context.Context, st phase.State, reg *registry.Registry) (string, Termination, error) {
	switch {
	case st.Validated:
		a.logger.Info(ctx, "pass signal present", zap.String("summary", st.Summary))
		return resultTerminated, TerminatedValidated, nil
	case !reg.AllTerminal():
		a.setState(StateWaiting, "")
		return resultIdle, "", nil
	case st.Round < a.gate.MaxRounds():
		a.setState(StateValidating, "")
		r, err := a.gate.RunValidation(ctx, a.validator)
		return a.phaseResult(ctx, resultValidation, r, err)
	case len(a.releases) == 0:
		a.logger.Warn(ctx, "validation rounds exhausted without a pass signal",
			zap.Int("round", st.Round), zap.Int("max_rounds", a.gate.MaxRounds()))
		return resultTerminated, TerminatedExhausted, nil
	default:
		a.setState(StateWaiting, "")
		return resultIdle, "", nil
	}
}

func (a *Agent) phaseResult(ctx context.Context, ran string, r phase.Result, err error) (string, Termination, error) {
	switch {
	case err != nil && ctx.Err() != nil:
		return resultError, "", ctx.Err()
	case errors.Is(err, phase.ErrPhaseFailed):
		a.phaseFailures[ran]++
		n := a.phaseFailures[ran]
		if n >= a.maxPhaseFailures {
			a.logger.Error(ctx, "phase failed repeatedly, giving up",
				zap.String("phase", ran), zap.Int("failures", n), zap.Error(err))
			return resultError, "", fmt.Errorf("%w: %s failed %d times in a row: %w", ErrPhaseGaveUp, ran, n, err)
		}
		a.logger.Warn(ctx, "phase failed, backing off",
			zap.String("phase", ran), zap.Int("failures", n), zap.Error(err))
		return resultError, "", nil
	case err != nil:
		a.logger.Error(ctx, "phase error", zap.Error(err))
		return resultError, "", nil
	case r.Held:
		a.setState(StateWaiting, "")
		return resultIdle, "", nil
	case r.Ran:
		a.phaseFailures[ran] = 0
		return ran, "", nil
	default:
		return resultSkipped, "", nil
	}
}

// work runs one claimed attempt: claim, worker, commit, guard, release.
func (a *Agent) work(ctx context.Context, task registry.Task) (string, Termination, error) {
	ctx = logging.WithTaskID(ctx, task.ID)

	if !a.setupDone {
		a.setState(StateSetup, "")
		if err := a.setup.Setup(ctx); err != nil {
			a.logger.Error(ctx, "project setup failed", zap.Error(err))
			return resultError, "", fmt.Errorf("%w: %w", ErrSetupFailed, err)
		}
		a.setupDone = true
	}

	if _, err := a.protocol.Claim(ctx, task.ID); err != nil {
		switch {
		case errors.Is(err, claim.ErrConflict):
			return resultConflict, "", nil
		case ctx.Err() != nil:
			return resultError, "", ctx.Err()
		default:
			a.logger.Warn(ctx, "claim failed", zap.Error(err))
			return resultError, "", nil
		}
	}
	a.setState(StateWorking, task.ID)

	outcome := a.execute(ctx, task)

	// The attempt is recorded even when ctx was cancelled during the worker.
	bctx := context.WithoutCancel(ctx)
	outcome = a.commit(bctx, task, outcome)
	a.release(bctx, task.ID, outcome)
	a.setState(StateWaiting, "")
	return resultWorked, "", nil
}

func (a *Agent) execute(ctx context.Context, task registry.Task) retry.Outcome {
	ctx, span := a.tracer.Start(ctx, "orchestrator.Execute", trace.WithAttributes(
		attribute.String("task.id", task.ID),
	))
	defer span.End()

	a.logger.Info(ctx, "executing task", zap.String("description", firstLine(task.Description)))
	res, err := a.worker.Run(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.Error(ctx, "worker could not run", zap.Error(err))
		return retry.Failure
	}
	span.SetAttributes(attribute.Bool("success", res.Success))
	if !res.Success {
		a.logger.Info(ctx, "worker reported failure",
			zap.Duration("duration", res.Duration),
			zap.String("output_tail", tail(res.Output, 512)))
		return retry.Failure
	}
	a.logger.Info(ctx, "worker finished", zap.Duration("duration", res.Duration))
	return retry.Success
}

// commit records worker output as a local commit and runs the publish
// guard over everything unpublished. Output that cannot be published is
// discarded and the attempt fails.
func (a *Agent) commit(ctx context.Context, task registry.Task, outcome retry.Outcome) retry.Outcome {
	msg := fmt.Sprintf("%s: %s", task.ID, firstLine(task.Description))
	if _, err := a.store.CommitPending(ctx, msg); err != nil {
		a.logger.Error(ctx, "commit worker output", zap.Error(err))
		a.discard(ctx)
		return retry.Failure
	}
	if a.guard == nil {
		return outcome
	}

	findings, err := a.guard.Check(ctx, a.store)
	if err == nil {
		return outcome
	}
	if errors.Is(err, guard.ErrSecretsFound) {
		locations := make([]string, 0, len(findings))
		for _, f := range findings {
			locations = append(locations, f.String())
		}
		a.logger.Warn(ctx, "secrets in worker output, discarding", zap.Strings("findings", locations))
	} else {
		a.logger.Error(ctx, "publish guard failed, discarding", zap.Error(err))
	}
	a.discard(ctx)
	return retry.Failure
}

func (a *Agent) discard(ctx context.Context) {
	if err := a.store.Discard(ctx); err != nil {
		a.logger.Error(ctx, "discard worker output", zap.Error(err))
	}
}

func (a *Agent) release(ctx context.Context, id string, outcome retry.Outcome) {
	if _, err := a.protocol.Release(ctx, id, outcome); err != nil {
		a.logger.Warn(ctx, "release failed, retrying next cycle", zap.Error(err))
		a.releases[id] = outcome
		return
	}
	delete(a.releases, id)
}

func (a *Agent) flushReleases(ctx context.Context) {
	ids := make([]string, 0, len(a.releases))
	for id := range a.releases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a.release(logging.WithTaskID(ctx, id), id, a.releases[id])
	}
}

// wait sleeps for d. With wake set, a remote update ends the wait early.
func (a *Agent) wait(ctx context.Context, d time.Duration, wake bool) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var changes <-chan struct{}
	if wake {
		changes = a.changes
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case <-changes:
	}
	return nil
}

func (a *Agent) observe(st phase.State, reg *registry.Registry) {
	leases, err := a.leases.List(a.store, lease.KindTask)
	if err != nil {
		leases = nil
	}
	counts := reg.Counts()
	a.update(func(s *Snapshot) {
		s.Tasks = make(map[string]int, len(counts))
		for status, n := range counts {
			s.Tasks[string(status)] = n
		}
		s.Leases = len(leases)
		s.Round = st.Round
		s.Validated = st.Validated
	})
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
