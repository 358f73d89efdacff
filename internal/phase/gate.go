package phase

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/layout"
	"github.com/fyrsmithlabs/swarmd/internal/lease"
	"github.com/fyrsmithlabs/swarmd/internal/logging"
	"github.com/fyrsmithlabs/swarmd/internal/registry"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/swarmd/internal/phase"

var (
	// ErrPhaseFailed wraps a planner or validator error. The phase lease has
	// been released so another agent can retry.
	ErrPhaseFailed = errors.New("phase failed")

	// ErrHeld means another agent holds the phase lease.
	ErrHeld = fmt.Errorf("phase held: %w", lease.ErrAlreadyLocked)

	// ErrNotReady means the phase's preconditions do not hold at the head.
	ErrNotReady = errors.New("phase preconditions not met")

	// ErrUnknownPhase is returned for names other than planning and validation.
	ErrUnknownPhase = errors.New("unknown phase")
)

// Planner produces the initial backlog.
type Planner interface {
	Plan(ctx context.Context) ([]registry.Task, error)
}

// Validator inspects the finished backlog for one round.
type Validator interface {
	Validate(ctx context.Context, reg *registry.Registry, round int) (Verdict, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context) ([]registry.Task, error)

// Plan implements Planner.
func (f PlannerFunc) Plan(ctx context.Context) ([]registry.Task, error) { return f(ctx) }

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, reg *registry.Registry, round int) (Verdict, error)

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, reg *registry.Registry, round int) (Verdict, error) {
	return f(ctx, reg, round)
}

// Verdict is the result of a validation round: either a pass or a list of
// remediation tasks.
type Verdict struct {
	Passed      bool
	Summary     string
	Remediation []registry.Task
}

// Result describes one attempt at a phase.
type Result struct {
	// Ran is false when the phase was not needed or was held elsewhere.
	Ran bool
	// Held is set when another agent holds the phase lease.
	Held   bool
	Passed bool
	// Tasks counts planned or remediation tasks appended.
	Tasks int
	// Round is the validation round counter after this attempt.
	Round int
}

// Options configures a Gate.
type Options struct {
	Layout         layout.Layout
	Holder         string
	Detector       *lease.Detector
	Holdings       *lease.Holdings
	MaxRounds      int
	AppendAttempts int
	Logger         *logging.Logger
	Tracer         trace.Tracer
	Meter          metric.Meter
}

// Gate runs phases under their leases.
type Gate struct {
	store     store.Store
	layout    layout.Layout
	leases    *lease.Manager
	detector  *lease.Detector
	holder    string
	holdings  *lease.Holdings
	maxRounds int
	attempts  int
	logger    *logging.Logger
	tracer    trace.Tracer
	runs      metric.Int64Counter
}

// NewGate returns a Gate appending through s.
func NewGate(s store.Store, opts Options) (*Gate, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if opts.Holder == "" {
		return nil, errors.New("holder is required")
	}
	if opts.Layout == (layout.Layout{}) {
		opts.Layout = layout.New("")
	}
	if opts.Detector == nil {
		opts.Detector = lease.NewDetector(nil, 0)
	}
	if opts.Holdings == nil {
		opts.Holdings = lease.NewHoldings()
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	if opts.AppendAttempts <= 0 {
		opts.AppendAttempts = 5
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

	runs, err := opts.Meter.Int64Counter(
		"swarm.phase.runs",
		metric.WithDescription("Phase attempts by phase and result"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("init phase metrics: %w", err)
	}

	return &Gate{
		store:     s,
		layout:    opts.Layout,
		leases:    lease.NewManager(opts.Layout),
		detector:  opts.Detector,
		holder:    opts.Holder,
		holdings:  opts.Holdings,
		maxRounds: opts.MaxRounds,
		attempts:  opts.AppendAttempts,
		logger:    opts.Logger.Named("phase"),
		tracer:    opts.Tracer,
		runs:      runs,
	}, nil
}

// MaxRounds returns the validation round budget.
func (g *Gate) MaxRounds() int { return g.maxRounds }

// State syncs and reads the phase markers.
func (g *Gate) State(ctx context.Context) (State, error) {
	if _, err := g.store.Sync(ctx); err != nil {
		return State{}, fmt.Errorf("sync: %w", err)
	}
	return ReadState(g.store, g.layout)
}

// Acquire takes the lease for phase name. It fails with ErrHeld when
// another agent holds a live lease.
func (g *Gate) Acquire(ctx context.Context, name string) error {
	return g.acquire(ctx, name, nil)
}

func (g *Gate) acquire(ctx context.Context, name string, ready func() error) error {
	if name != Planning && name != Validation {
		return fmt.Errorf("%w: %q", ErrUnknownPhase, name)
	}
	if _, err := g.store.Sync(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	err := store.Update(ctx, g.store, g.attempts, func(int, store.SyncResult) (*store.Changeset, error) {
		if ready != nil {
			if err := ready(); err != nil {
				return nil, err
			}
		}
		cs := store.NewChangeset(fmt.Sprintf("acquire phase %s by %s", name, g.holder))
		if _, err := g.leases.Acquire(ctx, g.store, g.detector, cs, lease.KindPhase, name, g.holder); err != nil {
			if errors.Is(err, lease.ErrAlreadyLocked) {
				return nil, fmt.Errorf("%w: %w", ErrHeld, err)
			}
			return nil, err
		}
		return cs, nil
	})
	if err != nil {
		return err
	}
	g.holdings.Add(lease.KindPhase, name)
	return nil
}

// Release removes our lease on phase name. Releasing a lease we do not hold
// is a no-op.
func (g *Gate) Release(ctx context.Context, name string) error {
	if name != Planning && name != Validation {
		return fmt.Errorf("%w: %q", ErrUnknownPhase, name)
	}
	if _, err := g.store.Sync(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	err := store.Update(ctx, g.store, g.attempts, func(int, store.SyncResult) (*store.Changeset, error) {
		cs := store.NewChangeset(fmt.Sprintf("release phase %s by %s", name, g.holder))
		if !g.stageOwnRelease(cs, name) {
			return nil, nil
		}
		return cs, nil
	})
	if err != nil {
		return fmt.Errorf("release phase %s: %w", name, err)
	}
	g.holdings.Remove(lease.KindPhase, name)
	return nil
}

// stageOwnRelease stages removal of our lease on name, reporting whether we held it.
func (g *Gate) stageOwnRelease(cs *store.Changeset, name string) bool {
	cur, err := g.leases.Get(g.store, lease.KindPhase, name)
	if err != nil || cur == nil || cur.Holder != g.holder {
		return false
	}
	g.leases.StageRelease(cs, lease.KindPhase, name)
	return true
}

// fail releases the phase lease after a planner or validator error.
func (g *Gate) fail(ctx context.Context, name string, cause error) error {
	err := fmt.Errorf("%w: %s: %w", ErrPhaseFailed, name, cause)
	if relErr := g.Release(ctx, name); relErr != nil {
		return errors.Join(err, relErr)
	}
	return err
}

func (g *Gate) record(ctx context.Context, span trace.Span, name, result string, err error) {
	span.SetAttributes(attribute.String("result", result))
	g.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", name),
		attribute.String("result", result),
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Warn(ctx, "phase failed", zap.Error(err))
	}
}
