// Package claim implements the task lease protocol over a shared store:
// claim, release with the retry policy, and the reclamation sweep.
//
// Every operation reads the local head, derives one changeset and appends
// it. A rejected append means another agent published first; the operation
// syncs and derives its intent again from the new head.
package claim

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
	"github.com/fyrsmithlabs/swarmd/internal/retry"
	"github.com/fyrsmithlabs/swarmd/internal/selector"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/swarmd/internal/claim"

// DefaultAppendAttempts bounds the read-modify-append loop of release and reclaim.
const DefaultAppendAttempts = 5

var (
	// ErrConflict matches every expected claim failure.
	ErrConflict = errors.New("claim conflict")

	// ErrAlreadyClaimed means the task was not claimable at the first look.
	ErrAlreadyClaimed = fmt.Errorf("%w: already claimed", ErrConflict)

	// ErrLostRace means our append was rejected and another agent won the task.
	ErrLostRace = fmt.Errorf("%w: lost race", ErrConflict)

	// ErrWithheld means a terminal-phase task was asked for while ordinary
	// work is still outstanding.
	ErrWithheld = fmt.Errorf("%w: terminal-phase task withheld", ErrConflict)
)

// Options configures a Protocol.
type Options struct {
	Layout         layout.Layout
	Holder         string
	Detector       *lease.Detector
	Policy         retry.Policy
	AppendAttempts int
	// TerminalPrefix marks tasks withheld until ordinary work is finished.
	// Empty uses selector.DefaultTerminalPrefix.
	TerminalPrefix string
	Holdings       *lease.Holdings
	Logger         *logging.Logger
	Tracer         trace.Tracer
	Meter          metric.Meter
}

// Protocol claims and releases tasks on behalf of one holder.
type Protocol struct {
	store    store.Store
	layout   layout.Layout
	leases   *lease.Manager
	detector *lease.Detector
	policy   retry.Policy
	selector selector.Selector
	holder   string
	attempts int
	holdings *lease.Holdings
	logger   *logging.Logger
	tracer   trace.Tracer
	metrics  *metrics
}

// New returns a Protocol appending through s.
func New(s store.Store, opts Options) (*Protocol, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if opts.Holder == "" {
		return nil, errors.New("holder is required")
	}
	if opts.Detector == nil {
		opts.Detector = lease.NewDetector(nil, 0)
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = retry.NewPolicy(0)
	}
	if opts.AppendAttempts <= 0 {
		opts.AppendAttempts = DefaultAppendAttempts
	}
	if opts.Holdings == nil {
		opts.Holdings = lease.NewHoldings()
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
	if opts.Layout == (layout.Layout{}) {
		opts.Layout = layout.New("")
	}

	m, err := newMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("init claim metrics: %w", err)
	}

	return &Protocol{
		store:    s,
		layout:   opts.Layout,
		leases:   lease.NewManager(opts.Layout),
		detector: opts.Detector,
		policy:   opts.Policy,
		selector: selector.New(opts.TerminalPrefix),
		holder:   opts.Holder,
		attempts: opts.AppendAttempts,
		holdings: opts.Holdings,
		logger:   opts.Logger.Named("claim"),
		tracer:   opts.Tracer,
		metrics:  m,
	}, nil
}

// Holder returns the holder id written into our leases.
func (p *Protocol) Holder() string { return p.holder }

// Holdings returns the set of leases this process remembers acquiring.
func (p *Protocol) Holdings() *lease.Holdings { return p.holdings }

// Claim takes task id: the lease and the in_progress transition are
// published as one append. Conflicts return errors matching ErrConflict.
func (p *Protocol) Claim(ctx context.Context, id string) (lease.Lease, error) {
	ctx = logging.WithTaskID(ctx, id)
	ctx, span := p.tracer.Start(ctx, "claim.Claim", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.String("agent.holder", p.holder),
	))
	defer span.End()

	l, err := p.claim(ctx, id)
	result := claimResult(err)
	span.SetAttributes(attribute.String("result", result))
	p.metrics.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))

	switch {
	case err == nil:
		p.holdings.Add(lease.KindTask, id)
		p.logger.Info(ctx, "task claimed")
	case errors.Is(err, ErrConflict):
		p.logger.Debug(ctx, "claim conflict", zap.Error(err))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return l, err
}

func (p *Protocol) claim(ctx context.Context, id string) (lease.Lease, error) {
	if _, err := p.store.Sync(ctx); err != nil {
		return lease.Lease{}, fmt.Errorf("sync: %w", err)
	}

	// A rejection only proves a race happened. After it, look again: if the
	// task is still free, try once more.
	for attempt := 0; attempt < 2; attempt++ {
		conflict := ErrAlreadyClaimed
		if attempt > 0 {
			conflict = ErrLostRace
			if _, err := p.store.Sync(ctx); err != nil {
				return lease.Lease{}, fmt.Errorf("sync: %w", err)
			}
		}

		reg, err := registry.Load(p.store, p.layout)
		if err != nil {
			return lease.Lease{}, err
		}
		task, ok := reg.Get(id)
		if !ok {
			return lease.Lease{}, fmt.Errorf("%w: %s", registry.ErrTaskNotFound, id)
		}
		cur, err := p.leases.Get(p.store, lease.KindTask, id)
		if err != nil {
			return lease.Lease{}, err
		}

		if cur != nil && cur.Holder == p.holder && task.Status == registry.InProgress && attempt > 0 {
			// the rejected push landed after all
			return *cur, nil
		}
		if cur != nil && cur.Holder != p.holder && p.detector.IsLive(ctx, *cur) {
			return lease.Lease{}, fmt.Errorf("%w: %s held by %s", conflict, id, cur.Holder)
		}
		if task.Status != registry.Pending {
			return lease.Lease{}, fmt.Errorf("%w: %s is %s", conflict, id, task.Status)
		}
		if p.selector.Withheld(reg, id) {
			return lease.Lease{}, fmt.Errorf("%w: %s waits for ordinary tasks", ErrWithheld, id)
		}

		cs := store.NewChangeset(fmt.Sprintf("claim %s by %s", id, p.holder))
		l, err := p.leases.Stage(cs, lease.KindTask, id, p.holder)
		if err != nil {
			return lease.Lease{}, err
		}
		if err := reg.SetStatus(id, registry.InProgress); err != nil {
			return lease.Lease{}, err
		}
		if err := reg.Stage(cs, p.layout); err != nil {
			return lease.Lease{}, err
		}

		err = p.store.Append(ctx, cs)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, store.ErrRejected) {
			return lease.Lease{}, fmt.Errorf("append claim: %w", err)
		}
		p.logger.Debug(ctx, "claim append rejected", zap.Int("attempt", attempt+1))
	}
	return lease.Lease{}, fmt.Errorf("%w: %s", ErrLostRace, id)
}

func claimResult(err error) string {
	switch {
	case err == nil:
		return "claimed"
	case errors.Is(err, ErrLostRace):
		return "lost_race"
	case errors.Is(err, ErrWithheld):
		return "withheld"
	case errors.Is(err, ErrAlreadyClaimed):
		return "already_claimed"
	default:
		return "error"
	}
}
