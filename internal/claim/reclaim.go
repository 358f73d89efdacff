package claim

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/lease"
	"github.com/fyrsmithlabs/swarmd/internal/registry"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

// Reasons a lease or task is reclaimed.
const (
	ReasonStale     = "stale"
	ReasonDead      = "dead"
	ReasonForgotten = "forgotten"
	ReasonOrphaned  = "orphaned"
	ReasonRequeued  = "requeued"
)

// Reclaimed is one lease removed by the sweep.
type Reclaimed struct {
	Kind     lease.Kind
	Resource string
	Holder   string
	Reason   string
}

// ReclaimReport lists what one sweep changed.
type ReclaimReport struct {
	Leases   []Reclaimed
	Orphans  []string
	Requeued []string
}

// Empty reports whether the sweep changed nothing.
func (r ReclaimReport) Empty() bool {
	return len(r.Leases) == 0 && len(r.Orphans) == 0 && len(r.Requeued) == 0
}

// Reclaim removes task and phase leases that no longer protect anything,
// returns orphaned in_progress tasks to pending, and requeues failed tasks
// with attempts left. Our own leases count as dead unless this process
// remembers acquiring them.
func (p *Protocol) Reclaim(ctx context.Context) (ReclaimReport, error) {
	ctx, span := p.tracer.Start(ctx, "claim.Reclaim")
	defer span.End()

	var report ReclaimReport
	err := store.Update(ctx, p.store, p.attempts, func(int, store.SyncResult) (*store.Changeset, error) {
		report = ReclaimReport{}
		return p.reclaimChanges(ctx, &report)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ReclaimReport{}, fmt.Errorf("reclaim: %w", err)
	}

	for _, r := range report.Leases {
		p.metrics.reclaims.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(r.Kind)),
			attribute.String("reason", r.Reason),
		))
		p.logger.Info(ctx, "lease reclaimed",
			zap.String("kind", string(r.Kind)),
			zap.String("resource", r.Resource),
			zap.String("holder", r.Holder),
			zap.String("reason", r.Reason))
	}
	for _, id := range report.Orphans {
		p.metrics.reclaims.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", "registry"),
			attribute.String("reason", ReasonOrphaned),
		))
		p.logger.Info(ctx, "orphaned task returned to pending", zap.String("task.id", id))
	}
	for _, id := range report.Requeued {
		p.metrics.reclaims.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", "registry"),
			attribute.String("reason", ReasonRequeued),
		))
		p.logger.Info(ctx, "failed task requeued", zap.String("task.id", id))
	}
	span.SetAttributes(
		attribute.Int("reclaim.leases", len(report.Leases)),
		attribute.Int("reclaim.orphans", len(report.Orphans)),
		attribute.Int("reclaim.requeued", len(report.Requeued)),
	)
	return report, nil
}

func (p *Protocol) reclaimChanges(ctx context.Context, report *ReclaimReport) (*store.Changeset, error) {
	cs := store.NewChangeset(fmt.Sprintf("reclaim by %s", p.holder))

	liveTasks := make(map[string]bool)
	for _, kind := range []lease.Kind{lease.KindTask, lease.KindPhase} {
		leases, err := p.leases.List(p.store, kind)
		if err != nil {
			return nil, err
		}
		for _, l := range leases {
			reason := p.verdict(ctx, l)
			if reason == "" {
				if kind == lease.KindTask {
					liveTasks[l.Resource] = true
				}
				continue
			}
			p.leases.StageRelease(cs, kind, l.Resource)
			report.Leases = append(report.Leases, Reclaimed{
				Kind:     kind,
				Resource: l.Resource,
				Holder:   l.Holder,
				Reason:   reason,
			})
		}
	}

	reg, err := registry.Load(p.store, p.layout)
	if errors.Is(err, registry.ErrNoRegistry) {
		return cs, nil
	}
	if err != nil {
		return nil, err
	}

	for _, t := range reg.Tasks() {
		if t.Status != registry.InProgress || liveTasks[t.ID] {
			continue
		}
		if err := reg.SetStatus(t.ID, registry.Pending); err != nil {
			return nil, err
		}
		report.Orphans = append(report.Orphans, t.ID)
	}
	requeued, err := p.policy.Sweep(reg)
	if err != nil {
		return nil, err
	}
	report.Requeued = requeued

	if len(report.Orphans) > 0 || len(report.Requeued) > 0 {
		if err := reg.Stage(cs, p.layout); err != nil {
			return nil, err
		}
	}
	return cs, nil
}

// verdict returns why l should be reclaimed, or "" if it still protects its resource.
func (p *Protocol) verdict(ctx context.Context, l lease.Lease) string {
	if l.Holder == p.holder && !l.Malformed {
		if p.holdings.Has(l.Kind, l.Resource) {
			return ""
		}
		return ReasonForgotten
	}
	switch p.detector.Check(ctx, l) {
	case lease.Stale:
		return ReasonStale
	case lease.Dead:
		return ReasonDead
	default:
		return ""
	}
}
