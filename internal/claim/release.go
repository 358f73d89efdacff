package claim

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/lease"
	"github.com/fyrsmithlabs/swarmd/internal/logging"
	"github.com/fyrsmithlabs/swarmd/internal/registry"
	"github.com/fyrsmithlabs/swarmd/internal/retry"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

// ReleaseResult describes a release.
type ReleaseResult struct {
	// Task is the task as published, zero when the release was a no-op.
	Task registry.Task
	// Released is false when we held no lease on the task.
	Released bool
	// Downgraded is set when a sync discarded our unpublished output and a
	// success was recorded as a failure instead.
	Downgraded bool
}

// Release publishes the outcome of our attempt at task id and removes our
// lease, in one append. Rejections are retried against the new head up to
// the configured attempts; exhaustion returns store.ErrAppendExhausted and
// the caller should retry later. Releasing a task we hold no lease on is a
// no-op.
func (p *Protocol) Release(ctx context.Context, id string, outcome retry.Outcome) (ReleaseResult, error) {
	ctx = logging.WithTaskID(ctx, id)
	ctx, span := p.tracer.Start(ctx, "claim.Release", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.String("outcome", outcome.String()),
	))
	defer span.End()

	var res ReleaseResult
	err := store.Update(ctx, p.store, p.attempts, func(attempt int, last store.SyncResult) (*store.Changeset, error) {
		res = ReleaseResult{Downgraded: res.Downgraded}
		if last.LostOutput() && outcome == retry.Success {
			outcome = retry.Failure
			res.Downgraded = true
			p.logger.Warn(ctx, "sync discarded unpublished output, recording failure",
				zap.Int("discarded", last.Discarded),
				zap.Strings("overwritten", last.Overwritten))
		}
		return p.releaseChanges(id, outcome, &res)
	})

	result := "released"
	switch {
	case err != nil && errors.Is(err, store.ErrAppendExhausted):
		result = "exhausted"
	case err != nil:
		result = "error"
	case !res.Released:
		result = "noop"
	}
	span.SetAttributes(attribute.String("result", result))
	p.metrics.releases.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome.String()),
		attribute.String("result", result),
	))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("release %s: %w", id, err)
	}

	p.holdings.Remove(lease.KindTask, id)
	if res.Released {
		p.logger.Info(ctx, "task released",
			zap.String("status", string(res.Task.Status)),
			zap.Int("attempt_count", res.Task.AttemptCount))
	} else {
		p.logger.Debug(ctx, "release without lease is a no-op")
	}
	return res, nil
}

func (p *Protocol) releaseChanges(id string, outcome retry.Outcome, res *ReleaseResult) (*store.Changeset, error) {
	cur, err := p.leases.Get(p.store, lease.KindTask, id)
	if err != nil {
		return nil, err
	}
	if cur == nil || cur.Holder != p.holder {
		return nil, nil
	}

	cs := store.NewChangeset(fmt.Sprintf("release %s (%s) by %s", id, outcome, p.holder))
	p.leases.StageRelease(cs, lease.KindTask, id)

	reg, err := registry.Load(p.store, p.layout)
	switch {
	case errors.Is(err, registry.ErrNoRegistry):
		res.Released = true
		return cs, nil
	case err != nil:
		return nil, err
	}

	if task, ok := reg.Get(id); ok {
		p.policy.Apply(&task, outcome)
		if err := reg.Update(id, func(t *registry.Task) { *t = task }); err != nil {
			return nil, err
		}
		if err := reg.Stage(cs, p.layout); err != nil {
			return nil, err
		}
		res.Task = task
	}
	res.Released = true
	return cs, nil
}
