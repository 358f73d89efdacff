package phase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/lease"
	"github.com/fyrsmithlabs/swarmd/internal/logging"
	"github.com/fyrsmithlabs/swarmd/internal/registry"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

// ErrLeaseLost means our phase lease was reclaimed while the phase ran.
var ErrLeaseLost = errors.New("phase lease lost")

// RunPlanning creates the registry from planner's backlog. It does nothing
// when a registry exists and reports Held when another agent is planning.
func (g *Gate) RunPlanning(ctx context.Context, planner Planner) (res Result, err error) {
	ctx = logging.WithPhase(ctx, Planning)
	ctx, span := g.tracer.Start(ctx, "phase.Planning")
	defer span.End()
	result := "skipped"
	defer func() { g.record(ctx, span, Planning, result, err) }()

	notPlanned := func() error {
		exists, err := registry.Exists(g.store, g.layout)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: registry exists", ErrNotReady)
		}
		return nil
	}

	if err := g.acquire(ctx, Planning, notPlanned); err != nil {
		return g.acquireOutcome(err, &result)
	}
	g.logger.Info(ctx, "planning started")

	tasks, perr := planner.Plan(ctx)
	if perr == nil && len(tasks) == 0 {
		perr = errors.New("planner produced no tasks")
	}
	var reg *registry.Registry
	if perr == nil {
		reg, perr = registry.New(tasks...)
	}
	if perr != nil {
		result = "failed"
		return Result{}, g.fail(ctx, Planning, perr)
	}

	var published bool
	err = store.Update(ctx, g.store, g.attempts, func(int, store.SyncResult) (*store.Changeset, error) {
		published = false
		cs := store.NewChangeset(fmt.Sprintf("plan %d tasks by %s", reg.Len(), g.holder))
		owned := g.stageOwnRelease(cs, Planning)

		switch err := notPlanned(); {
		case errors.Is(err, ErrNotReady):
			return cs, nil
		case err != nil:
			return nil, err
		}
		if !owned {
			return nil, ErrLeaseLost
		}
		if err := reg.Stage(cs, g.layout); err != nil {
			return nil, err
		}
		published = true
		return cs, nil
	})
	if err != nil {
		result = "error"
		return Result{}, fmt.Errorf("publish plan: %w", err)
	}
	g.holdings.Remove(lease.KindPhase, Planning)

	if !published {
		return Result{}, nil
	}
	result = "planned"
	g.logger.Info(ctx, "planning published", zap.Int("tasks", reg.Len()))
	return Result{Ran: true, Tasks: reg.Len()}, nil
}

// RunValidation runs one validation round once every task is terminal. A
// pass writes the pass signal; otherwise remediation tasks are appended and
// the round counter advances. Either is published with the lease removal.
func (g *Gate) RunValidation(ctx context.Context, v Validator) (res Result, err error) {
	ctx = logging.WithPhase(ctx, Validation)
	ctx, span := g.tracer.Start(ctx, "phase.Validation")
	defer span.End()
	result := "skipped"
	defer func() { g.record(ctx, span, Validation, result, err) }()

	if err := g.acquire(ctx, Validation, g.validationReady); err != nil {
		return g.acquireOutcome(err, &result)
	}

	st, err := ReadState(g.store, g.layout)
	if err != nil {
		result = "error"
		return Result{}, errors.Join(err, g.Release(ctx, Validation))
	}
	reg, err := registry.Load(g.store, g.layout)
	if err != nil {
		result = "error"
		return Result{}, errors.Join(err, g.Release(ctx, Validation))
	}
	g.logger.Info(ctx, "validation started", zap.Int("round", st.Round))

	verdict, verr := v.Validate(ctx, reg, st.Round)
	remediation := make([]registry.Task, 0, len(verdict.Remediation))
	for _, t := range verdict.Remediation {
		t.Status = registry.Pending
		t.AttemptCount = 0
		remediation = append(remediation, t)
	}
	if verr == nil && !verdict.Passed {
		trial, cerr := registry.New(reg.Tasks()...)
		if cerr != nil {
			verr = fmt.Errorf("copy registry: %w", cerr)
		} else {
			verr = trial.Append(remediation...)
		}
	}
	if verr != nil {
		result = "failed"
		return Result{}, g.fail(ctx, Validation, verr)
	}

	var published bool
	var round int
	err = store.Update(ctx, g.store, g.attempts, func(int, store.SyncResult) (*store.Changeset, error) {
		published = false
		cs := store.NewChangeset("")
		owned := g.stageOwnRelease(cs, Validation)

		switch err := g.validationReady(); {
		case errors.Is(err, ErrNotReady):
			cs.Message = fmt.Sprintf("release phase %s by %s", Validation, g.holder)
			return cs, nil
		case err != nil:
			return nil, err
		}
		if !owned {
			return nil, ErrLeaseLost
		}

		cur, err := ReadState(g.store, g.layout)
		if err != nil {
			return nil, err
		}
		round = cur.Round
		if verdict.Passed {
			stagePass(cs, g.layout, verdict.Summary)
			cs.Message = fmt.Sprintf("validation round %d passed by %s", round, g.holder)
			published = true
			return cs, nil
		}

		latest, err := registry.Load(g.store, g.layout)
		if err != nil {
			return nil, err
		}
		if err := latest.Append(remediation...); err != nil {
			return nil, err
		}
		if err := latest.Stage(cs, g.layout); err != nil {
			return nil, err
		}
		round++
		stageRound(cs, g.layout, round)
		cs.Message = fmt.Sprintf("validation round %d: %d remediation tasks by %s", round, len(remediation), g.holder)
		published = true
		return cs, nil
	})
	if err != nil {
		result = "error"
		return Result{}, fmt.Errorf("publish validation: %w", err)
	}
	g.holdings.Remove(lease.KindPhase, Validation)

	if !published {
		return Result{}, nil
	}
	if verdict.Passed {
		result = "passed"
		g.logger.Info(ctx, "validation passed", zap.Int("round", round))
		return Result{Ran: true, Passed: true, Round: round}, nil
	}
	result = "remediated"
	if len(remediation) == 0 {
		g.logger.Warn(ctx, "validation failed without remediation tasks", zap.Int("round", round))
	} else {
		g.logger.Info(ctx, "validation appended remediation", zap.Int("round", round), zap.Int("tasks", len(remediation)))
	}
	return Result{Ran: true, Tasks: len(remediation), Round: round}, nil
}

// validationReady checks that all tasks are terminal, there is no pass
// signal and the round budget is not spent.
func (g *Gate) validationReady() error {
	st, err := ReadState(g.store, g.layout)
	if err != nil {
		return err
	}
	switch {
	case !st.RegistryExists:
		return fmt.Errorf("%w: no registry", ErrNotReady)
	case st.Validated:
		return fmt.Errorf("%w: already validated", ErrNotReady)
	case st.Round >= g.maxRounds:
		return fmt.Errorf("%w: %d of %d rounds used", ErrNotReady, st.Round, g.maxRounds)
	}
	reg, err := registry.Load(g.store, g.layout)
	if err != nil {
		return err
	}
	if !reg.AllTerminal() {
		return fmt.Errorf("%w: tasks outstanding", ErrNotReady)
	}
	return nil
}

func (g *Gate) acquireOutcome(err error, result *string) (Result, error) {
	switch {
	case errors.Is(err, ErrNotReady):
		return Result{}, nil
	case errors.Is(err, ErrHeld):
		*result = "held"
		return Result{Held: true}, nil
	default:
		*result = "error"
		return Result{}, err
	}
}
