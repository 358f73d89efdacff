package phase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/swarmd/internal/layout"
	"github.com/fyrsmithlabs/swarmd/internal/lease"
	"github.com/fyrsmithlabs/swarmd/internal/liveness"
	"github.com/fyrsmithlabs/swarmd/internal/registry"
	"github.com/fyrsmithlabs/swarmd/internal/store"
	"github.com/fyrsmithlabs/swarmd/internal/telemetry"
)

var testLayout = layout.New("")

func newGate(t *testing.T, s store.Store, holder string, configure ...func(*Options)) *Gate {
	t.Helper()
	opts := Options{Layout: testLayout, Holder: holder}
	for _, c := range configure {
		c(&opts)
	}
	g, err := NewGate(s, opts)
	require.NoError(t, err)
	return g
}

func staticPlan(tasks ...registry.Task) PlannerFunc {
	return func(context.Context) ([]registry.Task, error) { return tasks, nil }
}

func remoteState(t *testing.T, remote *store.MemoryRemote) (State, *registry.Registry) {
	t.Helper()
	s := remote.Client(testLayout)
	_, err := s.Sync(context.Background())
	require.NoError(t, err)
	st, err := ReadState(s, testLayout)
	require.NoError(t, err)
	if !st.RegistryExists {
		return st, nil
	}
	reg, err := registry.Load(s, testLayout)
	require.NoError(t, err)
	return st, reg
}

func phaseLease(t *testing.T, remote *store.MemoryRemote, name string) *lease.Lease {
	t.Helper()
	s := remote.Client(testLayout)
	_, err := s.Sync(context.Background())
	require.NoError(t, err)
	l, err := lease.NewManager(testLayout).Get(s, lease.KindPhase, name)
	require.NoError(t, err)
	return l
}

func finishAll(t *testing.T, remote *store.MemoryRemote) {
	t.Helper()
	_, reg := remoteState(t, remote)
	for _, task := range reg.Tasks() {
		require.NoError(t, reg.SetStatus(task.ID, registry.Done))
	}
	cs := store.NewChangeset("finish")
	require.NoError(t, reg.Stage(cs, testLayout))
	remote.Commit(cs)
}

func TestRunPlanning(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemoryRemote()
	g := newGate(t, remote.Client(testLayout), "a/1/x")

	res, err := g.RunPlanning(ctx, staticPlan(registry.Task{ID: "t1"}, registry.Task{ID: "t2"}))
	require.NoError(t, err)
	assert.Equal(t, Result{Ran: true, Tasks: 2}, res)

	st, reg := remoteState(t, remote)
	assert.True(t, st.RegistryExists)
	assert.Equal(t, 2, reg.Len())
	assert.Nil(t, phaseLease(t, remote, Planning))
	assert.Equal(t, []string{"acquire phase planning by a/1/x", "plan 2 tasks by a/1/x"}, remote.Log())

	called := false
	res, err = g.RunPlanning(ctx, PlannerFunc(func(context.Context) ([]registry.Task, error) {
		called = true
		return nil, nil
	}))
	require.NoError(t, err)
	assert.False(t, res.Ran)
	assert.False(t, called, "planning runs once")
}

func TestRunPlanning_Failure(t *testing.T) {
	ctx := context.Background()

	for name, planner := range map[string]Planner{
		"planner error": PlannerFunc(func(context.Context) ([]registry.Task, error) {
			return nil, errors.New("model unavailable")
		}),
		"empty plan":    staticPlan(),
		"duplicate ids": staticPlan(registry.Task{ID: "a"}, registry.Task{ID: "a"}),
	} {
		t.Run(name, func(t *testing.T) {
			remote := store.NewMemoryRemote()
			g := newGate(t, remote.Client(testLayout), "a/1/x")

			_, err := g.RunPlanning(ctx, planner)
			assert.ErrorIs(t, err, ErrPhaseFailed)

			st, _ := remoteState(t, remote)
			assert.False(t, st.RegistryExists)
			assert.Nil(t, phaseLease(t, remote, Planning), "lease released for another agent")

			res, err := newGate(t, remote.Client(testLayout), "b/1/x").RunPlanning(ctx, staticPlan(registry.Task{ID: "t1"}))
			require.NoError(t, err)
			assert.True(t, res.Ran)
		})
	}
}

func TestRunPlanning_HeldElsewhere(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemoryRemote()
	a := newGate(t, remote.Client(testLayout), "a/1/x")
	b := newGate(t, remote.Client(testLayout), "b/1/x")

	var res Result
	var err error
	_, aErr := a.RunPlanning(ctx, PlannerFunc(func(ctx context.Context) ([]registry.Task, error) {
		res, err = b.RunPlanning(ctx, staticPlan(registry.Task{ID: "from-b"}))
		return []registry.Task{{ID: "from-a"}}, nil
	}))
	require.NoError(t, aErr)
	require.NoError(t, err)
	assert.True(t, res.Held)
	assert.False(t, res.Ran)

	_, reg := remoteState(t, remote)
	_, ok := reg.Get("from-a")
	assert.True(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemoryRemote()
	a := newGate(t, remote.Client(testLayout), "a/1/x")
	b := newGate(t, remote.Client(testLayout), "b/1/x")

	require.NoError(t, a.Acquire(ctx, Validation))
	assert.True(t, a.holdings.Has(lease.KindPhase, Validation))

	err := b.Acquire(ctx, Validation)
	assert.ErrorIs(t, err, ErrHeld)
	assert.ErrorIs(t, err, lease.ErrAlreadyLocked)

	require.NoError(t, b.Release(ctx, Validation), "releasing someone else's lease is a no-op")
	assert.NotNil(t, phaseLease(t, remote, Validation))

	require.NoError(t, a.Release(ctx, Validation))
	assert.Nil(t, phaseLease(t, remote, Validation))
	require.NoError(t, a.Release(ctx, Validation))
	assert.False(t, a.holdings.Has(lease.KindPhase, Validation))

	require.NoError(t, b.Acquire(ctx, Validation))
	assert.ErrorIs(t, a.Acquire(ctx, "deploy"), ErrUnknownPhase)
}

func TestAcquire_TakesOverDeadHolder(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemoryRemote()
	a := newGate(t, remote.Client(testLayout), "a/1/x")
	require.NoError(t, a.Acquire(ctx, Planning))

	dead := liveness.ProbeFunc(func(_ context.Context, h string) bool { return h != "a/1/x" })
	b := newGate(t, remote.Client(testLayout), "b/1/x", func(o *Options) {
		o.Detector = lease.NewDetector(dead, time.Hour)
	})
	require.NoError(t, b.Acquire(ctx, Planning))
	assert.Equal(t, "b/1/x", phaseLease(t, remote, Planning).Holder)
}

func TestRunValidation_NotReady(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemoryRemote()
	g := newGate(t, remote.Client(testLayout), "a/1/x")
	never := ValidatorFunc(func(context.Context, *registry.Registry, int) (Verdict, error) {
		t.Fatal("validator must not run")
		return Verdict{}, nil
	})

	res, err := g.RunValidation(ctx, never)
	require.NoError(t, err)
	assert.False(t, res.Ran, "no registry")

	_, err = g.RunPlanning(ctx, staticPlan(registry.Task{ID: "t1"}))
	require.NoError(t, err)
	res, err = g.RunValidation(ctx, never)
	require.NoError(t, err)
	assert.False(t, res.Ran, "tasks outstanding")
	assert.Nil(t, phaseLease(t, remote, Validation))
}

func TestRunValidation_Scenario(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemoryRemote()
	g := newGate(t, remote.Client(testLayout), "a/1/x")

	_, err := g.RunPlanning(ctx, staticPlan(registry.Task{ID: "t1"}, registry.Task{ID: "final-1"}))
	require.NoError(t, err)
	finishAll(t, remote)

	var rounds []int
	validator := ValidatorFunc(func(_ context.Context, reg *registry.Registry, round int) (Verdict, error) {
		rounds = append(rounds, round)
		if _, fixed := reg.Get("fix-x"); !fixed {
			return Verdict{Remediation: []registry.Task{{ID: "fix-x", Description: "close the gap", Status: registry.Done}}}, nil
		}
		return Verdict{Passed: true, Summary: "all checks green"}, nil
	})

	res, err := g.RunValidation(ctx, validator)
	require.NoError(t, err)
	assert.Equal(t, Result{Ran: true, Tasks: 1, Round: 1}, res)

	st, reg := remoteState(t, remote)
	assert.Equal(t, 1, st.Round)
	assert.False(t, st.Validated)
	fix, ok := reg.Get("fix-x")
	require.True(t, ok)
	assert.Equal(t, registry.Pending, fix.Status, "remediation always starts pending")
	assert.Nil(t, phaseLease(t, remote, Validation))

	res, err = g.RunValidation(ctx, validator)
	require.NoError(t, err)
	assert.False(t, res.Ran, "fix-x still outstanding")

	finishAll(t, remote)
	res, err = g.RunValidation(ctx, validator)
	require.NoError(t, err)
	assert.Equal(t, Result{Ran: true, Passed: true, Round: 1}, res)

	st, _ = remoteState(t, remote)
	assert.True(t, st.Validated)
	assert.Equal(t, "all checks green", st.Summary)
	assert.True(t, st.Finished(g.MaxRounds()))
	assert.False(t, st.Exhausted(g.MaxRounds()))
	assert.Equal(t, []int{0, 1}, rounds)

	res, err = g.RunValidation(ctx, validator)
	require.NoError(t, err)
	assert.False(t, res.Ran, "no rounds after a pass")
}

func TestRunValidation_RoundsExhausted(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemoryRemote()
	g := newGate(t, remote.Client(testLayout), "a/1/x", func(o *Options) { o.MaxRounds = 1 })

	_, err := g.RunPlanning(ctx, staticPlan(registry.Task{ID: "t1"}))
	require.NoError(t, err)
	finishAll(t, remote)

	failing := ValidatorFunc(func(context.Context, *registry.Registry, int) (Verdict, error) {
		return Verdict{Summary: "still broken"}, nil
	})
	res, err := g.RunValidation(ctx, failing)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Round)

	st, _ := remoteState(t, remote)
	assert.True(t, st.Exhausted(1))
	assert.True(t, st.Finished(1))

	res, err = g.RunValidation(ctx, failing)
	require.NoError(t, err)
	assert.False(t, res.Ran)
}

func TestRunValidation_FailureKeepsRound(t *testing.T) {
	ctx := context.Background()
	tel := telemetry.NewTestTelemetry()
	remote := store.NewMemoryRemote()
	g := newGate(t, remote.Client(testLayout), "a/1/x", func(o *Options) {
		o.Tracer = tel.Tracer(instrumentationName)
		o.Meter = tel.Meter(instrumentationName)
	})

	_, err := g.RunPlanning(ctx, staticPlan(registry.Task{ID: "t1"}))
	require.NoError(t, err)
	finishAll(t, remote)

	_, err = g.RunValidation(ctx, ValidatorFunc(func(context.Context, *registry.Registry, int) (Verdict, error) {
		return Verdict{}, errors.New("validator crashed")
	}))
	assert.ErrorIs(t, err, ErrPhaseFailed)

	st, _ := remoteState(t, remote)
	assert.Equal(t, 0, st.Round)
	assert.Nil(t, phaseLease(t, remote, Validation))

	_, err = g.RunValidation(ctx, ValidatorFunc(func(context.Context, *registry.Registry, int) (Verdict, error) {
		return Verdict{Remediation: []registry.Task{{ID: "t1"}}}, nil
	}))
	assert.ErrorIs(t, err, ErrPhaseFailed, "remediation reusing an id is a validator failure")

	tel.AssertSpanExists(t, "phase.Validation")
	assert.Equal(t, int64(2), tel.Counter(t, "swarm.phase.runs",
		attribute.String("phase", Validation), attribute.String("result", "failed")))
	assert.Equal(t, int64(1), tel.Counter(t, "swarm.phase.runs",
		attribute.String("phase", Planning), attribute.String("result", "planned")))
}

func TestRunValidation_InvalidRemediationFails(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemoryRemote()
	g := newGate(t, remote.Client(testLayout), "a/1/x")

	_, err := g.RunPlanning(ctx, staticPlan(registry.Task{ID: "t1"}))
	require.NoError(t, err)
	finishAll(t, remote)

	_, err = g.RunValidation(ctx, ValidatorFunc(func(context.Context, *registry.Registry, int) (Verdict, error) {
		return Verdict{Remediation: []registry.Task{{ID: "fix-1"}, {ID: ""}}}, nil
	}))
	assert.ErrorIs(t, err, ErrPhaseFailed)
	assert.ErrorIs(t, err, registry.ErrInvalidTask)

	st, reg := remoteState(t, remote)
	assert.Equal(t, 0, st.Round)
	assert.Equal(t, 1, reg.Len(), "no remediation is published when any task is invalid")
}

func TestReadState_Malformed(t *testing.T) {
	remote := store.NewMemoryRemote()
	remote.Commit(store.NewChangeset("bad").Put(testLayout.ValidationRound(), []byte("two\n")))
	s := remote.Client(testLayout)
	_, err := s.Sync(context.Background())
	require.NoError(t, err)

	_, err = ReadState(s, testLayout)
	assert.Error(t, err)
}
