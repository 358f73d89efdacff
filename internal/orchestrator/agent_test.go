package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/swarmd/internal/guard"
	"github.com/fyrsmithlabs/swarmd/internal/layout"
	"github.com/fyrsmithlabs/swarmd/internal/lease"
	"github.com/fyrsmithlabs/swarmd/internal/liveness"
	"github.com/fyrsmithlabs/swarmd/internal/logging"
	"github.com/fyrsmithlabs/swarmd/internal/phase"
	"github.com/fyrsmithlabs/swarmd/internal/registry"
	"github.com/fyrsmithlabs/swarmd/internal/retry"
	"github.com/fyrsmithlabs/swarmd/internal/store"
	"github.com/fyrsmithlabs/swarmd/internal/telemetry"
	"github.com/fyrsmithlabs/swarmd/internal/worker"
)

var testLayout = layout.New("")

func task(id string) registry.Task {
	return registry.Task{ID: id, Description: "do " + id}
}

func staticPlan(tasks ...registry.Task) phase.PlannerFunc {
	return func(context.Context) ([]registry.Task, error) { return tasks, nil }
}

var pass = phase.ValidatorFunc(func(context.Context, *registry.Registry, int) (phase.Verdict, error) {
	return phase.Verdict{Passed: true, Summary: "all good"}, nil
})

// recorder is a worker that writes one output file per task and remembers
// the execution order.
type recorder struct {
	mu    sync.Mutex
	order []string
	runs  map[string]int
	fail  func(id string, run int) bool
}

func (r *recorder) worker(s *store.MemoryStore) worker.Func {
	return func(_ context.Context, t registry.Task) (worker.Result, error) {
		r.mu.Lock()
		if r.runs == nil {
			r.runs = make(map[string]int)
		}
		r.runs[t.ID]++
		run := r.runs[t.ID]
		r.order = append(r.order, t.ID)
		r.mu.Unlock()

		if r.fail != nil && r.fail(t.ID, run) {
			return worker.Result{Success: false, Output: "tests failed"}, nil
		}
		s.WriteFile(fmt.Sprintf("out/%s.txt", t.ID), []byte(t.Description+"\n"))
		return worker.Result{Success: true}, nil
	}
}

func (r *recorder) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *recorder) Runs(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[id]
}

func newTestAgent(t *testing.T, s store.Store, holder string, configure ...func(*Options)) *Agent {
	t.Helper()
	opts := Options{
		Layout:        testLayout,
		Holder:        holder,
		Detector:      lease.NewDetector(liveness.AlwaysAlive, 30*time.Minute),
		Policy:        retry.NewPolicy(3),
		MaxIterations: 500,
		Backoff:       Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond},
		Worker: worker.Func(func(context.Context, registry.Task) (worker.Result, error) {
			return worker.Result{Success: true}, nil
		}),
		Planner:   staticPlan(task("a")),
		Validator: pass,
	}
	for _, c := range configure {
		c(&opts)
	}
	a, err := New(s, opts)
	require.NoError(t, err)
	return a
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func remoteState(t *testing.T, remote *store.MemoryRemote) (phase.State, *registry.Registry) {
	t.Helper()
	s := remote.Client(testLayout)
	_, err := s.Sync(context.Background())
	require.NoError(t, err)
	st, err := phase.ReadState(s, testLayout)
	require.NoError(t, err)
	if !st.RegistryExists {
		return st, nil
	}
	reg, err := registry.Load(s, testLayout)
	require.NoError(t, err)
	return st, reg
}

func remoteTask(t *testing.T, remote *store.MemoryRemote, id string) registry.Task {
	t.Helper()
	_, reg := remoteState(t, remote)
	require.NotNil(t, reg, "registry missing")
	got, ok := reg.Get(id)
	require.True(t, ok, "task %s missing", id)
	return got
}

func TestAgent_RunsBacklogToValidation(t *testing.T) {
	ctx := testContext(t)
	remote := store.NewMemoryRemote()
	s := remote.Client(testLayout)
	rec := &recorder{}
	tel := telemetry.NewTestTelemetry()

	agent := newTestAgent(t, s, "agent-1", func(o *Options) {
		o.Planner = staticPlan(task("final-report"), task("schema"), task("api"))
		o.Worker = rec.worker(s)
		o.Tracer = tel.Tracer("test")
		o.Meter = tel.Meter("test")
	})

	term, err := agent.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, TerminatedValidated, term)

	assert.Equal(t, []string{"schema", "api", "final-report"}, rec.Order(),
		"terminal-phase tasks run after all ordinary tasks")

	st, reg := remoteState(t, remote)
	assert.True(t, st.Validated)
	assert.Equal(t, "all good", st.Summary)
	assert.Equal(t, 0, st.Round)
	for _, task := range reg.Tasks() {
		assert.Equal(t, registry.Done, task.Status, task.ID)
		assert.Zero(t, task.AttemptCount, task.ID)
	}
	out, ok := remote.File("out/api.txt")
	require.True(t, ok, "worker output is published")
	assert.Equal(t, "do api\n", string(out))

	snap := agent.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, TerminatedValidated, snap.Termination)
	assert.Equal(t, 3, snap.Tasks["done"])
	assert.Zero(t, snap.Leases)
	assert.Equal(t, int64(3), snap.Cycles[resultWorked])

	assert.Equal(t, int64(3), tel.Counter(t, "swarm.agent.cycles", attribute.String("result", resultWorked)))
	assert.Equal(t, int64(1), tel.Counter(t, "swarm.agent.cycles", attribute.String("result", resultPlanned)))
	tel.AssertSpanExists(t, "orchestrator.Cycle")
	tel.AssertSpanExists(t, "orchestrator.Execute")
	tel.AssertSpanExists(t, "claim.Claim")
}

func TestAgent_Fleet(t *testing.T) {
	ctx := testContext(t)
	remote := store.NewMemoryRemote()

	var backlog []registry.Task
	for i := 0; i < 12; i++ {
		backlog = append(backlog, task(fmt.Sprintf("task-%02d", i)))
	}
	backlog = append(backlog, task("final-docs"))

	var plans, validations atomic.Int32
	planner := phase.PlannerFunc(func(context.Context) ([]registry.Task, error) {
		plans.Add(1)
		return backlog, nil
	})
	validator := phase.ValidatorFunc(func(ctx context.Context, reg *registry.Registry, round int) (phase.Verdict, error) {
		validations.Add(1)
		return pass(ctx, reg, round)
	})

	rec := &recorder{}
	const agents = 4
	terms := make([]Termination, agents)
	errs := make([]error, agents)
	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		s := remote.Client(testLayout)
		agent := newTestAgent(t, s, fmt.Sprintf("agent-%d", i), func(o *Options) {
			o.MaxIterations = 2000
			o.Planner = planner
			o.Validator = validator
			o.Worker = rec.worker(s)
		})
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			terms[i], errs[i] = agent.Run(ctx)
		}(i)
	}
	wg.Wait()

	for i := 0; i < agents; i++ {
		require.NoError(t, errs[i], "agent %d", i)
		assert.Equal(t, TerminatedValidated, terms[i], "agent %d", i)
	}
	assert.Equal(t, int32(1), plans.Load(), "exactly one agent plans")
	assert.Equal(t, int32(1), validations.Load(), "exactly one agent validates")

	for _, task := range backlog {
		assert.Equal(t, 1, rec.Runs(task.ID), "%s executed exactly once", task.ID)
		assert.Equal(t, registry.Done, remoteTask(t, remote, task.ID).Status)
		_, ok := remote.File(fmt.Sprintf("out/%s.txt", task.ID))
		assert.True(t, ok, "%s output published", task.ID)
	}
	order := rec.Order()
	assert.Equal(t, "final-docs", order[len(order)-1])
}

func TestAgent_ValidationScenario(t *testing.T) {
	ctx := testContext(t)
	remote := store.NewMemoryRemote()
	s := remote.Client(testLayout)
	rec := &recorder{}

	var rounds []int
	agent := newTestAgent(t, s, "agent-1", func(o *Options) {
		o.Planner = staticPlan(task("build"), task("final-check"))
		o.Worker = rec.worker(s)
		o.Validator = phase.ValidatorFunc(func(_ context.Context, reg *registry.Registry, round int) (phase.Verdict, error) {
			rounds = append(rounds, round)
			if round == 0 {
				return phase.Verdict{Remediation: []registry.Task{task("fix-build")}}, nil
			}
			return phase.Verdict{Passed: true, Summary: "fixed"}, nil
		})
	})

	term, err := agent.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, TerminatedValidated, term)
	assert.Equal(t, []int{0, 1}, rounds)
	assert.Equal(t, []string{"build", "final-check", "fix-build"}, rec.Order())

	st, reg := remoteState(t, remote)
	assert.True(t, st.Validated)
	assert.Equal(t, 1, st.Round)
	fix, ok := reg.Get("fix-build")
	require.True(t, ok)
	assert.Equal(t, registry.Done, fix.Status)
}

func TestAgent_RoundsExhausted(t *testing.T) {
	ctx := testContext(t)
	remote := store.NewMemoryRemote()
	s := remote.Client(testLayout)

	var calls int
	agent := newTestAgent(t, s, "agent-1", func(o *Options) {
		o.Validator = phase.ValidatorFunc(func(context.Context, *registry.Registry, int) (phase.Verdict, error) {
			calls++
			return phase.Verdict{Summary: "still broken"}, nil
		})
	})

	term, err := agent.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, TerminatedExhausted, term)
	assert.Equal(t, 2, calls)

	st, _ := remoteState(t, remote)
	assert.False(t, st.Validated)
	assert.Equal(t, 2, st.Round)
}

func TestAgent_WorkerFailureRequeues(t *testing.T) {
	ctx := testContext(t)
	remote := store.NewMemoryRemote()
	s := remote.Client(testLayout)
	rec := &recorder{fail: func(id string, run int) bool { return id == "flaky" && run <= 2 }}

	agent := newTestAgent(t, s, "agent-1", func(o *Options) {
		o.Planner = staticPlan(task("flaky"))
		o.Worker = rec.worker(s)
	})

	term, err := agent.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, TerminatedValidated, term)
	assert.Equal(t, 3, rec.Runs("flaky"))

	got := remoteTask(t, remote, "flaky")
	assert.Equal(t, registry.Done, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestAgent_AttemptsExhausted(t *testing.T) {
	ctx := testContext(t)
	remote := store.NewMemoryRemote()
	s := remote.Client(testLayout)

	var runs int
	agent := newTestAgent(t, s, "agent-1", func(o *Options) {
		o.Policy = retry.NewPolicy(2)
		o.Planner = staticPlan(task("broken"), task("fine"))
		o.Worker = worker.Func(func(_ context.Context, t registry.Task) (worker.Result, error) {
			if t.ID == "broken" {
				runs++
				return worker.Result{}, errors.New("exec: not found")
			}
			return worker.Result{Success: true}, nil
		})
	})

	term, err := agent.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, TerminatedValidated, term)
	assert.Equal(t, 3, runs, "initial attempt plus two retries")

	broken := remoteTask(t, remote, "broken")
	assert.Equal(t, registry.Failed, broken.Status)
	assert.Equal(t, 2, broken.AttemptCount)
	assert.Equal(t, registry.Done, remoteTask(t, remote, "fine").Status)
}

func TestAgent_SetupFailure(t *testing.T) {
	ctx := testContext(t)
	remote := store.NewMemoryRemote()
	s := remote.Client(testLayout)
	setupErr := errors.New("npm install failed")

	var ran bool
	agent := newTestAgent(t, s, "agent-1", func(o *Options) {
		o.Setup = worker.SetupFunc(func(context.Context) error { return setupErr })
		o.Worker = worker.Func(func(context.Context, registry.Task) (worker.Result, error) {
			ran = true
			return worker.Result{Success: true}, nil
		})
	})

	_, err := agent.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSetupFailed)
	assert.ErrorIs(t, err, setupErr)
	assert.False(t, ran)

	got := remoteTask(t, remote, "a")
	assert.Equal(t, registry.Pending, got.Status, "nothing is claimed before setup succeeds")
}

func TestAgent_SetupRunsOnce(t *testing.T) {
	ctx := testContext(t)
	remote := store.NewMemoryRemote()
	s := remote.Client(testLayout)

	var setups int
	agent := newTestAgent(t, s, "agent-1", func(o *Options) {
		o.Planner = staticPlan(task("a"), task("b"), task("c"))
		o.Setup = worker.SetupFunc(func(context.Context) error {
			setups++
			return nil
		})
	})

	_, err := agent.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, setups)
}

func TestAgent_MaxIterations(t *testing.T) {
	ctx := testContext(t)
	remote := store.NewMemoryRemote()
	agent := newTestAgent(t, remote.Client(testLayout), "agent-1", func(o *Options) {
		o.MaxIterations = 1
	})

	term, err := agent.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, TerminatedIterations, term)

	st, _ := remoteState(t, remote)
	assert.True(t, st.RegistryExists, "the single cycle planned")
	assert.Equal(t, 1, agent.Snapshot().Iteration)
}

func TestAgent_ContextCancelled(t *testing.T) {
	remote := store.NewMemoryRemote()

	// Another live agent holds the only task, so this one idles.
	reg, err := registry.New(task("a"))
	require.NoError(t, err)
	require.NoError(t, reg.SetStatus("a", registry.InProgress))
	cs := store.NewChangeset("seed")
	require.NoError(t, reg.Stage(cs, testLayout))
	_, err = lease.NewManager(testLayout).Stage(cs, lease.KindTask, "a", "agent-2")
	require.NoError(t, err)
	remote.Commit(cs)

	agent := newTestAgent(t, remote.Client(testLayout), "agent-1", func(o *Options) {
		o.MaxIterations = 0
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err = agent.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateStopped, agent.Snapshot().State)
	assert.Equal(t, registry.InProgress, remoteTask(t, remote, "a").Status)
}

func TestAgent_TakesOverCrashedAgentsTask(t *testing.T) {
	ctx := testContext(t)
	remote := store.NewMemoryRemote()

	reg, err := registry.New(task("a"))
	require.NoError(t, err)
	require.NoError(t, reg.SetStatus("a", registry.InProgress))
	cs := store.NewChangeset("seed")
	require.NoError(t, reg.Stage(cs, testLayout))
	_, err = lease.NewManager(testLayout).Stage(cs, lease.KindTask, "a", "crashed")
	require.NoError(t, err)
	remote.Commit(cs)

	probe := liveness.ProbeFunc(func(_ context.Context, holder string) bool { return holder != "crashed" })
	s := remote.Client(testLayout)
	rec := &recorder{}
	agent := newTestAgent(t, s, "agent-1", func(o *Options) {
		o.Detector = lease.NewDetector(probe, 30*time.Minute)
		o.Worker = rec.worker(s)
	})

	term, err := agent.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, TerminatedValidated, term)
	assert.Equal(t, 1, rec.Runs("a"))

	got := remoteTask(t, remote, "a")
	assert.Equal(t, registry.Done, got.Status)
	assert.Zero(t, got.AttemptCount, "reclamation does not consume an attempt")
}

func TestAgent_GuardDiscardsSecrets(t *testing.T) {
	ctx := testContext(t)
	remote := store.NewMemoryRemote()
	s := remote.Client(testLayout)
	g, err := guard.New(nil)
	require.NoError(t, err)
	token := "ghp_" + "R8b3kQz7Lm2Xv9Tn4Pw6Yc1Hd5Js0Fa8Ge3U"

	var runs int
	agent := newTestAgent(t, s, "agent-1", func(o *Options) {
		o.Guard = g
		o.Worker = worker.Func(func(context.Context, registry.Task) (worker.Result, error) {
			runs++
			if runs == 1 {
				s.WriteFile("deploy/prod.env", []byte("GITHUB_TOKEN="+token+"\n"))
			} else {
				s.WriteFile("deploy/prod.env", []byte("GITHUB_TOKEN=${GITHUB_TOKEN}\n"))
			}
			return worker.Result{Success: true}, nil
		})
	})

	term, err := agent.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, TerminatedValidated, term)
	assert.Equal(t, 2, runs)

	got := remoteTask(t, remote, "a")
	assert.Equal(t, registry.Done, got.Status)
	assert.Equal(t, 1, got.AttemptCount, "the leaking attempt counts as a failure")

	data, ok := remote.File("deploy/prod.env")
	require.True(t, ok)
	assert.NotContains(t, string(data), token)
}

func TestAgent_QueuesExhaustedRelease(t *testing.T) {
	ctx := testContext(t)
	remote := store.NewMemoryRemote()
	s := remote.Client(testLayout)
	logger := logging.NewTestLogger()

	var runs int
	agent := newTestAgent(t, s, "agent-1", func(o *Options) {
		o.AppendAttempts = 2
		o.Logger = logger.Logger
		o.Worker = worker.Func(func(context.Context, registry.Task) (worker.Result, error) {
			runs++
			s.WriteFile("out/a.txt", []byte("a\n"))
			// Every attempt of the following release is rejected.
			remote.RejectNext(2)
			return worker.Result{Success: true}, nil
		})
	})

	term, err := agent.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, TerminatedValidated, term)
	assert.Equal(t, 1, runs, "the queued release is retried, not the task")

	logger.AssertLogged(t, zapcore.WarnLevel, "release failed, retrying next cycle")
	got := remoteTask(t, remote, "a")
	assert.Equal(t, registry.Done, got.Status)
	assert.Zero(t, got.AttemptCount)
	_, ok := remote.File("out/a.txt")
	assert.True(t, ok)
	assert.Zero(t, agent.Snapshot().PendingReleases)
}

func TestAgent_GivesUpOnFailingPlanner(t *testing.T) {
	ctx := testContext(t)
	remote := store.NewMemoryRemote()
	logger := logging.NewTestLogger()
	plannerErr := errors.New("planner crashed")

	var calls int
	agent := newTestAgent(t, remote.Client(testLayout), "agent-1", func(o *Options) {
		o.MaxIterations = 200
		o.Logger = logger.Logger
		o.Planner = phase.PlannerFunc(func(context.Context) ([]registry.Task, error) {
			calls++
			return nil, plannerErr
		})
	})

	_, err := agent.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPhaseGaveUp)
	assert.ErrorIs(t, err, phase.ErrPhaseFailed)
	assert.ErrorIs(t, err, plannerErr)
	assert.Equal(t, DefaultMaxPhaseFailures, calls)
	assert.Less(t, agent.Snapshot().Iteration, 200)

	logger.AssertLogged(t, zapcore.ErrorLevel, "phase failed repeatedly, giving up")
	st, _ := remoteState(t, remote)
	assert.False(t, st.RegistryExists)
}

func TestAgent_GivesUpOnFailingValidator(t *testing.T) {
	ctx := testContext(t)
	remote := store.NewMemoryRemote()

	var calls int
	agent := newTestAgent(t, remote.Client(testLayout), "agent-1", func(o *Options) {
		o.MaxPhaseFailures = 2
		o.Validator = phase.ValidatorFunc(func(context.Context, *registry.Registry, int) (phase.Verdict, error) {
			calls++
			return phase.Verdict{}, errors.New("validator unreachable")
		})
	})

	_, err := agent.Run(ctx)
	assert.ErrorIs(t, err, ErrPhaseGaveUp)
	assert.Equal(t, 2, calls)
	assert.Equal(t, registry.Done, remoteTask(t, remote, "a").Status, "work finished before validation")
}

func TestAgent_PhaseSuccessResetsFailures(t *testing.T) {
	ctx := testContext(t)
	remote := store.NewMemoryRemote()

	var calls int
	agent := newTestAgent(t, remote.Client(testLayout), "agent-1", func(o *Options) {
		o.MaxPhaseFailures = 3
		o.Validator = phase.ValidatorFunc(func(context.Context, *registry.Registry, int) (phase.Verdict, error) {
			calls++
			switch calls {
			case 3:
				return phase.Verdict{Summary: "still broken"}, nil
			case 6:
				return phase.Verdict{Passed: true, Summary: "fixed"}, nil
			default:
				return phase.Verdict{}, errors.New("validator flaked")
			}
		})
	})

	term, err := agent.Run(ctx)
	require.NoError(t, err, "two failures on each side of a completed round stay under the cap")
	assert.Equal(t, TerminatedValidated, term)
	assert.Equal(t, 6, calls)
}

func TestNew_Validation(t *testing.T) {
	s := store.NewMemoryRemote().Client(testLayout)
	base := Options{
		Holder:    "agent-1",
		Worker:    worker.Func(func(context.Context, registry.Task) (worker.Result, error) { return worker.Result{}, nil }),
		Planner:   staticPlan(task("a")),
		Validator: pass,
	}

	tests := []struct {
		name   string
		store  store.Store
		modify func(*Options)
	}{
		{"no store", nil, func(*Options) {}},
		{"no holder", s, func(o *Options) { o.Holder = "" }},
		{"no worker", s, func(o *Options) { o.Worker = nil }},
		{"no planner", s, func(o *Options) { o.Planner = nil }},
		{"no validator", s, func(o *Options) { o.Validator = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.modify(&opts)
			_, err := New(tt.store, opts)
			assert.Error(t, err)
		})
	}

	a, err := New(s, base)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", a.Holder())
	assert.Equal(t, StateStarting, a.Snapshot().State)
	assert.Equal(t, phase.DefaultMaxRounds, a.Snapshot().MaxRounds)
}
