package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/swarmd/internal/claim"
	"github.com/fyrsmithlabs/swarmd/internal/config"
	"github.com/fyrsmithlabs/swarmd/internal/layout"
	"github.com/fyrsmithlabs/swarmd/internal/lease"
	"github.com/fyrsmithlabs/swarmd/internal/liveness"
	"github.com/fyrsmithlabs/swarmd/internal/phase"
	"github.com/fyrsmithlabs/swarmd/internal/registry"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

func TestResolveHolder(t *testing.T) {
	h, err := resolveHolder("flag-holder", "configured", false)
	require.NoError(t, err)
	assert.Equal(t, "flag-holder", h)

	h, err = resolveHolder("", "configured", false)
	require.NoError(t, err)
	assert.Equal(t, "configured", h)

	h, err = resolveHolder("flag-holder", "configured", true)
	require.NoError(t, err)
	assert.NotEqual(t, "flag-holder", h)
	assert.NotEqual(t, "configured", h)
	assert.NotEmpty(t, h)

	other, err := resolveHolder("", "", false)
	require.NoError(t, err)
	assert.NotEqual(t, h, other, "generated holders are unique")
}

func TestHostLiveness_KnowsOwnHolder(t *testing.T) {
	ctx := context.Background()
	own, err := resolveHolder("", "", false)
	require.NoError(t, err)

	d := &deps{
		cfg:    &config.Config{Liveness: config.LivenessConfig{Probe: config.ProbeHost}},
		holder: own,
	}
	p, err := d.prober()
	require.NoError(t, err)
	assert.True(t, p.IsAlive(ctx, own), "our own leases stay live")

	other, err := liveness.NewHolder()
	require.NoError(t, err)
	assert.False(t, p.IsAlive(ctx, other.String()), "same process, different nonce")

	self, err := selfHolder("ci-runner-7")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), self.PID, "opaque holders fall back to a fresh id")
}

func TestRenderStatus(t *testing.T) {
	t.Run("before planning", func(t *testing.T) {
		out := renderStatus(statusView{MaxRounds: 2})
		assert.Contains(t, out, "planned: no")
		assert.Contains(t, out, "round 0/2")
		assert.Contains(t, out, "no task registry yet")
		assert.Contains(t, out, "no leases held")
	})

	t.Run("tasks and leases", func(t *testing.T) {
		reg, err := registry.New(
			registry.Task{ID: "api", Description: "build the api\nwith details", Status: registry.Done, AttemptCount: 1},
			registry.Task{ID: "ui", Description: "build the ui", Status: registry.InProgress},
			registry.Task{ID: "final-docs", Description: "write docs", Status: registry.Pending},
		)
		require.NoError(t, err)

		out := renderStatus(statusView{
			State:     phase.State{RegistryExists: true, Round: 1},
			MaxRounds: 2,
			Registry:  reg,
			Leases: []leaseRow{
				{Kind: lease.KindTask, Resource: "ui", Holder: "host/42/abc", Age: 90 * time.Second, Verdict: "live"},
			},
		})
		assert.Contains(t, out, "planned: yes")
		assert.Contains(t, out, "round 1/2")
		for _, want := range []string{"api", "in_progress", "final-docs", "build the api", "host/42/abc", "1m30s", "live"} {
			assert.Contains(t, out, want)
		}
		assert.NotContains(t, out, "with details")
		assert.Contains(t, out, "3 tasks: 1 pending, 1 in progress, 1 done, 0 failed")
	})

	t.Run("validated", func(t *testing.T) {
		out := renderStatus(statusView{
			State:     phase.State{RegistryExists: true, Validated: true, Summary: "all green", Round: 1},
			MaxRounds: 2,
		})
		assert.Contains(t, out, "validation: passed (all green)")
	})

	t.Run("exhausted", func(t *testing.T) {
		out := renderStatus(statusView{State: phase.State{RegistryExists: true, Round: 2}, MaxRounds: 2})
		assert.Contains(t, out, "exhausted after 2 rounds")
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func testCommand(t *testing.T) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetContext(ctx)
	return cmd, &out
}

func TestSimulate(t *testing.T) {
	t.Run("clean run validates", func(t *testing.T) {
		cmd, out := testCommand(t)
		err := runSimulation(cmd, simOptions{
			Agents: 3, Tasks: 6, FailRate: 0, Seed: 7,
			MaxAttempts: 3, MaxRounds: 2, Timeout: 20 * time.Second, LogLevel: "error",
		})
		require.NoError(t, err)

		s := out.String()
		for i := 1; i <= 3; i++ {
			assert.Contains(t, s, fmt.Sprintf("sim-%d: validated", i))
		}
		assert.Contains(t, s, "validation: passed")
		assert.Contains(t, s, "7 tasks: 0 pending, 0 in progress, 7 done, 0 failed")
		assert.Contains(t, s, "no leases held")
	})

	t.Run("every attempt fails", func(t *testing.T) {
		cmd, out := testCommand(t)
		err := runSimulation(cmd, simOptions{
			Agents: 2, Tasks: 2, FailRate: 1, Seed: 1,
			MaxAttempts: 1, MaxRounds: 1, Timeout: 20 * time.Second, LogLevel: "error",
		})
		require.NoError(t, err)

		s := out.String()
		assert.Contains(t, s, "rounds_exhausted")
		assert.Contains(t, s, "exhausted after 1 rounds")
		assert.Contains(t, s, "fix-task-01")
		assert.NotContains(t, s, "in_progress")
	})

	t.Run("rejects bad options", func(t *testing.T) {
		cmd, _ := testCommand(t)
		assert.Error(t, runSimulation(cmd, simOptions{Agents: 0, Tasks: 1}))
		assert.Error(t, runSimulation(cmd, simOptions{Agents: 1, Tasks: 0}))
		assert.Error(t, runSimulation(cmd, simOptions{Agents: 1, Tasks: 1, FailRate: 2}))
	})
}

// newBareRemote creates a bare repository whose main branch holds one commit.
func newBareRemote(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	remoteDir := filepath.Join(t.TempDir(), "remote.git")
	_, err := git.PlainInit(remoteDir, true)
	require.NoError(t, err)

	seedDir := t.TempDir()
	seed, err := git.PlainInitWithOptions(seedDir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "README.md"), []byte("hello\n"), 0o644))
	w, err := seed.Worktree()
	require.NoError(t, err)
	_, err = w.Add("README.md")
	require.NoError(t, err)
	_, err = w.Commit("seed", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()},
	})
	require.NoError(t, err)
	_, err = seed.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{remoteDir}})
	require.NoError(t, err)
	require.NoError(t, seed.Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{"refs/heads/main:refs/heads/main"},
	}))
	return remoteDir
}

// seedRegistry publishes a registry with the given pending tasks.
func seedRegistry(t *testing.T, remote string, ids ...string) {
	t.Helper()
	l := layout.New(".swarm")
	g, err := store.OpenGit(context.Background(), store.GitOptions{
		URL: remote, Branch: "main", Workdir: filepath.Join(t.TempDir(), "seed"), Layout: l,
		AuthorName: "seed", AuthorEmail: "seed@localhost",
	})
	require.NoError(t, err)
	defer g.Close()

	var tasks []registry.Task
	for _, id := range ids {
		tasks = append(tasks, registry.Task{ID: id, Description: "do " + id})
	}
	reg, err := registry.New(tasks...)
	require.NoError(t, err)
	cs := store.NewChangeset("seed registry")
	require.NoError(t, reg.Stage(cs, l))
	require.NoError(t, g.Append(context.Background(), cs))
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	holderFlag = ""
	releaseOutcome = "success"
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func openPeer(t *testing.T, remote string) *store.GitStore {
	t.Helper()
	g, err := store.OpenGit(context.Background(), store.GitOptions{
		URL: remote, Branch: "main", Workdir: filepath.Join(t.TempDir(), "peer"), Layout: layout.New(".swarm"),
		AuthorName: "peer", AuthorEmail: "peer@localhost",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

// useTestConfig points the CLI at a config without liveness checks.
func useTestConfig(t *testing.T) {
	t.Helper()
	configPath = filepath.Join(t.TempDir(), "swarmd.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
liveness:
  probe: none
observability:
  log_level: error
`), 0o644))
	t.Cleanup(func() { configPath = "" })
}

func TestCLI_ClaimReleaseStatus(t *testing.T) {
	remote := newBareRemote(t)
	seedRegistry(t, remote, "api", "ui")

	t.Setenv("SWARM_STORE_URL", remote)
	t.Setenv("SWARM_STORE_WORKDIR", filepath.Join(t.TempDir(), "clone"))
	useTestConfig(t)

	out, err := execute(t, "claim", "api", "--holder", "runner-1")
	require.NoError(t, err)
	assert.Contains(t, out, "claimed api as runner-1")

	_, err = execute(t, "claim", "api", "--holder", "runner-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, claim.ErrConflict)

	out, err = execute(t, "release", "ui", "--holder", "runner-1")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to release")

	out, err = execute(t, "release", "api", "--holder", "runner-1", "--outcome", "success")
	require.NoError(t, err)
	assert.Contains(t, out, "released api: done (attempt 1)")

	_, err = execute(t, "release", "api", "--holder", "runner-1", "--outcome", "maybe")
	assert.Error(t, err)

	out, err = execute(t, "phase", "acquire", "validation", "--holder", "runner-1")
	require.NoError(t, err)
	assert.Contains(t, out, "acquired phase validation as runner-1")

	_, err = execute(t, "phase", "acquire", "validation", "--holder", "runner-2")
	assert.ErrorIs(t, err, phase.ErrHeld)

	_, err = execute(t, "phase", "acquire", "deploy", "--holder", "runner-2")
	assert.ErrorIs(t, err, phase.ErrUnknownPhase)

	out, err = execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "planned: yes")
	assert.Contains(t, out, "2 tasks: 1 pending, 0 in progress, 1 done, 0 failed")
	assert.Contains(t, out, "runner-1")
	assert.True(t, strings.Contains(out, string(lease.KindPhase)), "phase lease listed")

	out, err = execute(t, "phase", "release", "validation", "--holder", "runner-1")
	require.NoError(t, err)
	assert.Contains(t, out, "released phase validation")

	out, err = execute(t, "reclaim")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to reclaim")
}

func TestCLI_ReleasePublishesWorkerFiles(t *testing.T) {
	ctx := context.Background()
	remote := newBareRemote(t)
	seedRegistry(t, remote, "api")

	workdir := filepath.Join(t.TempDir(), "clone")
	t.Setenv("SWARM_STORE_URL", remote)
	t.Setenv("SWARM_STORE_WORKDIR", workdir)
	useTestConfig(t)

	_, err := execute(t, "claim", "api", "--holder", "runner-1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(workdir, "api.go"), []byte("package api\n"), 0o644))

	peer := openPeer(t, remote)
	require.NoError(t, peer.Append(ctx, store.NewChangeset("peer notes").Put("notes.txt", []byte("peer"))))

	out, err := execute(t, "release", "api", "--holder", "runner-1", "--outcome", "success")
	require.NoError(t, err)
	assert.Contains(t, out, "released api: done (attempt 1)")

	_, err = peer.Sync(ctx)
	require.NoError(t, err)
	data, err := peer.Read("api.go")
	require.NoError(t, err)
	assert.Equal(t, "package api\n", string(data))
}

func TestCLI_ReleaseRecordsOverwrittenOutputAsFailure(t *testing.T) {
	ctx := context.Background()
	remote := newBareRemote(t)
	seedRegistry(t, remote, "api")

	workdir := filepath.Join(t.TempDir(), "clone")
	t.Setenv("SWARM_STORE_URL", remote)
	t.Setenv("SWARM_STORE_WORKDIR", workdir)
	useTestConfig(t)

	_, err := execute(t, "claim", "api", "--holder", "runner-1")
	require.NoError(t, err)

	// Release commits our README, then the sync meets the peer's.
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "README.md"), []byte("ours\n"), 0o644))
	peer := openPeer(t, remote)
	require.NoError(t, peer.Append(ctx, store.NewChangeset("peer readme").Put("README.md", []byte("theirs\n"))))

	out, err := execute(t, "release", "api", "--holder", "runner-1", "--outcome", "success")
	require.NoError(t, err)
	assert.Contains(t, out, "recorded as failure")

	_, err = peer.Sync(ctx)
	require.NoError(t, err)
	data, err := peer.Read("README.md")
	require.NoError(t, err)
	assert.Equal(t, "theirs\n", string(data))
}

func TestVersionText(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
	assert.Equal(t, versionText()+"\n", out)
}
