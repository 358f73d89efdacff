package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/swarmd/internal/guard"
	"github.com/fyrsmithlabs/swarmd/internal/retry"
)

var releaseOutcome string

var claimCmd = &cobra.Command{
	Use:   "claim <task-id>",
	Short: "Claim a task for the holder",
	Long: `Claim a pending task: write a lease for the holder and mark the task
in_progress in one push. Exits 1 if the task is held by a live agent, is not
pending, or another agent won the race.

Use a stable --holder (or SWARM_AGENT_HOLDER) so a later release from
another process matches the lease.

Examples:
  swarmd claim api --holder ci-runner-7`,
	Args: cobra.ExactArgs(1),
	RunE: runClaim,
}

var releaseCmd = &cobra.Command{
	Use:   "release <task-id>",
	Short: "Release a claimed task with an outcome",
	Long: `Release a task claimed by the holder. Worker files left in the workdir are
committed and published with the release. A success marks it done; a failure
requeues it until its attempts are used up. A success whose output was lost
to a conflicting remote change is recorded as a failure. Releasing a task the
holder does not hold is a no-op. Exits 1 only if the release could not be
published.

Examples:
  swarmd release api --outcome success --holder ci-runner-7
  swarmd release api --outcome failure --holder ci-runner-7`,
	Args: cobra.ExactArgs(1),
	RunE: runRelease,
}

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Remove dead and stale leases and repair orphaned tasks",
	Long: `Run one reclamation sweep: remove task and phase leases whose holder is
dead or whose TTL expired, return in_progress tasks without a live lease to
pending, and requeue failed tasks that still have attempts left.`,
	Args: cobra.NoArgs,
	RunE: runReclaim,
}

func init() {
	releaseCmd.Flags().StringVar(&releaseOutcome, "outcome", "success", "attempt outcome: success or failure")
	rootCmd.AddCommand(claimCmd, releaseCmd, reclaimCmd)
}

func runClaim(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	d, err := initDeps(ctx, depsOptions{})
	if err != nil {
		return err
	}
	defer closeDeps(d, &err)

	p, err := d.protocol(nil)
	if err != nil {
		return err
	}
	l, err := p.Claim(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "claimed %s as %s\n", l.Resource, l.Holder)
	return nil
}

func runRelease(cmd *cobra.Command, args []string) (err error) {
	outcome, ok := retry.ParseOutcome(releaseOutcome)
	if !ok {
		return fmt.Errorf("unknown outcome %q: use success or failure", releaseOutcome)
	}

	ctx := cmd.Context()
	d, err := initDeps(ctx, depsOptions{})
	if err != nil {
		return err
	}
	defer closeDeps(d, &err)

	p, err := d.protocol(nil)
	if err != nil {
		return err
	}
	outcome, err = commitOutput(cmd, d, args[0], outcome)
	if err != nil {
		return err
	}
	synced, err := d.store.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	lost := synced.LostOutput() && outcome == retry.Success
	if lost {
		outcome = retry.Failure
	}
	res, err := p.Release(ctx, args[0], outcome)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case !res.Released:
		fmt.Fprintf(out, "%s holds no lease on %s; nothing to release\n", d.holder, args[0])
	case res.Downgraded || lost:
		fmt.Fprintf(out, "released %s: %s (attempt %d, output lost in sync, recorded as failure)\n",
			res.Task.ID, res.Task.Status, res.Task.AttemptCount)
	default:
		fmt.Fprintf(out, "released %s: %s (attempt %d)\n", res.Task.ID, res.Task.Status, res.Task.AttemptCount)
	}
	return nil
}

// commitOutput commits the worker's files in the workdir so the release
// publishes them. Output the guard rejects is discarded and the outcome
// becomes a failure.
func commitOutput(cmd *cobra.Command, d *deps, id string, outcome retry.Outcome) (retry.Outcome, error) {
	ctx := cmd.Context()
	if _, err := d.store.CommitPending(ctx, fmt.Sprintf("%s: worker output", id)); err != nil {
		return outcome, fmt.Errorf("commit worker output: %w", err)
	}
	g, err := d.guard()
	if err != nil || g == nil {
		return outcome, err
	}
	findings, err := g.Check(ctx, d.store)
	if err == nil {
		return outcome, nil
	}
	if !errors.Is(err, guard.ErrSecretsFound) {
		return outcome, err
	}
	if err := d.store.Discard(ctx); err != nil {
		return outcome, fmt.Errorf("discard worker output: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "discarded worker output: %d secrets found, first at %s\n", len(findings), findings[0])
	return retry.Failure, nil
}

func runReclaim(cmd *cobra.Command, _ []string) (err error) {
	ctx := cmd.Context()
	// A fresh holder owns nothing, so no lease counts as ours.
	d, err := initDeps(ctx, depsOptions{freshHolder: true})
	if err != nil {
		return err
	}
	defer closeDeps(d, &err)

	p, err := d.protocol(nil)
	if err != nil {
		return err
	}
	if _, err := d.store.Sync(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	report, err := p.Reclaim(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if report.Empty() {
		fmt.Fprintln(out, "nothing to reclaim")
		return nil
	}
	for _, r := range report.Leases {
		fmt.Fprintf(out, "removed %s lease %s held by %s (%s)\n", r.Kind, r.Resource, r.Holder, r.Reason)
	}
	for _, id := range report.Orphans {
		fmt.Fprintf(out, "returned orphaned task %s to pending\n", id)
	}
	for _, id := range report.Requeued {
		fmt.Fprintf(out, "requeued failed task %s\n", id)
	}
	return nil
}
