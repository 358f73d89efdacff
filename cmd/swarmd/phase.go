package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var phaseCmd = &cobra.Command{
	Use:   "phase",
	Short: "Acquire or release a phase lease",
	Long: `Manage the singleton phase leases (planning, validation) by hand, for
example to run planning from an external script. Acquire exits 1 when a live
agent already holds the phase.`,
}

var phaseAcquireCmd = &cobra.Command{
	Use:   "acquire <planning|validation>",
	Short: "Acquire a phase lease",
	Args:  cobra.ExactArgs(1),
	RunE:  runPhase(true),
}

var phaseReleaseCmd = &cobra.Command{
	Use:   "release <planning|validation>",
	Short: "Release a phase lease held by the holder",
	Args:  cobra.ExactArgs(1),
	RunE:  runPhase(false),
}

func init() {
	phaseCmd.AddCommand(phaseAcquireCmd, phaseReleaseCmd)
	rootCmd.AddCommand(phaseCmd)
}

func runPhase(acquire bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		d, err := initDeps(ctx, depsOptions{})
		if err != nil {
			return err
		}
		defer closeDeps(d, &err)

		g, err := d.gate(nil)
		if err != nil {
			return err
		}
		name := args[0]
		if acquire {
			if err := g.Acquire(ctx, name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "acquired phase %s as %s\n", name, d.holder)
			return nil
		}
		if err := g.Release(ctx, name); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "released phase %s\n", name)
		return nil
	}
}
