// Package main implements swarmd, a leaderless coordinator for coding agents
// that share one git repository.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath is the YAML config file, ./swarmd.yaml when empty
	configPath string
	// holderFlag overrides the holder id written into leases
	holderFlag string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "swarmd: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "swarmd",
	Short: "Leaderless task coordination for a swarm of coding agents",
	Long: `swarmd runs one agent of a swarm. Agents share a git repository and
coordinate only through it: a task registry, lease files and phase markers
under the state directory. Start as many agents as you like against the same
remote; they plan once, split the backlog, validate the result and stop.

Configuration is read from ./swarmd.yaml (or --config) and SWARM_*
environment variables, e.g. SWARM_STORE_URL or SWARM_LEASE_TTL_MINUTES.

Every command exits 0 on success and 1 on failure.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./swarmd.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&holderFlag, "holder", "", "holder id written into leases (default $SWARM_AGENT_HOLDER, else host/pid/nonce)")
	rootCmd.SetVersionTemplate(versionText() + "\n")
}
