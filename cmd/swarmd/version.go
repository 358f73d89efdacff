package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), versionText())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func versionText() string {
	return fmt.Sprintf("swarmd by Fyrsmith Labs\nVersion:    %s\nCommit:     %s\nBuild Date: %s", version, gitCommit, buildDate)
}
