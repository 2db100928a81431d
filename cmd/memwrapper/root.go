package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mem-wrapper",
	Short: "Supervise a long-running agent CLI with policy-gated tool approval",
	Long: `mem-wrapper wraps a child agent process (invoked with a streaming
JSON tool-event protocol on its stdout), forwards its output, arbitrates
tool-use requests against a configured policy, and records worthwhile runs
to a remote memory service for future recall.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
}

func fatalf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
