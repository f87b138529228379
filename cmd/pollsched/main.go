package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pollsched",
		Short: "Poll-driven interval job scheduler",
		Long: `pollsched runs named jobs at independent intervals.

The scheduler wakes every poll interval (default 10s) and starts each job
whose interval has elapsed since its last completed run. A job never
overlaps itself, and a failing job does not affect the others.

Examples:
  pollsched run --config ./pollsched.yaml
  pollsched validate --config ./pollsched.yaml
  pollsched history --config ./pollsched.yaml --job ping-api
  pollsched kinds`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./pollsched.json", "path to config (json, yaml or toml)")

	root.AddCommand(newRunCmd(), newValidateCmd(), newHistoryCmd(), newKindsCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
