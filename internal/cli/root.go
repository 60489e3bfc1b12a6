// Package cli implements the alloy command line tool for inspecting and
// tearing down persisted deployment state.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/alloy-run/alloy/internal/logging"
)

var (
	stateDir string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "alloy",
	Short: "Infrastructure as Go values",
	Long: `Alloy evaluates graphs of resources declared as ordinary Go values and
reconciles them against persisted state.

Deployments themselves are Go programs importing the alloy package; this
tool operates on the state those programs leave behind:
  • inspect and repair a scope's resource records
  • tear down everything a scope ever recorded`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", ".alloy/state", "directory holding state documents")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(versionCmd)
}
