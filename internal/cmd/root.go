// Package cmd wires the CLI surface: a fuzz command driving the full
// session, a one-shot trace command, and small inspection helpers.
package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var verboseFlag bool

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "whvp",
		Short:         "Snapshot-based coverage-guided fuzzer for x86-64 guest code",
		Long: `whvp re-executes a captured function slice inside a hypervisor
partition, mutating guest memory on every iteration and collecting
newly discovered instruction addresses as coverage. Inputs that grow
coverage are kept; inputs that reach forbidden addresses are saved as
crashes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verboseFlag {
				log.SetLevel(log.DebugLevel)
			} else {
				log.SetLevel(log.InfoLevel)
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Extra detail to stderr")

	addFuzzCommand(rootCmd)
	addTraceCommand(rootCmd)
	addRegsCommand(rootCmd)
	return rootCmd
}
