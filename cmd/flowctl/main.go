// Command flowctl validates, seeds and exercises onboarding flow definitions.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:   "flowctl",
		Short: "Manage OnboardPipe flow definitions",
		Long: `flowctl works with the YAML or JSON flow definitions driven by OnboardPipe.

It checks flow files before deployment, seeds them into a store and runs a flow
interactively in the terminal.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")
	root.AddCommand(newValidateCmd(), newSeedCmd(), newChatCmd())
	return root
}
