// Package cli defines the livesession cobra commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // set via ldflags at build time

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "livesession",
		Short: "Live billable collaboration sessions",
		Long: `livesession runs the session server and lets a provider or customer join a
session from the terminal: chat, share files, pause and resume the billing clock,
change the rate and generate invoices.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newJoinCmd())
	return cmd
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
