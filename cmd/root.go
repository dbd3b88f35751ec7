// Package cmd defines the jobrunner command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates the root command and attaches its subcommands.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobrunner",
		Short: "Runs user-supplied browser automation scripts on a pool of headless browsers.",
		Long: `jobrunner accepts JavaScript automation jobs over HTTP, admits them through a
bounded queue, and runs each one against a pooled Chrome page. Job metrics are kept
in a rolling event log that can be queried, exported and alerted on.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars prefixed JOBRUNNER_ override it)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newValidateCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
