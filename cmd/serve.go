package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/headless-job-runner/internal/config"
	"github.com/JakeFAU/headless-job-runner/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the job runner HTTP service",
		Long: `Starts the HTTP API, the job scheduler and the browser pool, and blocks until
SIGINT or SIGTERM. Running jobs are cancelled and browsers closed on shutdown.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	if err := app.Run(cmd.Context()); err != nil {
		return fmt.Errorf("run server: %w", err)
	}
	return nil
}
