/**
 * @description
 * This is the main entry point for roadmapd, the credits ledger and roadmap generation
 * service. The binary exposes the HTTP API, a one-off reset sweep, schema migrations and
 * the lead notification worker as cobra subcommands.
 */
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// A missing .env is fine; real deployments inject the environment.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	rootCmd := &cobra.Command{
		Use:           "roadmapd",
		Short:         "Credits ledger and AI roadmap generation service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newServeCmd(logger),
		newResetCmd(logger),
		newMigrateCmd(logger),
		newWorkerCmd(logger),
	)
	return rootCmd
}
