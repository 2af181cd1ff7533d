package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/1labs-ai/ai-roadmap-tool/internal/app"
	"github.com/1labs-ai/ai-roadmap-tool/internal/config"
)

func newResetCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Run one monthly credit reset sweep and print how many accounts were reset",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			ctx := cmd.Context()
			repo, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			count, err := app.NewResetSweeper(repo, logger, cfg.ResetBatchSize).Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d accounts\n", count)
			return nil
		},
	}
}
