package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/1labs-ai/ai-roadmap-tool/internal/config"
	"github.com/1labs-ai/ai-roadmap-tool/internal/store"
)

func newMigrateCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := loadPostgresConfig()
				if err != nil {
					return err
				}
				return migrateUp(cfg, logger)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := loadPostgresConfig()
				if err != nil {
					return err
				}
				return withMigrator(cfg, logger, (*store.Migrator).Down)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadPostgresConfig()
				if err != nil {
					return err
				}
				return withMigrator(cfg, logger, func(m *store.Migrator) error {
					version, dirty, err := m.Version()
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
					return nil
				})
			},
		},
	)
	return cmd
}

func loadPostgresConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return nil, errors.New("migrations require STORE_DRIVER=postgres")
	}
	return cfg, nil
}

func migrateUp(cfg *config.Config, logger *slog.Logger) error {
	return withMigrator(cfg, logger, (*store.Migrator).Up)
}

func withMigrator(cfg *config.Config, logger *slog.Logger, run func(*store.Migrator) error) error {
	m, err := store.NewMigrator(cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("failed to close migrator", "error", err)
		}
	}()
	return run(m)
}
