package main

import (
	"github.com/spf13/cobra"

	"pairchat/internal/config"
	"pairchat/internal/db"
	"pairchat/internal/logger"
)

func newMigrateCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return config.ErrMissingDSN
			}

			database, err := db.NewDatabase(cmd.Context(), cfg.Database.DSN, dbOptions(cfg))
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.AutoMigrate(cmd.Context()); err != nil {
				return err
			}
			l := logger.L()
			l.Info().Int("statements", len(db.Schema)).Msg("database schema initialized")
			return nil
		},
	}
}

func dbOptions(cfg *config.Config) db.Options {
	return db.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
}
