package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aura-live/backend/config"
	"github.com/aura-live/backend/pkg/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(logLevel(cmd, cfg.Server.LogLevel))
	defer logger.Sync()

	ctx := cmd.Context()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Error("database", zap.Error(err))
		return err
	}
	defer pool.Close()

	applied, err := database.Migrate(ctx, pool, logger)
	if err != nil {
		logger.Error("migrate", zap.Error(err))
		return err
	}
	logger.Info("migrations complete", zap.Strings("applied", applied))
	return nil
}
