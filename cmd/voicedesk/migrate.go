package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teslashibe/go-voicedesk/internal/config"
	"github.com/teslashibe/go-voicedesk/internal/log"
	"github.com/teslashibe/go-voicedesk/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Store.Driver == config.DriverMemory {
			return fmt.Errorf("migrate: driver %q has no schema", cfg.Store.Driver)
		}
		logger := log.L()
		db, err := store.Open(cfg.Store.Driver, cfg.Store.DSN, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info("migrations applied", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}
