package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/subsync/internal/config"
	zerologadapter "github.com/mihaimyh/subsync/pkg/subsync/logger/zerolog"
	"github.com/mihaimyh/subsync/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending PostgreSQL schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Storage.Backend != config.BackendPostgres {
			return fmt.Errorf("migrate requires STORAGE_BACKEND=postgres, got %q", cfg.Storage.Backend)
		}
		dsn := cfg.Storage.AdminDatabaseURL
		if dsn == "" {
			dsn = cfg.Storage.DatabaseURL
		}
		if dsn == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}

		pcfg := postgres.DefaultConfig()
		pcfg.ConnectionString = dsn
		pg, err := postgres.New(cmd.Context(), pcfg)
		if err != nil {
			return err
		}
		defer pg.Close()

		log := newLogger(cfg, os.Stderr)
		if err := postgres.Migrate(cmd.Context(), pg.Pool(), zerologadapter.NewLogger(log)); err != nil {
			return err
		}
		log.Info().Msg("Migrations applied")
		return nil
	},
}
