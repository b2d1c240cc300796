package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"vetclinic/backend/internal/config"
	"vetclinic/backend/internal/logger"
	pgstore "vetclinic/backend/internal/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the postgres schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()

		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		log := logger.WithComponent("main")
		log.Info().Msg("schema applied")
		return nil
	},
}
