package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"vetclinic/backend/internal/config"
	"vetclinic/backend/internal/logger"
)

var version = "0.1.0"

var envFile string

var rootCmd = &cobra.Command{
	Use:   "vetclinic",
	Short: "Veterinary clinic billing backend",
	Long: `vetclinic runs the clinic billing API: totals, invoice lifecycle and
payments, scoped per clinic. Configuration comes from the environment, optionally
seeded from a .env file.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		return logger.Setup(config.Load().LoggerConfig())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log := logger.WithComponent("main")
		log.Error().Err(err).Msg("command failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
