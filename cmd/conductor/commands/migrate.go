package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/conductor/pkg/engine"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply the embedded schema migrations to the configured store.

Migrations are idempotent; running them against an up-to-date database
does nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			log.Info().Str("driver", store.Driver()).Msg("Migrations applied")
			return nil
		},
	}
}

func newBootstrapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Migrate the store and seed mutex rows",
		Long: `Migrate the store and insert a READY row for every named mutex.

Workers refuse to acquire mutexes that were never seeded, so run this once
per database before starting workers. Existing rows are left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SeedMutexes(cmd.Context(), engine.MutexNames); err != nil {
				return err
			}
			log.Info().Int("mutexes", len(engine.MutexNames)).Msg("Store bootstrapped")
			return nil
		},
	}
}
