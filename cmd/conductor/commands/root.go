package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/conductor/pkg/broker"
	"github.com/openfroyo/conductor/pkg/config"
	"github.com/openfroyo/conductor/pkg/stores"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor - queue-driven action orchestration",
		Long: `Conductor runs engine operations against datastores and workflows.

Actions are stored with optimistic versioning and dispatched by workers
consuming the actions, triggers and subscriptions queues. Engines serialize
their critical sections through named mutexes held in the store.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml or .cue)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newBootstrapCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newActionCommand())
	rootCmd.AddCommand(newEnqueueCommand())
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("config", configPath).Str("store", cfg.Store.Driver).Str("broker", cfg.Broker.Backend).Msg("Configuration loaded")
	return cfg, nil
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLStore, error) {
	store, err := stores.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	return store, nil
}

func openBroker(cfg *config.Config) (broker.Broker, error) {
	b, err := broker.New(cfg.Broker, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s broker: %w", cfg.Broker.Backend, err)
	}
	return b, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
