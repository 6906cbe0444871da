package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/conductor/pkg/config"
	"github.com/openfroyo/conductor/pkg/engine"
	"github.com/openfroyo/conductor/pkg/engines"
	"github.com/openfroyo/conductor/pkg/telemetry"
	"github.com/openfroyo/conductor/pkg/worker"
)

func newWorkerCommand() *cobra.Command {
	var (
		queues []string
		holder string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queues and run engine operations",
		Long: `Start a worker that consumes the configured queues until interrupted.

Each queue gets its own consumer loop:
  - actions: dispatch an action to its engine handler
  - triggers: fire a trigger, creating one action per workflow template
  - subscriptions: generate subscription elements from a dataset

Deliveries are acked when handled, acked as dead letters when malformed,
and nacked for redelivery on transient failures.`,
		Example: `  # Consume every queue
  conductor worker

  # Only dispatch actions, with an explicit mutex holder name
  conductor worker --queues actions --holder worker-a`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(queues) > 0 {
				cfg.Worker.Queues = queues
			}
			if holder != "" {
				cfg.Worker.Holder = holder
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringSliceVarP(&queues, "queues", "q", nil, "queues to consume (default from config)")
	cmd.Flags().StringVar(&holder, "holder", "", "mutex holder name (default host-pid-uuid)")

	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config) (err error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.NewComponentLogger("worker")

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.SeedMutexes(ctx, engine.MutexNames); err != nil {
		return err
	}

	b, err := openBroker(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	registry := engine.NewRegistry()
	if err := engines.Register(registry, cfg.Engines, engines.Clients{}); err != nil {
		return err
	}

	svc, err := worker.NewService(worker.Options{
		Store:        store,
		Broker:       b,
		Registry:     registry,
		Lister:       worker.DirectoryLister{Root: cfg.Worker.DataRoot},
		Locker:       engine.LockerConfig{Holder: cfg.Worker.Holder, LeaseTTL: cfg.Worker.LeaseTTL},
		Loop:         worker.LoopConfig{RetryInitial: cfg.Worker.RetryInitial, RetryMax: cfg.Worker.RetryMax},
		MutexTimeout: cfg.Worker.MutexTimeout,
		Telemetry:    tel,
		Logger:       logger.Zerolog(),
	})
	if err != nil {
		return err
	}

	tel.Health.AddReadinessPing("store", store)
	tel.Health.AddReadinessPing("broker", b)
	if err := tel.StartServers(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Worker.ShutdownTimeout)
		defer cancel()
		err = errors.Join(err, tel.Shutdown(shutdownCtx))
	}()

	if configPath != "" {
		go func() {
			werr := config.Watch(ctx, configPath, logger.Zerolog(), func(c *config.Config) {
				tel.Logger.SetLevel(c.Telemetry.Logging.Level)
			})
			if werr != nil {
				log.Warn().Err(werr).Msg("Config watch disabled")
			}
		}()
	}

	logger.WithFields(map[string]interface{}{
		"queues":  cfg.Worker.Queues,
		"holder":  svc.Locker().Holder(),
		"engines": registry.Engines(),
		"broker":  cfg.Broker.Backend,
	}).Info("worker started")

	if err := svc.Run(ctx, cfg.Worker.Queues); err != nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
