package telemetry

import (
	"context"
	"errors"
)

// Telemetry bundles logging, tracing, metrics and health for one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Health  *Health
	Config  *Config
}

// NewTelemetry validates cfg and builds every component. Nothing listens
// until StartServers.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Health:  NewHealth(cfg.Health, metrics, cfg.Metrics.Namespace),
		Config:  cfg,
	}, nil
}

// StartServers starts the metrics and health HTTP servers if enabled.
func (t *Telemetry) StartServers() error {
	log := t.Logger.Zerolog()
	if err := t.Metrics.StartMetricsServer(log); err != nil {
		return err
	}
	t.Health.Start(log)
	return nil
}

// Shutdown stops the HTTP servers and flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Health.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}
