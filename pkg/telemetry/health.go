package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/rs/zerolog"
)

// Pinger is a dependency that can report its connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health serves /live and /ready. Readiness covers the store and broker;
// liveness covers the process itself.
type Health struct {
	config  HealthConfig
	handler healthcheck.Handler
	server  *http.Server
}

// NewHealth creates the health handler. When metrics are enabled the check
// results are also exported through the metrics registry.
func NewHealth(cfg HealthConfig, metrics *Metrics, namespace string) *Health {
	var handler healthcheck.Handler
	if metrics != nil && metrics.Registry() != nil {
		handler = healthcheck.NewMetricsHandler(metrics.Registry(), namespace)
	} else {
		handler = healthcheck.NewHandler()
	}
	if cfg.GoroutineThreshold > 0 {
		handler.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(cfg.GoroutineThreshold))
	}
	return &Health{config: cfg, handler: handler}
}

// AddReadinessPing registers p as a readiness dependency named name.
func (h *Health) AddReadinessPing(name string, p Pinger) {
	h.handler.AddReadinessCheck(name, h.pingCheck(p))
}

// AddLivenessPing registers p as a liveness dependency named name.
func (h *Health) AddLivenessPing(name string, p Pinger) {
	h.handler.AddLivenessCheck(name, h.pingCheck(p))
}

func (h *Health) pingCheck(p Pinger) healthcheck.Check {
	timeout := h.config.CheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return p.Ping(ctx)
	}, timeout)
}

// Handler returns the HTTP handler serving /live and /ready.
func (h *Health) Handler() http.Handler {
	return h.handler
}

// Start serves the health endpoints in the background.
func (h *Health) Start(logger zerolog.Logger) {
	if !h.config.Enabled {
		return
	}
	h.server = &http.Server{
		Addr:              h.config.ListenAddress,
		Handler:           h.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", h.config.ListenAddress).Msg("health server error")
		}
	}()
}

// Shutdown stops the health server if it is running.
func (h *Health) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}
