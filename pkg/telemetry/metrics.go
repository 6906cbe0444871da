package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for conductor workers.
type Metrics struct {
	config MetricsConfig

	// Dispatch metrics
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	// Delivery metrics
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	inflight         *prometheus.GaugeVec

	// Mutex metrics
	mutexAcquisitions *prometheus.CounterVec
	mutexWait         *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total number of action dispatches by outcome",
			},
			[]string{"engine", "operation", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of handler execution in seconds",
				Buckets:   buckets,
			},
			[]string{"engine", "operation"},
		),

		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Total number of broker deliveries by result",
			},
			[]string{"queue", "call", "result"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_seconds",
				Help:      "Time from receive to ack or nack in seconds",
				Buckets:   buckets,
			},
			[]string{"queue", "call"},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "deliveries_in_flight",
				Help:      "Deliveries currently being handled",
			},
			[]string{"queue"},
		),

		mutexAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mutex_acquisitions_total",
				Help:      "Total number of mutex acquisition attempts by result",
			},
			[]string{"mutex", "result"},
		),
		mutexWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "mutex_wait_seconds",
				Help:      "Time spent waiting to acquire a mutex in seconds",
				Buckets:   buckets,
			},
			[]string{"mutex"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.dispatches,
		m.dispatchDuration,
		m.deliveries,
		m.deliveryDuration,
		m.inflight,
		m.mutexAcquisitions,
		m.mutexWait,
		m.errorsByClass,
		m.errorsByCode,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// Dispatch Metrics

// RecordDispatch records one dispatch with its outcome and handler duration.
func (m *Metrics) RecordDispatch(engineName, operation, outcome string, duration time.Duration) {
	if m == nil || m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(engineName, operation, outcome).Inc()
	m.dispatchDuration.WithLabelValues(engineName, operation).Observe(duration.Seconds())
}

// Delivery Metrics

// DeliveryStarted marks a delivery as in flight.
func (m *Metrics) DeliveryStarted(queue string) {
	if m == nil || m.inflight == nil {
		return
	}
	m.inflight.WithLabelValues(queue).Inc()
}

// RecordDelivery records how a delivery was settled.
func (m *Metrics) RecordDelivery(queue, call, result string, duration time.Duration) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.inflight.WithLabelValues(queue).Dec()
	m.deliveries.WithLabelValues(queue, call, result).Inc()
	m.deliveryDuration.WithLabelValues(queue, call).Observe(duration.Seconds())
}

// Mutex Metrics

// RecordMutexAcquire records an acquisition attempt and how long it waited.
func (m *Metrics) RecordMutexAcquire(mutex string, waited time.Duration, err error) {
	if m == nil || m.mutexAcquisitions == nil {
		return
	}
	result := "acquired"
	if err != nil {
		result = "failed"
	}
	m.mutexAcquisitions.WithLabelValues(mutex, result).Inc()
	m.mutexWait.WithLabelValues(mutex).Observe(waited.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Log error but don't fail the application
			logger.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it is running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
