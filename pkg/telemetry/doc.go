// Package telemetry provides observability instrumentation for conductor.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and health endpoints
// (heptiolabs/healthcheck) behind one Telemetry value.
//
// # Usage
//
// Initialize telemetry at process startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Health.AddReadinessPing("store", store)
//	tel.Health.AddReadinessPing("broker", broker)
//	_ = tel.StartServers()
//
// # Structured Logging
//
// Library packages take a zerolog.Logger value; obtain one per component:
//
//	logger := tel.Logger.NewComponentLogger("worker")
//	dispatcher := engine.NewDispatcher(store, registry, locker, logger.Zerolog())
//
// The level is process-wide and can be changed at runtime with SetLevel,
// which the config watcher does when the config file changes.
//
// # Distributed Tracing
//
// Each broker delivery gets a span, and each action dispatch a child span:
//
//	ctx, span := tel.Tracer.StartDeliverySpan(ctx, queue, call, subjectID, attempt)
//	defer span.End()
//
// The dispatch span is tagged with the engine, operation, target and outcome
// through AnnotateDispatch, and failed spans carry the error class and code.
//
// Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Exposed on MetricsConfig.ListenAddress at MetricsConfig.Path:
//
//   - conductor_dispatches_total{engine, operation, outcome}
//   - conductor_dispatch_duration_seconds{engine, operation}
//   - conductor_deliveries_total{queue, call, result}
//   - conductor_delivery_duration_seconds{queue, call}
//   - conductor_deliveries_in_flight{queue}
//   - conductor_mutex_acquisitions_total{mutex, result}
//   - conductor_mutex_wait_seconds{mutex}
//   - conductor_errors_by_class_total{class}, conductor_errors_by_code_total{code}
//
// # Health
//
// /live fails when the goroutine count passes HealthConfig.GoroutineThreshold.
// /ready pings every registered dependency with HealthConfig.CheckTimeout.
package telemetry
