// Package telemetry provides observability instrumentation for URIO.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), and metrics (Prometheus) into a unified system for
// monitoring ingestion sessions, resource admissions, and orchestration runs.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "urio"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// Downstream code retrieves the logger with telemetry.FromContext(ctx) and
// enriches it with domain fields (WithDeviceID, WithSessionID, WithResourceID,
// WithExecID). Span helpers (StartSessionSpan, StartAdmissionSpan,
// StartExecSpan) carry the same identifiers as trace attributes so logs and
// traces correlate.
package telemetry
