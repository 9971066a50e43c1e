package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, and metrics.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	// Initialize tracer
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	// Initialize metrics
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	// Metrics server is not explicitly shut down here as it may need to continue
	// serving metrics until the very end of the application lifecycle

	return nil
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Context Helpers for common instrumentation patterns

// InstrumentedContext creates a context with telemetry, logger fields, and a trace span.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	// Start trace span
	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	// Create logger with operation field
	logger := tel.Logger.WithField("operation", operation)

	// Add trace context to logger if available
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

// WithSessionContext creates a context enriched with ingestion session
// telemetry: a session span plus a session-scoped logger. Metrics are
// recorded by the session manager itself, not here.
func WithSessionContext(ctx context.Context, sessionID, deviceID string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	// Start session span
	spanCtx, span := tel.Tracer.StartSessionSpan(ctx, sessionID, deviceID)

	// Create session-specific logger
	logger := tel.Logger.WithSessionID(sessionID).WithDeviceID(deviceID)
	spanCtx = logger.WithContext(spanCtx)

	// Store the span in context for later retrieval
	return context.WithValue(spanCtx, sessionSpanKey{}, span)
}

// sessionSpanKey is the context key for session spans.
type sessionSpanKey struct{}

// EndSessionContext completes the session span with its final status.
func EndSessionContext(ctx context.Context, status string, err error) {
	span, ok := ctx.Value(sessionSpanKey{}).(trace.Span)
	if !ok {
		return
	}

	span.SetAttributes(AttrSessionStatus.String(status))
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}

// WithExecContext creates a context enriched with exec call telemetry:
// an exec span plus an exec-scoped logger. Metrics are recorded by the
// executor itself, not here.
func WithExecContext(ctx context.Context, execID, sessionID, name string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	// Start exec span
	spanCtx, span := tel.Tracer.StartExecSpan(ctx, execID, sessionID, name)

	// Create exec-specific logger
	logger := tel.Logger.
		WithSessionID(sessionID).
		WithExecID(execID).
		WithField("exec_name", name)
	spanCtx = logger.WithContext(spanCtx)

	// Store the span in context
	return context.WithValue(spanCtx, execSpanKey{}, span)
}

// execSpanKey is the context key for exec spans.
type execSpanKey struct{}

// EndExecContext completes the exec span with its final status.
func EndExecContext(ctx context.Context, status string, err error) {
	span, ok := ctx.Value(execSpanKey{}).(trace.Span)
	if !ok {
		return
	}

	span.SetAttributes(AttrExecStatus.String(status))
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}

// WithAdapterContext creates a context enriched with adapter-specific telemetry.
func WithAdapterContext(ctx context.Context, adapterScheme, adapterVersion string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	// Create adapter-specific logger
	logger := tel.Logger.WithAdapter(adapterScheme, adapterVersion)
	return logger.WithContext(ctx)
}

// RecordAdapterOperation records a source adapter operation with metrics and tracing.
func RecordAdapterOperation(ctx context.Context, adapterScheme, operation string, fn func() error) error {
	tel := FromTelemetryContext(ctx)

	// Start span
	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartAdapterSpan(ctx, adapterScheme, operation)
		defer span.End()
	}

	// Start timer
	timer := NewTimer()

	// Execute operation
	err := fn()

	// Record metrics
	if tel != nil {
		duration := timer.Duration()
		tel.Metrics.RecordAdapterCall(adapterScheme, operation, duration)
		if err != nil {
			tel.Metrics.RecordAdapterError(adapterScheme, operation)
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}

	return err
}
