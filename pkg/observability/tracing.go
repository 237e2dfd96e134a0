package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName names the tracer when TraceConfig.ServiceName is empty.
const DefaultServiceName = "powerfuse"

// TraceConfig configures NewTracer.
type TraceConfig struct {
	// ServiceName identifies this service in traces.
	ServiceName string

	// Provider defaults to the global otel tracer provider. Exporter setup belongs to the
	// host process; without one every span is a no-op.
	Provider trace.TracerProvider
}

// Tracer starts spans for the engine's operations.
//
//	ctx, span := tracer.Start(ctx, "build_context", attribute.String("user_id", id))
//	defer span.End()
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer.
func NewTracer(config TraceConfig) *Tracer {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	provider := config.Provider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer(config.ServiceName)}
}

// Start creates a span and returns a context containing it. The caller must end the span.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if len(attrs) == 0 {
		return t.tracer.Start(ctx, name)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records err on the span and marks it failed. Nil errors are ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
