package trace

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	otrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	enabled bool
	tracer  otrace.Tracer = noop.NewTracerProvider().Tracer("")
)

// Init sets up the tracer provider. When disabled, Start returns no-op spans.
// The returned shutdown func flushes pending spans.
func Init(enable bool) (func(context.Context) error, error) {
	enabled = enable
	if !enable {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String("momentum-bot")),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer("momentum-bot")
	return tp.Shutdown, nil
}

// Start opens a span named op. Callers must End the returned span.
func Start(ctx context.Context, op string, opts ...otrace.SpanStartOption) (context.Context, otrace.Span) {
	return tracer.Start(ctx, op, opts...)
}

// Enabled reports whether tracing was turned on at Init.
func Enabled() bool {
	return enabled
}
