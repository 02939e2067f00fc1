// Package traces provides OpenTelemetry distributed tracing for Saturn.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/saturn"

// Init wires the global tracer provider to an OTLP collector. An empty
// endpoint leaves the no-op provider in place, so spans cost nothing.
// The returned function flushes and stops the exporter.
func Init(ctx context.Context, otlpEndpoint string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("saturn"),
		semconv.ServiceVersion("0.1.0"),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan opens a span named name with the given attributes already
// attached.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Attribute helpers so span decoration stays consistent across packages.

func AgentID(id string) attribute.KeyValue {
	return attribute.String("agent.id", id)
}

func ServiceSlug(slug string) attribute.KeyValue {
	return attribute.String("service.slug", slug)
}

func Capability(name string) attribute.KeyValue {
	return attribute.String("capability", name)
}

func Operation(op string) attribute.KeyValue {
	return attribute.String("operation", op)
}

func QuotedSats(sats int64) attribute.KeyValue {
	return attribute.Int64("quoted_sats", sats)
}

func ChargedSats(sats int64) attribute.KeyValue {
	return attribute.Int64("charged_sats", sats)
}

func AuditID(id string) attribute.KeyValue {
	return attribute.String("audit.id", id)
}

func InvoiceID(id string) attribute.KeyValue {
	return attribute.String("invoice.id", id)
}
