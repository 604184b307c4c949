// Package telemetry configures OpenTelemetry tracing for the relay.
//
// Custom span attributes use the `neuraleye.` prefix.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "neuraleye/server"
	serviceName = "neuraleye"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartHTTPSpan creates a server span for an inbound API request.
func StartHTTPSpan(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, method+" "+route,
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("http.route", route),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndHTTPSpan records the response status and ends the span.
func EndHTTPSpan(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	span.End()
}

// StartSaveImageSpan creates the span covering an OCR + persist request.
func StartSaveImageSpan(ctx context.Context, userID int64, imageBytes int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "imagelog.save",
		trace.WithAttributes(
			attribute.Int64("neuraleye.user_id", userID),
			attribute.Int("neuraleye.image.bytes", imageBytes),
		),
	)
}
