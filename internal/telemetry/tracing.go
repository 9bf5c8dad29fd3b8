// -------------------------------------------------------------------------------
// Tracing - OpenTelemetry Setup and Helpers
//
// Author: Alex Freidah
//
// Initializes the global tracer provider with an OTLP gRPC exporter and provides
// span helpers and shared attribute keys. When tracing is disabled, the global
// no-op provider stays in place and span creation costs next to nothing.
// -------------------------------------------------------------------------------

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/afreidah/qr-landing/internal/config"
)

const tracerName = "github.com/afreidah/qr-landing"

// Common span attribute keys.
var (
	AttrQRCodeID    = attribute.Key("qr.id")
	AttrCacheTier   = attribute.Key("qr.cache_tier")
	AttrOutcome     = attribute.Key("qr.outcome")
	AttrBatchIDs    = attribute.Key("qr.batch.ids")
	AttrBatchEvents = attribute.Key("qr.batch.events")
	AttrClientIP    = attribute.Key("client.address")
)

// InitTracer configures the global tracer provider. Returns a shutdown function
// that flushes pending spans; when tracing is disabled the shutdown is a no-op.
func InitTracer(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return noop, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", "qr-landing"),
			attribute.String("service.version", Version),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RequestAttributes returns the standard attributes for an inbound landing request.
func RequestAttributes(method, path, id, clientIP string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
		AttrQRCodeID.String(id),
		AttrClientIP.String(clientIP),
	}
}
