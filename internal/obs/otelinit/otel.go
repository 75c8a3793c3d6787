// Package otelinit wires OpenTelemetry tracing and metrics exactly where the
// teacher wires them (libs/go/core/otelinit), resolved from
// OTEL_EXPORTER_OTLP_ENDPOINT with the same localhost:4317 default and the
// same graceful no-op fallback on exporter dial failure — a run with no
// collector listening still produces correct scheduling results, just
// without telemetry.
package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func endpoint() string {
	if e := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); e != "" {
		return e
	}
	return "localhost:4317"
}

func dialOpts() []grpc.DialOption {
	return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
}

// InitTracer configures a global TracerProvider with an OTLP/gRPC exporter,
// returning its Shutdown. On dial failure it logs a warning and installs a
// no-op shutdown rather than failing the run.
func InitTracer(ctx context.Context, service string) func(context.Context) error {
	ep := endpoint()
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(ep), otlptracegrpc.WithDialOption(dialOpts()...))
	if err != nil {
		slog.Warn("otel trace exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}

	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("otel tracer initialized", "endpoint", ep)
	return tp.Shutdown
}

// InitMetrics configures a global MeterProvider with an OTLP/gRPC periodic
// reader, returning its Shutdown and the Meter components should use. On
// dial failure it falls back to otel.GetMeterProvider()'s no-op Meter.
func InitMetrics(ctx context.Context, service string) (metric.Meter, func(context.Context) error) {
	ep := endpoint()
	exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(ep), otlpmetricgrpc.WithDialOption(dialOpts()...))
	if err != nil {
		slog.Warn("otel metric exporter init failed", "error", err)
		return otel.GetMeterProvider().Meter(service), func(context.Context) error { return nil }
	}

	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	slog.Info("otel meter initialized", "endpoint", ep)
	return mp.Meter(service), mp.Shutdown
}

// Flush runs a shutdown func with a bounded timeout, swallowing its error —
// a slow or unreachable collector must never block process exit.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
