package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used by simulation spans.
const TracerName = "beaver-nav"

// Config configures the OTLP/HTTP exporter.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// InitTracer installs a global tracer provider exporting over OTLP/HTTP.
// The caller shuts the provider down on exit.
func InitTracer(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartTickSpan starts the span covering one simulation tick of a shard.
func StartTickSpan(ctx context.Context, shard int, tick uint64) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "sim.tick",
		trace.WithAttributes(
			attribute.Int("sim.shard", shard),
			attribute.Int64("sim.tick", int64(tick)),
		),
	)
}

// StartQueueSpan starts a child span for one scheduler Process call.
func StartQueueSpan(ctx context.Context, queue string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "jobqueue.process",
		trace.WithAttributes(
			attribute.String("queue.name", queue),
		),
	)
}
