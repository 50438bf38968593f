package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

const ServiceName = "diagram-collab"

/*
Tracing pipeline:

  HTTP / gateway / lifecycle spans → OTel SDK → Jaeger exporter → collector

An empty endpoint leaves the global no-op provider in place, so spans cost
nothing when tracing is not configured.
*/

// InitJaeger installs a global tracer provider exporting to Jaeger.
// sampleRatio <= 0 or >= 1 samples everything; child spans follow their parent.
// The returned function flushes pending spans.
func InitJaeger(endpoint string, sampleRatio float64, logger *zap.Logger) (func(context.Context) error, error) {
	if endpoint == "" {
		logger.Info("tracing disabled (no Jaeger endpoint)")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if sampleRatio > 0 && sampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(sampleRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("✓ Jaeger tracing initialized",
		zap.String("endpoint", endpoint),
		zap.Float64("sample_ratio", sampleRatio),
	)
	return tp.Shutdown, nil
}
