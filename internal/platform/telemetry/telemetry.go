// Package telemetry installs the OpenTelemetry meter provider used by the
// outcome metrics handler.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// ServiceName is reported as the service.name resource attribute.
const ServiceName = "docbulk"

// exportInterval is how often metrics are pushed to the collector.
const exportInterval = 15 * time.Second

// Config selects the metric exporter.
type Config struct {
	// OTLPEndpoint is a host:port of an OTLP gRPC collector. Empty disables export.
	OTLPEndpoint string
	Insecure     bool
	// RunID is attached to every exported series.
	RunID string
}

// ShutdownFunc flushes pending metrics and releases the exporter.
type ShutdownFunc func(ctx context.Context) error

// Setup installs a global meter provider that exports over OTLP gRPC when
// an endpoint is configured. Without one the global no-op provider stays in
// place. The returned meter is always usable.
func Setup(ctx context.Context, cfg Config, log *slog.Logger) (metric.Meter, ShutdownFunc, error) {
	if log == nil {
		log = slog.Default()
	}
	noop := func(context.Context) error { return nil }

	if cfg.OTLPEndpoint == "" {
		log.Debug("metric export disabled")
		return otel.Meter(ServiceName), noop, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, noop, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", ServiceName)}
	if cfg.RunID != "" {
		attrs = append(attrs, attribute.String("docbulk.run_id", cfg.RunID))
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(attrs...)),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)

	log.Info("metric export enabled",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Bool("insecure", cfg.Insecure))
	return provider.Meter(ServiceName), provider.Shutdown, nil
}
