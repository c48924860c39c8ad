package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry.
	// Default: "clover-captions".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// Registerer receives the bridged Prometheus metrics. Nil uses the
	// default registry, which is what promhttp.Handler() serves from the
	// streaming server's /metrics endpoint.
	Registerer prometheus.Registerer

	// TraceExporter is an optional span exporter. When nil, recognizer and
	// HTTP spans are recorded (so correlation IDs work) but not exported.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider wires the global OTel meter and tracer providers for the
// captioning pipeline: metrics flow through the Prometheus exporter bridge,
// spans through the configured exporter if any. The returned shutdown
// function flushes both providers; call it in a defer from main().
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := captionResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	mp, err := newMeterProvider(cfg, res)
	if err != nil {
		return nil, fmt.Errorf("observe: meter provider: %w", err)
	}
	otel.SetMeterProvider(mp)

	tp := newTracerProvider(cfg, res)
	otel.SetTracerProvider(tp)

	shutdown = func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}
	return shutdown, nil
}

// captionResource describes this service in telemetry, merged over the SDK
// defaults (host, process, runtime).
func captionResource(cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "clover-captions"
	}
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
}

// newMeterProvider builds a meter provider reading into the Prometheus
// bridge, so the engine and recognizer instruments land in the registry the
// /metrics endpoint scrapes.
func newMeterProvider(cfg ProviderConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	expOpts := []promexporter.Option{}
	if cfg.Registerer != nil {
		expOpts = append(expOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	exp, err := promexporter.New(expOpts...)
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	), nil
}

func newTracerProvider(cfg ProviderConfig, res *resource.Resource) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if cfg.TraceExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	return sdktrace.NewTracerProvider(opts...)
}
