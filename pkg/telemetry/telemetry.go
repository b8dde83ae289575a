// Package telemetry wires OpenTelemetry tracing for the task store and the
// Prometheus counters behind /metrics.
//
// OpenTelemetry is off unless enabled in config. When off, no-op providers are
// installed and WrapStore returns the store unchanged.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scope = "flowdesk"

// Settings select what Init installs.
type Settings struct {
	Enabled bool
	Stdout  bool // pretty-print spans and periodic metrics to stdout
	Service string
	Version string
}

// Provider owns the installed providers until Shutdown.
type Provider struct {
	enabled  bool
	shutdown []func(context.Context) error
}

// Init installs global tracer and meter providers.
func Init(ctx context.Context, s Settings) (*Provider, error) {
	p := &Provider{enabled: s.Enabled}
	if !s.Enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return p, nil
	}
	if s.Service == "" {
		s.Service = scope
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", s.Service),
		attribute.String("service.version", s.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	topts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	}
	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if s.Stdout {
		texp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
		}
		topts = append(topts, sdktrace.WithBatcher(texp))

		mexp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
		}
		mopts = append(mopts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(mexp, sdkmetric.WithInterval(30*time.Second))))
	}

	tp := sdktrace.NewTracerProvider(topts...)
	mp := sdkmetric.NewMeterProvider(mopts...)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	p.shutdown = append(p.shutdown, tp.Shutdown, mp.Shutdown)
	return p, nil
}

// Enabled reports whether real providers were installed.
func (p *Provider) Enabled() bool { return p != nil && p.enabled }

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var first error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}
	p.shutdown = nil
	return first
}

// Tracer returns the flowdesk tracer from the global provider.
func Tracer() trace.Tracer { return otel.Tracer(scope) }

// Meter returns the flowdesk meter from the global provider.
func Meter() metric.Meter { return otel.Meter(scope) }
