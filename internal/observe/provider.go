// Package observe sets up the supervisor's logger and OpenTelemetry meter
// provider.
package observe

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry metrics pipeline.
type ProviderConfig struct {
	// ServiceName is reported in telemetry. Default: "mcp-supervisor".
	ServiceName    string
	ServiceVersion string

	// Registry receives the Prometheus collector. When nil a fresh registry
	// is created.
	Registry *prometheus.Registry

	// SetGlobal also installs the meter provider as the otel global.
	SetGlobal bool
}

// Provider bundles the meter provider with the registry that /metrics scrapes.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Registry      *prometheus.Registry
}

// InitProvider builds a meter provider backed by a Prometheus exporter.
// Call Shutdown on the result before exit.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mcp-supervisor"
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	)
	if cfg.SetGlobal {
		otel.SetMeterProvider(mp)
	}
	return &Provider{MeterProvider: mp, Registry: reg}, nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.MeterProvider == nil {
		return nil
	}
	return p.MeterProvider.Shutdown(ctx)
}
