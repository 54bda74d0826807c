package mcpmgr

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/vikashloomba/mcp-supervisor-go/pkg/mcpmgr"

var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

type metrics struct {
	toolCalls     metric.Int64Counter
	toolDuration  metric.Float64Histogram
	startAttempts metric.Int64Counter
	registration  metric.Registration
}

func newMetrics(mp metric.MeterProvider, m *Manager) (*metrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(meterName)
	met := &metrics{}
	var err error

	if met.toolCalls, err = meter.Int64Counter("mcp.tool.calls",
		metric.WithDescription("Tool invocations by server, tool, and status."),
	); err != nil {
		return nil, err
	}
	if met.toolDuration, err = meter.Float64Histogram("mcp.tool.duration",
		metric.WithDescription("Latency of tool invocations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.startAttempts, err = meter.Int64Counter("mcp.server.start_attempts",
		metric.WithDescription("Server start attempts by server and status."),
	); err != nil {
		return nil, err
	}

	servers, err := meter.Int64ObservableGauge("mcp.servers",
		metric.WithDescription("Registered servers by state."),
	)
	if err != nil {
		return nil, err
	}
	met.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := m.GetStats()
		o.ObserveInt64(servers, int64(st.TotalServers), metric.WithAttributes(attribute.String("state", "registered")))
		o.ObserveInt64(servers, int64(st.RunningServers), metric.WithAttributes(attribute.String("state", "running")))
		o.ObserveInt64(servers, int64(st.ConnectedServers), metric.WithAttributes(attribute.String("state", "connected")))
		o.ObserveInt64(servers, int64(st.HealthyServers), metric.WithAttributes(attribute.String("state", "healthy")))
		return nil
	}, servers)
	if err != nil {
		return nil, err
	}
	return met, nil
}

func statusAttr(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("status", "error")
	}
	return attribute.String("status", "ok")
}

func (met *metrics) toolCall(ctx context.Context, server, tool string, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("tool", tool),
		statusAttr(err),
	)
	met.toolCalls.Add(ctx, 1, attrs)
	met.toolDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (met *metrics) startAttempt(ctx context.Context, server string, err error) {
	met.startAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server), statusAttr(err)))
}

func (met *metrics) close() {
	if met.registration != nil {
		_ = met.registration.Unregister()
	}
}
