package mcpmgr

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpproc"
)

// ServerConfig describes how to launch one tool server.
type ServerConfig = mcpproc.Config

// ConfigPatch is a partial ServerConfig update; nil fields are left alone.
type ConfigPatch = mcpproc.ConfigPatch

const (
	defaultHealthCheckInterval   = 60 * time.Second
	defaultUnhealthyResponseTime = 5 * time.Second
	defaultMaxErrorCount         = 10
	defaultRestartDelay          = time.Second
	defaultClientName            = "mcp-supervisor"
	defaultClientVersion         = "1.0.0"
)

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// ClientName is advertised to servers during initialize.
	ClientName string
	// ClientVersion controls the semantic version reported to servers.
	ClientVersion string
	// ProtocolVersion requested in the handshake. Empty uses the connection
	// default.
	ProtocolVersion string
	// DefaultTimeout is applied whenever a server configuration omits an
	// explicit timeout.
	DefaultTimeout time.Duration
	// HealthCheckInterval drives the background health loop. Zero means 60s;
	// a negative value disables the loop.
	HealthCheckInterval time.Duration
	// UnhealthyResponseTime marks a server unhealthy when its last response
	// took longer than this.
	UnhealthyResponseTime time.Duration
	// MaxErrorCount marks a server unhealthy once its connection has seen
	// more errors than this.
	MaxErrorCount int64
	// StopGrace and SettleDelay are passed to each process handle. Zero
	// values keep the process defaults.
	StopGrace   time.Duration
	SettleDelay time.Duration
	// RestartDelay is the pause inside RestartServer. Zero means 1s; a
	// negative value restarts immediately.
	RestartDelay time.Duration
	// Logger receives lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger
	// MeterProvider records supervisor metrics. Nil disables metrics.
	MeterProvider metric.MeterProvider
}

func (o *ManagerOptions) normalized() ManagerOptions {
	var out ManagerOptions
	if o != nil {
		out = *o
	}
	if out.ClientName == "" {
		out.ClientName = defaultClientName
	}
	if out.ClientVersion == "" {
		out.ClientVersion = defaultClientVersion
	}
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = mcpproc.DefaultTimeout
	}
	if out.HealthCheckInterval == 0 {
		out.HealthCheckInterval = defaultHealthCheckInterval
	}
	if out.UnhealthyResponseTime <= 0 {
		out.UnhealthyResponseTime = defaultUnhealthyResponseTime
	}
	if out.MaxErrorCount <= 0 {
		out.MaxErrorCount = defaultMaxErrorCount
	}
	if out.RestartDelay == 0 {
		out.RestartDelay = defaultRestartDelay
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

func (o ManagerOptions) processOptions(logger *slog.Logger) []mcpproc.Option {
	return []mcpproc.Option{
		mcpproc.WithLogger(logger),
		mcpproc.WithStopGrace(o.StopGrace),
		mcpproc.WithRestartDelay(o.RestartDelay),
		mcpproc.WithSettleDelay(o.SettleDelay),
	}
}
