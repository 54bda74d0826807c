package diag

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Options configure a diagnostics Server.
type Options struct {
	// Addr is the listen address used by ListenAndServe. Defaults to ":8710".
	Addr string
	// AllowedOrigins lists the browser origins allowed to read the endpoints.
	// Empty allows any origin.
	AllowedOrigins []string
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// RequestTimeout bounds calls that reach a tool server, such as listing
	// its tools. Defaults to 10s.
	RequestTimeout time.Duration
	// ShutdownTimeout bounds the graceful stop when ListenAndServe's context
	// ends. Defaults to 5s.
	ShutdownTimeout time.Duration
	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Addr == "" {
		opts.Addr = ":8710"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
