package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-supervisor-go/internal/config"
	"github.com/vikashloomba/mcp-supervisor-go/internal/observe"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/diag"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpmgr"
)

func newRunCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start every enabled server and supervise until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := observe.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version, SetGlobal: true})
	if err != nil {
		return err
	}

	manager, err := newManager(cfg, logger, provider)
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return err
	}
	unsubscribe := manager.Subscribe(logEvent(logger))
	defer unsubscribe()

	startEnabled(ctx, manager, cfg, logger)

	var diagSrv *diag.Server
	diagDone := make(chan error, 1)
	if cfg.Diagnostics.Addr != "" {
		diagSrv, err = diag.NewServer(manager, &diag.Options{
			Addr:           cfg.Diagnostics.Addr,
			AllowedOrigins: cfg.Diagnostics.AllowedOrigins,
			Gatherer:       provider.Registry,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		go func() { diagDone <- diagSrv.ListenAndServe(ctx) }()
	}

	select {
	case <-ctx.Done():
	case err := <-diagDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("diagnostics listener stopped", "error", err)
		}
		<-ctx.Done()
	}
	logger.Info("shutting down", "servers", len(manager.ServerIDs()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	errs := []error{manager.Shutdown(shutdownCtx)}
	if diagSrv != nil {
		errs = append(errs, diagSrv.Shutdown(shutdownCtx))
	}
	errs = append(errs, provider.Shutdown(shutdownCtx))
	return errors.Join(errs...)
}

func newManager(cfg *config.Config, logger *slog.Logger, provider *observe.Provider) (*mcpmgr.Manager, error) {
	opts := &mcpmgr.ManagerOptions{
		ClientName:          cfg.ClientName,
		ClientVersion:       cfg.ClientVersion,
		HealthCheckInterval: cfg.HealthCheckInterval,
		Logger:              logger,
	}
	if provider != nil {
		opts.MeterProvider = provider.MeterProvider
	}
	return mcpmgr.NewManager(cfg.Servers, opts)
}

// startEnabled starts the enabled servers concurrently. A server that fails
// to start is logged and left in the error state.
func startEnabled(ctx context.Context, manager *mcpmgr.Manager, cfg *config.Config, logger *slog.Logger) {
	var g errgroup.Group
	for _, id := range cfg.ServerIDs() {
		if !cfg.Servers[id].IsEnabled() {
			logger.Info("server disabled, not starting", "server", id)
			continue
		}
		g.Go(func() error {
			if err := manager.StartServer(ctx, id); err != nil {
				logger.Error("start server", "server", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func logEvent(logger *slog.Logger) func(mcpmgr.Event) {
	return func(ev mcpmgr.Event) {
		attrs := []any{"event", string(ev.Type)}
		if ev.ServerID != "" {
			attrs = append(attrs, "server", ev.ServerID)
		}
		switch ev.Type {
		case mcpmgr.EventServerOutput, mcpmgr.EventConnectionMessage:
			// stderr is already logged by the process layer
			return
		case mcpmgr.EventServerError, mcpmgr.EventConnectionError:
			logger.Warn("supervisor event", append(attrs, "error", ev.Err)...)
		case mcpmgr.EventServerExit:
			if ev.Exit != nil {
				attrs = append(attrs, "code", ev.Exit.Code, "signal", ev.Exit.Signal)
			}
			logger.Info("supervisor event", attrs...)
		case mcpmgr.EventToolCalled:
			if ev.Tool != nil {
				attrs = append(attrs, "tool", ev.Tool.Name, "duration", ev.Tool.Duration)
			}
			logger.Debug("supervisor event", attrs...)
		case mcpmgr.EventHealthChecked:
			unhealthy := 0
			for _, res := range ev.Health {
				if !res.Healthy {
					unhealthy++
				}
			}
			logger.Debug("supervisor event", append(attrs, "servers", len(ev.Health), "unhealthy", unhealthy)...)
		default:
			logger.Info("supervisor event", attrs...)
		}
	}
}
