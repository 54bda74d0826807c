package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-supervisor-go/internal/config"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpmgr"
)

func newCheckCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Start each enabled server once, list its tools and resources, and report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			return check(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
}

func check(ctx context.Context, w io.Writer, cfg *config.Config) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := mcpmgr.NewManager(cfg.Servers, &mcpmgr.ManagerOptions{
		ClientName:          cfg.ClientName,
		ClientVersion:       cfg.ClientVersion,
		HealthCheckInterval: -1,
		Logger:              logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = manager.Shutdown(shutdownCtx)
	}()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tRESULT\tTOOLS\tRESOURCES\tTIME\tERROR")
	failed := 0
	for _, id := range cfg.ServerIDs() {
		if !cfg.Servers[id].IsEnabled() {
			fmt.Fprintf(tw, "%s\tskipped\t-\t-\t-\tdisabled\n", id)
			continue
		}
		res := manager.TestServer(ctx, id)
		if !res.Success {
			failed++
			fmt.Fprintf(tw, "%s\tFAIL\t-\t-\t%s\t%s\n", id, res.ResponseTime.Round(time.Millisecond), res.Error)
			continue
		}
		fmt.Fprintf(tw, "%s\tok\t%d\t%d\t%s\t\n", id, res.Tools, res.Resources, res.ResponseTime.Round(time.Millisecond))
		// stop between checks so servers do not pile up
		_ = manager.StopServer(ctx, id)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d servers failed", failed, len(cfg.Servers))
	}
	return nil
}
