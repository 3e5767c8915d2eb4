package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/plantvit/internal/engine"
	"github.com/23skdu/plantvit/internal/logger"
	"github.com/23skdu/plantvit/internal/monitoring"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the model and serve health, status and Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE:  serveHandler,
	}
	cmd.Flags().String("metrics", ":9090", "Listen address (env PLANTVIT_METRICS_ADDR)")
	return cmd
}

func serveHandler(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	addr, _ := cmd.Flags().GetString("metrics")
	if !cmd.Flags().Changed("metrics") && settings.MetricsAddr != "" {
		addr = settings.MetricsAddr
	}

	e := engine.NewFromSettings(settings, nil)
	monitor := monitoring.NewHealthMonitor(version, e.Status)

	errChan := make(chan error, 1)
	go func() {
		errChan <- monitor.Start(addr)
	}()

	// /ready stays unavailable until the model finishes loading.
	if err := e.Load(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			monitor.AddAlert("critical", "engine", err.Error())
		}
		return err
	}
	logger.Log.Info("Serving", "addr", addr, "model", e.Model().String())

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return monitor.Stop(shutdownCtx)
}
