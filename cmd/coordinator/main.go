// Command coordinator runs the EdgeMesh control plane: the node registry,
// job/task store, scheduler, and HTTP API in a single process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgemesh/edgemesh/api"
	"github.com/edgemesh/edgemesh/coordinator"
)

func main() {
	root := &cobra.Command{
		Use:          "coordinator",
		Short:        "EdgeMesh coordinator for a fleet of heterogeneous compute nodes",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := coordinator.LoadConfig()
	if err != nil {
		return err
	}

	coord, err := coordinator.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord.Start(ctx)

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: api.NewRouter(coord),
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	coord.Logger.Info("coordinator listening", "addr", cfg.Addr(), "db", cfg.DBURL)

	select {
	case <-ctx.Done():
		coord.Logger.Info("shutdown signal received")
	case err := <-serveErr:
		coord.Logger.Error("http server failed", "error", err)
		if shutdownErr := coord.Shutdown(); shutdownErr != nil {
			coord.Logger.Error("shutdown failed", "error", shutdownErr)
		}
		return err
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		coord.Logger.Error("http drain failed", "error", err)
	}
	return coord.Shutdown()
}
