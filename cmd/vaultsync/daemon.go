package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/vaultsync/internal/controlplane"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the scheduler, the vault watcher and the HTTP API",
	Long: `Starts the vaultsync daemon. It runs a cycle on start and every interval,
syncs task sources when vault files change and serves the control plane API.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

var (
	listenAddr string
	noWatch    bool
)

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (default: listen from config)")
	daemonCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch the vault for changes")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	logger.Info("Starting vaultsync daemon", "root", cfg.ProjectRoot, "version", version)

	ctx, cancel := signalContext()
	defer cancel()

	sch := a.scheduler(true)

	if !noWatch {
		w, err := startWatcher(ctx, a, sch)
		if err != nil {
			return err
		}
		defer w.Stop()
	}

	addr := cfg.Listen
	if listenAddr != "" {
		addr = listenAddr
	}
	service := controlplane.NewService(a.store, sch, a.sources, logger)
	var metricsHandler http.Handler
	if cfg.MetricsAddr == "" {
		metricsHandler = a.metrics.Handler()
	}
	server := controlplane.NewServer(service, addr, metricsHandler)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
	}

	sch.Start(ctx)
	defer sch.Stop()

	// Channel to receive server errors
	serverErr := make(chan error, 2)

	go func() {
		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()
	if metricsServer != nil {
		go func() {
			logger.Info("Serving metrics", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	// Wait for shutdown signal or server error
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received signal, initiating graceful shutdown")
	case runErr = <-serverErr:
		logger.Error("Server error", "error", runErr)
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", "error", err)
		}
	}

	logger.Info("Shutdown complete")
	return runErr
}
