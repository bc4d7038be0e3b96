package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	kitlevel "github.com/go-kit/log/level"

	"github.com/kissdb/kissengine/internal/api"
	"github.com/kissdb/kissengine/internal/config"
	"github.com/kissdb/kissengine/internal/docstore"
	"github.com/kissdb/kissengine/internal/engine"
	"github.com/kissdb/kissengine/internal/sqlsidecar"
	"github.com/kissdb/kissengine/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var dataDir, httpAddr, authToken string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}
			if authToken != "" {
				cfg.AuthToken = authToken
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "override KISS_DATA_DIR")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "override KISS_HTTP_ADDR")
	cmd.Flags().StringVar(&authToken, "auth-token", "", "override KISS_AUTH_TOKEN")
	return cmd
}

func runServe(cfg config.Config) error {
	logger := telemetry.NewLogger(cfg.LogLevel)

	// The default registerer, because /v1/metrics serves promhttp.Handler(),
	// which gathers from the default registry.
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.New(reg)
	}

	eng, err := engine.Open(cfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer eng.Close()

	ctx := context.Background()
	docs, err := docstore.New(ctx, eng)
	if err != nil {
		return fmt.Errorf("open docstore: %w", err)
	}

	var sidecar *sqlsidecar.Sidecar
	if cfg.SQLSidecarPath != "" {
		sidecar, err = sqlsidecar.Open(cfg.SQLSidecarPath)
		if err != nil {
			return fmt.Errorf("open sql sidecar: %w", err)
		}
		defer sidecar.Close()
	}

	router := api.New(eng, docs, cfg, metrics, logger, sidecar)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		kitlevel.Info(logger).Log("msg", "listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		kitlevel.Info(logger).Log("msg", "shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
