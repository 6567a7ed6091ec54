package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/seantiz/coderun/internal/config"
)

var (
	workersFlag     int
	metricsAddrFlag string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker pool without the HTTP API",
	Long: `Run only the worker pool, consuming jobs from a shared store.

Pair with CODERUN_STORE=redis to scale execution across hosts while a single
"coderun serve" accepts submissions.

Examples:
  CODERUN_STORE=redis coderun worker --workers 8
  CODERUN_STORE=redis coderun worker --metrics-addr :9100`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workersFlag, "workers", 0, "Number of concurrent workers (overrides CODERUN_WORKERS)")
	workerCmd.Flags().StringVar(&metricsAddrFlag, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if workersFlag > 0 {
		cfg.Workers = workersFlag
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if cfg.Store == config.StoreSQLite {
		logger.Warn("worker uses a local sqlite store; only jobs submitted to the same database file are seen",
			"db_path", cfg.DBPath)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if metricsAddrFlag != "" {
		metricsSrv = &http.Server{
			Addr:              metricsAddrFlag,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	logger.Info("coderun worker: starting",
		"store", cfg.Store,
		"provider", cfg.Provider,
		"workers", cfg.Workers,
	)
	a.pool.Start(context.WithoutCancel(ctx))

	<-ctx.Done()
	stop()

	logger.Info("draining worker pool", "timeout", cfg.ShutdownTimeout.String())
	shutdownErr := a.shutdown()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}

	if shutdownErr != nil {
		return shutdownErr
	}
	logger.Info("coderun worker: stopped")
	return nil
}
