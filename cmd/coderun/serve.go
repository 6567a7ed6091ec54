package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/coderun/internal/api"
	"github.com/seantiz/coderun/internal/config"
)

var addrFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the worker pool",
	Long: `Start the HTTP API together with an in-process worker pool.

Examples:
  coderun serve
  coderun serve --addr :9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "Address to listen on (overrides CODERUN_LISTEN_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if addrFlag != "" {
		cfg.ListenAddr = addrFlag
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("coderun: starting",
		"listen_addr", cfg.ListenAddr,
		"store", cfg.Store,
		"provider", cfg.Provider,
		"workers", cfg.Workers,
	)

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}

	// The pool outlives the signal context; shutdown drains it.
	a.pool.Start(context.WithoutCancel(ctx))

	srv := api.NewServer(api.Options{
		Addr:        cfg.ListenAddr,
		SubmitRPS:   cfg.SubmitRPS,
		SubmitBurst: cfg.SubmitBurst,
	}, a.dispatcher(), a.registry, logger)

	runErr := srv.Run(ctx)
	stop()

	logger.Info("draining worker pool", "timeout", cfg.ShutdownTimeout.String())
	if err := a.shutdown(); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("coderun: stopped")
	return nil
}
