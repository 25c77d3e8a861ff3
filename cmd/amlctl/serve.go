package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/aml/internal/http"
	"github.com/fyrsmithlabs/aml/internal/patternbank"
	"github.com/fyrsmithlabs/aml/internal/pruning"
	"github.com/fyrsmithlabs/aml/internal/telemetry"
)

var serveRunNow bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveRunNow, "run-now", false, "Run a pruning pass over every owner at startup")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled pruning and the ops HTTP API",
	Long: `Run the background pruning scheduler over every stored owner and serve
the operations API until interrupted.

Endpoints:
  GET  /health                               store reachability
  GET  /metrics                              Prometheus metrics
  GET  /api/v1/status                        record counts per owner
  GET  /api/v1/owners/:owner/records         query records
  POST /api/v1/owners/:owner/prune           run a pruning pass
  POST /api/v1/owners/:owner/collect         drop invalid records

Examples:
  amlctl serve
  AML_SERVER_PORT=9191 AML_PRUNING_INTERVAL=6h amlctl serve --run-now`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, logger, err := loadSettings()
	if err != nil {
		return err
	}
	zl := logger.Underlying()

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), zl)
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			zl.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	a, err := openApp(ctx, cfg, logger,
		patternbank.WithTracerProvider(tel.TracerProvider()),
		patternbank.WithMeterProvider(tel.MeterProvider()))
	if err != nil {
		return err
	}
	defer a.Close()

	popts := pruning.Options{
		CreateBackup: cfg.Pruning.CreateBackup,
		Archive:      cfg.Pruning.Archive,
	}
	sched, err := pruning.NewScheduler(a.svc.Pruner(), zl.Named("scheduler"),
		pruning.WithInterval(cfg.Pruning.Interval.Duration()),
		pruning.WithOwnerSource(a.svc),
		pruning.WithOptions(popts),
		pruning.WithConcurrency(cfg.Pruning.Concurrency))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if serveRunNow {
		if _, err := sched.RunOnce(ctx); err != nil {
			zl.Error("startup pruning failed", zap.Error(err))
		}
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	srv, err := httpserver.NewServer(a.svc, zl.Named("http"), &httpserver.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		PruneOptions:  popts,
		MutationRate:  cfg.Server.MutationRate,
		MutationBurst: cfg.Server.MutationBurst,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		zl.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	zl.Info("server stopped gracefully")
	return nil
}
