package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kirillkom/kedb-orchestrator/internal/bootstrap"
	"github.com/kirillkom/kedb-orchestrator/internal/config"
	"github.com/kirillkom/kedb-orchestrator/internal/observability/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_error", "error", err)
		os.Exit(1)
	}
	service := cfg.ServiceName + "-worker"
	logger := logging.NewJSONLogger(service, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker, err := bootstrap.NewWorker(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_error", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := worker.Close(); err != nil {
			logger.Error("worker_close_error", "error", err)
		}
	}()

	pool, err := ants.NewPool(cfg.WorkerPoolSize, ants.WithPanicHandler(func(p any) {
		logger.Error("ledger_task_panic", "panic", p)
	}))
	if err != nil {
		logger.Error("worker_pool_error", "error", err)
		os.Exit(1)
	}

	ingestor := newLedgerIngestor(ctx, pool, worker.Ledger, worker.Metrics, service, cfg.TrackerWriteTimeout, logger)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           worker.Metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_error", "error", err)
		}
	}()

	logger.Info("worker_subscribed", "subject", cfg.NATSSubject, "group", cfg.NATSSessionGroup, "pool_size", cfg.WorkerPoolSize)
	if err := worker.Bus.SubscribeSessions(ctx, cfg.NATSSessionGroup, ingestor.Handle); err != nil {
		logger.Error("worker_subscribe_error", "error", err)
	}

	if err := pool.ReleaseTimeout(cfg.TrackerWriteTimeout + 5*time.Second); err != nil {
		logger.Warn("worker_pool_release_timeout", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
