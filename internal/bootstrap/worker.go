package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/kedb-orchestrator/internal/config"
	natsbus "github.com/kirillkom/kedb-orchestrator/internal/infrastructure/queue/nats"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/resilience"
	"github.com/kirillkom/kedb-orchestrator/internal/observability/metrics"
)

// Worker holds the dependencies of the session ledger consumer.
type Worker struct {
	Config  config.Config
	Logger  *slog.Logger
	Bus     *natsbus.SessionBus
	Ledger  *postgres.SessionLedger
	Metrics *metrics.WorkerMetrics

	closeFn func() error
}

func NewWorker(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	executor := resilience.NewExecutorWithLogger(cfg.ResilienceConfig(), logger)

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	bus, err := natsbus.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, natsbus.Options{
		Name:               cfg.ServiceName + "-worker",
		ResilienceExecutor: executor,
		Logger:             logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init session bus: %w", err)
	}

	return &Worker{
		Config:  cfg,
		Logger:  logger,
		Bus:     bus,
		Ledger:  postgres.NewSessionLedger(db),
		Metrics: metrics.NewWorkerMetrics(cfg.ServiceName + "-worker"),
		closeFn: func() error {
			bus.Close()
			return db.Close()
		},
	}, nil
}

func (w *Worker) Close() error {
	if w.closeFn == nil {
		return nil
	}
	return w.closeFn()
}
