package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/core/ports"
	"github.com/kirillkom/kedb-orchestrator/internal/observability/metrics"
)

// ledgerIngestor appends delivered sessions to the durable ledger on a
// bounded pool. Appends are idempotent, so redelivery is harmless.
type ledgerIngestor struct {
	ctx     context.Context
	pool    *ants.Pool
	ledger  ports.SessionSink
	metrics *metrics.WorkerMetrics
	service string
	timeout time.Duration
	logger  *slog.Logger
}

func newLedgerIngestor(
	ctx context.Context,
	pool *ants.Pool,
	ledger ports.SessionSink,
	m *metrics.WorkerMetrics,
	service string,
	timeout time.Duration,
	logger *slog.Logger,
) *ledgerIngestor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ledgerIngestor{
		ctx:     context.WithoutCancel(ctx),
		pool:    pool,
		ledger:  ledger,
		metrics: m,
		service: service,
		timeout: timeout,
		logger:  logger,
	}
}

// Handle schedules one append. It blocks while the pool is saturated so
// the subscription slows down instead of dropping sessions.
func (i *ledgerIngestor) Handle(_ context.Context, session domain.Session) error {
	if !session.EndedAt.IsZero() {
		i.metrics.ObserveLedgerLag(i.service, time.Since(session.EndedAt))
	}
	err := i.pool.Submit(func() {
		i.append(session)
	})
	if err != nil {
		i.metrics.RecordRejected(i.service)
		i.logger.Error("ledger_submit_failed", "session_id", session.ID, "error", err)
		return err
	}
	return nil
}

func (i *ledgerIngestor) append(session domain.Session) {
	ctx, cancel := context.WithTimeout(i.ctx, i.timeout)
	defer cancel()

	i.metrics.StartAppend()
	start := time.Now()
	err := i.ledger.Append(ctx, session)
	i.metrics.FinishAppend(i.service, time.Since(start), err)
	if err != nil {
		i.logger.Error("ledger_append_failed", "session_id", session.ID, "status", session.Status, "error", err)
		return
	}
	i.logger.Debug("ledger_append_completed", "session_id", session.ID, "status", session.Status)
}
