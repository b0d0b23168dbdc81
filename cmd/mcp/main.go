package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpadapter "github.com/kirillkom/kedb-orchestrator/internal/adapters/mcp"
	"github.com/kirillkom/kedb-orchestrator/internal/bootstrap"
	"github.com/kirillkom/kedb-orchestrator/internal/config"
	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/observability/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("config_error", "error", err)
		os.Exit(1)
	}
	// stdout carries the protocol.
	logger := logging.NewJSONLoggerTo(os.Stderr, cfg.ServiceName+"-mcp", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_error", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.TrackerWriteTimeout+5*time.Second)
		defer cancel()
		if err := app.Close(closeCtx); err != nil {
			logger.Error("shutdown_close_error", "error", err)
		}
	}()

	server := mcpadapter.New(app.Query, mcpadapter.Options{
		Name:     cfg.ServiceName,
		Caller:   domain.Caller{ID: cfg.MCPCallerID, Roles: cfg.MCPCallerRoles},
		DefaultK: cfg.DefaultK,
		MaxK:     cfg.MaxK,
		Logger:   logger,
	})

	logger.Info("mcp_serving_stdio", "caller_id", cfg.MCPCallerID, "roles", cfg.MCPCallerRoles)
	if err := server.ServeStdio(); err != nil {
		logger.Error("mcp_server_error", "error", err)
	}
}
