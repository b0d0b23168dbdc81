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

	httpadapter "github.com/kirillkom/kedb-orchestrator/internal/adapters/http"
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
	logger := logging.NewJSONLogger(cfg.ServiceName, cfg.LogLevel)
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

	handler, err := httpadapter.NewRouter(app.Query, app.Sessions, httpadapter.RouterOptions{
		ServiceName:             cfg.ServiceName,
		DefaultK:                cfg.DefaultK,
		MaxK:                    cfg.MaxK,
		Authenticator:           httpadapter.NewAuthenticator(cfg.AuthEnabled, cfg.JWTSecret, cfg.JWTIssuer),
		AuditRoles:              cfg.SessionAuditRoles,
		RateLimitRPS:            cfg.APIRateLimitRPS,
		RateLimitBurst:          cfg.APIRateLimitBurst,
		BackpressureMaxInFlight: cfg.APIBackpressureMaxInFlight,
		BackpressureWait:        cfg.APIBackpressureWait,
		MaxBodyBytes:            cfg.APIMaxBodyBytes,
		CORSAllowedOrigins:      cfg.CORSAllowedOrigins,
		Metrics:                 app.Metrics,
		Health:                  app.Executor.States,
		Logger:                  logger,
	}).Handler()
	if err != nil {
		logger.Error("router_error", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.QueryDeadline + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort, "auth_enabled", cfg.AuthEnabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_error", "error", err)
	}
}
