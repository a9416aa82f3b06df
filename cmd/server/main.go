// Command server runs the helpdesk messaging API: REST endpoints for
// public visitors and staff agents, SSE streams for live delivery, and
// outbound webhook notifications.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/loopdesk/go-helpdesk-backend/internal/bus"
	"github.com/loopdesk/go-helpdesk-backend/internal/config"
	httpapi "github.com/loopdesk/go-helpdesk-backend/internal/http"
	"github.com/loopdesk/go-helpdesk-backend/internal/observability"
	"github.com/loopdesk/go-helpdesk-backend/internal/repo"
	"github.com/loopdesk/go-helpdesk-backend/internal/services"
	"github.com/loopdesk/go-helpdesk-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const shutdownGrace = 10 * time.Second

func main() {
	// Optional .env for local development; real deployments use the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	logger := log.With().Str("service", "helpdesk-api").Str("version", version).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		logger.Fatal().Err(err).Msg("setup tracing")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		logger.Fatal().Err(err).Msg("migrate schema")
	}

	// Broker: Redis when configured, otherwise a single-process broker.
	// Fan-out semantics are identical either way; Redis just extends them
	// across replicas.
	var broker bus.Broker
	if cfg.RedisURL != "" {
		rb, err := bus.NewRedisBroker(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect redis broker")
		}
		broker = rb
		logger.Info().Msg("event broker: redis")
	} else {
		broker = bus.NewLocalBroker()
		logger.Info().Msg("event broker: in-process")
	}

	eventBus := bus.New(broker, logger, bus.WithBufferSize(cfg.StreamBuffer))
	webhooks := services.NewWebhookService(cfg.WebhookTimeout, logger)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, eventBus, webhooks, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	// Drain in dependency order: stop accepting requests, flush in-flight
	// webhooks, tear down subscriptions, then release the broker.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := webhooks.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("webhook drain incomplete")
	}
	eventBus.Close()
	if err := broker.Close(); err != nil {
		logger.Warn().Err(err).Msg("broker close")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown")
	}
	logger.Info().Msg("bye")
}
