package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/noah-isme/paylink/internal/app"
	"github.com/noah-isme/paylink/internal/config"
	"github.com/noah-isme/paylink/internal/obs"
	"github.com/noah-isme/paylink/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger := obs.NewLogger("json", "info")
		logger.Fatal().Err(err).Msg("load configuration")
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)

	if cfg.RedisURL == "" {
		logger.Fatal().Msg("worker requires REDIS_URL")
	}
	if !cfg.SharedCache() {
		logger.Fatal().Str("cache_backend", cfg.CacheBackend).Msg("worker requires a redis or dynamodb cache backend")
	}
	if cfg.DeferredBackend != config.BackendRedis {
		logger.Warn().Str("deferred_backend", cfg.DeferredBackend).Msg("api is not enqueueing to redis; worker will idle")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	lookupWorker := queue.Worker{
		R:                 deps.Redis,
		Prefix:            cfg.QueuePrefix,
		Kind:              queue.LookupKind,
		Concurrency:       cfg.QueueConcurrency,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		Handler:           deps.LookupHandler().HandleTask,
		Logger:            logger,
	}

	logger.Info().Int("concurrency", cfg.QueueConcurrency).Msg("worker starting")
	if err := lookupWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}
