package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paylink/internal/config"
	"github.com/noah-isme/paylink/internal/erp"
	"github.com/noah-isme/paylink/internal/lock"
	"github.com/noah-isme/paylink/internal/paylink"
	"github.com/noah-isme/paylink/internal/queue"
	"github.com/noah-isme/paylink/internal/ratelimit"
	"github.com/noah-isme/paylink/internal/resilience"
)

// Dependencies enumerates the services shared by the API and the worker.
type Dependencies struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Redis    *redis.Client
	ERP      *erp.Client
	Breaker  *resilience.Breaker
	Store    paylink.Store
	Resolver *paylink.Resolver
	Local    *queue.Local
	Limiter  ratelimit.Allower

	ownsRedis bool
	cancel    context.CancelFunc
}

// Option overrides a dependency, mainly for tests.
type Option func(*options)

type options struct {
	redis   *redis.Client
	dynamo  paylink.DynamoDBAPI
	erpHTTP *http.Client
}

// WithRedis injects an existing Redis client. The caller keeps ownership.
func WithRedis(c *redis.Client) Option { return func(o *options) { o.redis = c } }

// WithDynamoDB injects a DynamoDB API implementation.
func WithDynamoDB(api paylink.DynamoDBAPI) Option { return func(o *options) { o.dynamo = api } }

// WithERPHTTPClient replaces the HTTP client used for ERP calls.
func WithERPHTTPClient(c *http.Client) Option { return func(o *options) { o.erpHTTP = c } }

// New wires every dependency described by cfg. Background loops (cache reaper,
// local deferred pool) stop when Close is called.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Dependencies, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d := &Dependencies{Config: cfg, Logger: logger, cancel: cancel}

	if o.redis != nil {
		d.Redis = o.redis
	} else if cfg.RedisURL != "" {
		client, err := NewRedis(ctx, cfg.RedisURL, cfg.Obs.EnablePrometheus, logger)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Redis = client
		d.ownsRedis = true
	}

	d.Breaker = resilience.NewBreaker(cfg.Breaker.MinRequests, cfg.Breaker.FailureRatio, cfg.Breaker.OpenFor).
		WithTarget("erp").
		WithLogger(logger)
	erpOpts := []erp.Option{erp.WithBreaker(d.Breaker), erp.WithLogger(logger.With().Str("component", "erp").Logger())}
	if o.erpHTTP != nil {
		erpOpts = append(erpOpts, erp.WithHTTPClient(o.erpHTTP))
	}
	d.ERP = erp.NewClient(erp.Config{
		BaseURL:     cfg.ERP.BaseURL,
		Database:    cfg.ERP.Database,
		Username:    cfg.ERP.Username,
		Password:    cfg.ERP.Password,
		Timeout:     cfg.ERP.RPCTimeout,
		InsecureTLS: cfg.ERP.InsecureTLS,
	}, erpOpts...)

	store, err := d.newStore(runCtx, cfg, o)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Store = store

	scheduler, err := d.newScheduler(cfg)
	if err != nil {
		d.Close()
		return nil, err
	}

	resolver, err := paylink.NewResolver(d.Store, d.ERP, paylink.Options{
		BaseURL:        d.ERP.BaseURL(),
		TTL:            cfg.CacheTTL,
		RetryAfter:     cfg.RetryAfter,
		DeferredDelay:  cfg.DeferredDelay,
		MissAlertEvery: cfg.MissAlertEvery,
		Scheduler:      scheduler,
		Logger:         logger,
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Resolver = resolver
	if d.Local != nil {
		d.Local.Start(d.LookupHandler().Run)
	}

	if d.Redis != nil {
		d.Limiter = ratelimit.Limiter{Client: d.Redis, Prefix: cfg.QueuePrefix + ":rl:"}
	} else {
		d.Limiter = ratelimit.NewMemoryLimiter(cfg.QueuePrefix + ":rl")
	}
	return d, nil
}

func (d *Dependencies) newStore(ctx context.Context, cfg *config.Config, o options) (paylink.Store, error) {
	switch cfg.CacheBackend {
	case config.BackendRedis:
		if d.Redis == nil {
			return nil, errors.New("redis cache backend requires REDIS_URL")
		}
		return paylink.NewRedisStore(d.Redis, cfg.QueuePrefix), nil
	case config.BackendDynamoDB:
		api := o.dynamo
		if api == nil {
			client, err := paylink.NewDynamoClient(ctx, cfg.AWSRegion)
			if err != nil {
				return nil, err
			}
			api = client
		}
		return paylink.NewDynamoStore(api, cfg.DynamoTable), nil
	default:
		store, err := paylink.NewMemoryStore(cfg.CacheMaxEntries)
		if err != nil {
			return nil, err
		}
		if cfg.CacheReapInterval > 0 {
			go store.RunReaper(ctx, cfg.CacheReapInterval)
		}
		return store, nil
	}
}

func (d *Dependencies) newScheduler(cfg *config.Config) (paylink.Scheduler, error) {
	if !cfg.DeferredEnabled {
		return nil, nil
	}
	switch cfg.DeferredBackend {
	case config.BackendRedis:
		if d.Redis == nil {
			return nil, errors.New("redis deferred backend requires REDIS_URL")
		}
		if !cfg.SharedCache() {
			return nil, fmt.Errorf("redis deferred backend cannot resolve into a %s cache", cfg.CacheBackend)
		}
		return queue.RedisScheduler{
			Enqueuer:    d.Enqueuer(),
			MaxAttempts: cfg.QueueMaxAttempts,
		}, nil
	default:
		d.Local = queue.NewLocal(cfg.LocalWorkers, d.Logger.With().Str("component", "deferred").Logger())
		return d.Local, nil
	}
}

// Enqueuer returns the Redis queue producer for deferred lookups.
func (d *Dependencies) Enqueuer() queue.Enqueuer {
	return queue.Enqueuer{
		R:        d.Redis,
		Prefix:   d.Config.QueuePrefix,
		DedupTTL: d.Config.DeferredDelay + 2*d.Config.QueueVisibilityTimeout,
	}
}

// LookupHandler returns the handler that executes deferred lookups. Orders are
// serialised across workers when Redis is available.
func (d *Dependencies) LookupHandler() queue.LookupHandler {
	h := queue.LookupHandler{
		Refresher: d.Resolver,
		LockTTL:   d.Config.LockTTL,
		Logger:    d.Logger.With().Str("component", "deferred").Logger(),
	}
	if d.Redis != nil {
		h.Locker = &lock.Locker{R: d.Redis}
	}
	return h
}

// Close stops background loops and releases owned connections.
func (d *Dependencies) Close() {
	if d.Local != nil {
		d.Local.Close()
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.ownsRedis && d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
}

// NewRedis connects to url and instruments the client for tracing and,
// optionally, metrics.
func NewRedis(ctx context.Context, url string, metrics bool, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
