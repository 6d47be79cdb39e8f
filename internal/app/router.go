package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/paylink/internal/common"
	"github.com/noah-isme/paylink/internal/erp"
	"github.com/noah-isme/paylink/internal/health"
	"github.com/noah-isme/paylink/internal/obs"
	"github.com/noah-isme/paylink/internal/paylink"
	"github.com/noah-isme/paylink/internal/ratelimit"
	"github.com/noah-isme/paylink/internal/security"
)

// RouterOptions toggles the ambient HTTP layers.
type RouterOptions struct {
	Metrics        *obs.HTTPMetrics
	MetricsHandler http.Handler
	Tracing        bool
	// Debug is mounted at /debug/pprof when set.
	Debug http.Handler
}

// NewRouter builds the public HTTP surface.
func NewRouter(d *Dependencies, opts RouterOptions) http.Handler {
	cfg := d.Config
	logger := d.Logger

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if opts.Tracing {
		r.Use(obs.TracingMiddleware)
	}
	if opts.Metrics != nil {
		r.Use(obs.HTTPObs{Metrics: opts.Metrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{HSTS: true}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Retry-After", "X-Paylink-Status", "X-Request-ID"},
		MaxAge:         300,
	}))

	if opts.MetricsHandler != nil {
		r.Handle("/metrics", opts.MetricsHandler)
	}
	if opts.Debug != nil {
		r.Mount("/debug/pprof", opts.Debug)
	}

	healthHandler := health.Handler{
		Checker: health.Probes{ERP: d.ERP, Redis: redisCmdable(d)},
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	pay := &paylink.Handler{Resolver: d.Resolver, MaxPolls: cfg.MaxPolls, Logger: logger}
	limited := ratelimit.Handler{
		Limiter: d.Limiter,
		Config: ratelimit.Config{
			Key:    ratelimit.ByClientIP("pay:"),
			Window: time.Minute,
			Max:    cfg.PayRateLimit,
		},
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate_limit_unavailable") },
	}
	r.Group(func(g chi.Router) {
		if cfg.PayRateLimit > 0 {
			g.Use(limited.Middleware)
		}
		g.Get("/pay", pay.Pay)
		g.Get("/api/pay", pay.Pay)
	})

	webhook := paylink.Webhook{
		Resolver: d.Resolver,
		Replay:   common.Replay{R: redisCmdable(d), Prefix: cfg.QueuePrefix + ":wh", TTL: cfg.WebhookReplayTTL},
		Logger:   logger.With().Str("component", "webhook").Logger(),
	}
	bodyLimit := security.BodyLimit{Max: cfg.WebhookMaxBodyBytes, Overflow: webhook.Overflow}
	r.Group(func(g chi.Router) {
		g.Use(bodyLimit.Middleware)
		g.Post("/webhook", webhook.Handle)
		g.Post("/api/webhook", webhook.Handle)
	})

	r.Method(http.MethodGet, "/api/test", erp.DiagnosticsHandler{Client: d.ERP})

	return r
}

// redisCmdable avoids handing a typed nil client to consumers that check for nil.
func redisCmdable(d *Dependencies) redis.Cmdable {
	if d.Redis == nil {
		return nil
	}
	return d.Redis
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
