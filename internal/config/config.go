package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Backend identifiers for the resolution cache and the deferred lookup queue.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
	BackendLocal    = "local"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv        string
	Port          string
	PublicBaseURL string

	ERP ERPConfig

	CacheTTL          time.Duration
	CacheBackend      string
	CacheMaxEntries   int
	CacheReapInterval time.Duration

	RetryAfter     time.Duration
	MaxPolls       int
	MissAlertEvery int

	DeferredEnabled bool
	DeferredDelay   time.Duration
	DeferredBackend string
	LocalWorkers    int

	RedisURL               string
	QueuePrefix            string
	QueueConcurrency       int
	QueueVisibilityTimeout time.Duration
	QueueMaxAttempts       int
	LockTTL                time.Duration

	DynamoTable string
	AWSRegion   string

	Breaker BreakerConfig

	CORSAllowedOrigins  []string
	WebhookMaxBodyBytes int64
	WebhookReplayTTL    time.Duration
	PayRateLimit        int

	Obs ObsConfig
}

// ERPConfig carries the invoice system credentials. Secrets stay here and are never logged.
type ERPConfig struct {
	BaseURL     string
	Database    string
	Username    string
	Password    string
	RPCTimeout  time.Duration
	InsecureTLS bool
}

// BreakerConfig tunes the circuit breaker guarding ERP calls.
type BreakerConfig struct {
	MinRequests  int
	FailureRatio float64
	OpenFor      time.Duration
}

// ObsConfig toggles logging, metrics and tracing.
type ObsConfig struct {
	LogFormat        string
	LogLevel         string
	EnablePrometheus bool
	MetricsNamespace string
	EnableTracing    bool
	OTLPEndpoint     string
	SamplingRatio    float64
	EnablePprof      bool
	PprofUser        string
	PprofPass        string
}

// MissingError reports configuration keys that are required but absent.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return "missing required configuration: " + strings.Join(e.Keys, ", ")
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:        valueOrDefault(k.String("APP_ENV"), "development"),
		Port:          valueOrDefault(k.String("PORT"), "8080"),
		PublicBaseURL: strings.TrimRight(strings.TrimSpace(k.String("PUBLIC_BASE_URL")), "/"),
		ERP: ERPConfig{
			BaseURL:     strings.TrimRight(strings.TrimSpace(k.String("ERP_BASE_URL")), "/"),
			Database:    strings.TrimSpace(k.String("ERP_DATABASE")),
			Username:    firstNonEmpty(k.String("ERP_USERNAME"), k.String("ODUSERNAME")),
			Password:    firstNonEmpty(k.String("ERP_PASSWORD"), k.String("ODPASSWORD")),
			RPCTimeout:  parseDuration(k.String("ERP_RPC_TIMEOUT"), "15s"),
			InsecureTLS: parseBool(k.String("ERP_INSECURE_TLS")),
		},
		CacheTTL:          parseDuration(k.String("PAYLINK_CACHE_TTL"), "1800s"),
		CacheBackend:      strings.ToLower(valueOrDefault(k.String("PAYLINK_CACHE_BACKEND"), BackendMemory)),
		CacheMaxEntries:   parseInt(k.String("PAYLINK_CACHE_MAX_ENTRIES"), 10000),
		CacheReapInterval: parseDuration(k.String("PAYLINK_CACHE_REAP_INTERVAL"), "1m"),

		RetryAfter:     parseDuration(k.String("PAYLINK_RETRY_AFTER"), "15s"),
		MaxPolls:       parseInt(k.String("PAYLINK_MAX_POLLS"), 40),
		MissAlertEvery: parseInt(k.String("PAYLINK_MISS_ALERT_EVERY"), 20),

		DeferredEnabled: parseBoolDefault(k.String("PAYLINK_DEFERRED_ENABLED"), true),
		DeferredDelay:   parseDuration(k.String("PAYLINK_DEFERRED_DELAY"), "10s"),
		DeferredBackend: strings.ToLower(valueOrDefault(k.String("PAYLINK_DEFERRED_BACKEND"), BackendLocal)),
		LocalWorkers:    parseInt(k.String("PAYLINK_LOCAL_WORKERS"), 4),

		RedisURL:               strings.TrimSpace(k.String("REDIS_URL")),
		QueuePrefix:            valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "paylink"),
		QueueConcurrency:       parseInt(k.String("QUEUE_CONCURRENCY"), 4),
		QueueVisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "30s"),
		QueueMaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 1),
		LockTTL:                parseDuration(k.String("LOCK_TTL"), "30s"),

		DynamoTable: strings.TrimSpace(k.String("DYNAMODB_TABLE")),
		AWSRegion:   valueOrDefault(k.String("AWS_REGION"), "us-east-1"),

		Breaker: BreakerConfig{
			MinRequests:  parseInt(k.String("CIRCUIT_ERP_MIN_REQUESTS"), 5),
			FailureRatio: parseFloat(k.String("CIRCUIT_ERP_FAILURE_RATIO"), 0.5),
			OpenFor:      parseDuration(k.String("CIRCUIT_ERP_OPEN_FOR"), "30s"),
		},

		CORSAllowedOrigins:  splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		WebhookMaxBodyBytes: int64(parseInt(k.String("WEBHOOK_MAX_BODY_BYTES"), 1<<20)),
		WebhookReplayTTL:    parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "10m"),
		PayRateLimit:        parseInt(k.String("RATE_LIMIT_PAY_PER_MINUTE"), 60),

		Obs: ObsConfig{
			LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			EnablePrometheus: parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "paylink"),
			EnableTracing:    parseBool(k.String("OBS_ENABLE_TRACING")),
			OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			SamplingRatio:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1),
			EnablePprof:      parseBool(k.String("OBS_ENABLE_PPROF")),
			PprofUser:        strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_USER")),
			PprofPass:        k.String("SECURE_PPROF_BASIC_AUTH_PASS"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.ERP.BaseURL == "" {
		missing = append(missing, "ERP_BASE_URL")
	}
	if c.ERP.Database == "" {
		missing = append(missing, "ERP_DATABASE")
	}
	if c.ERP.Username == "" {
		missing = append(missing, "ERP_USERNAME")
	}
	if c.ERP.Password == "" {
		missing = append(missing, "ERP_PASSWORD")
	}
	if c.NeedsRedis() && c.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if c.CacheBackend == BackendDynamoDB && c.DynamoTable == "" {
		missing = append(missing, "DYNAMODB_TABLE")
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing}
	}

	switch c.CacheBackend {
	case BackendMemory, BackendRedis, BackendDynamoDB:
	default:
		return fmt.Errorf("PAYLINK_CACHE_BACKEND %q is not supported", c.CacheBackend)
	}
	switch c.DeferredBackend {
	case BackendLocal, BackendRedis:
	default:
		return fmt.Errorf("PAYLINK_DEFERRED_BACKEND %q is not supported", c.DeferredBackend)
	}
	if c.DeferredEnabled && c.DeferredBackend == BackendRedis && !c.SharedCache() {
		// the worker resolves in another process and must write where the API reads
		return fmt.Errorf("PAYLINK_DEFERRED_BACKEND redis requires PAYLINK_CACHE_BACKEND redis or dynamodb, got %q", c.CacheBackend)
	}
	if c.CacheTTL <= 0 {
		return errors.New("PAYLINK_CACHE_TTL must be positive")
	}
	if c.RetryAfter < time.Second {
		return errors.New("PAYLINK_RETRY_AFTER must be at least 1s")
	}
	return nil
}

// NeedsRedis reports whether any configured backend requires a Redis connection.
func (c *Config) NeedsRedis() bool {
	return c.CacheBackend == BackendRedis || (c.DeferredEnabled && c.DeferredBackend == BackendRedis)
}

// SharedCache reports whether the cache backend is visible to every process.
func (c *Config) SharedCache() bool {
	return c.CacheBackend == BackendRedis || c.CacheBackend == BackendDynamoDB
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		// bare integers are seconds
		if secs, convErr := strconv.Atoi(base); convErr == nil {
			return time.Duration(secs) * time.Second
		}
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}

func parseFloat(value string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
