package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"ERP_BASE_URL":              "https://erp.example.com/",
		"ERP_DATABASE":              "prod",
		"ERP_USERNAME":              "bot@example.com",
		"ERP_PASSWORD":              "s3cret",
		"ODUSERNAME":                "",
		"ODPASSWORD":                "",
		"PAYLINK_CACHE_BACKEND":     "",
		"PAYLINK_DEFERRED_BACKEND":  "",
		"PAYLINK_DEFERRED_ENABLED":  "",
		"PAYLINK_CACHE_TTL":         "",
		"PAYLINK_RETRY_AFTER":       "",
		"REDIS_URL":                 "",
		"DYNAMODB_TABLE":            "",
		"RATE_LIMIT_PAY_PER_MINUTE": "",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(baseEnv())
	require.NoError(t, err)

	require.Equal(t, "https://erp.example.com", cfg.ERP.BaseURL)
	require.Equal(t, 30*time.Minute, cfg.CacheTTL)
	require.Equal(t, 15*time.Second, cfg.RetryAfter)
	require.Equal(t, 15*time.Second, cfg.ERP.RPCTimeout)
	require.Equal(t, BackendMemory, cfg.CacheBackend)
	require.Equal(t, BackendLocal, cfg.DeferredBackend)
	require.True(t, cfg.DeferredEnabled)
	require.Equal(t, 60, cfg.PayRateLimit)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.False(t, cfg.NeedsRedis())
}

func TestLoadReportsEveryMissingKey(t *testing.T) {
	env := baseEnv()
	env["ERP_BASE_URL"] = ""
	env["ERP_PASSWORD"] = ""

	_, err := LoadForTests(env)
	require.Error(t, err)

	var missing *MissingError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, []string{"ERP_BASE_URL", "ERP_PASSWORD"}, missing.Keys)
	require.NotContains(t, err.Error(), "s3cret")
}

func TestLoadAcceptsLegacyCredentialNames(t *testing.T) {
	env := baseEnv()
	env["ERP_USERNAME"] = ""
	env["ERP_PASSWORD"] = ""
	env["ODUSERNAME"] = "legacy@example.com"
	env["ODPASSWORD"] = "legacy"

	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, "legacy@example.com", cfg.ERP.Username)
	require.Equal(t, "legacy", cfg.ERP.Password)
}

func TestLoadRedisBackendRequiresURL(t *testing.T) {
	env := baseEnv()
	env["PAYLINK_CACHE_BACKEND"] = "redis"

	_, err := LoadForTests(env)
	var missing *MissingError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, []string{"REDIS_URL"}, missing.Keys)

	env["REDIS_URL"] = "redis://localhost:6379/0"
	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.True(t, cfg.NeedsRedis())
}

func TestLoadDynamoBackendRequiresTable(t *testing.T) {
	env := baseEnv()
	env["PAYLINK_CACHE_BACKEND"] = "dynamodb"

	_, err := LoadForTests(env)
	require.Error(t, err)
	require.Contains(t, err.Error(), "DYNAMODB_TABLE")
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	env := baseEnv()
	env["PAYLINK_CACHE_BACKEND"] = "memcached"

	_, err := LoadForTests(env)
	require.Error(t, err)
	require.Contains(t, err.Error(), "memcached")
}

func TestLoadRedisDeferredNeedsSharedCache(t *testing.T) {
	env := baseEnv()
	env["PAYLINK_DEFERRED_BACKEND"] = "redis"
	env["REDIS_URL"] = "redis://localhost:6379/0"

	_, err := LoadForTests(env)
	require.Error(t, err)
	require.Contains(t, err.Error(), "PAYLINK_CACHE_BACKEND")

	for _, backend := range []string{"redis", "dynamodb"} {
		env["PAYLINK_CACHE_BACKEND"] = backend
		env["DYNAMODB_TABLE"] = "paylinks"
		cfg, err := LoadForTests(env)
		require.NoError(t, err, backend)
		require.True(t, cfg.SharedCache())
	}
}

func TestLoadDisabledDeferredIgnoresBackendPairing(t *testing.T) {
	env := baseEnv()
	env["PAYLINK_DEFERRED_ENABLED"] = "false"
	env["PAYLINK_DEFERRED_BACKEND"] = "redis"

	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.False(t, cfg.SharedCache())
}

func TestParseDurationAcceptsSeconds(t *testing.T) {
	require.Equal(t, 1800*time.Second, parseDuration("1800", "1s"))
	require.Equal(t, 2*time.Minute, parseDuration("2m", "1s"))
	require.Equal(t, time.Second, parseDuration("bogus", "1s"))
}
