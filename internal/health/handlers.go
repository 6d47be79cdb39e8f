package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips the readiness flag. The API clears it before draining
// connections on shutdown.
func SetReady(v bool) { ready.Store(v) }

// Checker represents dependencies that can be probed for readiness.
type Checker interface {
	PingERP(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// VersionProber is the ERP call used as a cheap reachability check.
type VersionProber interface {
	Version(ctx context.Context) (string, error)
}

// ErrDisabled marks a dependency that is not configured.
var ErrDisabled = errors.New("disabled")

// Probes checks the ERP and, when configured, Redis.
type Probes struct {
	ERP   VersionProber
	Redis redis.Cmdable
}

// PingERP asks the ERP for its version.
func (p Probes) PingERP(ctx context.Context, timeout time.Duration) error {
	if p.ERP == nil {
		return ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := p.ERP.Version(ctx)
	return err
}

// PingRedis issues PING.
func (p Probes) PingRedis(ctx context.Context, timeout time.Duration) error {
	if p.Redis == nil {
		return ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Redis.Ping(ctx).Err()
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checker      Checker
	ERPTimeout   time.Duration
	RedisTimeout time.Duration
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on dependency probes. The ERP result is
// informational: pending pages keep working while it is down, so only Redis
// and the shutdown flag gate readiness.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Checker == nil {
		http.Error(w, "dependencies unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	erpStatus := statusOf(h.Checker.PingERP(ctx, h.erpTimeout()))
	redisStatus := statusOf(h.Checker.PingRedis(ctx, h.redisTimeout()))
	status := map[string]string{
		"erp":   erpStatus,
		"redis": redisStatus,
		"state": "ready",
	}
	code := http.StatusOK
	if !ready.Load() {
		status["state"] = "shutting_down"
		code = http.StatusServiceUnavailable
	} else if redisStatus != "ok" && redisStatus != ErrDisabled.Error() {
		status["state"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func statusOf(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, ErrDisabled) {
		return ErrDisabled.Error()
	}
	return "unavailable"
}

func (h Handler) erpTimeout() time.Duration {
	if h.ERPTimeout <= 0 {
		return 2 * time.Second
	}
	return h.ERPTimeout
}

func (h Handler) redisTimeout() time.Duration {
	if h.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.RedisTimeout
}
