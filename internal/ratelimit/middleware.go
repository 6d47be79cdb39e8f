package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/noah-isme/paylink/internal/common"
)

// Config selects the key and quota for a route group.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// Handler rejects requests over quota with 429. A failing limiter lets
// traffic through and reports to OnError.
type Handler struct {
	Limiter Allower
	Config  Config
	OnError func(error)
}

// Middleware wraps next with the limiter.
func (h Handler) Middleware(next http.Handler) http.Handler {
	if h.Limiter == nil || h.Config.Key == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining, reset, err := h.Limiter.Allow(r.Context(), h.Config.Key(r), h.Config.Window, h.Config.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		hdr := w.Header()
		hdr.Set("X-RateLimit-Limit", strconv.Itoa(max(h.Config.Max, 0)))
		hdr.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		hdr.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		hdr.Set("Retry-After", strconv.Itoa(retryAfter(reset)))
		if common.WantsJSON(r) {
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
			return
		}
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	})
}

// retryAfter rounds up to whole seconds, never below one.
func retryAfter(reset time.Time) int {
	secs := int(math.Ceil(time.Until(reset).Seconds()))
	return max(secs, 1)
}

// ByClientIP keys requests by client address. Run it behind chi's RealIP.
func ByClientIP(prefix string) func(*http.Request) string {
	return func(r *http.Request) string {
		return prefix + common.ClientIP(r)
	}
}
