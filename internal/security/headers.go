package security

import (
	"net/http"
	"strconv"
	"strings"
)

// Headers adds browser hardening headers. Payment redirects and the pending
// page are both served with them.
type Headers struct {
	HSTS                  bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	// ContentSecurityPolicy is the default policy; handlers may override it.
	ContentSecurityPolicy string
}

// Middleware sets the headers before next runs.
func (h Headers) Middleware(next http.Handler) http.Handler {
	hsts := h.hstsValue()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("X-Content-Type-Options", "nosniff")
		hdr.Set("X-Frame-Options", "DENY")
		hdr.Set("Referrer-Policy", "no-referrer")
		hdr.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		if h.ContentSecurityPolicy != "" {
			hdr.Set("Content-Security-Policy", h.ContentSecurityPolicy)
		}
		if h.HSTS && isHTTPS(r) {
			hdr.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}

func (h Headers) hstsValue() string {
	age := h.HSTSMaxAge
	if age <= 0 {
		age = 31536000
	}
	v := "max-age=" + strconv.Itoa(age)
	if h.HSTSIncludeSubdomains {
		v += "; includeSubDomains"
	}
	return v
}

// isHTTPS also trusts X-Forwarded-Proto, since TLS usually ends at the proxy.
func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
