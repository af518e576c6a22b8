package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// The API serves JSON, event streams and WebSocket upgrades only; nothing it
// returns should render in a frame or load subresources.
const (
	defaultCSP               = "default-src 'none'; connect-src 'self'; frame-ancestors 'none'"
	defaultReferrerPolicy    = "no-referrer"
	defaultPermissionsPolicy = "camera=(), microphone=(), geolocation=(), payment=()"
	defaultResourcePolicy    = "same-site"
	apiCacheControl          = "no-store"
)

// SecurityConfig overrides the hardening headers. Zero values keep the
// defaults; "-" suppresses a header entirely.
type SecurityConfig struct {
	ContentSecurityPolicy string
	ReferrerPolicy        string
	PermissionsPolicy     string
	ResourcePolicy        string
	// HSTSMaxAge enables Strict-Transport-Security. Only set it when the
	// listener terminates TLS.
	HSTSMaxAge time.Duration
}

type headerValue struct {
	name  string
	value string
}

func (cfg SecurityConfig) headers() []headerValue {
	out := []headerValue{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
	}
	add := func(name, configured, fallback string) {
		switch configured {
		case "-":
			return
		case "":
			configured = fallback
		}
		out = append(out, headerValue{name, configured})
	}
	add("Content-Security-Policy", cfg.ContentSecurityPolicy, defaultCSP)
	add("Referrer-Policy", cfg.ReferrerPolicy, defaultReferrerPolicy)
	add("Permissions-Policy", cfg.PermissionsPolicy, defaultPermissionsPolicy)
	add("Cross-Origin-Resource-Policy", cfg.ResourcePolicy, defaultResourcePolicy)
	if secs := int64(cfg.HSTSMaxAge / time.Second); secs > 0 {
		out = append(out, headerValue{"Strict-Transport-Security", "max-age=" + strconv.FormatInt(secs, 10) + "; includeSubDomains"})
	}
	return out
}

// securityHeadersMiddleware stamps the hardening headers before the handler
// runs so error responses from later middleware carry them too. Comment and
// upload payloads under /api are never cacheable.
func securityHeadersMiddleware(cfg SecurityConfig) func(http.Handler) http.Handler {
	headers := cfg.headers()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, hv := range headers {
				h.Set(hv.name, hv.value)
			}
			if strings.HasPrefix(r.URL.Path, "/api/") {
				h.Set("Cache-Control", apiCacheControl)
			}
			next.ServeHTTP(w, r)
		})
	}
}
