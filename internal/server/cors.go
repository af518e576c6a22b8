package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// CORSConfig lists the browser origins allowed to call the API from another
// domain. An entry may use a leading wildcard label, "https://*.studio.test",
// to admit every subdomain. With no entries only same-origin requests pass.
type CORSConfig struct {
	AllowedOrigins []string
}

const (
	corsAllowMethods  = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	corsAllowHeaders  = "Authorization, Content-Type, X-Chunk-Checksum, X-Request-Id"
	corsExposeHeaders = "X-Request-Id, Retry-After"
	corsMaxAge        = "600"
)

type corsPolicy struct {
	exact    map[string]bool
	suffixes []wildcardOrigin
}

type wildcardOrigin struct {
	scheme string
	suffix string // ".studio.test"
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	policy := corsPolicy{exact: make(map[string]bool)}
	for _, raw := range cfg.AllowedOrigins {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		scheme, host, err := splitOrigin(raw)
		if err != nil {
			return corsPolicy{}, fmt.Errorf("parse origin %q: %w", raw, err)
		}
		if rest, ok := strings.CutPrefix(host, "*."); ok {
			policy.suffixes = append(policy.suffixes, wildcardOrigin{scheme: scheme, suffix: "." + rest})
			continue
		}
		policy.exact[scheme+"://"+host] = true
	}
	return policy, nil
}

func splitOrigin(origin string) (scheme, host string, err error) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", "", errors.New("origin must include scheme and host")
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", "", errors.New("origin must not include a path")
	}
	return strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host), nil
}

// allows admits configured origins and the request's own origin.
func (p corsPolicy) allows(r *http.Request, origin string) bool {
	scheme, host, err := splitOrigin(origin)
	if err != nil || strings.HasPrefix(host, "*.") {
		return false
	}
	if p.exact[scheme+"://"+host] {
		return true
	}
	for _, w := range p.suffixes {
		if scheme == w.scheme && strings.HasSuffix(host, w.suffix) && len(host) > len(w.suffix) {
			return true
		}
	}
	self := "http"
	if r.TLS != nil {
		self = "https"
	}
	return r.Host != "" && scheme == self && host == strings.ToLower(r.Host)
}

func corsMiddleware(policy corsPolicy, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			if !policy.allows(r, origin) {
				if logger != nil {
					logger.Warn("cross-origin request rejected", "origin", origin, "path", r.URL.Path)
				}
				writeMiddlewareError(w, http.StatusForbidden, "forbidden", "origin not allowed")
				return
			}
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")

			if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
				h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
				next.ServeHTTP(w, r)
				return
			}
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
