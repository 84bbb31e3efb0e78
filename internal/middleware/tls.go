package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ComUnity/city-sentinel/internal/util/logger"
)

// HeadersConfig controls the security headers set on every response.
type HeadersConfig struct {
	HSTSMaxAge            int // seconds
	IncludeSubdomains     bool
	ContentSecurityPolicy string
	TrustProxyHeader      bool // honor X-Forwarded-Proto
}

func DefaultHeadersConfig() HeadersConfig {
	return HeadersConfig{
		HSTSMaxAge:            63072000, // 2 years
		IncludeSubdomains:     true,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none';",
	}
}

// SecurityHeaders sets baseline headers on every response and HSTS plus CSP
// on HTTPS ones. Auth responses must never be cached.
func SecurityHeaders(cfg HeadersConfig) func(http.Handler) http.Handler {
	if cfg.HSTSMaxAge > 0 && cfg.HSTSMaxAge < 31536000 {
		logger.Warn("HSTS max-age=%d is below one year", cfg.HSTSMaxAge)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")

			if isHTTPS(r, cfg.TrustProxyHeader) {
				setHSTS(w, cfg)
				if v := strings.TrimSpace(cfg.ContentSecurityPolicy); v != "" {
					h.Set("Content-Security-Policy", v)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isHTTPS(r *http.Request, trustProxyHeader bool) bool {
	if r.TLS != nil {
		return true
	}
	if trustProxyHeader {
		return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	}
	return false
}

func setHSTS(w http.ResponseWriter, cfg HeadersConfig) {
	maxAge := cfg.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = 31536000 // 1 year
	}
	var b strings.Builder
	b.WriteString("max-age=")
	b.WriteString(strconv.Itoa(maxAge))
	if cfg.IncludeSubdomains {
		b.WriteString("; includeSubDomains")
	}
	w.Header().Set("Strict-Transport-Security", b.String())
}
