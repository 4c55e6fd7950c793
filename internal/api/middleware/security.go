package middleware

import (
	"net/http"
	"sort"
	"strconv"
	"time"
)

// SecurityHeadersConfig lists the headers set on every response.
type SecurityHeadersConfig struct {
	// Headers are set as given. An empty value suppresses the header.
	Headers map[string]string

	// HSTSMaxAge is advertised on requests that arrived over TLS. Zero
	// disables Strict-Transport-Security.
	HSTSMaxAge time.Duration
}

// DefaultSecurityHeadersConfig suits a JSON-only API whose responses carry
// masked but still sensitive findings, so nothing may be framed or cached.
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		Headers: map[string]string{
			"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
			"X-Frame-Options":         "DENY",
			"X-Content-Type-Options":  "nosniff",
			"Referrer-Policy":         "no-referrer",
			"Permissions-Policy":      "geolocation=(), microphone=(), camera=(), payment=()",
			"Cache-Control":           "no-store",
			"Pragma":                  "no-cache",
		},
		HSTSMaxAge: 365 * 24 * time.Hour,
	}
}

// SecurityHeaders returns a middleware that adds the configured headers.
func SecurityHeaders(cfg SecurityHeadersConfig) func(http.Handler) http.Handler {
	type header struct{ name, value string }

	static := make([]header, 0, len(cfg.Headers))
	for name, value := range cfg.Headers {
		if value != "" {
			static = append(static, header{http.CanonicalHeaderKey(name), value})
		}
	}

	sort.Slice(static, func(i, j int) bool { return static[i].name < static[j].name })

	var hsts string
	if cfg.HSTSMaxAge > 0 {
		hsts = "max-age=" + strconv.Itoa(int(cfg.HSTSMaxAge.Seconds())) + "; includeSubDomains"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()

			for _, sh := range static {
				h.Set(sh.name, sh.value)
			}

			if hsts != "" && r.TLS != nil {
				h.Set("Strict-Transport-Security", hsts)
			}

			next.ServeHTTP(w, r)
		})
	}
}
