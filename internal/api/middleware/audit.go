package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// responseWriter wraps http.ResponseWriter to capture response details.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)

	return n, err
}

// Unwrap returns the underlying ResponseWriter for compatibility with http.Flusher, etc.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Audit writes an audit record for every state-changing request: rule
// changes, scans, cancellations and remediation transitions. Reads are not
// audited.
func Audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutation(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rw := newResponseWriter(w)

		next.ServeHTTP(rw, r)

		username := "unknown"
		role := ""

		if claims := ClaimsFromContext(r.Context()); claims != nil {
			username = claims.Username
			role = string(claims.Role)
		}

		result := "success"
		if rw.statusCode >= http.StatusBadRequest {
			result = "failure"
		}

		log.Info().
			Str("audit", "admin_api").
			Str("request_id", GetRequestID(r.Context())).
			Str("username", username).
			Str("role", role).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", routePattern(r)).
			Str("source_ip", hostOnly(r.RemoteAddr)).
			Int("status", rw.statusCode).
			Str("result", result).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("Audit event")
	})
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}

	return false
}
