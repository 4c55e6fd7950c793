// Package middleware provides HTTP middleware for the admin API.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sync/atomic"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// contextKey is a private type for context keys to avoid collisions.
type contextKey int

const (
	requestIDKey contextKey = iota
	claimsKey
)

const (
	requestIDBufferSize = 16
	maxInboundIDLength  = 128
)

// requestCounter provides a monotonically increasing counter for request IDs.
var requestCounter uint64

// RequestID assigns every request an id, reusing a sane inbound
// X-Request-Id from a load balancer.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > maxInboundIDLength {
			requestID = generateRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(SetRequestID(r.Context(), requestID)))
	})
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}

	return ""
}

// SetRequestID sets a request ID in the context.
func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// generateRequestID packs a millisecond timestamp, a counter and random
// bytes, so ids sort roughly by arrival.
func generateRequestID() string {
	counter := atomic.AddUint64(&requestCounter, 1)

	//nolint:gosec // G115: timestamp is always positive for current time
	timestamp := uint64(time.Now().UnixMilli())

	buf := make([]byte, requestIDBufferSize)

	// 6 bytes timestamp, 4 bytes counter, 6 bytes random
	for i := 0; i < 6; i++ {
		buf[i] = byte(timestamp >> (8 * (5 - i)))
	}

	for i := 0; i < 4; i++ {
		buf[6+i] = byte(counter >> (8 * (3 - i)))
	}

	_, _ = rand.Read(buf[10:])

	return base64.RawURLEncoding.EncodeToString(buf)
}

// AccessLog logs every request with its id, route, status and latency.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		event := log.Debug()
		if status >= http.StatusInternalServerError {
			event = log.Warn()
		}

		event.
			Str("request_id", GetRequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
