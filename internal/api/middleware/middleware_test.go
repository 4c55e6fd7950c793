package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebulaguard/internal/auth"
	"github.com/piwi3910/nebulaguard/internal/metrics"
)

const testRootPassword = "RootPassword123"

func newAuthService(t *testing.T, secret string) *auth.Service {
	t.Helper()

	svc, err := auth.NewService(auth.Config{
		JWTSecret:    secret,
		RootUser:     "admin",
		RootPassword: testRootPassword,
		TokenExpiry:  time.Hour,
	})
	require.NoError(t, err)

	return svc
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestRequestID(t *testing.T) {
	var seen string

	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generates an id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("reuses inbound id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "lb-1234")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "lb-1234", seen)
		assert.Equal(t, "lb-1234", rec.Header().Get(RequestIDHeader))
	})

	t.Run("replaces oversized inbound id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, strings.Repeat("a", maxInboundIDLength+1))

		handler.ServeHTTP(httptest.NewRecorder(), req)
		assert.Less(t, len(seen), maxInboundIDLength)
	})
}

func TestGenerateRequestIDUnique(t *testing.T) {
	seen := make(map[string]bool)

	for range 1000 {
		id := generateRequestID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestGetRequestIDNilContext(t *testing.T) {
	//nolint:staticcheck // nil context is handled explicitly
	assert.Empty(t, GetRequestID(nil))
}

func TestAuthenticateDisabledRunsAsAdmin(t *testing.T) {
	svc := newAuthService(t, "")

	handler := Authenticate(svc)(RequireRole(auth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		require.NotNil(t, claims)
		assert.Equal(t, "anonymous", claims.Username)
		w.WriteHeader(http.StatusNoContent)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/patterns/ssn", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAuthenticate(t *testing.T) {
	svc := newAuthService(t, "middleware-test-secret")

	admin, err := svc.IssueToken("admin", auth.RoleAdmin)
	require.NoError(t, err)

	viewer, err := svc.IssueToken("reader", auth.RoleViewer)
	require.NoError(t, err)

	handler := Authenticate(svc)(RequireRole(auth.RoleAnalyst)(http.HandlerFunc(okHandler)))

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic YWRtaW46cGFzcw==", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"insufficient role", "Bearer " + viewer.AccessToken, http.StatusForbidden},
		{"admin passes", "Bearer " + admin.AccessToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestRequireRoleWithoutClaims(t *testing.T) {
	rec := httptest.NewRecorder()
	RequireRole(auth.RoleViewer)(http.HandlerFunc(okHandler)).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuditPassesThroughStatus(t *testing.T) {
	handler := Audit(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("conflict"))
	}))

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(method, "/api/v1/policies/p1", nil))

		assert.Equal(t, http.StatusConflict, rec.Code, method)
		assert.Equal(t, "conflict", rec.Body.String(), method)
	}
}

func TestIsMutation(t *testing.T) {
	assert.True(t, isMutation(http.MethodPost))
	assert.True(t, isMutation(http.MethodPut))
	assert.True(t, isMutation(http.MethodPatch))
	assert.True(t, isMutation(http.MethodDelete))
	assert.False(t, isMutation(http.MethodGet))
	assert.False(t, isMutation(http.MethodHead))
}

func TestSecurityHeaders(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		rec := httptest.NewRecorder()
		SecurityHeaders(DefaultSecurityHeadersConfig())(http.HandlerFunc(okHandler)).
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/violations", nil))

		assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", rec.Header().Get("Content-Security-Policy"))
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		assert.Empty(t, rec.Header().Get("Strict-Transport-Security"), "plain HTTP gets no HSTS")
	})

	t.Run("hsts over tls", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.TLS = &tls.ConnectionState{}

		rec := httptest.NewRecorder()
		SecurityHeaders(DefaultSecurityHeadersConfig())(http.HandlerFunc(okHandler)).ServeHTTP(rec, req)

		assert.Equal(t, "max-age=31536000; includeSubDomains", rec.Header().Get("Strict-Transport-Security"))
	})

	t.Run("custom headers", func(t *testing.T) {
		cfg := SecurityHeadersConfig{Headers: map[string]string{
			"x-robots-tag":    "noindex",
			"X-Frame-Options": "",
		}}

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.TLS = &tls.ConnectionState{}

		rec := httptest.NewRecorder()
		SecurityHeaders(cfg)(http.HandlerFunc(okHandler)).ServeHTTP(rec, req)

		assert.Equal(t, "noindex", rec.Header().Get("X-Robots-Tag"))
		assert.Empty(t, rec.Header().Get("X-Frame-Options"))
		assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
	})
}

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.Get("/api/v1/violations/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	counter := metrics.RequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/violations/{id}", "4xx")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/violations/"+id, nil))
	}

	assert.InDelta(t, before+3, testutil.ToFloat64(counter), 0.001)
}

func TestAccessLogKeepsResponse(t *testing.T) {
	handler := RequestID(AccessLog(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/scans", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}
