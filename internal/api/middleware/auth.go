package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulaguard/internal/auth"
)

// Authenticate validates the bearer token on every request. When the
// service has no secret configured the admin API is open and requests run
// as an anonymous admin.
func Authenticate(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !svc.Enabled() {
				anonymous := &auth.TokenClaims{Username: "anonymous", Role: auth.RoleAdmin}
				next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), anonymous)))

				return
			}

			header := r.Header.Get("Authorization")

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="nebulaguard"`)
				writeJSONError(w, http.StatusUnauthorized, "missing bearer token")

				return
			}

			claims, err := svc.ValidateToken(token)
			if err != nil {
				log.Debug().
					Err(err).
					Str("request_id", GetRequestID(r.Context())).
					Msg("Rejected bearer token")
				w.Header().Set("WWW-Authenticate", `Bearer realm="nebulaguard", error="invalid_token"`)
				writeJSONError(w, http.StatusUnauthorized, "invalid token")

				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireRole rejects requests whose token role is below role.
func RequireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeJSONError(w, http.StatusUnauthorized, "not authenticated")
				return
			}

			if !claims.Role.Allows(role) {
				writeJSONError(w, http.StatusForbidden, "role "+string(claims.Role)+" may not perform this operation")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WithClaims stores token claims in the context.
func WithClaims(ctx context.Context, claims *auth.TokenClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the authenticated claims, or nil.
func ClaimsFromContext(ctx context.Context) *auth.TokenClaims {
	claims, _ := ctx.Value(claimsKey).(*auth.TokenClaims)
	return claims
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
