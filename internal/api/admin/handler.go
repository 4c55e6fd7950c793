// Package admin implements the NebulaGuard admin HTTP API.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulaguard/internal/api/middleware"
	"github.com/piwi3910/nebulaguard/internal/auth"
	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/piwi3910/nebulaguard/internal/metrics"
)

// maxRequestBody bounds decoded request bodies; scan requests may carry
// inline documents.
const maxRequestBody = 16 << 20

// RuleStore persists pattern and policy changes made through the API.
type RuleStore interface {
	SavePattern(ctx context.Context, p *dlp.Pattern) error
	DeletePattern(ctx context.Context, id string) error
	SavePolicy(ctx context.Context, p *dlp.Policy) error
	DeletePolicy(ctx context.Context, id string) error
}

// Handler handles Admin API requests
type Handler struct {
	baseCtx context.Context
	engine  *dlp.Coordinator
	auth    *auth.Service
	rules   RuleStore
}

// NewHandler creates a new Admin API handler. rules may be nil when
// persistence is disabled.
func NewHandler(engine *dlp.Coordinator, authService *auth.Service, rules RuleStore) *Handler {
	return &Handler{
		baseCtx: context.Background(),
		engine:  engine,
		auth:    authService,
		rules:   rules,
	}
}

// SetBaseContext sets the context background scans run under, so server
// shutdown cancels them.
func (h *Handler) SetBaseContext(ctx context.Context) {
	h.baseCtx = ctx
}

// RegisterRoutes registers Admin API routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	// Auth endpoints (public)
	r.Post("/auth/token", h.Login)

	// Protected endpoints
	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(h.auth))
		r.Use(middleware.Audit)

		r.Get("/auth/whoami", h.WhoAmI)

		// Read access
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(auth.RoleViewer))

			r.Get("/patterns", h.ListPatterns)
			r.Get("/patterns/{id}", h.GetPattern)
			r.Get("/policies", h.ListPolicies)
			r.Get("/policies/{id}", h.GetPolicy)
			r.Get("/scans", h.ListScans)
			r.Get("/scans/active", h.ListActiveScans)
			r.Get("/scans/{id}", h.GetScan)
			r.Get("/violations", h.ListViolations)
			r.Get("/violations/export", h.ExportViolations)
			r.Get("/violations/{id}", h.GetViolation)
			r.Get("/status", h.GetStatus)
		})

		// Scanning and triage
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(auth.RoleAnalyst))

			r.Post("/classify", h.Classify)
			r.Post("/policies/{id}/evaluate", h.EvaluatePolicy)
			r.Post("/scans", h.RunScan)
			r.Post("/scans/{id}/cancel", h.CancelScan)
			r.Post("/violations/{id}/remediation", h.TransitionViolation)
		})

		// Rule management
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(auth.RoleAdmin))

			r.Post("/patterns", h.CreatePattern)
			r.Put("/patterns/{id}", h.UpdatePattern)
			r.Delete("/patterns/{id}", h.DeletePattern)
			r.Post("/policies", h.CreatePolicy)
			r.Put("/policies/{id}", h.UpdatePolicy)
			r.Delete("/policies/{id}", h.DeletePolicy)
		})
	})
}

// Auth handlers

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	tokens, err := h.auth.Login(req.Username, req.Password)

	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		writeError(w, "Authentication is disabled", http.StatusNotFound)
	case err != nil:
		writeError(w, "Invalid credentials", http.StatusUnauthorized)
	default:
		log.Info().Str("username", req.Username).Msg("Issued admin token")
		writeJSON(w, http.StatusOK, tokens)
	}
}

type WhoAmIResponse struct {
	Username string    `json:"username"`
	Role     auth.Role `json:"role"`
}

func (h *Handler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, WhoAmIResponse{Username: claims.Username, Role: claims.Role})
}

// Status

type StatusResponse struct {
	dlp.Status
	Patterns    int `json:"patterns"`
	Policies    int `json:"policies"`
	Violations  int `json:"violations"`
	ActiveScans int `json:"active_scans"`
}

func (h *Handler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:      h.engine.Status(),
		Patterns:    h.engine.Patterns().Len(),
		Policies:    len(h.engine.Policies().List()),
		Violations:  h.engine.Violations().Count(),
		ActiveScans: len(h.engine.ActiveScans()),
	})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dlp.ErrUnknownPattern),
		errors.Is(err, dlp.ErrUnknownPolicy),
		errors.Is(err, dlp.ErrUnknownViolation),
		errors.Is(err, dlp.ErrUnknownScan):
		return http.StatusNotFound
	case errors.Is(err, dlp.ErrPatternInUse),
		errors.Is(err, dlp.ErrIllegalRemediationTransition),
		errors.Is(err, dlp.ErrDuplicateScanID):
		return http.StatusConflict
	case errors.Is(err, dlp.ErrInvalidRegex),
		errors.Is(err, dlp.ErrInvalidPattern),
		errors.Is(err, dlp.ErrInvalidPolicy),
		errors.Is(err, dlp.ErrDanglingPatternReference),
		errors.Is(err, dlp.ErrInvalidScanRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Admin request failed")
	}

	writeError(w, err.Error(), status)
}

// persist runs a rule store write. The registries stay authoritative, so
// a failed write is logged and counted but does not fail the request.
func (h *Handler) persist(op, id string, fn func(RuleStore) error) {
	if h.rules == nil {
		return
	}

	if err := fn(h.rules); err != nil {
		metrics.RecordPersistenceError(op)
		log.Error().Err(err).Str("op", op).Str("id", id).Msg("Failed to persist rule change")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		writeError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response body")
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
