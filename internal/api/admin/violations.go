package admin

import (
	"bytes"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulaguard/internal/api/middleware"
	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/piwi3910/nebulaguard/internal/export"
)

// violationFilter holds the query filters shared by list and export.
type violationFilter struct {
	since    time.Time
	policyID string
	scanID   string
	severity dlp.Severity
	status   dlp.RemediationStatus
	dataType dlp.DataType
	window   time.Duration
	limit    int
}

// parseViolationFilter reads policy_id, since (RFC 3339 or a duration such
// as 24h), scan_id, severity, status, data_type and limit.
func parseViolationFilter(r *http.Request) (violationFilter, error) {
	q := r.URL.Query()
	f := violationFilter{
		policyID: q.Get("policy_id"),
		scanID:   q.Get("scan_id"),
		severity: dlp.Severity(q.Get("severity")),
		status:   dlp.RemediationStatus(q.Get("status")),
		dataType: dlp.DataType(q.Get("data_type")),
	}

	if since := q.Get("since"); since != "" {
		if window, err := time.ParseDuration(since); err == nil {
			f.window = window
		} else if ts, err := time.Parse(time.RFC3339, since); err == nil {
			f.since = ts
		} else {
			return f, fmt.Errorf("invalid since %q: want RFC 3339 time or duration", since)
		}
	}

	if f.severity != "" && !f.severity.Valid() {
		return f, fmt.Errorf("invalid severity %q", f.severity)
	}

	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", limit)
		}

		f.limit = n
	}

	return f, nil
}

func (f violationFilter) keep(v *dlp.Violation) bool {
	switch {
	case !f.since.IsZero() && v.Timestamp.Before(f.since):
		return false
	case f.policyID != "" && v.PolicyID != f.policyID:
		return false
	case f.scanID != "" && v.ScanID != f.scanID:
		return false
	case f.severity != "" && v.Severity != f.severity:
		return false
	case f.status != "" && v.RemediationStatus != f.status:
		return false
	case f.dataType != "" && v.DataType != f.dataType:
		return false
	}

	return true
}

func (h *Handler) selectViolations(f violationFilter) []dlp.Violation {
	store := h.engine.Violations()

	var candidates []dlp.Violation

	switch {
	case f.policyID != "":
		candidates = store.ByPolicy(f.policyID)
	case f.window > 0:
		candidates = store.Recent(f.window)
	default:
		candidates = store.List()
	}

	// Newest first, so limit keeps the most recent matches.
	slices.SortStableFunc(candidates, func(a, b dlp.Violation) int {
		return b.Timestamp.Compare(a.Timestamp)
	})

	cutoff := time.Now().Add(-f.window)
	out := make([]dlp.Violation, 0, len(candidates))

	for idx := range candidates {
		v := &candidates[idx]
		if f.window > 0 && v.Timestamp.Before(cutoff) {
			continue
		}

		if !f.keep(v) {
			continue
		}

		out = append(out, *v)
		if f.limit > 0 && len(out) == f.limit {
			break
		}
	}

	return out
}

// ListViolations returns the filtered violations, newest first.
func (h *Handler) ListViolations(w http.ResponseWriter, r *http.Request) {
	filter, err := parseViolationFilter(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, h.selectViolations(filter))
}

func (h *Handler) GetViolation(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.Violations().Get(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, v)
}

type RemediationRequest struct {
	Status   dlp.RemediationStatus `json:"status"`
	Assignee string                `json:"assignee"`
}

func (h *Handler) TransitionViolation(w http.ResponseWriter, r *http.Request) {
	var req RemediationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	switch req.Status {
	case dlp.RemediationPending, dlp.RemediationInProgress, dlp.RemediationResolved, dlp.RemediationAcceptedRisk:
	default:
		writeError(w, fmt.Sprintf("Unknown remediation status %q", req.Status), http.StatusBadRequest)
		return
	}

	// Picking up a violation without naming an assignee assigns the caller.
	if req.Assignee == "" && req.Status == dlp.RemediationInProgress {
		if claims := middleware.ClaimsFromContext(r.Context()); claims != nil && h.auth.Enabled() {
			req.Assignee = claims.Username
		}
	}

	id := chi.URLParam(r, "id")

	v, err := h.engine.Violations().Transition(r.Context(), id, req.Status, req.Assignee)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	log.Info().
		Str("violation_id", id).
		Str("remediation_status", string(v.RemediationStatus)).
		Str("assignee", v.Assignee).
		Msg("Violation remediation updated")

	writeJSON(w, http.StatusOK, v)
}

// ExportViolations streams the filtered violations as NDJSON or Parquet.
func (h *Handler) ExportViolations(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	filter, err := parseViolationFilter(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	violations := h.selectViolations(filter)

	var buf bytes.Buffer
	if _, err := export.WriteViolations(&buf, format, violations); err != nil {
		writeEngineError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="violations.%s"`, format))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)

	log.Info().Str("format", string(format)).Int("violations", len(violations)).Msg("Exported violations")
}
