package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulaguard/internal/dlp"
)

// Pattern handlers

func (h *Handler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	patterns := h.engine.Patterns()

	if dt := r.URL.Query().Get("data_type"); dt != "" {
		writeJSON(w, http.StatusOK, patterns.ListByDataType(dlp.DataType(dt)))
		return
	}

	writeJSON(w, http.StatusOK, patterns.List())
}

func (h *Handler) GetPattern(w http.ResponseWriter, r *http.Request) {
	pattern, err := h.engine.Patterns().Get(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, pattern)
}

func (h *Handler) CreatePattern(w http.ResponseWriter, r *http.Request) {
	var pattern dlp.Pattern
	if !decodeBody(w, r, &pattern) {
		return
	}

	h.upsertPattern(w, r, pattern)
}

func (h *Handler) UpdatePattern(w http.ResponseWriter, r *http.Request) {
	var pattern dlp.Pattern
	if !decodeBody(w, r, &pattern) {
		return
	}

	if !bindPathID(w, r, &pattern.ID) {
		return
	}

	h.upsertPattern(w, r, pattern)
}

func (h *Handler) upsertPattern(w http.ResponseWriter, r *http.Request, pattern dlp.Pattern) {
	patterns := h.engine.Patterns()
	_, lookupErr := patterns.Get(pattern.ID)
	created := lookupErr != nil

	if err := patterns.Upsert(pattern); err != nil {
		writeEngineError(w, r, err)
		return
	}

	stored, err := patterns.Get(pattern.ID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	h.persist("save_pattern", stored.ID, func(s RuleStore) error {
		return s.SavePattern(r.Context(), stored)
	})

	log.Info().Str("pattern_id", stored.ID).Bool("created", created).Msg("Pattern saved")

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	writeJSON(w, status, stored)
}

func (h *Handler) DeletePattern(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.engine.Patterns().Remove(id); err != nil {
		writeEngineError(w, r, err)
		return
	}

	h.persist("delete_pattern", id, func(s RuleStore) error {
		return s.DeletePattern(r.Context(), id)
	})

	log.Info().Str("pattern_id", id).Msg("Pattern deleted")
	w.WriteHeader(http.StatusNoContent)
}

// Policy handlers

func (h *Handler) ListPolicies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Policies().List())
}

func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.engine.Policies().Get(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, policy)
}

func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy dlp.Policy
	if !decodeBody(w, r, &policy) {
		return
	}

	h.upsertPolicy(w, r, policy)
}

func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy dlp.Policy
	if !decodeBody(w, r, &policy) {
		return
	}

	if !bindPathID(w, r, &policy.ID) {
		return
	}

	h.upsertPolicy(w, r, policy)
}

func (h *Handler) upsertPolicy(w http.ResponseWriter, r *http.Request, policy dlp.Policy) {
	policies := h.engine.Policies()
	_, lookupErr := policies.Get(policy.ID)
	created := lookupErr != nil

	if err := policies.Upsert(policy); err != nil {
		writeEngineError(w, r, err)
		return
	}

	stored, err := policies.Get(policy.ID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	h.persist("save_policy", stored.ID, func(s RuleStore) error {
		return s.SavePolicy(r.Context(), stored)
	})

	log.Info().
		Str("policy_id", stored.ID).
		Bool("created", created).
		Bool("enabled", stored.Enabled).
		Msg("Policy saved")

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	writeJSON(w, status, stored)
}

func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.engine.Policies().Remove(id); err != nil {
		writeEngineError(w, r, err)
		return
	}

	h.persist("delete_policy", id, func(s RuleStore) error {
		return s.DeletePolicy(r.Context(), id)
	})

	log.Info().Str("policy_id", id).Msg("Policy deleted")
	w.WriteHeader(http.StatusNoContent)
}

type EvaluateRequest struct {
	Context dlp.DataContext `json:"context"`
	Text    string          `json:"text"`
}

func (h *Handler) EvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	decision, err := h.engine.ApplyPolicy(chi.URLParam(r, "id"), req.Context, req.Text)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

// bindPathID reconciles the id in the path with the one in the body.
func bindPathID(w http.ResponseWriter, r *http.Request, bodyID *string) bool {
	pathID := chi.URLParam(r, "id")

	if *bodyID != "" && *bodyID != pathID {
		writeError(w, "Body id "+*bodyID+" does not match path id "+pathID, http.StatusBadRequest)
		return false
	}

	*bodyID = pathID

	return true
}
