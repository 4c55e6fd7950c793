package admin

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulaguard/internal/dlp"
)

type ClassifyRequest struct {
	Text string `json:"text"`
}

func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	writeJSON(w, http.StatusOK, h.engine.Classify(req.Text))
}

// RunScan runs a scan and returns its result. With ?async=true the scan
// runs in the background and the response only carries the scan id.
func (h *Handler) RunScan(w http.ResponseWriter, r *http.Request) {
	var req dlp.ScanRequest
	if !decodeBody(w, r, &req) {
		return
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if !async {
		result, err := h.engine.Scan(r.Context(), req)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, result)

		return
	}

	// Validation and id reservation happen before answering, so an accepted
	// scan always ends with a committed result.
	pending, err := h.engine.Begin(h.baseCtx, req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	go func() {
		if _, err := pending.Run(); err != nil {
			log.Error().Err(err).Str("scan_id", pending.ID()).Msg("Background scan failed to commit")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"scan_id": pending.ID()})
}

func (h *Handler) ListScans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.ListResults())
}

func (h *Handler) ListActiveScans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.ActiveScans())
}

func (h *Handler) GetScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.engine.Result(id)
	if err == nil {
		writeJSON(w, http.StatusOK, result)
		return
	}

	for _, active := range h.engine.ActiveScans() {
		if active.ScanID == id {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"scan_id":    active.ScanID,
				"source":     active.Source,
				"status":     dlp.ScanRunning,
				"started_at": active.StartedAt,
			})

			return
		}
	}

	writeEngineError(w, r, err)
}

func (h *Handler) CancelScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.engine.Cancel(id); err != nil {
		writeEngineError(w, r, err)
		return
	}

	log.Info().Str("scan_id", id).Msg("Scan cancellation requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"scan_id": id, "status": "cancelling"})
}
