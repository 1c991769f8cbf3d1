package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// handleListObservations handles GET /admin/observations
func (h *AdminHandlers) handleListObservations(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.registry.List())
}

// handleGetObservation handles GET /admin/observations/{id}
func (h *AdminHandlers) handleGetObservation(w http.ResponseWriter, r *http.Request) {
	id, err := parseObservationID(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	handle, ok := h.registry.Get(id)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "observation not found")
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"id":         handle.ID(),
		"name":       handle.Name(),
		"region":     handle.Region(),
		"scheduling": handle.Scheduling().String(),
		"stats":      handle.Stats(),
	})
}

// handleCancelObservation handles POST /admin/observations/{id}/cancel
func (h *AdminHandlers) handleCancelObservation(w http.ResponseWriter, r *http.Request) {
	id, err := parseObservationID(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.registry.Cancel(id) {
		writeErrorResponse(w, http.StatusNotFound, "observation not found")
		return
	}

	log.Info().Uint64("observation_id", id).Msg("Observation cancelled via admin API")
	writeJSONResponse(w, map[string]interface{}{
		"id":        id,
		"cancelled": true,
	})
}
