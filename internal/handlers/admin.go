package handlers

import (
	"net/http"
)

// confirmHeader must be set to "true" for the destructive invalidate
// operation to run; anything else is rejected before the store is touched.
const confirmHeader = "X-Confirm-Invalidate"

func (h *VehicleHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.cache.Status(r.Context())
	if err != nil {
		h.log.WithError(err).Error("Cache status failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *VehicleHandler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(confirmHeader) != "true" {
		writeError(w, http.StatusBadRequest, "cache invalidation requires "+confirmHeader+": true")
		return
	}

	deleted, err := h.cache.InvalidateAll(r.Context())
	if err != nil {
		h.log.WithError(err).Error("Cache invalidation failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (h *VehicleHandler) HandleRebuildDigests(w http.ResponseWriter, r *http.Request) {
	updated, err := h.cache.RebuildDigestIndex(r.Context())
	if err != nil {
		h.log.WithError(err).Error("Digest rebuild failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

func (h *VehicleHandler) HandleDeduplicate(w http.ResponseWriter, r *http.Request) {
	removed, err := h.cache.Deduplicate(r.Context())
	if err != nil {
		h.log.WithError(err).Error("Deduplication failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}
