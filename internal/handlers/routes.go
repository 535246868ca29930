package handlers

import (
	"github.com/gorilla/mux"
)

func RegisterRoutes(r *mux.Router, h *VehicleHandler) {
	r.HandleFunc("/healthz", h.HandleHealth).Methods("GET")
	r.HandleFunc("/api/v1/vehicles", h.HandleQuery).Methods("GET")
	r.HandleFunc("/api/v1/vehicles/contract/{number}", h.HandleContract).Methods("GET")
	r.HandleFunc("/api/v1/cache/status", h.HandleStatus).Methods("GET")
	r.HandleFunc("/api/v1/cache/invalidate", h.HandleInvalidate).Methods("POST")
	r.HandleFunc("/api/v1/cache/rebuild-digests", h.HandleRebuildDigests).Methods("POST")
	r.HandleFunc("/api/v1/cache/deduplicate", h.HandleDeduplicate).Methods("POST")
}
