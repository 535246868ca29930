package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sdko-org/vehicle-registry-cache/internal/cache"
	"github.com/sdko-org/vehicle-registry-cache/internal/config"
	"github.com/sdko-org/vehicle-registry-cache/internal/models"
	"github.com/sdko-org/vehicle-registry-cache/internal/registry"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Cache is the orchestrator surface the HTTP layer consumes.
type Cache interface {
	Query(ctx context.Context, filters models.QueryFilters, page, size int, sortBy, sortDir string) (*models.Page, cache.RequestState, error)
	GetContract(ctx context.Context, number string) (*models.VehicleRecord, error)
	Status(ctx context.Context) (*models.CacheStatus, error)
	InvalidateAll(ctx context.Context) (int64, error)
	RebuildDigestIndex(ctx context.Context) (int64, error)
	Deduplicate(ctx context.Context) (int64, error)
}

type VehicleHandler struct {
	cfg   *config.Config
	cache Cache
	db    *gorm.DB
	log   *logrus.Entry
}

func NewVehicleHandler(logger *logrus.Logger, cfg *config.Config, cache Cache, db *gorm.DB) *VehicleHandler {
	return &VehicleHandler{
		cfg:   cfg,
		cache: cache,
		db:    db,
		log:   logger.WithField("component", "vehicle_handler"),
	}
}

func (h *VehicleHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page := queryInt(r, "page", 1)
	size := queryInt(r, "size", h.cfg.DefaultPageSize)
	if size > h.cfg.MaxPageSize {
		size = h.cfg.MaxPageSize
	}
	if size < 1 {
		size = h.cfg.DefaultPageSize
	}
	sortBy := r.URL.Query().Get("sortBy")
	sortDir := r.URL.Query().Get("sortDir")

	result, state, err := h.cache.Query(r.Context(), filters, page, size, sortBy, sortDir)
	if err != nil {
		h.log.WithError(err).WithField("state", string(state)).Error("Vehicle query failed")
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("X-Cache-State", string(state))
	writeJSON(w, http.StatusOK, result)
}

func (h *VehicleHandler) HandleContract(w http.ResponseWriter, r *http.Request) {
	number := mux.Vars(r)["number"]
	if strings.TrimSpace(number) == "" {
		writeError(w, http.StatusBadRequest, "contract number is required")
		return
	}

	record, err := h.cache.GetContract(r.Context(), number)
	if err != nil {
		h.log.WithError(err).Error("Contract lookup failed")
		writeError(w, statusFor(err), err.Error())
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "contract not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *VehicleHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, cache.ErrSyncTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, cache.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrAuthentication),
		errors.Is(err, registry.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var filterDateLayouts = []string{"2006-01-02", time.RFC3339}

func parseFilters(r *http.Request) (models.QueryFilters, error) {
	q := r.URL.Query()
	filters := models.QueryFilters{
		CreditorName: q.Get("creditor"),
		UF:           q.Get("uf"),
		City:         q.Get("city"),
		DebtorTaxID:  q.Get("debtorTaxID"),
		Stage:        q.Get("stage"),
		Status:       q.Get("status"),
		Contract:     q.Get("contract"),
		Plate:        q.Get("plate"),
	}

	start, err := parseQueryDate(q.Get("start"))
	if err != nil {
		return filters, errors.New("invalid start date")
	}
	end, err := parseQueryDate(q.Get("end"))
	if err != nil {
		return filters, errors.New("invalid end date")
	}
	filters.StartDate = start
	filters.EndDate = end
	return filters, nil
}

func parseQueryDate(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range filterDateLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return &parsed, nil
		}
	}
	return nil, errors.New("unparseable date")
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
