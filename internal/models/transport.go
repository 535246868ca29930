package models

import (
	"time"
)

// VehicleRecord is the decrypted, caller-facing shape of a cached vehicle.
// Contract and plate are plaintext here; it is produced at read time and
// never persisted.
type VehicleRecord struct {
	ID             uint       `json:"id"`
	ExternalID     string     `json:"externalId,omitempty"`
	CreditorName   string     `json:"creditorName"`
	RequestDate    *time.Time `json:"requestDate,omitempty"`
	VehicleModel   string     `json:"vehicleModel"`
	UF             string     `json:"uf"`
	City           string     `json:"city"`
	DebtorTaxID    string     `json:"debtorTaxId"`
	Protocol       string     `json:"protocol"`
	Stage          string     `json:"stage"`
	SeizureStatus  string     `json:"seizureStatus"`
	LastMovementAt *time.Time `json:"lastMovementAt,omitempty"`
	Contract       string     `json:"contract"`
	Plate          string     `json:"plate"`
	LastSyncedAt   time.Time  `json:"lastSyncedAt"`
}

// Page is one page of query results plus paging metadata.
type Page struct {
	Items      []VehicleRecord `json:"items"`
	Page       int             `json:"page"`
	Size       int             `json:"size"`
	TotalItems int64           `json:"totalItems"`
	TotalPages int             `json:"totalPages"`
}

// CacheStatus is derived from store metadata on demand, never persisted.
type CacheStatus struct {
	Valid            bool       `json:"valid"`
	LastSyncAt       *time.Time `json:"lastSyncAt,omitempty"`
	TotalRecords     int64      `json:"totalRecords"`
	MinutesSinceSync int64      `json:"minutesSinceSync"`
	Message          string     `json:"message"`
}

// UpdateContext describes why a cache write is happening. FullRefresh writes
// may prune records absent from the new snapshot; incremental writes only
// add and update. Filtered fetches narrow pruning safety: a partial view of
// the upstream universe must never be allowed to prune.
type UpdateContext struct {
	FullRefresh bool
	Filtered    bool
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// QueryFilters are the searchable predicates accepted by the read path.
// Contract and Plate arrive in plaintext and are matched by digest, never by
// pattern, so formatting differences cannot defeat the lookup.
type QueryFilters struct {
	StartDate    *time.Time
	EndDate      *time.Time
	CreditorName string
	UF           string
	City         string
	DebtorTaxID  string
	Stage        string
	Status       string
	Contract     string
	Plate        string
}
