package models

import (
	"time"
)

// NotProvided is the sentinel stored when the upstream feed omits a field.
const NotProvided = "N/A"

type AccessLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"index;not null"`
	Method    string    `gorm:"type:varchar(10);not null"`
	Path      string    `gorm:"type:text;not null;index:,length:256"`
	Status    int       `gorm:"not null;index"`
	Duration  time.Duration
	ClientIP  string `gorm:"type:varchar(45);not null"`
	UserAgent string `gorm:"type:text"`
	RequestID string `gorm:"type:varchar(36)"`
	BytesSent int    `gorm:"not null;default:0"`
}

// VehicleCacheRecord is the persisted, encrypted form of a vehicle sighting.
// Contract and Plate hold ciphertext; the paired digest columns hold a
// deterministic fingerprint of the normalized plaintext and carry the
// uniqueness constraint, so lookups never decrypt.
type VehicleCacheRecord struct {
	ID             uint       `gorm:"primaryKey;autoIncrement"`
	ExternalID     string     `gorm:"type:varchar(64);index"`
	CreditorName   string     `gorm:"type:varchar(255);index"`
	RequestDate    *time.Time `gorm:"index"`
	VehicleModel   string     `gorm:"type:varchar(128)"`
	UF             string     `gorm:"type:varchar(2);index"`
	City           string     `gorm:"type:varchar(128)"`
	DebtorTaxID    string     `gorm:"type:varchar(32);index"`
	Protocol       string     `gorm:"type:varchar(64)"`
	Stage          string     `gorm:"type:varchar(64);index"`
	SeizureStatus  string     `gorm:"type:varchar(64);index"`
	LastMovementAt *time.Time `gorm:"index"`
	Contract       string     `gorm:"type:text"`
	ContractDigest string     `gorm:"type:varchar(64);uniqueIndex:ux_contract_plate_digest"`
	Plate          string     `gorm:"type:text"`
	PlateDigest    string     `gorm:"type:varchar(64);uniqueIndex:ux_contract_plate_digest;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastSyncedAt   time.Time `gorm:"index"`
}

func (VehicleCacheRecord) TableName() string {
	return "vehicle_cache"
}

func (AccessLog) TableName() string {
	return "access_logs"
}
