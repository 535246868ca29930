package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sdko-org/vehicle-registry-cache/internal/crypto"
	"github.com/sdko-org/vehicle-registry-cache/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CacheStore is the persisted, encrypted table of vehicle records. Matching
// on the write path is digest-only; decryption happens exclusively when rows
// leave the store toward a caller, and in the digest backfill.
type CacheStore struct {
	db     *gorm.DB
	cipher *crypto.FieldCipher
	log    *logrus.Entry
}

func New(logger *logrus.Logger, db *gorm.DB, cipher *crypto.FieldCipher) *CacheStore {
	return &CacheStore{
		db:     db,
		cipher: cipher,
		log:    logger.WithField("component", "cache_store"),
	}
}

var sortColumns = map[string]string{
	"id":             "id",
	"requestDate":    "request_date",
	"lastMovementAt": "last_movement_at",
	"creditorName":   "creditor_name",
	"uf":             "uf",
	"stage":          "stage",
	"seizureStatus":  "seizure_status",
	"updatedAt":      "updated_at",
}

// Query returns one page of decrypted records matching the filters. Contract
// and plate filters are matched by digest equality, so formatting variants of
// the same value hit the same rows without any decryption.
func (s *CacheStore) Query(ctx context.Context, filters models.QueryFilters, page, size int, sortBy, sortDir string) (*models.Page, error) {
	query := s.db.WithContext(ctx).Model(&models.VehicleCacheRecord{})

	if filters.StartDate != nil {
		query = query.Where("request_date >= ?", *filters.StartDate)
	}
	if filters.EndDate != nil {
		query = query.Where("request_date <= ?", *filters.EndDate)
	}
	if filters.CreditorName != "" {
		query = query.Where("creditor_name ILIKE ?", "%"+filters.CreditorName+"%")
	}
	if filters.UF != "" {
		query = query.Where("uf = ?", strings.ToUpper(filters.UF))
	}
	if filters.City != "" {
		query = query.Where("city ILIKE ?", "%"+filters.City+"%")
	}
	if filters.DebtorTaxID != "" {
		query = query.Where("debtor_tax_id = ?", filters.DebtorTaxID)
	}
	if filters.Stage != "" {
		query = query.Where("stage = ?", filters.Stage)
	}
	if filters.Status != "" {
		query = query.Where("seizure_status = ?", filters.Status)
	}
	if filters.Contract != "" {
		query = query.Where("contract_digest = ?", crypto.DigestContract(filters.Contract))
	}
	if filters.Plate != "" {
		query = query.Where("plate_digest = ?", crypto.DigestPlate(filters.Plate))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("counting cache rows: %w", err)
	}

	column, ok := sortColumns[sortBy]
	if !ok {
		column = "request_date"
	}
	direction := "DESC"
	if strings.EqualFold(sortDir, "asc") {
		direction = "ASC"
	}

	if page < 1 {
		page = 1
	}
	var rows []models.VehicleCacheRecord
	if err := query.
		Order(column + " " + direction).
		Offset((page - 1) * size).
		Limit(size).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying cache rows: %w", err)
	}

	items := make([]models.VehicleRecord, 0, len(rows))
	for _, row := range rows {
		items = append(items, s.decryptRecord(row))
	}

	totalPages := 0
	if size > 0 {
		totalPages = int((total + int64(size) - 1) / int64(size))
	}

	return &models.Page{
		Items:      items,
		Page:       page,
		Size:       size,
		TotalItems: total,
		TotalPages: totalPages,
	}, nil
}

// Count returns the total number of cached records.
func (s *CacheStore) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&models.VehicleCacheRecord{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("counting cache rows: %w", err)
	}
	return total, nil
}

// LastSyncAt returns the most recent upstream sync timestamp, or nil for an
// empty store.
func (s *CacheStore) LastSyncAt(ctx context.Context) (*time.Time, error) {
	var row struct{ Last *time.Time }
	err := s.db.WithContext(ctx).
		Model(&models.VehicleCacheRecord{}).
		Select("MAX(last_synced_at) AS last").
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("reading last sync time: %w", err)
	}
	return row.Last, nil
}

// Upsert writes one record, matched by its digest pair. Existing rows get
// their mutable fields and sync timestamp refreshed; the caller-facing read
// path never goes through here.
func (s *CacheStore) Upsert(ctx context.Context, record models.VehicleCacheRecord) error {
	now := time.Now()
	record.LastSyncedAt = now

	var existing models.VehicleCacheRecord
	err := s.db.WithContext(ctx).
		Where("contract_digest = ? AND plate_digest = ?", record.ContractDigest, record.PlateDigest).
		First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			return fmt.Errorf("inserting cache row: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("matching cache row: %w", err)
	}

	updates := map[string]interface{}{
		"external_id":      record.ExternalID,
		"creditor_name":    record.CreditorName,
		"request_date":     record.RequestDate,
		"vehicle_model":    record.VehicleModel,
		"uf":               record.UF,
		"city":             record.City,
		"debtor_tax_id":    record.DebtorTaxID,
		"protocol":         record.Protocol,
		"stage":            record.Stage,
		"seizure_status":   record.SeizureStatus,
		"last_movement_at": record.LastMovementAt,
		"last_synced_at":   now,
	}
	if err := s.db.WithContext(ctx).
		Model(&models.VehicleCacheRecord{}).
		Where("id = ?", existing.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("updating cache row: %w", err)
	}
	return nil
}

// UpsertBatch writes records one at a time. A duplicate-key race with a
// concurrent writer is skipped and counted, and any single-record failure
// never aborts the rest of the batch; partial progress is idempotent on
// retry because every upsert commits independently.
func (s *CacheStore) UpsertBatch(ctx context.Context, records []models.VehicleCacheRecord) (stored, skipped int) {
	for _, record := range records {
		if err := s.Upsert(ctx, record); err != nil {
			if isDuplicateKey(err) {
				skipped++
				continue
			}
			s.log.WithError(err).WithField("external_id", record.ExternalID).Warn("Cache upsert failed, skipping record")
			skipped++
			continue
		}
		stored++
	}
	return stored, skipped
}

// PruneAbsent deletes rows whose plate digest is missing from the active set
// of a full refresh. Incremental and filtered fetches never prune. When the
// candidate deletion count exceeds the safety ratio of the store size the
// prune is skipped entirely and flagged, so an upstream outage returning a
// near-empty feed cannot be misread as "everything is gone".
func (s *CacheStore) PruneAbsent(ctx context.Context, activeDigests []string, uctx models.UpdateContext, safetyRatio float64, guardFloor int64) (pruned int64, guarded bool, err error) {
	if !uctx.FullRefresh || uctx.Filtered {
		return 0, false, nil
	}

	total, err := s.Count(ctx)
	if err != nil {
		return 0, false, err
	}
	if total == 0 {
		return 0, false, nil
	}

	// Rows without a plate digest cannot be matched against the active set
	// and are left to the retention sweep.
	candidateQuery := s.db.WithContext(ctx).
		Model(&models.VehicleCacheRecord{}).
		Where("plate_digest <> ''")
	if len(activeDigests) > 0 {
		candidateQuery = candidateQuery.Where("plate_digest NOT IN ?", activeDigests)
	}

	var candidates int64
	if err := candidateQuery.Count(&candidates).Error; err != nil {
		return 0, false, fmt.Errorf("counting prune candidates: %w", err)
	}
	if candidates == 0 {
		return 0, false, nil
	}

	if total > guardFloor && float64(candidates) > safetyRatio*float64(total) {
		s.log.WithFields(logrus.Fields{
			"candidates": candidates,
			"total":      total,
			"ratio":      safetyRatio,
		}).Warn("Prune skipped: candidate deletions exceed safety threshold")
		return 0, true, nil
	}

	deleteQuery := s.db.WithContext(ctx).Where("plate_digest <> ''")
	if len(activeDigests) > 0 {
		deleteQuery = deleteQuery.Where("plate_digest NOT IN ?", activeDigests)
	}
	result := deleteQuery.Delete(&models.VehicleCacheRecord{})
	if result.Error != nil {
		return 0, false, fmt.Errorf("pruning absent rows: %w", result.Error)
	}

	s.log.WithField("pruned", result.RowsAffected).Info("Pruned records absent from upstream snapshot")
	return result.RowsAffected, false, nil
}

// CleanupOlderThan deletes rows not seen upstream within the retention
// window. Unconditional, unlike PruneAbsent.
func (s *CacheStore) CleanupOlderThan(ctx context.Context, window time.Duration) (int64, error) {
	cutoff := time.Now().Add(-window)
	result := s.db.WithContext(ctx).
		Where("last_synced_at < ?", cutoff).
		Delete(&models.VehicleCacheRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("retention cleanup: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Deduplicate removes extra rows sharing a contract or plate digest, keeping
// the highest id of each group. Idempotent.
func (s *CacheStore) Deduplicate(ctx context.Context) (int64, error) {
	var removed int64
	for _, column := range []string{"contract_digest", "plate_digest"} {
		result := s.db.WithContext(ctx).Exec(fmt.Sprintf(
			`DELETE FROM vehicle_cache
			 WHERE %s <> ''
			   AND id NOT IN (SELECT MAX(id) FROM vehicle_cache WHERE %s <> '' GROUP BY %s)`,
			column, column, column))
		if result.Error != nil {
			return removed, fmt.Errorf("deduplicating by %s: %w", column, result.Error)
		}
		removed += result.RowsAffected
	}
	if removed > 0 {
		s.log.WithField("removed", removed).Info("Removed duplicate cache rows")
	}
	return removed, nil
}

// RebuildDigestIndex backfills digest columns for legacy rows written before
// digests existed. This is the only place the store decrypts on behalf of
// matching: steady-state writes are digest-only. Idempotent; a backfilled
// digest that would collide with an existing pair marks the row as a
// duplicate for the next Deduplicate sweep rather than failing the batch.
func (s *CacheStore) RebuildDigestIndex(ctx context.Context) (int64, error) {
	var rows []models.VehicleCacheRecord
	if err := s.db.WithContext(ctx).
		Where("contract_digest = '' OR plate_digest = ''").
		Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("loading rows without digests: %w", err)
	}

	var updated int64
	for _, row := range rows {
		updates := map[string]interface{}{}

		if row.ContractDigest == "" {
			contract, err := s.cipher.Decrypt(row.Contract)
			if err != nil {
				s.log.WithError(err).WithField("id", row.ID).Warn("Skipping digest backfill: contract undecryptable")
				continue
			}
			updates["contract_digest"] = crypto.DigestContract(contract)
		}
		if row.PlateDigest == "" {
			plate, err := s.cipher.Decrypt(row.Plate)
			if err != nil {
				s.log.WithError(err).WithField("id", row.ID).Warn("Skipping digest backfill: plate undecryptable")
				continue
			}
			updates["plate_digest"] = crypto.DigestPlate(plate)
		}
		if len(updates) == 0 {
			continue
		}

		err := s.db.WithContext(ctx).
			Model(&models.VehicleCacheRecord{}).
			Where("id = ?", row.ID).
			Updates(updates).Error
		if err != nil {
			if isDuplicateKey(err) {
				s.log.WithField("id", row.ID).Info("Digest backfill found duplicate row, leaving for dedupe sweep")
				continue
			}
			return updated, fmt.Errorf("backfilling digests for row %d: %w", row.ID, err)
		}
		updated++
	}
	return updated, nil
}

// InvalidateAll deletes every cached record. The confirmation gate lives at
// the HTTP boundary; by the time this runs the caller has confirmed.
func (s *CacheStore) InvalidateAll(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where("1 = 1").Delete(&models.VehicleCacheRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("invalidating cache: %w", result.Error)
	}
	s.log.WithField("deleted", result.RowsAffected).Warn("Cache invalidated by administrative request")
	return result.RowsAffected, nil
}

func (s *CacheStore) decryptRecord(row models.VehicleCacheRecord) models.VehicleRecord {
	contract, err := s.cipher.Decrypt(row.Contract)
	if err != nil {
		s.log.WithError(err).WithField("id", row.ID).Error("Contract decryption failed")
		contract = ""
	}
	plate, err := s.cipher.Decrypt(row.Plate)
	if err != nil {
		s.log.WithError(err).WithField("id", row.ID).Error("Plate decryption failed")
		plate = ""
	}

	return models.VehicleRecord{
		ID:             row.ID,
		ExternalID:     row.ExternalID,
		CreditorName:   row.CreditorName,
		RequestDate:    row.RequestDate,
		VehicleModel:   row.VehicleModel,
		UF:             row.UF,
		City:           row.City,
		DebtorTaxID:    row.DebtorTaxID,
		Protocol:       row.Protocol,
		Stage:          row.Stage,
		SeizureStatus:  row.SeizureStatus,
		LastMovementAt: row.LastMovementAt,
		Contract:       contract,
		Plate:          plate,
		LastSyncedAt:   row.LastSyncedAt,
	}
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "SQLSTATE 23505")
}
