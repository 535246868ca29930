package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sdko-org/vehicle-registry-cache/internal/config"
	"github.com/sdko-org/vehicle-registry-cache/internal/feed"
	"github.com/sdko-org/vehicle-registry-cache/internal/models"
	"github.com/sdko-org/vehicle-registry-cache/internal/registry"
	"github.com/sirupsen/logrus"
)

// ErrSyncTimeout means a synchronous upstream fetch ran past its deadline.
// Recoverable: the caller may retry. Distinct from "no data available".
var ErrSyncTimeout = errors.New("synchronous upstream fetch timed out")

// RequestState is the read-path decision for one request.
type RequestState string

const (
	StateFreshHit            RequestState = "FRESH_HIT"
	StateStaleBackground     RequestState = "STALE_BACKGROUND"
	StateMissSynchronous     RequestState = "MISS_SYNCHRONOUS"
	StateCircuitOpenFallback RequestState = "CIRCUIT_OPEN_FALLBACK"
)

// Store is what the orchestrator needs from the persisted cache.
type Store interface {
	Query(ctx context.Context, filters models.QueryFilters, page, size int, sortBy, sortDir string) (*models.Page, error)
	Count(ctx context.Context) (int64, error)
	LastSyncAt(ctx context.Context) (*time.Time, error)
	UpsertBatch(ctx context.Context, records []models.VehicleCacheRecord) (stored, skipped int)
	PruneAbsent(ctx context.Context, activeDigests []string, uctx models.UpdateContext, safetyRatio float64, guardFloor int64) (int64, bool, error)
	CleanupOlderThan(ctx context.Context, window time.Duration) (int64, error)
	Deduplicate(ctx context.Context) (int64, error)
	RebuildDigestIndex(ctx context.Context) (int64, error)
	InvalidateAll(ctx context.Context) (int64, error)
}

// Upstream is what the orchestrator needs from the registry client.
type Upstream interface {
	SearchByPeriod(ctx context.Context, start, end time.Time) ([]registry.NotificationRecord, error)
	SearchCancelledByPeriod(ctx context.Context, start, end time.Time) ([]registry.NotificationRecord, error)
	SearchContract(ctx context.Context, number string) (*registry.ContractDetail, error)
}

// Orchestrator is the top-level read path. It decides per request whether to
// serve the store as-is, refresh it synchronously, or kick off a background
// refresh, with a circuit breaker and bounded retry around every upstream
// call. All shared state crosses through the store; the orchestrator itself
// holds none beyond the breaker and the background-refresh latch.
type Orchestrator struct {
	store      Store
	upstream   Upstream
	normalizer *feed.Normalizer
	breaker    *CircuitBreaker
	cfg        *config.Config
	log        *logrus.Entry

	refreshing chan struct{}
}

func NewOrchestrator(logger *logrus.Logger, cfg *config.Config, store Store, upstream Upstream, normalizer *feed.Normalizer) *Orchestrator {
	refreshing := make(chan struct{}, 1)
	refreshing <- struct{}{}
	return &Orchestrator{
		store:      store,
		upstream:   upstream,
		normalizer: normalizer,
		breaker:    NewCircuitBreaker(cfg.BreakerFailureThreshold, cfg.BreakerCooldown, cfg.BreakerHalfOpenProbes),
		cfg:        cfg,
		log:        logger.WithField("component", "cache_orchestrator"),
		refreshing: refreshing,
	}
}

// Query is the database-first read entry point.
func (o *Orchestrator) Query(ctx context.Context, filters models.QueryFilters, page, size int, sortBy, sortDir string) (*models.Page, RequestState, error) {
	count, err := o.store.Count(ctx)
	if err != nil {
		return nil, "", err
	}
	cached, err := o.store.Query(ctx, filters, page, size, sortBy, sortDir)
	if err != nil {
		return nil, "", err
	}
	lastSync, err := o.store.LastSyncAt(ctx)
	if err != nil {
		return nil, "", err
	}

	state := o.decide(count, lastSync, len(cached.Items) == 0, filters.StartDate)
	log := o.log.WithFields(logrus.Fields{
		"state":       string(state),
		"cached_rows": count,
	})

	switch state {
	case StateFreshHit:
		return cached, state, nil

	case StateStaleBackground:
		log.Info("Serving stale cache, scheduling background refresh")
		o.scheduleBackgroundRefresh()
		return cached, state, nil

	default: // StateMissSynchronous
		if err := o.refreshSynchronous(ctx, filters); err != nil {
			if errors.Is(err, ErrCircuitOpen) {
				return o.fallback(ctx, filters, page, size, sortBy, sortDir, cached)
			}
			if len(cached.Items) > 0 {
				log.WithError(err).Warn("Upstream fetch failed, serving cached rows")
				return cached, state, nil
			}
			return nil, state, err
		}

		refreshed, err := o.store.Query(ctx, filters, page, size, sortBy, sortDir)
		if err != nil {
			return nil, state, err
		}
		return refreshed, state, nil
	}
}

// decide applies the transition rules in order: an empty store, an expired
// cache with an empty filtered read, or a recent-dated request with an empty
// read all force a synchronous fetch; a stale but non-empty cache is served
// while a refresh runs in the background; everything else is a fresh hit.
func (o *Orchestrator) decide(count int64, lastSync *time.Time, readEmpty bool, startDate *time.Time) RequestState {
	if count == 0 {
		return StateMissSynchronous
	}

	expired := lastSync == nil || time.Since(*lastSync) > o.cfg.CacheExpiry
	if expired && readEmpty {
		return StateMissSynchronous
	}

	if startDate != nil && readEmpty && time.Since(*startDate) <= o.cfg.RecentDateWindow {
		return StateMissSynchronous
	}

	if expired {
		return StateStaleBackground
	}
	return StateFreshHit
}

// GetContract is the single-contract lookup: cache first by digest, then
// upstream with write-through. A nil record with a nil error is a genuine
// "not found", never an error.
func (o *Orchestrator) GetContract(ctx context.Context, number string) (*models.VehicleRecord, error) {
	cached, err := o.store.Query(ctx, models.QueryFilters{Contract: number}, 1, 1, "id", "desc")
	if err != nil {
		return nil, err
	}
	if len(cached.Items) > 0 {
		return &cached.Items[0], nil
	}

	var detail *registry.ContractDetail
	err = o.breaker.Execute(func() error {
		d, err := o.upstream.SearchContract(ctx, number)
		if err != nil {
			return err
		}
		detail = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	if detail == nil {
		return nil, nil
	}

	records, _ := o.normalizer.ForCache([]registry.NotificationRecord{detail.NotificationRecord})
	stored, skipped := o.store.UpsertBatch(ctx, records)
	o.log.WithFields(logrus.Fields{
		"operation": "contract_lookup",
		"stored":    stored,
		"skipped":   skipped,
	}).Debug("Contract write-through complete")

	normalized := o.normalizer.Normalize([]registry.NotificationRecord{detail.NotificationRecord})
	if len(normalized) == 0 {
		return nil, nil
	}
	record := toResponse(normalized[0])
	return &record, nil
}

// Status derives cache health from store metadata.
func (o *Orchestrator) Status(ctx context.Context) (*models.CacheStatus, error) {
	count, err := o.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	lastSync, err := o.store.LastSyncAt(ctx)
	if err != nil {
		return nil, err
	}

	status := &models.CacheStatus{
		TotalRecords: count,
		LastSyncAt:   lastSync,
	}
	switch {
	case count == 0:
		status.Message = "cache is empty"
	case lastSync == nil:
		status.Message = "cache has never been synchronized"
	default:
		age := time.Since(*lastSync)
		status.MinutesSinceSync = int64(age.Minutes())
		if age <= o.cfg.CacheExpiry {
			status.Valid = true
			status.Message = fmt.Sprintf("cache is fresh, synchronized %d minutes ago", status.MinutesSinceSync)
		} else {
			status.Message = fmt.Sprintf("cache is stale, last synchronized %d minutes ago", status.MinutesSinceSync)
		}
	}
	return status, nil
}

// InvalidateAll deletes every cached record. The explicit confirmation is
// checked at the HTTP boundary.
func (o *Orchestrator) InvalidateAll(ctx context.Context) (int64, error) {
	return o.store.InvalidateAll(ctx)
}

// RebuildDigestIndex backfills digests for legacy rows. Idempotent.
func (o *Orchestrator) RebuildDigestIndex(ctx context.Context) (int64, error) {
	return o.store.RebuildDigestIndex(ctx)
}

// Deduplicate sweeps duplicate rows. Idempotent.
func (o *Orchestrator) Deduplicate(ctx context.Context) (int64, error) {
	return o.store.Deduplicate(ctx)
}

// fallback serves the circuit-open path: cached rows if any, otherwise one
// retry against the store with the date window widened. Only when the store
// has nothing to offer either way does the caller see an error.
func (o *Orchestrator) fallback(ctx context.Context, filters models.QueryFilters, page, size int, sortBy, sortDir string, cached *models.Page) (*models.Page, RequestState, error) {
	o.log.Warn("Upstream circuit open, serving from cache")
	if len(cached.Items) > 0 {
		return cached, StateCircuitOpenFallback, nil
	}

	widened := filters
	if widened.StartDate != nil {
		earlier := widened.StartDate.Add(-o.cfg.FallbackWiden)
		widened.StartDate = &earlier
	}
	result, err := o.store.Query(ctx, widened, page, size, sortBy, sortDir)
	if err != nil {
		return nil, StateCircuitOpenFallback, err
	}
	if len(result.Items) > 0 {
		return result, StateCircuitOpenFallback, nil
	}
	return nil, StateCircuitOpenFallback, fmt.Errorf("%w: no cached data available", ErrCircuitOpen)
}

// refreshSynchronous fetches inline, bounded by the overall sync timeout. A
// timeout is surfaced as ErrSyncTimeout, never converted into an empty
// success.
func (o *Orchestrator) refreshSynchronous(ctx context.Context, filters models.QueryFilters) error {
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.SyncTimeout)
	defer cancel()

	start, end := o.window(filters)
	filtered := narrowed(filters)

	err := o.withRetry(func() error {
		return o.breaker.Execute(func() error {
			return o.fetchAndStore(fetchCtx, start, end, filtered)
		})
	})
	if err != nil {
		if fetchCtx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrSyncTimeout, err)
		}
		return err
	}
	return nil
}

// scheduleBackgroundRefresh fires an unfiltered refresh on its own execution
// context, time-boxed and never retried: a refresh that runs past the hard
// timeout is abandoned and logged. At most one background refresh runs at a
// time; if one is already in flight the request proceeds with stale data.
func (o *Orchestrator) scheduleBackgroundRefresh() {
	select {
	case <-o.refreshing:
	default:
		o.log.Debug("Background refresh already in flight")
		return
	}

	jobID := uuid.NewString()
	log := o.log.WithFields(logrus.Fields{
		"operation": "background_refresh",
		"job_id":    jobID,
	})

	go func() {
		defer func() { o.refreshing <- struct{}{} }()

		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.BackgroundTimeout)
		defer cancel()

		start := time.Now()
		log.Info("Background refresh started")

		err := o.breaker.Execute(func() error {
			fetchStart, fetchEnd := o.window(models.QueryFilters{})
			return o.fetchAndStore(ctx, fetchStart, fetchEnd, false)
		})
		switch {
		case err == nil:
			log.WithField("duration", time.Since(start)).Info("Background refresh completed")
		case ctx.Err() == context.DeadlineExceeded:
			log.WithField("duration", time.Since(start)).Error("Background refresh abandoned after hard timeout")
		default:
			log.WithError(err).Error("Background refresh failed")
		}
	}()
}

// fetchAndStore is the shared write-through: fetch both feeds, normalize,
// upsert record-at-a-time, then prune under full-refresh semantics.
func (o *Orchestrator) fetchAndStore(ctx context.Context, start, end time.Time, filtered bool) error {
	notifications, err := o.upstream.SearchByPeriod(ctx, start, end)
	if err != nil {
		return err
	}

	cancelled, err := o.upstream.SearchCancelledByPeriod(ctx, start, end)
	if err != nil {
		// The cancelled pass is best-effort: active records still land.
		o.log.WithError(err).Warn("Cancelled-notifications fetch failed, continuing without it")
		cancelled = nil
	}
	for i := range cancelled {
		if cancelled[i].SeizureStatus == "" {
			cancelled[i].SeizureStatus = "CANCELLED"
		}
	}

	records, dropped := o.normalizer.ForCache(append(notifications, cancelled...))
	stored, skipped := o.store.UpsertBatch(ctx, records)

	uctx := models.UpdateContext{
		FullRefresh: !filtered,
		Filtered:    filtered,
		PeriodStart: start,
		PeriodEnd:   end,
	}

	var pruned int64
	var guarded bool
	if uctx.FullRefresh {
		pruned, guarded, err = o.store.PruneAbsent(ctx, activePlateDigests(records), uctx, o.cfg.PruneSafetyRatio, o.cfg.PruneMinimumRows)
		if err != nil {
			o.log.WithError(err).Warn("Prune failed after refresh")
		}
	}

	o.log.WithFields(logrus.Fields{
		"notifications": len(notifications) + len(cancelled),
		"stored":        stored,
		"skipped":       skipped,
		"dropped":       dropped,
		"pruned":        pruned,
		"prune_guarded": guarded,
		"full_refresh":  uctx.FullRefresh,
	}).Info("Cache refresh complete")
	return nil
}

// withRetry retries transient upstream failures with exponential backoff.
// Authentication failures are not retried here: the client already forces
// one re-authentication, a second failure is real.
func (o *Orchestrator) withRetry(fn func() error) error {
	var err error
	delay := o.cfg.FetchRetryBackoff
	for attempt := 0; attempt <= o.cfg.FetchRetries; attempt++ {
		if attempt > 0 {
			o.log.WithField("attempt", attempt).Warn("Retrying upstream fetch")
			time.Sleep(delay)
			delay *= 2
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, registry.ErrUpstreamUnavailable) {
			return err
		}
	}
	return err
}

// window resolves the upstream fetch window from the request filters,
// defaulting to the configured refresh window ending now.
func (o *Orchestrator) window(filters models.QueryFilters) (time.Time, time.Time) {
	end := time.Now()
	if filters.EndDate != nil {
		end = *filters.EndDate
	}
	start := end.Add(-o.cfg.RefreshWindow)
	if filters.StartDate != nil {
		start = *filters.StartDate
	}
	return start, end
}

// narrowed reports whether the request carries filters beyond the date
// range. The upstream period fetch cannot honor them, so the resulting
// snapshot is a partial view and must never prune.
func narrowed(filters models.QueryFilters) bool {
	return filters.CreditorName != "" || filters.UF != "" || filters.City != "" ||
		filters.DebtorTaxID != "" || filters.Stage != "" || filters.Status != "" ||
		filters.Contract != "" || filters.Plate != ""
}

func activePlateDigests(records []models.VehicleCacheRecord) []string {
	digests := make([]string, 0, len(records))
	for _, record := range records {
		if record.PlateDigest != "" {
			digests = append(digests, record.PlateDigest)
		}
	}
	return digests
}

func toResponse(rec feed.Record) models.VehicleRecord {
	return models.VehicleRecord{
		ExternalID:     rec.ExternalID,
		CreditorName:   rec.CreditorName,
		RequestDate:    rec.RequestDate,
		VehicleModel:   rec.VehicleModel,
		UF:             rec.UF,
		City:           rec.City,
		DebtorTaxID:    rec.DebtorTaxID,
		Protocol:       rec.Protocol,
		Stage:          rec.Stage,
		SeizureStatus:  rec.SeizureStatus,
		LastMovementAt: rec.LastMovementAt,
		Contract:       rec.Contract,
		Plate:          rec.Plate,
	}
}
