package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sdko-org/vehicle-registry-cache/internal/config"
	"github.com/sdko-org/vehicle-registry-cache/internal/crypto"
	"github.com/sdko-org/vehicle-registry-cache/internal/feed"
	"github.com/sdko-org/vehicle-registry-cache/internal/models"
	"github.com/sdko-org/vehicle-registry-cache/internal/registry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pruneCall struct {
	digests []string
	uctx    models.UpdateContext
}

type fakeStore struct {
	mu         sync.Mutex
	count      int64
	lastSync   *time.Time
	pages      []*models.Page
	queries    []models.QueryFilters
	upserts    [][]models.VehicleCacheRecord
	pruneCalls []pruneCall
}

func emptyPage() *models.Page {
	return &models.Page{Items: nil, Page: 1, Size: 20}
}

func pageWith(n int) *models.Page {
	items := make([]models.VehicleRecord, n)
	for i := range items {
		items[i] = models.VehicleRecord{ID: uint(i + 1), Plate: fmt.Sprintf("AAA%04d", i)}
	}
	return &models.Page{Items: items, Page: 1, Size: 20, TotalItems: int64(n), TotalPages: 1}
}

func (f *fakeStore) Query(ctx context.Context, filters models.QueryFilters, page, size int, sortBy, sortDir string) (*models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, filters)
	if len(f.pages) == 0 {
		return emptyPage(), nil
	}
	next := f.pages[0]
	f.pages = f.pages[1:]
	return next, nil
}

func (f *fakeStore) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, nil
}

func (f *fakeStore) LastSyncAt(ctx context.Context) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSync, nil
}

func (f *fakeStore) UpsertBatch(ctx context.Context, records []models.VehicleCacheRecord) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, records)
	f.count += int64(len(records))
	return len(records), 0
}

func (f *fakeStore) PruneAbsent(ctx context.Context, digests []string, uctx models.UpdateContext, ratio float64, floor int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneCalls = append(f.pruneCalls, pruneCall{digests: digests, uctx: uctx})
	return 0, false, nil
}

func (f *fakeStore) CleanupOlderThan(ctx context.Context, window time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeStore) Deduplicate(ctx context.Context) (int64, error) { return 0, nil }

func (f *fakeStore) RebuildDigestIndex(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeStore) InvalidateAll(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deleted := f.count
	f.count = 0
	return deleted, nil
}

type fakeUpstream struct {
	mu          sync.Mutex
	periodCalls int
	notified    chan struct{}

	periodFn   func(ctx context.Context, start, end time.Time) ([]registry.NotificationRecord, error)
	contractFn func(ctx context.Context, number string) (*registry.ContractDetail, error)
}

func (f *fakeUpstream) SearchByPeriod(ctx context.Context, start, end time.Time) ([]registry.NotificationRecord, error) {
	f.mu.Lock()
	f.periodCalls++
	f.mu.Unlock()
	if f.notified != nil {
		select {
		case f.notified <- struct{}{}:
		default:
		}
	}
	if f.periodFn != nil {
		return f.periodFn(ctx, start, end)
	}
	return nil, nil
}

func (f *fakeUpstream) SearchCancelledByPeriod(ctx context.Context, start, end time.Time) ([]registry.NotificationRecord, error) {
	return nil, nil
}

func (f *fakeUpstream) SearchContract(ctx context.Context, number string) (*registry.ContractDetail, error) {
	if f.contractFn != nil {
		return f.contractFn(ctx, number)
	}
	return nil, nil
}

func (f *fakeUpstream) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.periodCalls
}

func testConfig() *config.Config {
	return &config.Config{
		CacheExpiry:             time.Hour,
		RecentDateWindow:        24 * time.Hour,
		FallbackWiden:           30 * 24 * time.Hour,
		RefreshWindow:           30 * 24 * time.Hour,
		RetentionWindow:         90 * 24 * time.Hour,
		SyncTimeout:             5 * time.Second,
		BackgroundTimeout:       time.Minute,
		SweepInterval:           time.Minute,
		PruneSafetyRatio:        0.80,
		PruneMinimumRows:        100,
		DefaultPageSize:         20,
		MaxPageSize:             200,
		FetchRetries:            0,
		FetchRetryBackoff:       time.Millisecond,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         time.Minute,
		BreakerHalfOpenProbes:   1,
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, st *fakeStore, up *fakeUpstream) *Orchestrator {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	cipher, err := crypto.NewFieldCipher("test-passphrase", "test-salt")
	require.NoError(t, err)
	return NewOrchestrator(logger, cfg, st, up, feed.New(logger, cipher))
}

func TestQueryEmptyStoreFetchesSynchronously(t *testing.T) {
	st := &fakeStore{count: 0, pages: []*models.Page{emptyPage(), pageWith(1)}}
	up := &fakeUpstream{periodFn: func(ctx context.Context, start, end time.Time) ([]registry.NotificationRecord, error) {
		return []registry.NotificationRecord{{ContractNumber: "C-1", Plate: "ABC1234"}}, nil
	}}
	o := newTestOrchestrator(t, testConfig(), st, up)

	result, state, err := o.Query(context.Background(), models.QueryFilters{}, 1, 20, "", "")
	require.NoError(t, err)
	assert.Equal(t, StateMissSynchronous, state)
	assert.Len(t, result.Items, 1, "answer comes from the re-read, not the raw feed")
	assert.Equal(t, 1, up.calls())
	require.Len(t, st.upserts, 1)
	require.Len(t, st.pruneCalls, 1, "unfiltered fetch is a full refresh")
	assert.True(t, st.pruneCalls[0].uctx.FullRefresh)
	assert.Len(t, st.pruneCalls[0].digests, 1)
}

func TestQueryFreshHitSkipsNetwork(t *testing.T) {
	now := time.Now()
	st := &fakeStore{count: 5, lastSync: &now, pages: []*models.Page{pageWith(3)}}
	up := &fakeUpstream{}
	o := newTestOrchestrator(t, testConfig(), st, up)

	result, state, err := o.Query(context.Background(), models.QueryFilters{}, 1, 20, "", "")
	require.NoError(t, err)
	assert.Equal(t, StateFreshHit, state)
	assert.Len(t, result.Items, 3)
	assert.Zero(t, up.calls())
}

func TestQueryStaleNonEmptyServesCacheAndRefreshesInBackground(t *testing.T) {
	stale := time.Now().Add(-2 * time.Hour)
	st := &fakeStore{count: 5, lastSync: &stale, pages: []*models.Page{pageWith(2)}}
	up := &fakeUpstream{notified: make(chan struct{}, 1)}
	o := newTestOrchestrator(t, testConfig(), st, up)

	result, state, err := o.Query(context.Background(), models.QueryFilters{}, 1, 20, "", "")
	require.NoError(t, err)
	assert.Equal(t, StateStaleBackground, state)
	assert.Len(t, result.Items, 2, "stale rows are served immediately")

	select {
	case <-up.notified:
	case <-time.After(2 * time.Second):
		t.Fatal("background refresh never reached upstream")
	}
}

func TestQueryRecentStartDateWithEmptyReadFetches(t *testing.T) {
	now := time.Now()
	start := now.Add(-time.Hour)
	st := &fakeStore{count: 5, lastSync: &now, pages: []*models.Page{emptyPage(), emptyPage()}}
	up := &fakeUpstream{}
	o := newTestOrchestrator(t, testConfig(), st, up)

	_, state, err := o.Query(context.Background(), models.QueryFilters{StartDate: &start}, 1, 20, "", "")
	require.NoError(t, err)
	assert.Equal(t, StateMissSynchronous, state)
	assert.Equal(t, 1, up.calls())
}

func TestQueryFilteredFetchNeverPrunes(t *testing.T) {
	st := &fakeStore{count: 0, pages: []*models.Page{emptyPage(), emptyPage()}}
	up := &fakeUpstream{}
	o := newTestOrchestrator(t, testConfig(), st, up)

	_, _, err := o.Query(context.Background(), models.QueryFilters{UF: "SP"}, 1, 20, "", "")
	require.NoError(t, err)
	assert.Empty(t, st.pruneCalls, "a filtered snapshot is partial and must not prune")
}

func TestQuerySyncTimeoutSurfacesAsTimeoutError(t *testing.T) {
	cfg := testConfig()
	cfg.SyncTimeout = 50 * time.Millisecond
	st := &fakeStore{count: 0, pages: []*models.Page{emptyPage()}}
	up := &fakeUpstream{periodFn: func(ctx context.Context, start, end time.Time) ([]registry.NotificationRecord, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o := newTestOrchestrator(t, cfg, st, up)

	_, _, err := o.Query(context.Background(), models.QueryFilters{}, 1, 20, "", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyncTimeout, "timeout must not be converted into an empty success")
}

func TestQueryCircuitOpenFallsBackToCache(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerFailureThreshold = 1
	st := &fakeStore{count: 0, pages: []*models.Page{emptyPage()}}
	up := &fakeUpstream{periodFn: func(ctx context.Context, start, end time.Time) ([]registry.NotificationRecord, error) {
		return nil, fmt.Errorf("%w: 503", registry.ErrUpstreamUnavailable)
	}}
	o := newTestOrchestrator(t, cfg, st, up)

	// First request trips the breaker.
	_, _, err := o.Query(context.Background(), models.QueryFilters{}, 1, 20, "", "")
	require.Error(t, err)

	// Second request short-circuits and is served from the widened cache read.
	st.mu.Lock()
	st.pages = []*models.Page{emptyPage(), pageWith(2)}
	st.mu.Unlock()

	start := time.Now().Add(-48 * time.Hour)
	result, state, err := o.Query(context.Background(), models.QueryFilters{StartDate: &start}, 1, 20, "", "")
	require.NoError(t, err)
	assert.Equal(t, StateCircuitOpenFallback, state)
	assert.Len(t, result.Items, 2)

	st.mu.Lock()
	widened := st.queries[len(st.queries)-1]
	st.mu.Unlock()
	require.NotNil(t, widened.StartDate)
	assert.True(t, widened.StartDate.Before(start), "date window is widened once before giving up")
}

func TestQueryCircuitOpenWithEmptyCacheErrors(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerFailureThreshold = 1
	st := &fakeStore{count: 0}
	up := &fakeUpstream{periodFn: func(ctx context.Context, start, end time.Time) ([]registry.NotificationRecord, error) {
		return nil, fmt.Errorf("%w: 503", registry.ErrUpstreamUnavailable)
	}}
	o := newTestOrchestrator(t, cfg, st, up)

	_, _, err := o.Query(context.Background(), models.QueryFilters{}, 1, 20, "", "")
	require.Error(t, err)

	_, state, err := o.Query(context.Background(), models.QueryFilters{}, 1, 20, "", "")
	assert.Equal(t, StateCircuitOpenFallback, state)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, up.calls(), "open circuit must not attempt the network")
}

func TestQueryRetriesTransientUpstreamFailures(t *testing.T) {
	cfg := testConfig()
	cfg.FetchRetries = 2
	var attempts int
	st := &fakeStore{count: 0, pages: []*models.Page{emptyPage(), pageWith(1)}}
	up := &fakeUpstream{periodFn: func(ctx context.Context, start, end time.Time) ([]registry.NotificationRecord, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("%w: flaky", registry.ErrUpstreamUnavailable)
		}
		return []registry.NotificationRecord{{ContractNumber: "C-1"}}, nil
	}}
	o := newTestOrchestrator(t, cfg, st, up)

	_, _, err := o.Query(context.Background(), models.QueryFilters{}, 1, 20, "", "")
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestQueryAuthenticationFailureIsNotRetried(t *testing.T) {
	cfg := testConfig()
	cfg.FetchRetries = 3
	st := &fakeStore{count: 0, pages: []*models.Page{emptyPage()}}
	up := &fakeUpstream{periodFn: func(ctx context.Context, start, end time.Time) ([]registry.NotificationRecord, error) {
		return nil, fmt.Errorf("%w: bad credentials", registry.ErrAuthentication)
	}}
	o := newTestOrchestrator(t, cfg, st, up)

	_, _, err := o.Query(context.Background(), models.QueryFilters{}, 1, 20, "", "")
	assert.ErrorIs(t, err, registry.ErrAuthentication)
	assert.Equal(t, 1, up.calls(), "the client layer already retried once")
}

func TestGetContractServedFromCache(t *testing.T) {
	st := &fakeStore{count: 1, pages: []*models.Page{pageWith(1)}}
	up := &fakeUpstream{contractFn: func(ctx context.Context, number string) (*registry.ContractDetail, error) {
		t.Fatal("cache hit must not reach upstream")
		return nil, nil
	}}
	o := newTestOrchestrator(t, testConfig(), st, up)

	record, err := o.GetContract(context.Background(), "C-1")
	require.NoError(t, err)
	require.NotNil(t, record)
}

func TestGetContractNotFoundIsNil(t *testing.T) {
	st := &fakeStore{}
	up := &fakeUpstream{}
	o := newTestOrchestrator(t, testConfig(), st, up)

	record, err := o.GetContract(context.Background(), "C-404")
	require.NoError(t, err, "not found is a first-class empty result")
	assert.Nil(t, record)
}

func TestGetContractWritesThrough(t *testing.T) {
	st := &fakeStore{}
	up := &fakeUpstream{contractFn: func(ctx context.Context, number string) (*registry.ContractDetail, error) {
		return &registry.ContractDetail{NotificationRecord: registry.NotificationRecord{
			ContractNumber: number,
			Plate:          "ABC1234",
			CreditorName:   "Banco Alfa",
		}}, nil
	}}
	o := newTestOrchestrator(t, testConfig(), st, up)

	record, err := o.GetContract(context.Background(), "C-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "ABC1234", record.Plate, "response side stays plaintext")
	require.Len(t, st.upserts, 1)
	assert.NotEmpty(t, st.upserts[0][0].PlateDigest, "cache side carries digests")
}

func TestStatus(t *testing.T) {
	t.Run("empty cache", func(t *testing.T) {
		o := newTestOrchestrator(t, testConfig(), &fakeStore{}, &fakeUpstream{})
		status, err := o.Status(context.Background())
		require.NoError(t, err)
		assert.False(t, status.Valid)
		assert.Zero(t, status.TotalRecords)
	})

	t.Run("fresh cache", func(t *testing.T) {
		now := time.Now()
		o := newTestOrchestrator(t, testConfig(), &fakeStore{count: 10, lastSync: &now}, &fakeUpstream{})
		status, err := o.Status(context.Background())
		require.NoError(t, err)
		assert.True(t, status.Valid)
		assert.Equal(t, int64(10), status.TotalRecords)
	})

	t.Run("stale cache", func(t *testing.T) {
		stale := time.Now().Add(-3 * time.Hour)
		o := newTestOrchestrator(t, testConfig(), &fakeStore{count: 10, lastSync: &stale}, &fakeUpstream{})
		status, err := o.Status(context.Background())
		require.NoError(t, err)
		assert.False(t, status.Valid)
		assert.GreaterOrEqual(t, status.MinutesSinceSync, int64(180))
	})
}

func TestDecideTransitions(t *testing.T) {
	cfg := testConfig()
	o := newTestOrchestrator(t, cfg, &fakeStore{}, &fakeUpstream{})

	now := time.Now()
	fresh := now.Add(-10 * time.Minute)
	expired := now.Add(-2 * time.Hour)
	recent := now.Add(-time.Hour)
	old := now.Add(-10 * 24 * time.Hour)

	tests := []struct {
		name      string
		count     int64
		lastSync  *time.Time
		readEmpty bool
		start     *time.Time
		want      RequestState
	}{
		{"empty store", 0, nil, true, nil, StateMissSynchronous},
		{"expired and empty read", 50, &expired, true, nil, StateMissSynchronous},
		{"recent start date, empty read", 50, &fresh, true, &recent, StateMissSynchronous},
		{"stale but non-empty", 50, &expired, false, nil, StateStaleBackground},
		{"fresh with rows", 50, &fresh, false, nil, StateFreshHit},
		{"fresh, empty read, old start date", 50, &fresh, true, &old, StateFreshHit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, o.decide(tt.count, tt.lastSync, tt.readEmpty, tt.start))
		})
	}
}

func TestErrorsAreDistinguishable(t *testing.T) {
	assert.False(t, errors.Is(ErrSyncTimeout, ErrCircuitOpen))
	assert.False(t, errors.Is(ErrCircuitOpen, registry.ErrUpstreamUnavailable))
}
