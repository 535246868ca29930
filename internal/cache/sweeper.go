package cache

import (
	"context"
	"time"

	"github.com/sdko-org/vehicle-registry-cache/internal/config"
	"github.com/sirupsen/logrus"
)

// Sweeper runs the periodic maintenance passes: age-based retention cleanup
// and the duplicate-row sweep.
type Sweeper struct {
	logger *logrus.Logger
	store  Store
	cfg    *config.Config
}

func NewSweeper(logger *logrus.Logger, store Store, cfg *config.Config) *Sweeper {
	return &Sweeper{
		logger: logger,
		store:  store,
		cfg:    cfg,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	logEntry := s.logger.WithField("component", "cache_sweeper")
	logEntry.Info("Starting cache sweeper")

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx, logEntry)
		case <-ctx.Done():
			logEntry.Info("Stopping cache sweeper")
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context, log *logrus.Entry) {
	log = log.WithField("operation", "cache_sweep")

	removed, err := s.store.CleanupOlderThan(ctx, s.cfg.RetentionWindow)
	if err != nil {
		log.WithError(err).Error("Retention cleanup failed")
	} else if removed > 0 {
		log.WithField("removed", removed).Info("Retention cleanup removed expired records")
	}

	deduped, err := s.store.Deduplicate(ctx)
	if err != nil {
		log.WithError(err).Error("Deduplication sweep failed")
	} else if deduped > 0 {
		log.WithField("removed", deduped).Info("Deduplication sweep removed duplicate records")
	}
}
