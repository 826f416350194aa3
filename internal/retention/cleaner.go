// Package retention deletes readings past their age limit once a day.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/smukkama/weather-monitor/internal/cache"
	"github.com/smukkama/weather-monitor/internal/logging"
	"github.com/smukkama/weather-monitor/internal/metrics"
	"github.com/smukkama/weather-monitor/pkg/config"
)

const runTimeout = 5 * time.Minute

type Store interface {
	DeleteReadingsOlderThan(ctx context.Context, days int) (int64, error)
}

type Cleaner struct {
	store     Store
	cache     cache.Cache
	cfg       config.RetentionConfig
	scheduler *gocron.Scheduler
	logger    zerolog.Logger
}

// New creates a cleaner whose daily run time is read in loc.
func New(store Store, c cache.Cache, cfg config.RetentionConfig, loc *time.Location, logger zerolog.Logger) *Cleaner {
	if loc == nil {
		loc = time.UTC
	}
	return &Cleaner{
		store:     store,
		cache:     c,
		cfg:       cfg,
		scheduler: gocron.NewScheduler(loc),
		logger:    logging.Component(logger, "retention"),
	}
}

// Run deletes readings older than DaysToKeep and drops the cache entries
// that could still reference them. Alert events cascade with their
// readings, so the alert caches go too.
func (c *Cleaner) Run(ctx context.Context) (int64, error) {
	deleted, err := c.store.DeleteReadingsOlderThan(ctx, c.cfg.DaysToKeep)
	if err != nil {
		return 0, fmt.Errorf("retention cleanup: %w", err)
	}
	metrics.AddRetentionDeleted(deleted)

	if deleted > 0 {
		c.cache.DeleteByPattern(ctx, cache.AllHistoryPattern)
		c.cache.DeleteByPattern(ctx, cache.RecentAlertsPattern)
		c.cache.Delete(ctx, cache.KeyStatistics, cache.KeyAlertStatistics)
	}
	c.logger.Info().Int64("deleted", deleted).Int("days_to_keep", c.cfg.DaysToKeep).Msg("old readings removed")
	return deleted, nil
}

// Start schedules Run once a day at RunAt ("HH:MM").
func (c *Cleaner) Start() error {
	job, err := c.scheduler.Every(1).Day().At(c.cfg.RunAt).SingletonMode().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		if _, err := c.Run(ctx); err != nil {
			c.logger.Error().Err(err).Msg("scheduled cleanup failed")
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling retention at %q: %w", c.cfg.RunAt, err)
	}

	c.scheduler.StartAsync()
	c.logger.Info().Time("next_run", job.NextRun()).Msg("retention cleanup scheduled")
	return nil
}

func (c *Cleaner) NextRun() time.Time {
	jobs := c.scheduler.Jobs()
	if len(jobs) == 0 {
		return time.Time{}
	}
	return jobs[0].NextRun()
}

// Stop stops the scheduler. A running cleanup is not interrupted.
func (c *Cleaner) Stop() {
	c.scheduler.Stop()
}
