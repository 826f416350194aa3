package collector

import (
	"context"
	"time"

	"github.com/smukkama/weather-monitor/internal/cache"
	"github.com/smukkama/weather-monitor/internal/database"
)

// Start schedules the automatic collection: a first run after the initial
// delay, then one per interval.
func (c *Collector) Start() error {
	c.sched.Start()
	if err := c.sched.Every(tickTaskID, c.cfg.InitialDelay, c.cfg.Interval, c.tick); err != nil {
		return err
	}
	c.logger.Info().
		Dur("initial_delay", c.cfg.InitialDelay).
		Dur("interval", c.cfg.Interval).
		Msg("automatic collection scheduled")
	return nil
}

// Stop cancels the recurring tick and waits for an in-flight run to finish
// or for ctx to expire.
func (c *Collector) Stop(ctx context.Context) error {
	c.sched.Cancel(tickTaskID)
	return c.sched.Stop(ctx)
}

// tick runs detached from any request so shutdown lets it finish.
func (c *Collector) tick() {
	res, err := c.Collect(context.Background(), Options{Source: database.SourceAutomatic})
	if err != nil {
		c.logger.Error().Err(err).Msg("automatic collection failed")
		return
	}
	for _, f := range res.Failed() {
		c.logger.Warn().Int64("city_id", f.CityID).Str("city", f.CityName).Str("error", f.Error).Msg("city failed in automatic collection")
	}
}

// Freshness tells where RefreshIfStale got its rows from
type Freshness string

const (
	FromDatabase Freshness = "database"
	FromProvider Freshness = "provider"
)

// RefreshIfStale returns the latest reading per city. When there is none,
// or none captured within StaleAfter, a live batch fetch is stored first.
func (c *Collector) RefreshIfStale(ctx context.Context) ([]database.Reading, Freshness, error) {
	latest, err := c.store.LatestReadingPerCity(ctx)
	if err != nil {
		return nil, "", err
	}
	if hasRecent(latest, c.now().Add(-c.cfg.StaleAfter)) {
		return latest, FromDatabase, nil
	}

	c.logger.Info().Int("rows", len(latest)).Msg("current readings are stale, collecting live")
	if err := c.collectLive(ctx); err != nil {
		return nil, "", err
	}

	latest, err = c.store.LatestReadingPerCity(ctx)
	if err != nil {
		return nil, "", err
	}
	return latest, FromProvider, nil
}

func hasRecent(readings []database.Reading, cutoff time.Time) bool {
	for _, r := range readings {
		if r.CapturedAt.After(cutoff) {
			return true
		}
	}
	return false
}

// collectLive fetches every active city through the batch client and
// stores the results with the live source.
func (c *Collector) collectLive(ctx context.Context) error {
	cities, err := c.store.ListActiveCities(ctx)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(cities))
	for _, city := range cities {
		ids = append(ids, city.ProviderID)
	}

	batch := c.provider.FetchBatch(ctx, ids)
	for _, f := range batch.Failures {
		c.logger.Warn().Err(f.Err).Int64("provider_id", f.ProviderID).Msg("live fetch failed")
	}

	stored := 0
	for _, city := range cities {
		cond, ok := batch.Results[city.ProviderID]
		if !ok {
			continue
		}
		reading, err := c.persist(ctx, city, cond, database.SourceLive)
		if err != nil {
			c.logger.Error().Err(err).Str("city", city.Name).Msg("failed to store live reading")
			continue
		}
		stored++
		if _, err := c.alerts.Process(ctx, city, *reading); err != nil {
			c.logger.Error().Err(err).Str("city", city.Name).Msg("alert evaluation failed")
		}
	}

	if stored > 0 {
		c.cache.Delete(ctx, cache.KeyCurrentReadings, cache.KeyStatistics)
	}
	c.logger.Info().Int("stored", stored).Int("failed", len(batch.Failures)).Msg("live collection finished")
	return nil
}
